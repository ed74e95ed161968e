package search

import "strings"

// maskUnavailable is returned when neither digits nor a display fallback
// exist for a record.
const maskUnavailable = "—"

// Mask redacts a canonical digit-only tax identifier for display, keeping
// just enough leading digits for a person to recognize their own record:
//
//	11 digits (CPF):  123.4**.**-**
//	14 digits (CNPJ): 12.34*.***/****-**
//	other lengths:    first 4 digits, one * per remaining digit
//
// Inputs with fewer than 4 digits cannot be masked meaningfully, so the
// display fallback is returned unchanged (it is typically already masked or
// empty upstream).
func Mask(canonicalDigits, fallback string) string {
	if len(canonicalDigits) < 4 {
		if fallback == "" {
			return maskUnavailable
		}
		return fallback
	}

	switch len(canonicalDigits) {
	case 11:
		return canonicalDigits[:3] + "." + canonicalDigits[3:4] + "**.**-**"
	case 14:
		return canonicalDigits[:2] + "." + canonicalDigits[2:4] + "*.***/****-**"
	default:
		return canonicalDigits[:4] + strings.Repeat("*", len(canonicalDigits)-4)
	}
}
