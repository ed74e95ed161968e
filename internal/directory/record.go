// Package directory models the licensee directory dataset: the upstream
// record shape, the fetch client, the TTL cache with serve-stale-on-error,
// and the optional Redis-backed snapshot store.
package directory

import (
	"strconv"
	"strings"
)

// Record is one licensee entry as delivered by the upstream directory.
// The payload is untrusted; Valid reports whether the minimum required
// fields are present.
type Record struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	Status            string `json:"status"`
	TaxID             string `json:"taxId"`
	TaxIDSearchDigits string `json:"taxIdSearchDigits,omitempty"`
	City              string `json:"city,omitempty"`
	State             string `json:"state,omitempty"`
}

// Valid reports whether the record carries the required minimum fields.
func (r Record) Valid() bool {
	return r.ID != 0 && r.Name != "" && r.Status != ""
}

// CanonicalDigits returns the digit-only tax identifier used for matching
// and masking: taxIdSearchDigits when present, otherwise taxId. Either
// source is stripped to digits; the payload is untrusted and a punctuated
// value would otherwise corrupt matching and masking.
func (r Record) CanonicalDigits() string {
	if r.TaxIDSearchDigits != "" {
		return Digits(r.TaxIDSearchDigits)
	}
	return Digits(r.TaxID)
}

// IDString returns the record ID in decimal form for identifier matching.
func (r Record) IDString() string {
	return strconv.FormatInt(r.ID, 10)
}

// Digits strips every non-digit rune from s.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
