// Package search implements matching over the licensee dataset and masking
// of tax identifiers for display.
//
// Matching runs one of two strategies depending on the shape of the query.
// Identifier-like terms match on digits (exact ID, canonical tax digits,
// partial ID); free-text terms match on name tokens. The two never blend: a
// digit fragment must not match a street number buried in a name, and a name
// must not match a tax identifier.
package search

import (
	"strings"

	"github.com/licdir/licdir/internal/directory"
)

// Search returns the records matching term. The term must already be
// validated for length; Search only normalizes it.
func Search(dataset []directory.Record, term string) []directory.Record {
	normalized := strings.ToLower(strings.TrimSpace(term))
	if normalized == "" {
		return nil
	}

	if isIdentifierLike(normalized) {
		return matchIdentifier(dataset, normalized)
	}
	return matchText(dataset, normalized)
}

// isIdentifierLike classifies a normalized term as an identifier query:
// purely numeric, or consisting only of digits and the punctuation used in
// formatted tax identifiers (dots, hyphens, slashes) with at least 3 digits.
func isIdentifierLike(term string) bool {
	if isNumeric(term) {
		return true
	}

	var kept strings.Builder
	digits := 0
	for _, r := range term {
		switch {
		case r >= '0' && r <= '9':
			kept.WriteRune(r)
			digits++
		case r == '.' || r == '-' || r == '/':
			kept.WriteRune(r)
		}
	}
	return kept.String() == term && digits >= 3
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// matchIdentifier resolves an identifier-like term. A purely numeric term
// that equals a record ID returns exactly that record; otherwise the digit
// form of the term is matched against each record's canonical tax digits,
// with a partial-ID fallback for numeric terms. Identifier queries never
// fall through to text matching.
func matchIdentifier(dataset []directory.Record, term string) []directory.Record {
	numeric := isNumeric(term)

	if numeric {
		for _, rec := range dataset {
			if rec.IDString() == term {
				return []directory.Record{rec}
			}
		}
	}

	termDigits := directory.Digits(term)
	var matches []directory.Record
	for _, rec := range dataset {
		d := rec.CanonicalDigits()
		if d != "" && strings.Contains(d, termDigits) {
			matches = append(matches, rec)
		}
	}
	if len(matches) > 0 {
		return matches
	}

	if numeric {
		for _, rec := range dataset {
			if strings.HasPrefix(rec.IDString(), term) {
				matches = append(matches, rec)
			}
		}
	}
	return matches
}

// matchText requires every query token to be a prefix of at least one token
// of the record's name, order-independent. This is stricter than substring
// search: "joão silva" matches "João da Silva Neto" but not "Joana
// Silvestre".
func matchText(dataset []directory.Record, term string) []directory.Record {
	queryTokens := strings.Fields(term)
	if len(queryTokens) == 0 {
		return nil
	}

	var matches []directory.Record
	for _, rec := range dataset {
		nameTokens := strings.Fields(strings.ToLower(rec.Name))
		if allTokensMatch(queryTokens, nameTokens) {
			matches = append(matches, rec)
		}
	}
	return matches
}

func allTokensMatch(queryTokens, nameTokens []string) bool {
	for _, q := range queryTokens {
		found := false
		for _, n := range nameTokens {
			if strings.HasPrefix(n, q) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
