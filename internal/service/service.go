// Package service orchestrates a licensee search: term validation, rate
// limiting, dataset lookup, matching, and identifier masking.
package service

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/licdir/licdir/internal/audit"
	"github.com/licdir/licdir/internal/directory"
	"github.com/licdir/licdir/internal/ratelimit"
	"github.com/licdir/licdir/internal/search"
)

const (
	minTermLength = 3
	maxTermLength = 100
)

// Dataset provides the current licensee records.
type Dataset interface {
	Get(ctx context.Context) ([]directory.Record, error)
}

// Limiter gates requests per client key.
type Limiter interface {
	Allow(key string) ratelimit.Decision
}

// MaskedResult is a search hit with the tax identifier masked. The raw
// identifier never leaves the service.
type MaskedResult struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	MaskedTaxID string `json:"maskedTaxId"`
	City        string `json:"city"`
	State       string `json:"state"`
}

// Service handles search queries end to end.
type Service struct {
	dataset Dataset
	limiter Limiter
	trail   *audit.Log
	logger  *slog.Logger

	// Metric hooks, set by the server during wiring. May be nil.
	OnSearch          func()
	OnSearchError     func()
	OnRateLimited     func()
	OnValidationError func()
	OnResultCount     func(n int)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service. The audit trail may be nil, in which case
// queries are not recorded.
func NewService(dataset Dataset, limiter Limiter, trail *audit.Log, opts ...Option) *Service {
	s := &Service{
		dataset: dataset,
		limiter: limiter,
		trail:   trail,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Query validates the term, enforces the client's rate limit, and searches
// the dataset. Returned records carry masked identifiers only.
//
// Errors are *ValidationError for a bad term, *RateLimitError when the
// client exceeded its budget, and errors wrapping directory.ErrUpstream
// when no dataset is available.
func (s *Service) Query(ctx context.Context, clientID, term string) ([]MaskedResult, error) {
	term = strings.TrimSpace(term)
	if n := utf8.RuneCountInString(term); n < minTermLength || n > maxTermLength {
		if s.OnValidationError != nil {
			s.OnValidationError()
		}
		return nil, &ValidationError{
			Message: "search term must be between 3 and 100 characters",
		}
	}

	if d := s.limiter.Allow(clientID); !d.Allowed {
		if s.OnRateLimited != nil {
			s.OnRateLimited()
		}
		s.logger.Warn("client rate limited",
			"client_id", clientID,
			"retry_after", d.RetryAfter)
		return nil, &RateLimitError{RetryAfter: d.RetryAfter}
	}

	if s.OnSearch != nil {
		s.OnSearch()
	}

	records, err := s.dataset.Get(ctx)
	if err != nil {
		if s.OnSearchError != nil {
			s.OnSearchError()
		}
		s.logger.Error("dataset unavailable", "error", err)
		return nil, err
	}

	matches := search.Search(records, term)
	results := make([]MaskedResult, 0, len(matches))
	for _, r := range matches {
		results = append(results, MaskedResult{
			ID:          r.ID,
			Name:        r.Name,
			Status:      r.Status,
			MaskedTaxID: search.Mask(r.CanonicalDigits(), r.TaxID),
			City:        r.City,
			State:       r.State,
		})
	}

	if s.OnResultCount != nil {
		s.OnResultCount(len(results))
	}
	if s.trail != nil {
		s.trail.Record(clientID, term, len(results))
	}

	s.logger.Debug("search completed",
		"client_id", clientID,
		"term", term,
		"results", len(results))

	return results, nil
}
