package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/licdir/licdir/internal/audit"
	"github.com/licdir/licdir/internal/directory"
	"github.com/licdir/licdir/internal/observability"
	"github.com/licdir/licdir/internal/ratelimit"
	"github.com/licdir/licdir/internal/service"
)

type fixedDataset struct {
	records []directory.Record
	err     error
}

func (d *fixedDataset) Get(_ context.Context) ([]directory.Record, error) {
	return d.records, d.err
}

func newTestHandler(t *testing.T, ds service.Dataset, maxRequests int64) *Handler {
	t.Helper()
	limiter := ratelimit.NewLimiter(maxRequests, time.Minute)
	t.Cleanup(limiter.Close)

	svc := service.NewService(ds, limiter, audit.NewLog(10), service.WithLogger(testLogger()))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewHandler(svc, &ratelimit.ClientIPStrategy{}, testLogger(), metrics)
}

func testHandlerDataset() *fixedDataset {
	return &fixedDataset{records: []directory.Record{
		{ID: 42, Name: "Polo Alfa", Status: "ativo", TaxID: "12.345.678/0001-99", TaxIDSearchDigits: "12345678000199", City: "Lisboa", State: "LX"},
	}}
}

func doSearch(h *Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.RemoteAddr = "10.0.0.1:12345"
	h.ServeHTTP(w, r)
	return w
}

func TestHandlerSearch(t *testing.T) {
	t.Run("returns success envelope with masked results", func(t *testing.T) {
		h := newTestHandler(t, testHandlerDataset(), 100)

		w := doSearch(h, "/search?q=polo+alfa")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var resp searchResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, 1, resp.Count)
		require.Len(t, resp.Data, 1)
		assert.Equal(t, "12.34*.***/****-**", resp.Data[0].MaskedTaxID)
	})

	t.Run("empty match set serialises data as empty array", func(t *testing.T) {
		h := newTestHandler(t, testHandlerDataset(), 100)

		w := doSearch(h, "/search?q=nomatch")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"success":true,"data":[],"count":0}`, w.Body.String())
	})

	t.Run("returns 400 for invalid terms", func(t *testing.T) {
		h := newTestHandler(t, testHandlerDataset(), 100)

		w := doSearch(h, "/search?q=ab")
		require.Equal(t, http.StatusBadRequest, w.Code)

		var resp jsonErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "invalid_term", resp.Error)
		assert.NotEmpty(t, resp.RequestID)
	})

	t.Run("returns 429 with Retry-After when limited", func(t *testing.T) {
		h := newTestHandler(t, testHandlerDataset(), 1)

		w := doSearch(h, "/search?q=polo")
		require.Equal(t, http.StatusOK, w.Code)

		w = doSearch(h, "/search?q=polo")
		require.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.NotEmpty(t, w.Header().Get("Retry-After"))

		var resp jsonErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "rate_limited", resp.Error)
		assert.GreaterOrEqual(t, resp.RetryAfter, float64(1))
	})

	t.Run("returns 503 when the dataset is unavailable", func(t *testing.T) {
		ds := &fixedDataset{err: fmt.Errorf("fetch: %w", directory.ErrUpstream)}
		h := newTestHandler(t, ds, 100)

		w := doSearch(h, "/search?q=silva")
		require.Equal(t, http.StatusServiceUnavailable, w.Code)

		var resp jsonErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "upstream_unavailable", resp.Error)
	})

	t.Run("rejects non-GET methods", func(t *testing.T) {
		h := newTestHandler(t, testHandlerDataset(), 100)

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/search?q=silva", nil)
		r.RemoteAddr = "10.0.0.1:12345"
		h.ServeHTTP(w, r)

		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		assert.Equal(t, http.MethodGet, w.Header().Get("Allow"))
	})

	t.Run("returns 500 when the client key cannot be extracted", func(t *testing.T) {
		h := newTestHandler(t, testHandlerDataset(), 100)
		h.SwapKeyStrategy(&ratelimit.HeaderStrategy{HeaderName: "X-Client-Id"})

		w := doSearch(h, "/search?q=silva")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestHandlerRequestID(t *testing.T) {
	t.Run("generates an ID when the client sends none", func(t *testing.T) {
		h := newTestHandler(t, testHandlerDataset(), 100)

		w := doSearch(h, "/search?q=polo")
		id := w.Header().Get(requestIDHeader)
		assert.Len(t, id, 32)
	})

	t.Run("propagates a valid client-supplied ID", func(t *testing.T) {
		h := newTestHandler(t, testHandlerDataset(), 100)

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/search?q=polo", nil)
		r.RemoteAddr = "10.0.0.1:12345"
		r.Header.Set(requestIDHeader, "client-id-123")
		h.ServeHTTP(w, r)

		assert.Equal(t, "client-id-123", w.Header().Get(requestIDHeader))
	})

	t.Run("replaces an invalid client-supplied ID", func(t *testing.T) {
		h := newTestHandler(t, testHandlerDataset(), 100)

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/search?q=polo", nil)
		r.RemoteAddr = "10.0.0.1:12345"
		r.Header.Set(requestIDHeader, "bad\r\nid")
		h.ServeHTTP(w, r)

		got := w.Header().Get(requestIDHeader)
		assert.NotEqual(t, "bad\r\nid", got)
		assert.Len(t, got, 32)
	})
}

func TestGenerateRequestID(t *testing.T) {
	t.Run("produces unique 32-char hex IDs", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			id := generateRequestID()
			assert.Len(t, id, 32)
			assert.False(t, seen[id], "duplicate ID %s", id)
			seen[id] = true
		}
	})
}

func TestValidRequestID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"simple alphanumeric", "abc123", true},
		{"uuid style", "550e8400-e29b-41d4-a716-446655440000", true},
		{"with allowed punctuation", "trace:span_1.2", true},
		{"empty", "", false},
		{"crlf injection", "id\r\nX-Evil: 1", false},
		{"space", "id with space", false},
		{"too long", string(make([]byte, maxRequestIDLen+1)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validRequestID(tt.id))
		})
	}
}
