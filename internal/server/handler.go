package server

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/licdir/licdir/internal/directory"
	"github.com/licdir/licdir/internal/observability"
	"github.com/licdir/licdir/internal/ratelimit"
	"github.com/licdir/licdir/internal/service"
)

var tracer = otel.Tracer("licdir.server")

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// requestIDRng is a per-goroutine-safe CSPRNG seeded from crypto/rand.
// ChaCha8 is cryptographically strong and avoids a syscall per ID
// (unlike crypto/rand.Read), which reduces latency under high concurrency.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
func generateRequestID() string {
	var buf [16]byte
	for i := 0; i < len(buf); i += 8 {
		v := requestIDRng.Uint64()
		binary.LittleEndian.PutUint64(buf[i:], v)
	}
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to propagate.
// Rejects IDs that are too long or contain non-printable / injection characters.
// Allowed characters: alphanumeric, hyphens, underscores, dots, colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// searchResponse is the success envelope for the search endpoint.
type searchResponse struct {
	Success bool                   `json:"success"`
	Data    []service.MaskedResult `json:"data"`
	Count   int                    `json:"count"`
}

// jsonErrorResponse is the structured error body returned by licdir.
type jsonErrorResponse struct {
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
}

// writeJSONError writes a structured JSON error response. The Content-Type
// is set to application/json. Any existing Retry-After header is preserved.
func writeJSONError(w http.ResponseWriter, code int, errType, message string, retryAfter float64) {
	resp := jsonErrorResponse{
		Error:      errType,
		Message:    message,
		RetryAfter: retryAfter,
		RequestID:  w.Header().Get(requestIDHeader),
	}
	body, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and middleware that check for
// underlying interfaces.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// Handler is the public search endpoint. It extracts the client key,
// delegates to the search service, and renders the JSON envelope.
type Handler struct {
	svc     *service.Service
	logger  *slog.Logger
	metrics *observability.Metrics

	// keyStrategy is swapped atomically on config reload.
	keyStrategy atomic.Pointer[ratelimit.KeyStrategy]
}

// NewHandler creates the search handler.
func NewHandler(svc *service.Service, ks ratelimit.KeyStrategy, logger *slog.Logger, metrics *observability.Metrics) *Handler {
	h := &Handler{
		svc:     svc,
		logger:  logger,
		metrics: metrics,
	}
	h.keyStrategy.Store(&ks)
	return h
}

// SwapKeyStrategy atomically replaces the key extraction strategy.
// Used for config hot-reload.
func (h *Handler) SwapKeyStrategy(ks ratelimit.KeyStrategy) {
	h.keyStrategy.Store(&ks)
}

// ServeHTTP handles GET /search?q=<term>.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	// Propagate or generate X-Request-Id for request correlation.
	// Validate client-supplied IDs to prevent CRLF injection and log pollution.
	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(requestIDHeader, reqID)
	}
	sw.Header().Set(requestIDHeader, reqID)

	defer func() {
		duration := time.Since(start).Seconds()
		h.metrics.PromRequestDuration.WithLabelValues(
			r.Method,
			strconv.Itoa(sw.code),
		).Observe(duration)
		sw.ResponseWriter = nil // prevent dangling reference
		statusWriterPool.Put(sw)
	}()

	if r.Method != http.MethodGet {
		sw.Header().Set("Allow", http.MethodGet)
		writeJSONError(sw, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported", 0)
		return
	}

	key, err := (*h.keyStrategy.Load()).Extract(r)
	if err != nil {
		h.logger.Warn("client key extraction failed", "error", err, "request_id", reqID)
		writeJSONError(sw, http.StatusInternalServerError, "key_extraction_failed", "could not identify client", 0)
		return
	}

	term := r.URL.Query().Get("q")

	ctx, span := tracer.Start(r.Context(), "licdir.search")
	span.SetAttributes(attribute.String("search.client", key))
	results, err := h.svc.Query(ctx, key, term)
	span.End()

	if err != nil {
		h.serveError(sw, reqID, err)
		return
	}

	if results == nil {
		results = []service.MaskedResult{}
	}
	body, _ := json.Marshal(searchResponse{
		Success: true,
		Data:    results,
		Count:   len(results),
	})
	sw.Header().Set("Content-Type", "application/json")
	_, _ = sw.Write(body)
}

func (h *Handler) serveError(w http.ResponseWriter, reqID string, err error) {
	var verr *service.ValidationError
	var rlErr *service.RateLimitError

	switch {
	case errors.As(err, &verr):
		writeJSONError(w, http.StatusBadRequest, "invalid_term", verr.Message, 0)

	case errors.As(err, &rlErr):
		retrySeconds := math.Ceil(rlErr.RetryAfter.Seconds())
		if retrySeconds < 1 {
			retrySeconds = 1
		}
		w.Header().Set("Retry-After", strconv.FormatFloat(retrySeconds, 'f', 0, 64))
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "Too Many Requests", retrySeconds)

	case errors.Is(err, directory.ErrUpstream):
		writeJSONError(w, http.StatusServiceUnavailable, "upstream_unavailable", "licensee directory is temporarily unavailable", 0)

	default:
		h.logger.Error("search failed", "error", err, "request_id", reqID)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "internal server error", 0)
	}
}
