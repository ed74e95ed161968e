package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/licdir/licdir/internal/config"
)

// KeyStrategy extracts a rate-limit key from an HTTP request.
type KeyStrategy interface {
	Extract(req *http.Request) (string, error)
}

// ClientIPStrategy extracts the client IP from standard proxy headers or
// RemoteAddr.
type ClientIPStrategy struct{}

// Extract returns the client IP, checking X-Forwarded-For, X-Real-IP, then
// RemoteAddr.
func (s *ClientIPStrategy) Extract(req *http.Request) (string, error) {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip, nil
		}
	}

	if xri := req.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri), nil
	}

	ip, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr, nil
	}

	return ip, nil
}

// HeaderStrategy extracts a value from a specific request header.
type HeaderStrategy struct {
	HeaderName string
}

// Extract returns the header value, or an error if the header is missing or
// empty.
func (s *HeaderStrategy) Extract(req *http.Request) (string, error) {
	v := req.Header.Get(s.HeaderName)
	if v == "" {
		return "", fmt.Errorf("header %q is empty or missing", s.HeaderName)
	}
	return v, nil
}

// NewKeyStrategy creates a KeyStrategy from the configuration.
func NewKeyStrategy(cfg config.KeyStrategyConfig) (KeyStrategy, error) {
	switch cfg.Type {
	case config.KeyStrategyClientIP, "":
		return &ClientIPStrategy{}, nil
	case config.KeyStrategyHeader:
		if cfg.HeaderName == "" {
			return nil, fmt.Errorf("header_name is required when type is %q", cfg.Type)
		}
		return &HeaderStrategy{HeaderName: http.CanonicalHeaderKey(cfg.HeaderName)}, nil
	default:
		return nil, fmt.Errorf("unknown key strategy type %q: must be clientip or header", cfg.Type)
	}
}
