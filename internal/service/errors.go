package service

import (
	"fmt"
	"time"
)

// ValidationError reports a search term the service refuses to process.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// RateLimitError reports that the client exhausted its request budget.
type RateLimitError struct {
	// RetryAfter is how long until the client's window resets.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %s", e.RetryAfter.Round(time.Second))
}
