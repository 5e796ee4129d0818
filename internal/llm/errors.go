package llm

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// APIError is a structured API error with retry metadata, adapted from the
// teacher's provider.APIError.
type APIError struct {
	StatusCode   int
	ErrorType    string
	Message      string
	RetryAfterMs int
}

func (e *APIError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("%s: %s", e.ErrorType, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true for rate-limit and overload errors.
func (e *APIError) IsRetryable() bool {
	switch e.StatusCode {
	case 429, 503, 529:
		return true
	}
	switch e.ErrorType {
	case "rate_limit_error", "overloaded_error":
		return true
	}
	if e.StatusCode == 0 && e.ErrorType != "" {
		return e.ErrorType == "overloaded_error" || e.ErrorType == "api_error"
	}
	return false
}

// NewAPIError builds an APIError from HTTP response metadata.
func NewAPIError(statusCode int, errorType, message string, header http.Header) *APIError {
	return &APIError{
		StatusCode:   statusCode,
		ErrorType:    errorType,
		Message:      message,
		RetryAfterMs: parseRetryAfter(header),
	}
}

// parseRetryAfter checks Anthropic's retry-after-ms first, then the
// standard Retry-After header (seconds or RFC1123 date).
func parseRetryAfter(h http.Header) int {
	if h == nil {
		return 0
	}
	if ms := h.Get("retry-after-ms"); ms != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(ms)); err == nil && v > 0 {
			return v
		}
	}
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
		return secs * 1000
	}
	if t, err := time.Parse(time.RFC1123, ra); err == nil {
		if ms := int(time.Until(t).Milliseconds()); ms > 0 {
			return ms
		}
	}
	return 0
}
