package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/batalabs/lcm/internal/config"
)

// Retry parameters from spec §4.B: "bounded exponential-backoff retries on
// transient failures (default 5 attempts, base 1 s, cap 30 s)".
const (
	maxRetries      = 5
	retryInitialWait = 1 * time.Second
	retryMaxWait     = 30 * time.Second
	retryMultiplier  = 2
)

// call is one attempt at an LLM API round trip.
type call func(ctx context.Context) error

// withRetry runs fn with bounded exponential backoff on retryable errors,
// adapted from the teacher's agent.callProviderWithRetry. Non-retryable
// errors return immediately; after maxRetries attempts the last error is wrapped as
// LLMUnavailable by the caller (internal/llm's exported methods do that, not
// this helper, so it stays provider-agnostic).
func withRetry(ctx context.Context, logger *config.Logger, fn call) error {
	wait := retryInitialWait

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= maxRetries-1 {
			return err
		}

		var apiErr *APIError
		retryWait := wait
		var label string
		switch {
		case errors.As(err, &apiErr) && apiErr.IsRetryable():
			if apiErr.RetryAfterMs > 0 {
				retryWait = time.Duration(apiErr.RetryAfterMs) * time.Millisecond
			} else if retryWait > retryMaxWait {
				retryWait = retryMaxWait
			}
			label = "rate limited"
			if apiErr.StatusCode == 529 || apiErr.ErrorType == "overloaded_error" {
				label = "API overloaded"
			} else if apiErr.StatusCode == 503 {
				label = "service unavailable"
			}
		case isStreamError(err):
			if retryWait > retryMaxWait {
				retryWait = retryMaxWait
			}
			label = "connection lost"
		default:
			return err
		}

		if logger != nil {
			logger.Printf("llm: %s, retrying in %s (attempt %d/%d): %v", label, retryWait.Round(time.Millisecond), attempt+1, maxRetries, err)
		}

		select {
		case <-time.After(retryWait):
		case <-ctx.Done():
			return ctx.Err()
		}

		wait *= retryMultiplier
		if wait > retryMaxWait {
			wait = retryMaxWait
		}
	}
	return fmt.Errorf("max retries exceeded")
}

// isStreamError recognizes transient connection failures worth retrying.
func isStreamError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "EOF")
}
