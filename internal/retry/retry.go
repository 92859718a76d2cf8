// Package retry provides the single parameterized retry policy used by
// every external-call site (embedding service, vector store).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Policy configures retry behavior for external calls.
type Policy struct {
	MaxRetries int           // Maximum number of retry attempts (0 = no retries)
	BaseDelay  time.Duration // Initial delay between retries
	MaxDelay   time.Duration // Maximum delay between retries (caps exponential backoff)
	Timeout    time.Duration // Per-attempt timeout (0 = no per-attempt timeout)
	Jitter     float64       // Fraction of the delay randomized, e.g. 0.1
}

// DefaultPolicy returns a sensible default policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Timeout:    2 * time.Minute,
		Jitter:     0.1,
	}
}

// permanentError marks an error as not retryable regardless of classification.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do returns it immediately without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do runs op, retrying transient failures with exponential backoff.
// The returned error is the last attempt's error, wrapped with the
// attempt count when retries were exhausted.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff(attempt)):
			}
		}

		attemptCtx := ctx
		cancel := func() {}
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err := op(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		if !IsRetryable(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", p.MaxRetries, lastErr)
}

// backoff returns the delay for the given attempt using exponential backoff
// with jitter.
func (p Policy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are not retryable (caller cancelled)
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Timeout errors are retryable
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Network errors are generally retryable
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	// gRPC status codes (vector store calls)
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
			return true
		case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
			codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition:
			return false
		}
	}

	// Check for specific HTTP status codes in error message
	errStr := err.Error()

	// Rate limiting (429) - retryable
	if strings.Contains(errStr, "429") || strings.Contains(errStr, "Too Many Requests") {
		return true
	}

	// Server errors (5xx) - retryable
	if strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, http.StatusText(http.StatusInternalServerError)) ||
		strings.Contains(errStr, http.StatusText(http.StatusBadGateway)) ||
		strings.Contains(errStr, http.StatusText(http.StatusServiceUnavailable)) ||
		strings.Contains(errStr, http.StatusText(http.StatusGatewayTimeout)) {
		return true
	}

	// Connection-level failures - retryable
	if strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") {
		return true
	}

	// Client errors (4xx except 429) - not retryable
	if strings.Contains(errStr, "400") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") ||
		strings.Contains(errStr, "404") {
		return false
	}

	// Default: retry on unknown errors (conservative approach for network calls)
	return true
}
