package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ozanlx/lexvec/internal/observability"
	"github.com/ozanlx/lexvec/internal/retry"
)

// Writer batches points into bounded upserts. Oversized batches are halved
// and retried until accepted or a single point still fails; transient
// errors go through the shared retry policy. A short pause between
// successive upserts throttles write pressure on the store.
type Writer struct {
	backend Backend
	policy  retry.Policy
	pause   time.Duration
	logger  *slog.Logger
}

// NewWriter creates a Writer over the given backend.
func NewWriter(backend Backend, policy retry.Policy, pause time.Duration, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		backend: backend,
		policy:  policy,
		pause:   pause,
		logger:  logger,
	}
}

// capacityError marks a payload-too-large failure, which is handled by
// splitting rather than retrying.
type capacityError struct {
	err error
}

func (e *capacityError) Error() string { return e.err.Error() }
func (e *capacityError) Unwrap() error { return e.err }

// isPayloadTooLarge detects the store rejecting a request for size.
func isPayloadTooLarge(err error) bool {
	if err == nil {
		return false
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.ResourceExhausted {
		if strings.Contains(st.Message(), "larger than") || strings.Contains(st.Message(), "max") {
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "payload too large") ||
		strings.Contains(msg, "Payload Too Large") ||
		strings.Contains(msg, "413") ||
		strings.Contains(msg, "message larger than max")
}

// Upsert writes points in sub-batches of at most batchSize. It returns the
// number of points written and the number that could not be written even
// at batch size 1; a non-zero failed count comes with the last error seen.
// Remaining points are always attempted after a failed sub-batch.
func (w *Writer) Upsert(ctx context.Context, points []Point, batchSize int) (written, failed int, lastErr error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	startedAt := time.Now()
	ctx, span := observability.StartUpsertSpan(ctx, len(points), batchSize)
	defer span.End()
	defer func() {
		observability.RecordUpsertResult(span, written, failed, time.Since(startedAt))
		if lastErr != nil {
			observability.RecordError(span, lastErr)
		}
	}()
	for start := 0; start < len(points); start += batchSize {
		if start > 0 && w.pause > 0 {
			select {
			case <-ctx.Done():
				return written, failed + len(points) - start, ctx.Err()
			case <-time.After(w.pause):
			}
		}

		end := min(start+batchSize, len(points))
		ok, bad, err := w.upsertSplitting(ctx, points[start:end])
		written += ok
		failed += bad
		if err != nil {
			lastErr = err
		}
		if ctx.Err() != nil {
			return written, failed + len(points) - end, ctx.Err()
		}
	}
	return written, failed, lastErr
}

// upsertSplitting writes one sub-batch, halving on payload-too-large until
// the store accepts it or a single point still fails. The number of splits
// is bounded: each level halves the batch, so a batch of n points splits
// at most 2n-1 times.
func (w *Writer) upsertSplitting(ctx context.Context, points []Point) (written, failed int, lastErr error) {
	err := w.policy.Do(ctx, func(ctx context.Context) error {
		err := w.backend.UpsertPoints(ctx, points)
		if isPayloadTooLarge(err) {
			// Not transient: escalate to the split path immediately.
			return retry.Permanent(&capacityError{err: err})
		}
		return err
	})
	if err == nil {
		return len(points), 0, nil
	}

	var capErr *capacityError
	if errors.As(err, &capErr) {
		if len(points) == 1 {
			w.logger.Error("point rejected for size at minimum batch",
				"point_id", points[0].ID, "error", capErr.err)
			return 0, 1, fmt.Errorf("upsert point %s: %w", points[0].ID, capErr.err)
		}
		mid := len(points) / 2
		w.logger.Warn("upsert payload too large, splitting batch",
			"size", len(points), "error", capErr.err)
		leftOK, leftBad, leftErr := w.upsertSplitting(ctx, points[:mid])
		rightOK, rightBad, rightErr := w.upsertSplitting(ctx, points[mid:])
		written = leftOK + rightOK
		failed = leftBad + rightBad
		if rightErr != nil {
			return written, failed, rightErr
		}
		return written, failed, leftErr
	}

	// Transient retries exhausted or a non-retryable store error: the
	// whole sub-batch is lost.
	w.logger.Error("upsert sub-batch failed", "size", len(points), "error", err)
	return 0, len(points), err
}
