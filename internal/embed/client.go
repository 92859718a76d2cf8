// Package embed talks to an external embedding service over HTTP.
// Requests are split into bounded sub-batches; transient failures are
// retried with backoff, and a batch whose retries are exhausted falls back
// to one-at-a-time requests so a single bad input cannot invalidate the
// whole batch.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ozanlx/lexvec/internal/observability"
	"github.com/ozanlx/lexvec/internal/retry"
)

// DefaultBatchSize bounds the number of texts per request.
const DefaultBatchSize = 32

// ItemError records the failure of a single input text.
type ItemError struct {
	Index int
	Err   error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("text %d: %v", e.Index, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

// Client is an HTTP embedding client for TEI-style services.
type Client struct {
	url         string
	batchSize   int
	dimension   int
	concurrency int
	policy      retry.Policy
	http        *http.Client
	logger      *slog.Logger
}

// Config configures the embedding client.
type Config struct {
	URL         string
	BatchSize   int
	Dimension   int // expected vector dimension; 0 disables validation
	Concurrency int // max sub-batches in flight per call
	Policy      retry.Policy
}

// New creates an embedding client.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Policy.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:         cfg.URL,
		batchSize:   cfg.BatchSize,
		dimension:   cfg.Dimension,
		concurrency: cfg.Concurrency,
		policy:      cfg.Policy,
		http:        httpClient,
		logger:      logger,
	}
}

// EmbedAll embeds texts, preserving input order and length. The returned
// slice always has len(texts) entries; a nil entry marks a text whose
// embedding failed, with the cause in the returned item errors.
func (c *Client) EmbedAll(ctx context.Context, texts []string) ([][]float32, []ItemError) {
	startedAt := time.Now()
	ctx, span := observability.StartEmbedSpan(ctx, len(texts))
	defer span.End()

	vectors := make([][]float32, len(texts))
	var mu sync.Mutex
	var itemErrs []ItemError

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		g.Go(func() error {
			batchVecs, errs := c.embedBatch(gctx, texts[start:end], start)
			copy(vectors[start:end], batchVecs)
			if len(errs) > 0 {
				mu.Lock()
				itemErrs = append(itemErrs, errs...)
				mu.Unlock()
			}
			return nil
		})
	}
	// Workers never return errors; per-item failures are collected instead.
	_ = g.Wait()

	observability.RecordEmbedMetrics(span, len(texts)-len(itemErrs), len(itemErrs), time.Since(startedAt))
	return vectors, itemErrs
}

// Embed is the strict variant used for search queries: any failure fails
// the whole call.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, errs := c.EmbedAll(ctx, texts)
	if len(errs) > 0 {
		return nil, fmt.Errorf("embedding %d of %d texts failed: %w", len(errs), len(texts), errs[0])
	}
	return vectors, nil
}

// embedBatch embeds one sub-batch. offset is the position of the batch in
// the caller's input, used for item error indices.
func (c *Client) embedBatch(ctx context.Context, batch []string, offset int) ([][]float32, []ItemError) {
	var vecs [][]float32
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		var reqErr error
		vecs, reqErr = c.request(ctx, batch)
		return reqErr
	})
	if err == nil {
		return c.validate(vecs, offset)
	}

	c.logger.Warn("embedding batch failed, falling back to single requests",
		"offset", offset, "size", len(batch), "error", err)
	return c.embedSingles(ctx, batch, offset)
}

// embedSingles requests one embedding per text so that one bad input only
// costs its own chunk.
func (c *Client) embedSingles(ctx context.Context, batch []string, offset int) ([][]float32, []ItemError) {
	vecs := make([][]float32, len(batch))
	var itemErrs []ItemError
	for i, text := range batch {
		var single [][]float32
		err := c.policy.Do(ctx, func(ctx context.Context) error {
			var reqErr error
			single, reqErr = c.request(ctx, []string{text})
			return reqErr
		})
		if err != nil {
			itemErrs = append(itemErrs, ItemError{Index: offset + i, Err: err})
			continue
		}
		if len(single) != 1 {
			itemErrs = append(itemErrs, ItemError{Index: offset + i, Err: fmt.Errorf("expected 1 vector, got %d", len(single))})
			continue
		}
		if c.dimension > 0 && len(single[0]) != c.dimension {
			itemErrs = append(itemErrs, ItemError{Index: offset + i, Err: fmt.Errorf("dimension mismatch: got %d, want %d", len(single[0]), c.dimension)})
			continue
		}
		vecs[i] = single[0]
	}
	return vecs, itemErrs
}

// validate checks vector dimensions. A mismatch indicates a configuration
// error, not transience: the vector is dropped, never retried.
func (c *Client) validate(vecs [][]float32, offset int) ([][]float32, []ItemError) {
	if c.dimension <= 0 {
		return vecs, nil
	}
	var itemErrs []ItemError
	for i, v := range vecs {
		if v != nil && len(v) != c.dimension {
			itemErrs = append(itemErrs, ItemError{Index: offset + i, Err: fmt.Errorf("dimension mismatch: got %d, want %d", len(v), c.dimension)})
			vecs[i] = nil
		}
	}
	return vecs, itemErrs
}

// request performs one POST against the embedding service and decodes
// either response shape ([[...]] for batch input, [...] for single).
func (c *Client) request(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{"inputs": texts})
	if err != nil {
		return nil, retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed: %s: %s", resp.Status, respBody)
	}

	var nested [][]float32
	if err := json.Unmarshal(respBody, &nested); err == nil {
		if len(nested) != len(texts) {
			return nil, retry.Permanent(fmt.Errorf("embed: got %d vectors for %d inputs", len(nested), len(texts)))
		}
		return nested, nil
	}

	var flat []float32
	if err := json.Unmarshal(respBody, &flat); err == nil && len(texts) == 1 {
		return [][]float32{flat}, nil
	}

	return nil, retry.Permanent(fmt.Errorf("embed: unrecognized response shape: %s", truncate(respBody, 200)))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
