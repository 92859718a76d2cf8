// Package pipeline drives documents through chunking, embedding, and
// vector store upsert under bounded concurrency, with dedup, checkpoint,
// and quarantine handling.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ozanlx/lexvec/internal/checkpoint"
	"github.com/ozanlx/lexvec/internal/chunker"
	"github.com/ozanlx/lexvec/internal/config"
	"github.com/ozanlx/lexvec/internal/embed"
	"github.com/ozanlx/lexvec/internal/observability"
	"github.com/ozanlx/lexvec/internal/quarantine"
	"github.com/ozanlx/lexvec/internal/source"
	"github.com/ozanlx/lexvec/internal/vectorstore"
)

// State is a document's position in the indexing state machine.
type State int

const (
	StatePending State = iota
	StateEmbedding
	StateUpserting
	StateIndexed
	StateSkipped
	StateErrored
	StateQuarantined
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateEmbedding:
		return "embedding"
	case StateUpserting:
		return "upserting"
	case StateIndexed:
		return "indexed"
	case StateSkipped:
		return "skipped"
	case StateErrored:
		return "errored"
	case StateQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// Embedder turns chunk texts into vectors. Failed items come back as
// per-item errors with nil holes in the vector slice.
type Embedder interface {
	EmbedAll(ctx context.Context, texts []string) ([][]float32, []embed.ItemError)
}

// Upserter writes points to the vector store in sub-batches.
type Upserter interface {
	Upsert(ctx context.Context, points []vectorstore.Point, batchSize int) (written, failed int, lastErr error)
}

// Summary is the end-of-run report.
type Summary struct {
	Processed   int           `json:"processed"`
	Errored     int           `json:"errored"`
	Skipped     int           `json:"skipped"`
	Quarantined int           `json:"quarantined"`
	Duration    time.Duration `json:"duration_ns"`
	DocsPerMin  float64       `json:"docs_per_min"`
	Completed   bool          `json:"completed"`
}

// Orchestrator owns the run: it pulls documents from the source, fans
// them out to workers, and is the single writer of the checkpoint and
// dedup cache.
type Orchestrator struct {
	cfg     config.PipelineConfig
	chunker *chunker.Chunker
	embed   Embedder
	upsert  Upserter
	ckpt    *checkpoint.Store
	quar    *quarantine.Quarantine
	batch   BatchPolicy
	limiter *rate.Limiter
	metrics *observability.PipelineMetrics
	logger  *slog.Logger
}

// New creates an orchestrator. All collaborators are required except the
// quarantine, which may be nil when no quarantine directory is configured.
func New(cfg config.PipelineConfig, ch *chunker.Chunker, emb Embedder, ups Upserter, ckpt *checkpoint.Store, quar *quarantine.Quarantine, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	cfg.Workers = workers

	// The inter-batch delay is the primary backpressure control. One
	// shared limiter paces all workers so raising concurrency does not
	// silently raise the request rate.
	limit := rate.Inf
	if cfg.InterBatchDelay > 0 {
		limit = rate.Every(cfg.InterBatchDelay)
	}

	return &Orchestrator{
		cfg:     cfg,
		chunker: ch,
		embed:   emb,
		upsert:  ups,
		ckpt:    ckpt,
		quar:    quar,
		batch:   BatchPolicyFromConfig(cfg),
		limiter: rate.NewLimiter(limit, 1),
		metrics: observability.Metrics(),
		logger:  logger,
	}
}

type job struct {
	offset int
	doc    *source.Document
}

type result struct {
	offset  int
	docID   string
	path    string
	state   State
	stage   string
	chunks  int
	written int
	failed  int
	err     error
	dur     time.Duration
	// moveArtifact relocates the source file on quarantine. Cleared when
	// some points were written, so partially indexed documents keep their
	// artifact in place.
	moveArtifact bool
}

// Run processes the source to completion or cancellation. It resumes from
// the persisted checkpoint and flushes checkpoint and dedup snapshot
// before returning, including on interruption.
func (o *Orchestrator) Run(ctx context.Context, src source.Source) (*Summary, error) {
	cp, err := o.ckpt.LoadCheckpoint()
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	if cp == nil {
		cp = &checkpoint.Checkpoint{StartedAt: time.Now().UTC()}
	} else if cp.Completed {
		// Prior run finished this source. Dedup still guards against
		// re-indexing, so start over from offset 0 to pick up new files.
		cp.Offset = 0
		cp.Completed = false
	}
	if err := src.Seek(cp.Offset); err != nil {
		return nil, fmt.Errorf("seeking source to offset %d: %w", cp.Offset, err)
	}

	runStart := time.Now()
	ctx, span := observability.StartRunSpan(ctx, src.Kind(), src.Len())
	defer span.End()
	observability.Audit().LogRunStart(ctx, src.Kind(), "", src.Len(), cp.Offset)

	progress := NewProgress(src.Len(), o.cfg.ProgressInterval, o.logger)
	progressCtx, stopProgress := context.WithCancel(context.Background())
	go progress.Start(progressCtx)
	defer stopProgress()

	jobs := make(chan job)
	results := make(chan result)

	g, gctx := errgroup.WithContext(ctx)

	// Reader: pulls documents and hands them to workers. Malformed
	// records skip the worker pool and go straight to the results loop.
	g.Go(func() error {
		defer close(jobs)
		for {
			offset := src.Offset()
			doc, err := src.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				var re *source.RecordError
				if errors.As(err, &re) {
					res := result{
						offset:       re.Offset,
						docID:        fmt.Sprintf("offset-%d", re.Offset),
						path:         re.Artifact,
						state:        StateQuarantined,
						stage:        "source",
						err:          re,
						moveArtifact: re.Artifact != "",
					}
					select {
					case results <- res:
						continue
					case <-gctx.Done():
						return gctx.Err()
					}
				}
				return fmt.Errorf("reading source: %w", err)
			}
			select {
			case jobs <- job{offset: offset, doc: doc}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	// Workers: chunk, embed, upsert. Workers never touch the checkpoint;
	// they report terminal states to the results loop.
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for j := range jobs {
				o.metrics.ActiveWorkers.Inc()
				res, ok := o.processDocument(gctx, j)
				o.metrics.ActiveWorkers.Dec()
				if !ok {
					// Cancelled mid-document. Leaving the offset
					// unreported keeps the checkpoint behind it, so a
					// resumed run reprocesses this document.
					return gctx.Err()
				}
				select {
				case results <- res:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Results loop: the single writer of checkpoint, dedup cache, and
	// quarantine. Advances the checkpoint offset only across the
	// contiguous prefix of finished documents so a resume never skips an
	// unfinished one.
	counters := cp.Counters
	frontier := cp.Offset
	finished := make(map[int]struct{})
	for res := range results {
		switch res.state {
		case StateIndexed:
			counters.Processed++
			o.ckpt.MarkIndexed(res.docID)
			observability.Audit().LogDocIndexed(ctx, res.docID, res.chunks, res.written, res.dur)
			o.logger.Debug("document indexed", "doc_id", res.docID, "chunks", res.chunks, "written", res.written)
		case StateSkipped:
			counters.Skipped++
			observability.Audit().LogDocSkipped(ctx, res.docID)
		case StateErrored:
			counters.Errored++
			if o.quar != nil {
				o.quar.Add(res.docID, res.stage, res.err, "")
			}
			observability.Audit().LogDocQuarantined(ctx, res.docID, res.stage, res.err)
			o.logger.Warn("document errored", "doc_id", res.docID, "stage", res.stage, "error", res.err)
		case StateQuarantined:
			counters.Errored++
			counters.Quarantined++
			if o.quar != nil {
				artifact := ""
				if res.moveArtifact {
					artifact = res.path
				}
				o.quar.Add(res.docID, res.stage, res.err, artifact)
			}
			observability.Audit().LogDocQuarantined(ctx, res.docID, res.stage, res.err)
			o.logger.Warn("document quarantined", "doc_id", res.docID, "stage", res.stage, "error", res.err)
		}
		progress.Record(res.state)
		switch res.state {
		case StateSkipped:
			o.metrics.DocumentsSkippedTotal.Inc()
		case StateQuarantined:
			o.metrics.RecordDocument(res.dur, res.chunks, res.err)
			o.metrics.DocumentsQuarantinedTotal.Inc()
		default:
			o.metrics.RecordDocument(res.dur, res.chunks, res.err)
		}

		finished[res.offset] = struct{}{}
		for {
			if _, ok := finished[frontier]; !ok {
				break
			}
			delete(finished, frontier)
			frontier++
		}

		cp.Offset = frontier
		cp.Counters = counters
		if err := o.ckpt.SaveCheckpoint(cp); err != nil {
			o.logger.Error("checkpoint save failed", "error", err)
		} else {
			observability.Audit().LogCheckpoint(ctx, cp.Offset, counters.Processed, false)
		}
	}

	runErr := g.Wait()
	completed := runErr == nil

	cp.Offset = frontier
	cp.Counters = counters
	cp.Completed = completed
	if err := o.ckpt.SaveCheckpoint(cp); err != nil {
		o.logger.Error("final checkpoint save failed", "error", err)
	} else {
		observability.Audit().LogCheckpoint(ctx, cp.Offset, counters.Processed, completed)
	}
	if err := o.ckpt.SaveSnapshot(); err != nil {
		o.logger.Error("dedup snapshot save failed", "error", err)
	}

	duration := time.Since(runStart)
	summary := &Summary{
		Processed:   counters.Processed,
		Errored:     counters.Errored,
		Skipped:     counters.Skipped,
		Quarantined: counters.Quarantined,
		Duration:    duration,
		Completed:   completed,
	}
	if duration > 0 {
		summary.DocsPerMin = float64(counters.Processed+counters.Errored+counters.Skipped) / duration.Minutes()
	}

	observability.RecordRunResult(span, counters.Processed, counters.Errored, counters.Skipped, counters.Quarantined)
	observability.Audit().LogRunEnd(ctx, duration, counters.Processed, counters.Errored, counters.Skipped, counters.Quarantined)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return summary, runErr
	}
	return summary, nil
}

// processDocument runs one document through the pipeline stages. The
// second return is false when processing was cut short by cancellation
// and no terminal state was reached.
func (o *Orchestrator) processDocument(ctx context.Context, j job) (result, bool) {
	start := time.Now()
	doc := j.doc
	res := result{offset: j.offset, docID: doc.DocID, path: doc.Path}

	if strings.TrimSpace(doc.Text) == "" {
		res.state = StateSkipped
		res.dur = time.Since(start)
		return res, true
	}
	if o.ckpt.IsIndexed(doc.DocID) {
		res.state = StateSkipped
		res.dur = time.Since(start)
		return res, true
	}

	ctx, span := observability.StartDocumentSpan(ctx, doc.DocID, len(doc.Text))
	defer span.End()

	chunks := o.chunker.Split(doc.Text)
	res.chunks = len(chunks)

	// Backpressure gate, shared across all workers.
	if err := o.limiter.Wait(ctx); err != nil {
		return res, false
	}

	// Embedding stage
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	embStart := time.Now()
	vecs, itemErrs := o.embed.EmbedAll(ctx, texts)
	o.metrics.RecordEmbed(time.Since(embStart), firstErr(itemErrs))
	if ctx.Err() != nil {
		return res, false
	}
	if len(itemErrs) > 0 {
		observability.Audit().LogEmbedError(ctx, doc.DocID, len(texts), firstErr(itemErrs))
	}

	// Per-chunk failures get their own error records; the rest of the
	// document proceeds.
	for _, ie := range itemErrs {
		if o.quar != nil {
			o.quar.Add(doc.DocID, "embed", fmt.Errorf("chunk %d: %w", ie.Index, ie.Err), "")
		}
	}

	points := o.buildPoints(doc, chunks, vecs)
	if len(points) == 0 {
		res.state = StateQuarantined
		res.stage = "embed"
		res.err = fmt.Errorf("all %d chunks failed to embed: %w", len(chunks), firstErr(itemErrs))
		res.moveArtifact = doc.Path != ""
		res.dur = time.Since(start)
		observability.RecordError(span, res.err)
		return res, true
	}

	// Upsert stage
	batchSize := o.batch.ForDocSize(len(doc.Text))
	upStart := time.Now()
	written, failed, upErr := o.upsert.Upsert(ctx, points, batchSize)
	o.metrics.RecordUpsert(time.Since(upStart), written, failed)
	observability.Audit().LogUpsert(ctx, doc.DocID, written, failed, time.Since(upStart))
	res.written = written
	res.failed = failed
	if ctx.Err() != nil && written == 0 {
		return res, false
	}

	res.dur = time.Since(start)
	switch {
	case failed == 0 && upErr == nil:
		res.state = StateIndexed
	case written == 0:
		res.state = StateQuarantined
		res.stage = "upsert"
		res.err = fmt.Errorf("no points written (%d failed): %w", failed, upErr)
		res.moveArtifact = doc.Path != ""
	default:
		// Partially written: the artifact stays put and the document is
		// not marked indexed, so a later run can retry it.
		res.state = StateErrored
		res.stage = "upsert"
		res.err = fmt.Errorf("%d of %d points failed: %w", failed, len(points), upErr)
	}
	observability.RecordDocumentResult(span, res.chunks, written, failed)
	if res.err != nil {
		observability.RecordError(span, res.err)
	}
	return res, true
}

// buildPoints pairs chunks with their vectors, skipping failed positions.
// Chunk ordering is preserved; payload position fields come from the
// chunk, not the surviving slice.
func (o *Orchestrator) buildPoints(doc *source.Document, chunks []chunker.Chunk, vecs [][]float32) []vectorstore.Point {
	indexedAt := time.Now().UTC().Format(time.RFC3339)
	points := make([]vectorstore.Point, 0, len(chunks))
	for i, c := range chunks {
		if i >= len(vecs) || vecs[i] == nil {
			continue
		}
		payload := make(map[string]any, len(doc.Metadata)+5)
		for k, v := range doc.Metadata {
			payload[k] = v
		}
		payload["doc_id"] = doc.DocID
		payload["chunk_text"] = c.Text
		payload["chunk_index"] = c.Index
		payload["total_chunks"] = c.Total
		payload["indexed_at"] = indexedAt

		points = append(points, vectorstore.Point{
			ID:      uuid.NewString(),
			Vector:  vecs[i],
			Payload: payload,
		})
	}
	return points
}

func firstErr(errs []embed.ItemError) error {
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}
