package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ozanlx/lexvec/internal/checkpoint"
	"github.com/ozanlx/lexvec/internal/chunker"
	"github.com/ozanlx/lexvec/internal/config"
	"github.com/ozanlx/lexvec/internal/embed"
	"github.com/ozanlx/lexvec/internal/observability"
	"github.com/ozanlx/lexvec/internal/quarantine"
	"github.com/ozanlx/lexvec/internal/source"
	"github.com/ozanlx/lexvec/internal/vectorstore"
)

// ==================== Fakes ====================

type memSource struct {
	docs []*source.Document
	bad  map[int]error
	off  int
}

func (s *memSource) Kind() string { return "mem" }
func (s *memSource) Len() int     { return len(s.docs) }
func (s *memSource) Offset() int  { return s.off }

func (s *memSource) Seek(offset int) error {
	if offset < 0 || offset > len(s.docs) {
		return fmt.Errorf("offset %d out of range", offset)
	}
	s.off = offset
	return nil
}

func (s *memSource) Next() (*source.Document, error) {
	if s.off >= len(s.docs) {
		return nil, io.EOF
	}
	off := s.off
	s.off++
	if err, ok := s.bad[off]; ok {
		return nil, &source.RecordError{Offset: off, Err: err}
	}
	return s.docs[off], nil
}

type fakeEmbedder struct {
	dim     int
	failIdx map[int]bool
	failAll bool

	mu    sync.Mutex
	calls int
}

func (f *fakeEmbedder) EmbedAll(ctx context.Context, texts []string) ([][]float32, []embed.ItemError) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	vecs := make([][]float32, len(texts))
	var errs []embed.ItemError
	for i := range texts {
		if f.failAll || f.failIdx[i] {
			errs = append(errs, embed.ItemError{Index: i, Err: errors.New("dimension mismatch")})
			continue
		}
		vecs[i] = make([]float32, f.dim)
	}
	return vecs, errs
}

type upsertCall struct {
	points    int
	batchSize int
}

type fakeUpserter struct {
	mu       sync.Mutex
	calls    []upsertCall
	failN    int
	rejectAll bool
}

func (f *fakeUpserter) Upsert(ctx context.Context, points []vectorstore.Point, batchSize int) (int, int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, upsertCall{points: len(points), batchSize: batchSize})
	f.mu.Unlock()

	if f.rejectAll {
		return 0, len(points), errors.New("store unavailable")
	}
	if f.failN > 0 {
		n := min(f.failN, len(points))
		return len(points) - n, n, errors.New("some points rejected")
	}
	return len(points), 0, nil
}

func (f *fakeUpserter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// ==================== Helpers ====================

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		Workers:            2,
		InterBatchDelay:    0,
		LargeDocThreshold:  500_000,
		MediumDocThreshold: 100_000,
		LargeDocBatch:      80,
		MediumDocBatch:     150,
		SmallDocBatch:      200,
		ProgressInterval:   time.Hour,
	}
}

func newTestOrchestrator(t *testing.T, emb Embedder, ups Upserter) (*Orchestrator, *checkpoint.Store, *quarantine.Quarantine) {
	t.Helper()
	dir := t.TempDir()
	ckpt := checkpoint.NewStore(filepath.Join(dir, "checkpoint.json"), filepath.Join(dir, "dedup.json"))
	quar, err := quarantine.New(filepath.Join(dir, "quarantine"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	ch := chunker.New(chunker.WithSize(800), chunker.WithOverlap(80))
	o := New(testPipelineConfig(), ch, emb, ups, ckpt, quar, slog.New(slog.DiscardHandler))
	return o, ckpt, quar
}

func doc(id, text string) *source.Document {
	return &source.Document{DocID: id, Text: text, Metadata: map[string]string{"court": "BGH"}}
}

// ==================== Run Tests ====================

func TestRun_IndexesAllDocuments(t *testing.T) {
	ups := &fakeUpserter{}
	o, ckpt, _ := newTestOrchestrator(t, &fakeEmbedder{dim: 8}, ups)

	src := &memSource{docs: []*source.Document{
		doc("a", strings.Repeat("Das Gericht entscheidet. ", 40)),
		doc("b", strings.Repeat("Die Klage ist begruendet. ", 40)),
		doc("c", strings.Repeat("Die Revision wird verworfen. ", 40)),
	}}

	summary, err := o.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 3 {
		t.Fatalf("expected 3 processed, got %d", summary.Processed)
	}
	if summary.Errored != 0 || summary.Skipped != 0 || summary.Quarantined != 0 {
		t.Fatalf("unexpected counters: %+v", summary)
	}
	if !summary.Completed {
		t.Fatal("expected completed run")
	}
	if ups.callCount() != 3 {
		t.Fatalf("expected 3 upsert calls, got %d", ups.callCount())
	}

	cp, err := ckpt.LoadCheckpoint()
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.Offset != 3 {
		t.Fatalf("expected offset 3, got %d", cp.Offset)
	}
	if !cp.Completed {
		t.Fatal("expected completed checkpoint")
	}
	for _, id := range []string{"a", "b", "c"} {
		if !ckpt.IsIndexed(id) {
			t.Fatalf("expected %s marked indexed", id)
		}
	}
}

func TestRun_SkipsEmptyAndDuplicate(t *testing.T) {
	ups := &fakeUpserter{}
	o, ckpt, _ := newTestOrchestrator(t, &fakeEmbedder{dim: 8}, ups)
	ckpt.MarkIndexed("dup")

	src := &memSource{docs: []*source.Document{
		doc("dup", "already indexed text"),
		doc("empty", "   \n\t  "),
		doc("fresh", strings.Repeat("Neues Urteil. ", 30)),
	}}

	summary, err := o.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Skipped != 2 {
		t.Fatalf("expected 2 skipped, got %d", summary.Skipped)
	}
	if summary.Processed != 1 {
		t.Fatalf("expected 1 processed, got %d", summary.Processed)
	}
	if ups.callCount() != 1 {
		t.Fatalf("expected 1 upsert call, got %d", ups.callCount())
	}
}

func TestRun_LargeDocumentUsesSmallBatch(t *testing.T) {
	ups := &fakeUpserter{}
	o, _, _ := newTestOrchestrator(t, &fakeEmbedder{dim: 8}, ups)

	// 600k chars puts the document in the largest tier.
	large := strings.Repeat("Der Senat hat erwogen. ", 600_000/23+1)[:600_000]
	src := &memSource{docs: []*source.Document{doc("big", large)}}

	summary, err := o.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 1 {
		t.Fatalf("expected 1 processed, got %d", summary.Processed)
	}
	if ups.callCount() != 1 {
		t.Fatalf("expected 1 upsert call, got %d", ups.callCount())
	}
	if got := ups.calls[0].batchSize; got != 80 {
		t.Fatalf("expected batch size 80 for 600k-char document, got %d", got)
	}
	if ups.calls[0].points == 0 {
		t.Fatal("expected points for the document")
	}
}

func TestRun_QuarantinesWhenAllChunksFail(t *testing.T) {
	ups := &fakeUpserter{}
	o, ckpt, quar := newTestOrchestrator(t, &fakeEmbedder{dim: 8, failAll: true}, ups)

	// Give the document a real artifact so quarantine can relocate it.
	artifact := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(artifact, []byte(`{"doc_id":"bad"}`), 0644); err != nil {
		t.Fatal(err)
	}
	d := doc("bad", strings.Repeat("Unverwertbarer Text. ", 30))
	d.Path = artifact

	summary, err := o.Run(context.Background(), &memSource{docs: []*source.Document{d}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Quarantined != 1 {
		t.Fatalf("expected 1 quarantined, got %d", summary.Quarantined)
	}
	if summary.Errored != 1 {
		t.Fatalf("expected 1 errored, got %d", summary.Errored)
	}
	if ups.callCount() != 0 {
		t.Fatal("expected no upsert for a fully failed document")
	}
	if ckpt.IsIndexed("bad") {
		t.Fatal("failed document must not be marked indexed")
	}
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Fatal("expected artifact moved to quarantine")
	}

	records, err := quar.Records()
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("expected error records")
	}
}

func TestRun_PartialChunkFailureStillIndexes(t *testing.T) {
	ups := &fakeUpserter{}
	emb := &fakeEmbedder{dim: 8, failIdx: map[int]bool{1: true}}
	o, ckpt, quar := newTestOrchestrator(t, emb, ups)

	// Long enough for several chunks so index 1 exists.
	src := &memSource{docs: []*source.Document{
		doc("partial", strings.Repeat("Die Berufung bleibt ohne Erfolg. ", 100)),
	}}

	summary, err := o.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 1 {
		t.Fatalf("expected document indexed despite one bad chunk, got %+v", summary)
	}
	if !ckpt.IsIndexed("partial") {
		t.Fatal("expected document marked indexed")
	}

	records, err := quar.Records()
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 error record, got %d", len(records))
	}
	if !strings.Contains(records[0].Error, "chunk 1") {
		t.Fatalf("expected record to reference chunk 1, got %q", records[0].Error)
	}
	if records[0].Stage != "embed" {
		t.Fatalf("expected stage embed, got %s", records[0].Stage)
	}
}

func TestRun_UpsertFullRejectionQuarantines(t *testing.T) {
	ups := &fakeUpserter{rejectAll: true}
	o, ckpt, _ := newTestOrchestrator(t, &fakeEmbedder{dim: 8}, ups)

	src := &memSource{docs: []*source.Document{
		doc("rejected", strings.Repeat("Text der Entscheidung. ", 40)),
	}}

	summary, err := o.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Quarantined != 1 {
		t.Fatalf("expected 1 quarantined, got %+v", summary)
	}
	if ckpt.IsIndexed("rejected") {
		t.Fatal("rejected document must not be marked indexed")
	}
}

func TestRun_PartialUpsertCountsAsErrored(t *testing.T) {
	ups := &fakeUpserter{failN: 1}
	o, ckpt, _ := newTestOrchestrator(t, &fakeEmbedder{dim: 8}, ups)

	src := &memSource{docs: []*source.Document{
		doc("lossy", strings.Repeat("Langer Urteilstext. ", 200)),
	}}

	summary, err := o.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Errored != 1 {
		t.Fatalf("expected 1 errored, got %+v", summary)
	}
	if summary.Quarantined != 0 {
		t.Fatalf("partial writes should not quarantine the artifact, got %+v", summary)
	}
	// Not marked indexed, so a later run retries the missing points.
	if ckpt.IsIndexed("lossy") {
		t.Fatal("partially written document must not be marked indexed")
	}
}

func TestRun_MalformedRecordQuarantinedRunContinues(t *testing.T) {
	ups := &fakeUpserter{}
	o, _, quar := newTestOrchestrator(t, &fakeEmbedder{dim: 8}, ups)

	src := &memSource{
		docs: []*source.Document{
			doc("ok-1", strings.Repeat("Erster Text. ", 30)),
			nil, // replaced by a record error below
			doc("ok-2", strings.Repeat("Zweiter Text. ", 30)),
		},
		bad: map[int]error{1: errors.New("invalid JSON")},
	}

	summary, err := o.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 2 {
		t.Fatalf("expected 2 processed, got %+v", summary)
	}
	if summary.Quarantined != 1 {
		t.Fatalf("expected 1 quarantined, got %+v", summary)
	}

	records, _ := quar.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Stage != "source" {
		t.Fatalf("expected stage source, got %s", records[0].Stage)
	}
}

func TestRun_ArrayRecordErrorKeepsCorpusFile(t *testing.T) {
	corpus := filepath.Join(t.TempDir(), "corpus.json")
	data := `[
		{"doc_id": "a", "text": "Erster Text, lang genug zum Indizieren."},
		{"text": "Dieser Eintrag hat keine doc_id."},
		{"doc_id": "c", "text": "Dritter Text, lang genug zum Indizieren."}
	]`
	if err := os.WriteFile(corpus, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := source.OpenArray(corpus)
	if err != nil {
		t.Fatal(err)
	}

	ups := &fakeUpserter{}
	o, _, quar := newTestOrchestrator(t, &fakeEmbedder{dim: 8}, ups)

	summary, err := o.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Processed != 2 || summary.Quarantined != 1 {
		t.Fatalf("expected 2 processed and 1 quarantined, got %+v", summary)
	}

	// The array file backs every remaining record and must stay put.
	if _, err := os.Stat(corpus); err != nil {
		t.Fatalf("corpus file should still exist: %v", err)
	}

	records, _ := quar.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].ArtifactPath != "" {
		t.Errorf("no artifact should have been relocated, got %q", records[0].ArtifactPath)
	}
	if !strings.Contains(records[0].Error, "corpus.json") {
		t.Errorf("record error should name the backing file, got %q", records[0].Error)
	}
}

func TestRun_WritesRunJournal(t *testing.T) {
	journal := filepath.Join(t.TempDir(), "journal.jsonl")
	if err := observability.InitGlobalAuditLogger(&observability.AuditConfig{
		Enabled:    true,
		OutputPath: journal,
	}); err != nil {
		t.Fatal(err)
	}

	ups := &fakeUpserter{}
	o, _, _ := newTestOrchestrator(t, &fakeEmbedder{dim: 8}, ups)
	src := &memSource{docs: []*source.Document{doc("j-1", strings.Repeat("Journaltext. ", 40))}}

	if _, err := o.Run(context.Background(), src); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(journal)
	if err != nil {
		t.Fatalf("reading journal: %v", err)
	}
	for _, event := range []string{"run.start", "upsert", "checkpoint.save", "document.indexed", "run.end"} {
		if !strings.Contains(string(data), event) {
			t.Errorf("journal missing %s event", event)
		}
	}
}

func TestRun_ResumesFromCheckpointOffset(t *testing.T) {
	dir := t.TempDir()
	ckpt := checkpoint.NewStore(filepath.Join(dir, "checkpoint.json"), filepath.Join(dir, "dedup.json"))

	// A prior interrupted run got through the first two documents.
	if err := ckpt.SaveCheckpoint(&checkpoint.Checkpoint{
		Offset:    2,
		Counters:  checkpoint.Counters{Processed: 2},
		StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	ckpt.MarkIndexed("a")
	ckpt.MarkIndexed("b")

	ups := &fakeUpserter{}
	ch := chunker.New(chunker.WithSize(800), chunker.WithOverlap(80))
	o := New(testPipelineConfig(), ch, &fakeEmbedder{dim: 8}, ups, ckpt, nil, slog.New(slog.DiscardHandler))

	src := &memSource{docs: []*source.Document{
		doc("a", "should not be read"),
		doc("b", "should not be read"),
		doc("c", strings.Repeat("Dritter Text. ", 30)),
		doc("d", strings.Repeat("Vierter Text. ", 30)),
	}}

	summary, err := o.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Counters are cumulative across the resumed run.
	if summary.Processed != 4 {
		t.Fatalf("expected cumulative 4 processed, got %d", summary.Processed)
	}
	if ups.callCount() != 2 {
		t.Fatalf("expected 2 upsert calls after resume, got %d", ups.callCount())
	}

	cp, _ := ckpt.LoadCheckpoint()
	if cp.Offset != 4 {
		t.Fatalf("expected offset 4, got %d", cp.Offset)
	}
}

func TestRun_RerunAfterCompletionIndexesNothing(t *testing.T) {
	dir := t.TempDir()
	ckpt := checkpoint.NewStore(filepath.Join(dir, "checkpoint.json"), filepath.Join(dir, "dedup.json"))
	ch := chunker.New(chunker.WithSize(800), chunker.WithOverlap(80))

	docs := []*source.Document{
		doc("a", strings.Repeat("Erster. ", 40)),
		doc("b", strings.Repeat("Zweiter. ", 40)),
	}

	ups1 := &fakeUpserter{}
	o1 := New(testPipelineConfig(), ch, &fakeEmbedder{dim: 8}, ups1, ckpt, nil, slog.New(slog.DiscardHandler))
	if _, err := o1.Run(context.Background(), &memSource{docs: docs}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	ups2 := &fakeUpserter{}
	o2 := New(testPipelineConfig(), ch, &fakeEmbedder{dim: 8}, ups2, ckpt, nil, slog.New(slog.DiscardHandler))
	summary, err := o2.Run(context.Background(), &memSource{docs: docs})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if ups2.callCount() != 0 {
		t.Fatalf("expected no upserts on rerun, got %d", ups2.callCount())
	}
	if summary.Skipped != 2 {
		t.Fatalf("expected 2 skipped on rerun, got %+v", summary)
	}
}

func TestRun_CancelledContextFlushesCheckpoint(t *testing.T) {
	ups := &fakeUpserter{}
	o, ckpt, _ := newTestOrchestrator(t, &fakeEmbedder{dim: 8}, ups)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &memSource{docs: []*source.Document{
		doc("a", strings.Repeat("Text. ", 40)),
	}}

	summary, err := o.Run(ctx, src)
	if err != nil {
		t.Fatalf("cancellation should not surface as an error: %v", err)
	}
	if summary.Completed {
		t.Fatal("expected incomplete run")
	}

	cp, err := ckpt.LoadCheckpoint()
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp == nil {
		t.Fatal("expected checkpoint flushed on cancellation")
	}
	if cp.Completed {
		t.Fatal("interrupted run must not be marked completed")
	}
}

func TestRun_PointPayloadFields(t *testing.T) {
	var captured []vectorstore.Point
	ups := &captureUpserter{captured: &captured}
	o, _, _ := newTestOrchestrator(t, &fakeEmbedder{dim: 8}, ups)

	src := &memSource{docs: []*source.Document{
		doc("case-1", strings.Repeat("Amtlicher Leitsatz. ", 100)),
	}}

	if _, err := o.Run(context.Background(), src); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(captured) == 0 {
		t.Fatal("expected captured points")
	}

	total := len(captured)
	for i, p := range captured {
		if p.ID == "" {
			t.Fatal("expected non-empty point ID")
		}
		if p.Payload["doc_id"] != "case-1" {
			t.Fatalf("expected doc_id, got %v", p.Payload["doc_id"])
		}
		if p.Payload["chunk_index"] != i {
			t.Fatalf("expected chunk_index %d, got %v", i, p.Payload["chunk_index"])
		}
		if p.Payload["total_chunks"] != total {
			t.Fatalf("expected total_chunks %d, got %v", total, p.Payload["total_chunks"])
		}
		if p.Payload["court"] != "BGH" {
			t.Fatalf("expected metadata carried into payload, got %v", p.Payload["court"])
		}
		if p.Payload["chunk_text"] == "" {
			t.Fatal("expected chunk_text in payload")
		}
		if p.Payload["indexed_at"] == "" {
			t.Fatal("expected indexed_at in payload")
		}
	}

	// Point IDs are unique across chunks.
	seen := make(map[string]struct{}, total)
	for _, p := range captured {
		if _, dup := seen[p.ID]; dup {
			t.Fatalf("duplicate point ID %s", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
}

type captureUpserter struct {
	mu       sync.Mutex
	captured *[]vectorstore.Point
}

func (c *captureUpserter) Upsert(ctx context.Context, points []vectorstore.Point, batchSize int) (int, int, error) {
	c.mu.Lock()
	*c.captured = append(*c.captured, points...)
	c.mu.Unlock()
	return len(points), 0, nil
}

// ==================== State Tests ====================

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StatePending, "pending"},
		{StateEmbedding, "embedding"},
		{StateUpserting, "upserting"},
		{StateIndexed, "indexed"},
		{StateSkipped, "skipped"},
		{StateErrored, "errored"},
		{StateQuarantined, "quarantined"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}
