package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of run progress.
type Stats struct {
	Total       int
	Processed   int
	Errored     int
	Skipped     int
	Quarantined int

	Elapsed       time.Duration
	DocsPerMinute float64
	ETA           time.Duration
}

// Done is the number of documents that reached a terminal state.
func (s Stats) Done() int {
	return s.Processed + s.Errored + s.Skipped + s.Quarantined
}

// Progress aggregates run counters and periodically reports throughput
// and estimated time remaining. Read-only telemetry; it never influences
// control flow.
type Progress struct {
	mu          sync.Mutex
	total       int
	processed   int
	errored     int
	skipped     int
	quarantined int
	start       time.Time

	interval time.Duration
	logger   *slog.Logger
}

// NewProgress creates a monitor for a run over total documents.
func NewProgress(total int, interval time.Duration, logger *slog.Logger) *Progress {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Progress{
		total:    total,
		start:    time.Now(),
		interval: interval,
		logger:   logger,
	}
}

// Record counts one document reaching a terminal state.
func (p *Progress) Record(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch state {
	case StateIndexed:
		p.processed++
	case StateSkipped:
		p.skipped++
	case StateErrored:
		p.errored++
	case StateQuarantined:
		p.quarantined++
	}
}

// Snapshot returns current counters with derived throughput and ETA.
func (p *Progress) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Total:       p.total,
		Processed:   p.processed,
		Errored:     p.errored,
		Skipped:     p.skipped,
		Quarantined: p.quarantined,
		Elapsed:     time.Since(p.start),
	}

	done := s.Done()
	if done > 0 && s.Elapsed > 0 {
		s.DocsPerMinute = float64(done) / s.Elapsed.Minutes()
		remaining := s.Total - done
		if remaining > 0 && s.DocsPerMinute > 0 {
			s.ETA = time.Duration(float64(remaining)/s.DocsPerMinute*60) * time.Second
		}
	}
	return s
}

// Start reports progress every interval until ctx is cancelled.
func (p *Progress) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Snapshot()
			p.logger.Info("indexing progress",
				"done", s.Done(),
				"total", s.Total,
				"processed", s.Processed,
				"errored", s.Errored,
				"skipped", s.Skipped,
				"quarantined", s.Quarantined,
				"docs_per_min", s.DocsPerMinute,
				"eta", s.ETA.Round(time.Second).String(),
			)
		}
	}
}
