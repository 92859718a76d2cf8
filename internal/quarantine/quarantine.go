// Package quarantine relocates unprocessable source artifacts and records
// diagnostic metadata for them. Quarantining is best-effort: a failure to
// move or record is logged and swallowed, never propagated.
package quarantine

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const recordsFile = "errors.jsonl"

// Record is one append-only diagnostic entry.
type Record struct {
	DocID        string    `json:"doc_id"`
	Stage        string    `json:"stage"`
	Error        string    `json:"error"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Quarantine owns a quarantine directory and its error log.
type Quarantine struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger
}

// New creates the quarantine directory if needed.
func New(dir string, logger *slog.Logger) (*Quarantine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create quarantine dir: %w", err)
	}
	return &Quarantine{dir: dir, logger: logger}, nil
}

// Add quarantines a document: the source artifact (if any) is moved into
// the quarantine directory and a Record is appended. Never returns an
// error; failures are logged and the pipeline continues.
func (q *Quarantine) Add(docID, stage string, cause error, artifactPath string) {
	rec := Record{
		DocID:     docID,
		Stage:     stage,
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	if artifactPath != "" {
		dest := filepath.Join(q.dir, filepath.Base(artifactPath))
		if err := moveFile(artifactPath, dest); err != nil {
			q.logger.Warn("quarantine move failed",
				"doc_id", docID, "artifact", artifactPath, "error", err)
		} else {
			rec.ArtifactPath = dest
		}
	}

	if err := q.append(rec); err != nil {
		q.logger.Warn("quarantine record append failed", "doc_id", docID, "error", err)
	}

	q.logger.Error("document quarantined",
		"doc_id", docID, "stage", stage, "error", rec.Error)
}

// append writes one JSONL record to the error log.
func (q *Quarantine) append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(q.dir, recordsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// Records reads back all quarantine records.
func (q *Quarantine) Records() ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.Open(filepath.Join(q.dir, recordsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []Record
	dec := json.NewDecoder(f)
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("parse quarantine records: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// moveFile renames src to dest, falling back to copy+remove when the
// quarantine dir is on another filesystem.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
