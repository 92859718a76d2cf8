// Package checkpoint persists run progress and the set of already-indexed
// document IDs so an interrupted run resumes without re-indexing anything.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const checkpointVersion = "1.0.0"

// Counters are the cumulative run counters carried in the checkpoint.
type Counters struct {
	Processed   int `json:"processed"`
	Errored     int `json:"errored"`
	Skipped     int `json:"skipped"`
	Quarantined int `json:"quarantined"`
}

// Checkpoint is the persisted progress record for a run.
type Checkpoint struct {
	// Version for schema compatibility
	Version string `json:"version"`
	// Offset is the next input offset to process on resume.
	Offset    int       `json:"offset"`
	Counters  Counters  `json:"counters"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Completed bool      `json:"completed"`
}

// snapshot is the persisted dedup set.
type snapshot struct {
	Version string   `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	DocIDs  []string `json:"doc_ids"`
}

// Store owns the checkpoint file and the dedup cache. The orchestrator is
// the single writer; workers only read through IsIndexed.
type Store struct {
	mu           sync.RWMutex
	path         string
	snapshotPath string
	indexed      map[string]struct{}
}

// NewStore creates a store persisting to the given paths. The snapshot
// path may be empty, in which case the dedup set lives only in memory for
// the run (reconciliation or the checkpoint still prevent re-indexing).
func NewStore(path, snapshotPath string) *Store {
	return &Store{
		path:         path,
		snapshotPath: snapshotPath,
		indexed:      make(map[string]struct{}),
	}
}

// LoadCheckpoint reads the persisted checkpoint. Returns nil (no error)
// if none exists (first run).
func (s *Store) LoadCheckpoint() (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return &cp, nil
}

// SaveCheckpoint persists the checkpoint atomically: the data is written
// to a temp file in the same directory and renamed over the target, so a
// crash mid-write can never leave a torn checkpoint behind.
func (s *Store) SaveCheckpoint(cp *Checkpoint) error {
	cp.Version = checkpointVersion
	cp.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// IsIndexed reports whether docID has already been indexed.
func (s *Store) IsIndexed(docID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.indexed[docID]
	return ok
}

// MarkIndexed records docID as indexed.
func (s *Store) MarkIndexed(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexed[docID] = struct{}{}
}

// ReplaceIndexed swaps in a dedup set rebuilt elsewhere (reconciliation
// scan of the vector store).
func (s *Store) ReplaceIndexed(ids map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexed = make(map[string]struct{}, len(ids))
	for id := range ids {
		s.indexed[id] = struct{}{}
	}
}

// IndexedCount returns the size of the dedup set.
func (s *Store) IndexedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.indexed)
}

// LoadSnapshot populates the dedup set from the persisted snapshot.
// Missing snapshot files are not an error (first run).
func (s *Store) LoadSnapshot() error {
	if s.snapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read dedup snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse dedup snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range snap.DocIDs {
		s.indexed[id] = struct{}{}
	}
	return nil
}

// SaveSnapshot persists the dedup set atomically.
func (s *Store) SaveSnapshot() error {
	if s.snapshotPath == "" {
		return nil
	}

	s.mu.RLock()
	ids := make([]string, 0, len(s.indexed))
	for id := range s.indexed {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	data, err := json.MarshalIndent(snapshot{
		Version: checkpointVersion,
		SavedAt: time.Now().UTC(),
		DocIDs:  ids,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dedup snapshot: %w", err)
	}
	if err := writeFileAtomic(s.snapshotPath, data); err != nil {
		return fmt.Errorf("write dedup snapshot: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to path via a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
