// Package source yields documents to index. Sources are iterators with
// resumable offset semantics: a run can seek to the offset recorded in its
// checkpoint and continue where it stopped.
package source

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Document is one unit of work: a stable external identifier, raw text,
// and caller-owned metadata.
type Document struct {
	DocID    string            `json:"doc_id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// Path is the filesystem artifact backing this document, when there
	// is one. Used for quarantine relocation.
	Path string `json:"-"`
}

// RecordError marks a source entry that could not be read or parsed. The
// iterator has already advanced past it; the caller decides whether to
// quarantine the artifact. Artifact is the relocatable per-record file,
// when one exists; array records share one backing file, which must stay
// in place for the remaining records, so for them Artifact is empty and
// Path only identifies the file in diagnostics.
type RecordError struct {
	Offset   int
	Path     string
	Artifact string
	Err      error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("source record %d (%s): %v", e.Offset, e.Path, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Source iterates documents with a resumable offset.
type Source interface {
	// Kind names the source implementation ("dir", "array").
	Kind() string
	// Len is the total number of records.
	Len() int
	// Offset is the index the next call to Next will read.
	Offset() int
	// Seek positions the iterator at the given offset.
	Seek(offset int) error
	// Next returns the next document. io.EOF signals exhaustion; a
	// *RecordError signals one bad record, with iteration still live.
	Next() (*Document, error)
}

// Open builds a Source for the configured kind.
func Open(kind, path string) (Source, error) {
	switch kind {
	case "dir":
		return OpenDir(path)
	case "array":
		return OpenArray(path)
	default:
		return nil, fmt.Errorf("unknown source kind %q (known: dir, array)", kind)
	}
}

// DirSource reads a directory of JSON document files, sorted by name so
// offsets are stable across runs. File contents are read lazily.
type DirSource struct {
	paths  []string
	offset int
}

// OpenDir lists the JSON files under dir.
func OpenDir(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read source dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)

	return &DirSource{paths: paths}, nil
}

func (s *DirSource) Kind() string { return "dir" }

func (s *DirSource) Len() int    { return len(s.paths) }
func (s *DirSource) Offset() int { return s.offset }

func (s *DirSource) Seek(offset int) error {
	if offset < 0 || offset > len(s.paths) {
		return fmt.Errorf("seek offset %d out of range [0, %d]", offset, len(s.paths))
	}
	s.offset = offset
	return nil
}

func (s *DirSource) Next() (*Document, error) {
	if s.offset >= len(s.paths) {
		return nil, io.EOF
	}
	path := s.paths[s.offset]
	offset := s.offset
	s.offset++

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &RecordError{Offset: offset, Path: path, Artifact: path, Err: err}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &RecordError{Offset: offset, Path: path, Artifact: path, Err: err}
	}
	if doc.DocID == "" {
		// Fall back to the filename so dedup still has a stable key.
		doc.DocID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	doc.Path = path
	return &doc, nil
}

// ArraySource reads a single JSON file holding an array of documents.
type ArraySource struct {
	path   string
	docs   []Document
	offset int
}

// OpenArray parses the array file up front; individual records are cheap
// to hand out afterwards.
func OpenArray(path string) (*ArraySource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source file: %w", err)
	}

	var docs []Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parse source file %s: %w", path, err)
	}
	return &ArraySource{path: path, docs: docs}, nil
}

func (s *ArraySource) Kind() string { return "array" }

func (s *ArraySource) Len() int    { return len(s.docs) }
func (s *ArraySource) Offset() int { return s.offset }

func (s *ArraySource) Seek(offset int) error {
	if offset < 0 || offset > len(s.docs) {
		return fmt.Errorf("seek offset %d out of range [0, %d]", offset, len(s.docs))
	}
	s.offset = offset
	return nil
}

func (s *ArraySource) Next() (*Document, error) {
	if s.offset >= len(s.docs) {
		return nil, io.EOF
	}
	doc := s.docs[s.offset]
	offset := s.offset
	s.offset++

	if doc.DocID == "" {
		return nil, &RecordError{Offset: offset, Path: s.path, Err: fmt.Errorf("record %d has no doc_id", offset)}
	}
	return &doc, nil
}
