package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeDoc(t *testing.T, dir, name string, doc Document) string {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDirSource_IteratesSorted(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "b.json", Document{DocID: "case-b", Text: "beta"})
	writeDoc(t, dir, "a.json", Document{DocID: "case-a", Text: "alpha"})
	writeDoc(t, dir, "c.json", Document{DocID: "case-c", Text: "gamma"})
	// Non-JSON files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := OpenDir(dir)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}

	var ids []string
	for {
		doc, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		ids = append(ids, doc.DocID)
		if doc.Path == "" {
			t.Errorf("doc %s has no artifact path", doc.DocID)
		}
	}
	want := []string{"case-a", "case-b", "case-c"}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("doc %d = %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestDirSource_SeekResumes(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeDoc(t, dir, fmt.Sprintf("%02d.json", i), Document{DocID: fmt.Sprintf("case-%d", i), Text: "t"})
	}

	s, err := OpenDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Seek(3); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	doc, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if doc.DocID != "case-3" {
		t.Errorf("resumed at %s, want case-3", doc.DocID)
	}
	if s.Offset() != 4 {
		t.Errorf("offset = %d, want 4", s.Offset())
	}
}

func TestDirSource_SeekOutOfRange(t *testing.T) {
	s := &DirSource{paths: []string{"a", "b"}}
	if err := s.Seek(-1); err == nil {
		t.Error("expected error for negative offset")
	}
	if err := s.Seek(3); err == nil {
		t.Error("expected error for offset past end")
	}
	if err := s.Seek(2); err != nil {
		t.Errorf("seek to Len() is valid (resume after completion): %v", err)
	}
}

func TestDirSource_MalformedRecordContinues(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "a.json", Document{DocID: "good-a", Text: "t"})
	bad := filepath.Join(dir, "b.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeDoc(t, dir, "c.json", Document{DocID: "good-c", Text: "t"})

	s, err := OpenDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	if doc, err := s.Next(); err != nil || doc.DocID != "good-a" {
		t.Fatalf("first: doc=%v err=%v", doc, err)
	}

	_, err = s.Next()
	var recErr *RecordError
	if !errors.As(err, &recErr) {
		t.Fatalf("expected RecordError, got %v", err)
	}
	if recErr.Path != bad || recErr.Artifact != bad || recErr.Offset != 1 {
		t.Errorf("unexpected record error: %+v", recErr)
	}

	// Iteration continues past the bad record.
	doc, err := s.Next()
	if err != nil || doc.DocID != "good-c" {
		t.Fatalf("third: doc=%v err=%v", doc, err)
	}
}

func TestDirSource_DocIDFromFilename(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "bgh-2024-117.json", Document{Text: "text without id"})

	s, err := OpenDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := s.Next()
	if err != nil {
		t.Fatal(err)
	}
	if doc.DocID != "bgh-2024-117" {
		t.Errorf("doc id = %q, want filename stem", doc.DocID)
	}
}

func TestArraySource_RoundTrip(t *testing.T) {
	docs := []Document{
		{DocID: "n-1", Text: "first", Metadata: map[string]string{"court": "BVerfG"}},
		{DocID: "n-2", Text: "second"},
	}
	data, _ := json.Marshal(docs)
	path := filepath.Join(t.TempDir(), "corpus.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := OpenArray(path)
	if err != nil {
		t.Fatalf("OpenArray: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}

	doc, err := s.Next()
	if err != nil {
		t.Fatal(err)
	}
	if doc.DocID != "n-1" || doc.Metadata["court"] != "BVerfG" {
		t.Errorf("unexpected doc: %+v", doc)
	}
}

func TestArraySource_MissingDocID(t *testing.T) {
	data := []byte(`[{"doc_id":"ok","text":"t"},{"text":"no id"}]`)
	path := filepath.Join(t.TempDir(), "corpus.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := OpenArray(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Next(); err != nil {
		t.Fatal(err)
	}
	_, err = s.Next()
	var recErr *RecordError
	if !errors.As(err, &recErr) {
		t.Fatalf("expected RecordError for missing doc_id, got %v", err)
	}
	if recErr.Artifact != "" {
		t.Errorf("array record error must not name a relocatable artifact, got %q", recErr.Artifact)
	}
	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after last record, got %v", err)
	}
}

func TestOpen_UnknownKind(t *testing.T) {
	if _, err := Open("ftp", "x"); err == nil {
		t.Error("expected error for unknown source kind")
	}
}
