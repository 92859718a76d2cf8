package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventRunStart       AuditEventType = "run.start"
	AuditEventRunEnd         AuditEventType = "run.end"
	AuditEventRunResume      AuditEventType = "run.resume"
	AuditEventDocIndexed     AuditEventType = "document.indexed"
	AuditEventDocSkipped     AuditEventType = "document.skipped"
	AuditEventDocQuarantined AuditEventType = "document.quarantined"
	AuditEventEmbedError     AuditEventType = "embed.error"
	AuditEventUpsert         AuditEventType = "upsert"
	AuditEventCheckpoint     AuditEventType = "checkpoint.save"
	AuditEventCollection     AuditEventType = "collection.ensure"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp   time.Time              `json:"timestamp"`
	EventType   AuditEventType         `json:"event_type"`
	SessionID   string                 `json:"session_id"`
	DocID       string                 `json:"doc_id,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	Success     bool                   `json:"success"`
	Duration    time.Duration          `json:"duration_ms,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	ErrorDetail string                 `json:"error_detail,omitempty"`
}

// AuditLogger handles audit event logging.
type AuditLogger struct {
	mu        sync.Mutex
	writer    io.Writer
	sessionID string
	userID    string
	enabled   bool
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	Enabled    bool
	OutputPath string // File path or "stdout"/"stderr"
	SessionID  string
	UserID     string
}

// DefaultAuditConfig returns default audit configuration.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		Enabled:    true,
		OutputPath: "stdout",
	}
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(config *AuditConfig) (*AuditLogger, error) {
	if config == nil {
		config = DefaultAuditConfig()
	}

	var writer io.Writer
	switch config.OutputPath {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		f, err := os.OpenFile(config.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		writer = f
	}

	sessionID := config.SessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("run-%d", time.Now().UnixNano())
	}

	return &AuditLogger{
		writer:    writer,
		sessionID: sessionID,
		userID:    config.UserID,
		enabled:   config.Enabled,
	}, nil
}

// Log writes an audit event.
func (l *AuditLogger) Log(event *AuditEvent) error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Fill in defaults
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.SessionID == "" {
		event.SessionID = l.sessionID
	}
	if event.UserID == "" {
		event.UserID = l.userID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	_, err = fmt.Fprintf(l.writer, "%s\n", data)
	return err
}

// LogRunStart logs the start of an indexing run.
func (l *AuditLogger) LogRunStart(ctx context.Context, sourceKind, sourcePath string, docCount, offset int) {
	eventType := AuditEventRunStart
	msg := "Indexing run started"
	if offset > 0 {
		eventType = AuditEventRunResume
		msg = fmt.Sprintf("Indexing run resumed at offset %d", offset)
	}
	l.Log(&AuditEvent{
		EventType: eventType,
		Success:   true,
		Message:   msg,
		Details: map[string]interface{}{
			"source_kind": sourceKind,
			"source_path": sourcePath,
			"doc_count":   docCount,
			"offset":      offset,
		},
	})
}

// LogRunEnd logs the completion of an indexing run.
func (l *AuditLogger) LogRunEnd(ctx context.Context, duration time.Duration, processed, errored, skipped, quarantined int) {
	l.Log(&AuditEvent{
		EventType: AuditEventRunEnd,
		Success:   errored == 0,
		Duration:  duration,
		Message:   fmt.Sprintf("Indexing run completed: %d indexed, %d errored", processed, errored),
		Details: map[string]interface{}{
			"processed":   processed,
			"errored":     errored,
			"skipped":     skipped,
			"quarantined": quarantined,
		},
	})
}

// LogDocIndexed logs a successfully indexed document.
func (l *AuditLogger) LogDocIndexed(ctx context.Context, docID string, chunks, written int, duration time.Duration) {
	l.Log(&AuditEvent{
		EventType: AuditEventDocIndexed,
		DocID:     docID,
		Success:   true,
		Duration:  duration,
		Message:   fmt.Sprintf("Indexed %s: %d chunks", docID, chunks),
		Details: map[string]interface{}{
			"chunk_count":    chunks,
			"points_written": written,
		},
	})
}

// LogDocSkipped logs a document skipped as already indexed.
func (l *AuditLogger) LogDocSkipped(ctx context.Context, docID string) {
	l.Log(&AuditEvent{
		EventType: AuditEventDocSkipped,
		DocID:     docID,
		Success:   true,
		Message:   fmt.Sprintf("Skipped %s: already indexed", docID),
	})
}

// LogDocQuarantined logs a quarantined document.
func (l *AuditLogger) LogDocQuarantined(ctx context.Context, docID, stage string, cause error) {
	event := &AuditEvent{
		EventType: AuditEventDocQuarantined,
		DocID:     docID,
		Success:   false,
		Message:   fmt.Sprintf("Quarantined %s at stage %s", docID, stage),
		Details: map[string]interface{}{
			"stage": stage,
		},
	}
	if cause != nil {
		event.ErrorDetail = cause.Error()
	}
	l.Log(event)
}

// LogEmbedError logs an embedding service failure.
func (l *AuditLogger) LogEmbedError(ctx context.Context, docID string, textCount int, err error) {
	l.Log(&AuditEvent{
		EventType:   AuditEventEmbedError,
		DocID:       docID,
		Success:     false,
		Message:     fmt.Sprintf("Embedding failed for %s", docID),
		ErrorDetail: err.Error(),
		Details: map[string]interface{}{
			"text_count": textCount,
		},
	})
}

// LogUpsert logs a vector store upsert.
func (l *AuditLogger) LogUpsert(ctx context.Context, docID string, written, failed int, duration time.Duration) {
	l.Log(&AuditEvent{
		EventType: AuditEventUpsert,
		DocID:     docID,
		Success:   failed == 0,
		Duration:  duration,
		Message:   fmt.Sprintf("Upserted %d points for %s", written, docID),
		Details: map[string]interface{}{
			"written": written,
			"failed":  failed,
		},
	})
}

// LogCheckpoint logs a checkpoint save.
func (l *AuditLogger) LogCheckpoint(ctx context.Context, offset, processed int, completed bool) {
	l.Log(&AuditEvent{
		EventType: AuditEventCheckpoint,
		Success:   true,
		Message:   fmt.Sprintf("Checkpoint saved at offset %d", offset),
		Details: map[string]interface{}{
			"offset":    offset,
			"processed": processed,
			"completed": completed,
		},
	})
}

// LogCollectionEnsure logs collection creation or verification.
func (l *AuditLogger) LogCollectionEnsure(ctx context.Context, collection string, vectorSize int, created bool) {
	msg := fmt.Sprintf("Collection %s verified", collection)
	if created {
		msg = fmt.Sprintf("Collection %s created", collection)
	}
	l.Log(&AuditEvent{
		EventType: AuditEventCollection,
		Success:   true,
		Message:   msg,
		Details: map[string]interface{}{
			"collection":  collection,
			"vector_size": vectorSize,
			"created":     created,
		},
	})
}

// Close closes the audit logger (if using a file).
func (l *AuditLogger) Close() error {
	if closer, ok := l.writer.(io.Closer); ok {
		if closer != os.Stdout && closer != os.Stderr {
			return closer.Close()
		}
	}
	return nil
}

// Global audit logger instance
var globalAuditLogger *AuditLogger
var auditOnce sync.Once

// InitGlobalAuditLogger initializes the global audit logger.
func InitGlobalAuditLogger(config *AuditConfig) error {
	var err error
	auditOnce.Do(func() {
		globalAuditLogger, err = NewAuditLogger(config)
	})
	return err
}

// Audit returns the global audit logger.
func Audit() *AuditLogger {
	if globalAuditLogger == nil {
		// Return a disabled logger if not initialized
		return &AuditLogger{enabled: false}
	}
	return globalAuditLogger
}
