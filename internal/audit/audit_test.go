package audit

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestAuditLogger_LogEncrypt(t *testing.T) {
	logger := NewLogger(100, nil)

	logger.LogEncrypt("file-1", "alice", "AES256-GCM", 1, nil, 100*time.Millisecond)

	events := logger.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event.EventType != EventTypeEncrypt {
		t.Fatalf("expected event type %s, got %s", EventTypeEncrypt, event.EventType)
	}
	if event.FileID != "file-1" || event.UserID != "alice" {
		t.Fatalf("unexpected subject %s/%s", event.FileID, event.UserID)
	}
	if event.KeyVersion != 1 {
		t.Fatalf("expected key version 1, got %d", event.KeyVersion)
	}
	if !event.Success {
		t.Fatal("expected success to be true")
	}
	if event.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
}

func TestAuditLogger_LogDecryptFailure(t *testing.T) {
	logger := NewLogger(100, nil)

	logger.LogDecrypt("file-1", "bob", "ChaCha20-Poly1305", 2, errors.New("integrity check failed"), 0)

	event := logger.Events()[0]
	if event.Success {
		t.Fatal("expected success to be false")
	}
	if event.Error != "integrity check failed" {
		t.Fatalf("unexpected error %q", event.Error)
	}
}

func TestAuditLogger_LogKeyRotation(t *testing.T) {
	logger := NewLogger(100, nil)

	logger.LogKeyRotation("admin", 1, 2, 12, nil)

	event := logger.Events()[0]
	if event.EventType != EventTypeKeyRotation {
		t.Fatalf("expected event type %s, got %s", EventTypeKeyRotation, event.EventType)
	}
	if event.KeyVersion != 2 {
		t.Fatalf("expected key version 2, got %d", event.KeyVersion)
	}
	if event.Metadata["previous_version"] != 1 || event.Metadata["rewrapped"] != 12 {
		t.Fatalf("unexpected metadata %v", event.Metadata)
	}
}

func TestAuditLogger_LogAccess(t *testing.T) {
	logger := NewLogger(100, nil)

	logger.LogAccess("file-9", "carol", ActionDownload, nil)

	event := logger.Events()[0]
	if event.EventType != EventTypeAccess || event.Operation != ActionDownload {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestAuditLogger_MaxEvents(t *testing.T) {
	logger := NewLogger(5, nil)

	for i := 0; i < 10; i++ {
		logger.LogAccess("file", "user", ActionView, nil)
	}

	if n := len(logger.Events()); n != 5 {
		t.Fatalf("expected 5 events, got %d", n)
	}
}

func TestLogrusWriter(t *testing.T) {
	base, hook := test.NewNullLogger()
	logger := NewLogger(10, NewLogrusWriter(base))

	logger.LogAccess("file-1", "alice", ActionDelete, nil)
	logger.LogAccess("file-2", "mallory", ActionDownload, errors.New("forbidden"))

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != logrus.InfoLevel || entries[0].Data["file_id"] != "file-1" {
		t.Fatalf("unexpected first entry %+v", entries[0].Data)
	}
	if entries[1].Level != logrus.WarnLevel || entries[1].Data["error"] != "forbidden" {
		t.Fatalf("unexpected second entry %+v", entries[1].Data)
	}
}

type failingWriter struct{ err error }

func (w failingWriter) WriteEvent(*AuditEvent) error { return w.err }

func TestAuditLogger_WriterFailureIsLogged(t *testing.T) {
	errLog, hook := test.NewNullLogger()
	logger := NewLoggerWithErrorLog(10, failingWriter{err: errors.New("disk full")}, errLog)

	logger.LogAccess("file-1", "alice", ActionDownload, nil)

	if len(logger.Events()) != 1 {
		t.Fatal("event must still be buffered when the writer fails")
	}
	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected writer failure to be logged")
	}
	if entry.Level != logrus.ErrorLevel {
		t.Fatalf("expected error level, got %s", entry.Level)
	}
	if entry.Data["file_id"] != "file-1" {
		t.Fatalf("expected file_id field, got %v", entry.Data["file_id"])
	}
	if got, ok := entry.Data[logrus.ErrorKey].(error); !ok || got.Error() != "disk full" {
		t.Fatalf("expected writer error, got %v", entry.Data[logrus.ErrorKey])
	}
}
