// Package audit records who did what to which file.
package audit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeEncrypt represents server-side encryption of an upload.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt represents decryption for a download.
	EventTypeDecrypt EventType = "decrypt"
	// EventTypeKeyRotation represents a master key rotation.
	EventTypeKeyRotation EventType = "key_rotation"
	// EventTypeAccess represents a file access by a user.
	EventTypeAccess EventType = "access"
)

// Access actions recorded with EventTypeAccess.
const (
	ActionUpload       = "upload"
	ActionReject       = "reject"
	ActionDownload     = "download"
	ActionDownloadLink = "download_link"
	ActionKeyInfo      = "key_info"
	ActionView         = "view"
	ActionDelete       = "delete"
	ActionScan         = "scan"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	Operation  string                 `json:"operation"`
	FileID     string                 `json:"file_id,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	Algorithm  string                 `json:"algorithm,omitempty"`
	KeyVersion int                    `json:"key_version,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	Log(event *AuditEvent)
	LogEncrypt(fileID, userID, algorithm string, keyVersion int, err error, duration time.Duration)
	LogDecrypt(fileID, userID, algorithm string, keyVersion int, err error, duration time.Duration)
	LogKeyRotation(userID string, previousVersion, newVersion int, rewrapped int, err error)
	// LogAccess records action by userID on fileID.
	LogAccess(fileID, userID, action string, err error)
	// Events returns the buffered events, oldest first.
	Events() []*AuditEvent
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// auditLogger keeps the last maxEvents events in memory and forwards every
// event to a writer.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
	errLog    logrus.FieldLogger
	now       func() time.Time
}

// NewLogger creates a new audit logger. A nil writer keeps events in memory only.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithErrorLog(maxEvents, writer, nil)
}

// NewLoggerWithErrorLog is NewLogger with writer failures reported to
// errLog. A nil errLog uses the standard logrus logger.
func NewLoggerWithErrorLog(maxEvents int, writer EventWriter, errLog logrus.FieldLogger) Logger {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	if errLog == nil {
		errLog = logrus.StandardLogger()
	}
	return &auditLogger{
		events:    make([]*AuditEvent, 0, min(maxEvents, 1024)),
		maxEvents: maxEvents,
		writer:    writer,
		errLog:    errLog,
		now:       time.Now,
	}
}

func (l *auditLogger) Log(event *AuditEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}

	// Writer failures never block the audited operation.
	if l.writer != nil {
		if err := l.writer.WriteEvent(event); err != nil {
			l.errLog.WithError(err).WithFields(logrus.Fields{
				"event_type": event.EventType,
				"file_id":    event.FileID,
			}).Error("Failed to write audit event")
		}
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

func (l *auditLogger) LogEncrypt(fileID, userID, algorithm string, keyVersion int, err error, duration time.Duration) {
	l.Log(newEvent(EventTypeEncrypt, "encrypt", fileID, userID, err, func(e *AuditEvent) {
		e.Algorithm = algorithm
		e.KeyVersion = keyVersion
		e.Duration = duration
	}))
}

func (l *auditLogger) LogDecrypt(fileID, userID, algorithm string, keyVersion int, err error, duration time.Duration) {
	l.Log(newEvent(EventTypeDecrypt, "decrypt", fileID, userID, err, func(e *AuditEvent) {
		e.Algorithm = algorithm
		e.KeyVersion = keyVersion
		e.Duration = duration
	}))
}

func (l *auditLogger) LogKeyRotation(userID string, previousVersion, newVersion int, rewrapped int, err error) {
	l.Log(newEvent(EventTypeKeyRotation, "key_rotation", "", userID, err, func(e *AuditEvent) {
		e.KeyVersion = newVersion
		e.Metadata = map[string]interface{}{
			"previous_version": previousVersion,
			"rewrapped":        rewrapped,
		}
	}))
}

func (l *auditLogger) LogAccess(fileID, userID, action string, err error) {
	l.Log(newEvent(EventTypeAccess, action, fileID, userID, err, nil))
}

func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

func newEvent(t EventType, op, fileID, userID string, err error, fill func(*AuditEvent)) *AuditEvent {
	event := &AuditEvent{
		EventType: t,
		Operation: op,
		FileID:    fileID,
		UserID:    userID,
		Success:   err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}
	if fill != nil {
		fill(event)
	}
	return event
}

// LogrusWriter writes audit events as structured log entries.
type LogrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter returns a writer that logs through logger.
func NewLogrusWriter(logger *logrus.Logger) *LogrusWriter {
	return &LogrusWriter{logger: logger}
}

func (w *LogrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":      true,
		"event_type": event.EventType,
		"operation":  event.Operation,
		"success":    event.Success,
	}
	if event.FileID != "" {
		fields["file_id"] = event.FileID
	}
	if event.UserID != "" {
		fields["user_id"] = event.UserID
	}
	if event.Algorithm != "" {
		fields["algorithm"] = event.Algorithm
	}
	if event.KeyVersion != 0 {
		fields["key_version"] = event.KeyVersion
	}
	if event.Duration > 0 {
		fields["duration_ms"] = event.Duration.Milliseconds()
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := w.logger.WithFields(fields)
	if event.Error != "" {
		entry.WithField("error", event.Error).Warn("Audit event")
		return nil
	}
	entry.Info("Audit event")
	return nil
}
