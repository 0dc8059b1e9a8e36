package memory

import (
	"log/slog"
	"time"
)

// Event records one memory mutation for audit collaborators.
type Event struct {
	Op       string
	OwnerKey string
	Content  string
	Tag      string
	At       time.Time
}

const (
	OpAppend  = "append"
	OpDelete  = "delete"
	OpTrim    = "trim"
	OpRewrite = "rewrite"
)

// AuditSink consumes memory-mutation events. Implementations must not
// block; the store calls them inline on the write path.
type AuditSink interface {
	Record(event Event)
}

// LogSink writes audit events to structured logs.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "memory-audit")}
}

func (s *LogSink) Record(event Event) {
	s.logger.Info("memory mutation",
		"op", event.Op,
		"owner", event.OwnerKey,
		"tag", event.Tag,
		"content", event.Content,
	)
}

type nopSink struct{}

func (nopSink) Record(Event) {}
