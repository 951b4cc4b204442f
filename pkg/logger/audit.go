package logger

import (
	"context"
	"log/slog"
	"time"
)

// AuditRecord is the log-facing view of a security audit event
type AuditRecord struct {
	ID        string
	Timestamp time.Time
	Category  string
	Action    string
	UserID    string
	Address   string
	Success   bool
	Severity  string
	Level     slog.Level
	Details   map[string]string
}

// AuditLogger writes audit records as structured log lines
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// Log emits one audit record at its level
func (al *AuditLogger) Log(ctx context.Context, rec AuditRecord) {
	attrs := []slog.Attr{
		slog.String("audit_id", rec.ID),
		slog.String("category", rec.Category),
		slog.String("action", rec.Action),
		slog.Bool("success", rec.Success),
		slog.String("severity", rec.Severity),
		slog.String("timestamp", rec.Timestamp.UTC().Format(time.RFC3339)),
	}

	if rec.UserID != "" {
		attrs = append(attrs, slog.String("user_id", rec.UserID))
	}
	if rec.Address != "" {
		attrs = append(attrs, slog.String("address", rec.Address))
	}
	if len(rec.Details) > 0 {
		details := make([]any, 0, len(rec.Details))
		for key, val := range rec.Details {
			details = append(details, slog.String(key, val))
		}
		attrs = append(attrs, slog.Group("details", details...))
	}

	al.logger.LogAttrs(ctx, rec.Level, "audit", attrs...)
}
