package logger

import (
	"context"
	"log/slog"
	"time"

	"github.com/BradenHooton/propguard/internal/models"
)

// AuditLogger writes ledger entries to the structured log so they reach log
// aggregation even when durable sinks are down.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// Name identifies the sink.
func (al *AuditLogger) Name() string {
	return "slog"
}

// WriteEntry logs an audit entry at a level matching its severity.
func (al *AuditLogger) WriteEntry(ctx context.Context, entry models.AuditEntry) error {
	attrs := []slog.Attr{
		slog.String("audit_type", string(entry.PayloadKind())),
		slog.String("entry_id", entry.ID),
		slog.String("action", string(entry.Action)),
		slog.String("severity", string(entry.Severity)),
		slog.String("timestamp", entry.Timestamp.UTC().Format(time.RFC3339Nano)),
		slog.String("hash", entry.Hash),
	}

	if entry.Context.UserID != "" {
		attrs = append(attrs, slog.String("user_id", entry.Context.UserID))
	}
	if entry.Context.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", entry.Context.IPAddress))
	}
	if entry.Context.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", entry.Context.UserAgent))
	}
	if entry.Context.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", entry.Context.CorrelationID))
	}
	if entityType, entityID := entryEntity(entry); entityType != "" {
		attrs = append(attrs, slog.String("entity_type", entityType), slog.String("entity_id", entityID))
	}

	al.logger.LogAttrs(ctx, severityLevel(entry.Severity), "audit", attrs...)
	return nil
}

// WriteCheckpoint logs a chain checkpoint.
func (al *AuditLogger) WriteCheckpoint(ctx context.Context, cp models.AuditCheckpoint) error {
	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit checkpoint",
		slog.String("checkpoint_id", cp.ID),
		slog.String("last_entry_id", cp.LastEntryID),
		slog.String("last_hash", cp.LastHash),
		slog.Int64("trimmed_count", cp.TrimmedCount),
	)
	return nil
}

func entryEntity(entry models.AuditEntry) (string, string) {
	if entry.Data == nil {
		return "", ""
	}
	return entry.Data.Entity()
}

func severityLevel(s models.AuditSeverity) slog.Level {
	switch s {
	case models.SeverityWarning:
		return slog.LevelWarn
	case models.SeverityError, models.SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
