package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/propguard/internal/database"
	"github.com/BradenHooton/propguard/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLogRepository is the durable sink for the audit ledger. Rows keep
// the hash and previous hash so the chain can be re-verified offline.
type AuditLogRepository struct {
	pool *pgxpool.Pool
}

// NewAuditLogRepository creates a new AuditLogRepository
func NewAuditLogRepository(db *database.DB) *AuditLogRepository {
	return &AuditLogRepository{pool: db.Pool}
}

const auditColumns = `id, recorded_at, action, severity, user_id, ip_address, user_agent,
	correlation_id, data_kind, data, hash, previous_hash`

// scanAuditEntryRow populates an AuditEntry from a database row
func scanAuditEntryRow(row rowScanner) (*models.AuditEntry, error) {
	var (
		e                                         models.AuditEntry
		userID, ipAddress, userAgent, correlation *string
		kind                                      string
		data                                      []byte
	)

	err := row.Scan(
		&e.ID, &e.Timestamp, &e.Action, &e.Severity, &userID, &ipAddress, &userAgent,
		&correlation, &kind, &data, &e.Hash, &e.PreviousHash,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	e.Timestamp = e.Timestamp.UTC()
	e.Context = models.AuditContext{
		UserID:        deref(userID),
		IPAddress:     deref(ipAddress),
		UserAgent:     deref(userAgent),
		CorrelationID: deref(correlation),
	}
	if e.Data, err = models.DecodePayload(models.PayloadKind(kind), data); err != nil {
		return nil, err
	}

	return &e, nil
}

// scanAuditEntryRows iterates through rows and scans each entry
func scanAuditEntryRows(rows pgx.Rows) ([]models.AuditEntry, error) {
	defer rows.Close()

	entries := make([]models.AuditEntry, 0)

	for rows.Next() {
		e, err := scanAuditEntryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entry rows: %w", err)
	}

	return entries, nil
}

// Name identifies the sink.
func (r *AuditLogRepository) Name() string {
	return "postgres"
}

// WriteEntry persists a ledger entry. Re-delivery of the same entry is a
// no-op.
func (r *AuditLogRepository) WriteEntry(ctx context.Context, e models.AuditEntry) error {
	var data []byte
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("failed to encode audit payload: %w", err)
		}
		data = raw
	}
	entityType, entityID := "", ""
	if e.Data != nil {
		entityType, entityID = e.Data.Entity()
	}

	query := `
		INSERT INTO audit_entries (
			id, recorded_at, action, severity, user_id, ip_address, user_agent,
			correlation_id, entity_type, entity_id, data_kind, data, hash, previous_hash
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		e.ID, e.Timestamp, e.Action, e.Severity,
		nullable(e.Context.UserID), nullable(e.Context.IPAddress), nullable(e.Context.UserAgent),
		nullable(e.Context.CorrelationID), nullable(entityType), nullable(entityID),
		string(e.PayloadKind()), data, e.Hash, e.PreviousHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", database.MapPostgresError(err))
	}
	return nil
}

// WriteCheckpoint persists a chain checkpoint.
func (r *AuditLogRepository) WriteCheckpoint(ctx context.Context, cp models.AuditCheckpoint) error {
	query := `
		INSERT INTO audit_checkpoints (id, created_at, last_entry_id, last_hash, trimmed_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query, cp.ID, cp.CreatedAt, cp.LastEntryID, cp.LastHash, cp.TrimmedCount)
	if err != nil {
		return fmt.Errorf("failed to insert audit checkpoint: %w", database.MapPostgresError(err))
	}
	return nil
}

// Query returns persisted entries matching the filter, newest first, with
// the filtered total.
func (r *AuditLogRepository) Query(ctx context.Context, f models.AuditFilter) (models.AuditQueryResult, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Severity != "" {
		add("severity = $%d", f.Severity)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.From != nil {
		add("recorded_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("recorded_at <= $%d", *f.To)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	result := models.AuditQueryResult{Entries: []models.AuditEntry{}}
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_entries`+clause, args...).Scan(&result.Total); err != nil {
		return result, fmt.Errorf("failed to count audit entries: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	pageArgs := append(append([]any{}, args...), limit, max(f.Offset, 0))
	query := fmt.Sprintf(`SELECT %s FROM audit_entries%s ORDER BY seq DESC LIMIT $%d OFFSET $%d`,
		auditColumns, clause, len(args)+1, len(args)+2)

	rows, err := r.pool.Query(ctx, query, pageArgs...)
	if err != nil {
		return result, fmt.Errorf("failed to query audit entries: %w", err)
	}
	entries, err := scanAuditEntryRows(rows)
	if err != nil {
		return result, err
	}
	result.Entries = entries
	return result, nil
}

// Chain returns the oldest persisted entries in append order, for offline
// verification.
func (r *AuditLogRepository) Chain(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_entries ORDER BY seq ASC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit chain: %w", err)
	}
	return scanAuditEntryRows(rows)
}

// LatestCheckpoint returns the most recent checkpoint, or ErrNotFound.
func (r *AuditLogRepository) LatestCheckpoint(ctx context.Context) (*models.AuditCheckpoint, error) {
	query := `
		SELECT id, created_at, last_entry_id, last_hash, trimmed_count
		FROM audit_checkpoints
		ORDER BY created_at DESC
		LIMIT 1
	`

	var cp models.AuditCheckpoint
	err := r.pool.QueryRow(ctx, query).Scan(&cp.ID, &cp.CreatedAt, &cp.LastEntryID, &cp.LastHash, &cp.TrimmedCount)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	cp.CreatedAt = cp.CreatedAt.UTC()
	return &cp, nil
}

// Cleanup removes persisted entries older than the retention period.
func (r *AuditLogRepository) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	query := `DELETE FROM audit_entries WHERE recorded_at < $1`

	result, err := r.pool.Exec(ctx, query, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit entries: %w", err)
	}

	return result.RowsAffected(), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
