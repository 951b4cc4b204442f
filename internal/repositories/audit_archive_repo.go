package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/jackc/pgx/v5"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// AuditArchiveRepository is the durable store behind the in-memory audit sink
type AuditArchiveRepository struct {
	db *database.DB
}

// NewAuditArchiveRepository creates a new AuditArchiveRepository
func NewAuditArchiveRepository(db *database.DB) *AuditArchiveRepository {
	return &AuditArchiveRepository{db: db}
}

const insertArchivedEvent = `
	INSERT INTO audit_archive (id, occurred_at, category, action, user_id, address, success, severity, details)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9)
	ON CONFLICT (id) DO NOTHING
`

// InsertBatch stores events in one transaction and returns how many were new.
// Events already archived are skipped, so overlapping exports are harmless.
func (r *AuditArchiveRepository) InsertBatch(ctx context.Context, events []models.AuditEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	inserted := 0
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for i := range events {
			e := &events[i]
			details, err := json.Marshal(detailsOrEmpty(e.Details))
			if err != nil {
				return fmt.Errorf("marshal details of %s: %w", e.ID, err)
			}
			batch.Queue(insertArchivedEvent,
				e.ID, e.Timestamp, string(e.Category), e.Action,
				e.UserID, e.Address, e.Success, e.Severity.String(), details,
			)
		}

		results := tx.SendBatch(ctx, batch)
		for range events {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return database.MapPostgresError(err)
			}
			inserted += int(tag.RowsAffected())
		}
		return results.Close()
	})
	if err != nil {
		return 0, fmt.Errorf("archive audit batch: %w", err)
	}

	return inserted, nil
}

// LatestTimestamp returns the newest archived event time, or the zero time for an empty archive
func (r *AuditArchiveRepository) LatestTimestamp(ctx context.Context) (time.Time, error) {
	var latest *time.Time
	err := r.db.Pool.QueryRow(ctx, `SELECT MAX(occurred_at) FROM audit_archive`).Scan(&latest)
	if err != nil {
		return time.Time{}, database.MapPostgresError(err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return latest.UTC(), nil
}

// List returns archived events matching filter, newest first
func (r *AuditArchiveRepository) List(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.Category != "" {
		add("category = $%d", string(filter.Category))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if !filter.Since.IsZero() {
		add("occurred_at >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("occurred_at < $%d", filter.Until)
	}
	if filter.MinSeverity > models.SeverityLow {
		add("severity = ANY($%d)", severitiesAtLeast(filter.MinSeverity))
	}

	query := `SELECT id, occurred_at, category, action, COALESCE(user_id, ''), COALESCE(address, ''), success, severity, details
		FROM audit_archive`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY occurred_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	events := make([]models.AuditEvent, 0)
	for rows.Next() {
		e, err := scanArchivedEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archived event: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archived events: %w", err)
	}

	return events, nil
}

func scanArchivedEvent(row rowScanner) (*models.AuditEvent, error) {
	var (
		e        models.AuditEvent
		category string
		severity string
		details  []byte
	)

	err := row.Scan(&e.ID, &e.Timestamp, &category, &e.Action, &e.UserID, &e.Address, &e.Success, &severity, &details)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	e.Timestamp = e.Timestamp.UTC()
	e.Category = models.AuditCategory(category)
	if e.Severity, err = models.ParseSeverity(severity); err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
		if len(e.Details) == 0 {
			e.Details = nil
		}
	}

	return &e, nil
}

func detailsOrEmpty(d map[string]string) map[string]string {
	if d == nil {
		return map[string]string{}
	}
	return d
}

func severitiesAtLeast(min models.Severity) []string {
	var out []string
	for s := min; s <= models.SeverityCritical; s++ {
		out = append(out, s.String())
	}
	return out
}
