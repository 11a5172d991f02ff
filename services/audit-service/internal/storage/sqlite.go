package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/store/sqlite"
	"github.com/md-rashed-zaman/eventrelay/libs/uow"
	"github.com/md-rashed-zaman/eventrelay/services/audit-service/internal/audit"
)

//go:embed sqlite.sql
var sqliteSchema string

// SQLiteRepository shares the single connection of a sqlite.Store, so reads
// must not run while a unit of work is open on the same flow.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository applies the audit tables to store.
func NewSQLiteRepository(store *sqlite.Store) (*SQLiteRepository, error) {
	if _, err := store.DB().Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &SQLiteRepository{db: store.DB()}, nil
}

func (r *SQLiteRepository) Insert(ctx context.Context, utx uow.Tx, e audit.Entry) error {
	tx, err := sqlite.Tx(utx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO audit_events (id, action, resource, actor_id, correlation_id, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, e.ID, e.Action, e.Resource, e.ActorID, e.CorrelationID, string(e.Metadata), e.CreatedAt.UTC().UnixMilli())
	return err
}

func (r *SQLiteRepository) ListRecent(ctx context.Context, limit int) ([]audit.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, action, resource, actor_id, correlation_id, metadata, created_at
FROM audit_events
ORDER BY seq DESC
LIMIT ?
`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var metadata string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Action, &e.Resource, &e.ActorID, &e.CorrelationID, &metadata, &createdAt); err != nil {
			return nil, err
		}
		e.Metadata = json.RawMessage(metadata)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *SQLiteRepository) IncrementCount(ctx context.Context, utx uow.Tx, action string, at time.Time) (int64, error) {
	tx, err := sqlite.Tx(utx)
	if err != nil {
		return 0, err
	}
	var total int64
	err = tx.QueryRowContext(ctx, `
INSERT INTO audit_counts (action, total, updated_at)
VALUES (?, 1, ?)
ON CONFLICT (action)
DO UPDATE SET total = audit_counts.total + 1, updated_at = excluded.updated_at
RETURNING total
`, action, at.UTC().UnixMilli()).Scan(&total)
	return total, err
}

func (r *SQLiteRepository) Counts(ctx context.Context) ([]audit.Count, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT action, total, updated_at FROM audit_counts ORDER BY action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []audit.Count
	for rows.Next() {
		var c audit.Count
		var updatedAt int64
		if err := rows.Scan(&c.Action, &c.Total, &updatedAt); err != nil {
			return nil, err
		}
		c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

var _ audit.Repository = (*SQLiteRepository)(nil)
