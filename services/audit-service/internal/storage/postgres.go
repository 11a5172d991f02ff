package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/db"
	"github.com/md-rashed-zaman/eventrelay/libs/store/postgres"
	"github.com/md-rashed-zaman/eventrelay/libs/uow"
	"github.com/md-rashed-zaman/eventrelay/services/audit-service/internal/audit"
)

//go:embed postgres.sql
var postgresSchema string

type PostgresRepository struct {
	pool *db.Pool
}

func NewPostgresRepository(pool *db.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// MigratePostgres applies the audit tables.
func MigratePostgres(ctx context.Context, pool *db.Pool) error {
	_, err := pool.Exec(ctx, postgresSchema)
	return err
}

func (r *PostgresRepository) Insert(ctx context.Context, utx uow.Tx, e audit.Entry) error {
	tx, err := postgres.Tx(utx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO audit_events (id, action, resource, actor_id, correlation_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.Action, e.Resource, e.ActorID, e.CorrelationID, []byte(e.Metadata), e.CreatedAt)
	return err
}

func (r *PostgresRepository) ListRecent(ctx context.Context, limit int) ([]audit.Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, action, resource, actor_id, correlation_id, metadata, created_at
		FROM audit_events
		ORDER BY seq DESC
		LIMIT $1
	`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.Action, &e.Resource, &e.ActorID, &e.CorrelationID, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Metadata = json.RawMessage(metadata)
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *PostgresRepository) IncrementCount(ctx context.Context, utx uow.Tx, action string, at time.Time) (int64, error) {
	tx, err := postgres.Tx(utx)
	if err != nil {
		return 0, err
	}
	var total int64
	err = tx.QueryRow(ctx, `
		INSERT INTO audit_counts (action, total, updated_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (action)
		DO UPDATE SET total = audit_counts.total + 1, updated_at = EXCLUDED.updated_at
		RETURNING total
	`, action, at).Scan(&total)
	return total, err
}

func (r *PostgresRepository) Counts(ctx context.Context) ([]audit.Count, error) {
	rows, err := r.pool.Query(ctx, `SELECT action, total, updated_at FROM audit_counts ORDER BY action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []audit.Count
	for rows.Next() {
		var c audit.Count
		if err := rows.Scan(&c.Action, &c.Total, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.UpdatedAt = c.UpdatedAt.UTC()
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}

var _ audit.Repository = (*PostgresRepository)(nil)
