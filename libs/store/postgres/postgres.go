// Package postgres implements the unit-of-work, outbox and inbox contracts on
// PostgreSQL through pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/eventrelay/libs/db"
	"github.com/md-rashed-zaman/eventrelay/libs/uow"
)

//go:embed schema.sql
var schema string

// DB begins pgx transactions for units of work and relay sweeps.
type DB struct {
	pool *db.Pool
}

func New(pool *db.Pool) *DB {
	return &DB{pool: pool}
}

func (d *DB) Begin(ctx context.Context) (uow.Tx, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Migrate creates the outbox and inbox tables if they do not exist.
func Migrate(ctx context.Context, pool *db.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply outbox/inbox schema: %w", err)
	}
	return nil
}

var errForeignTx = errors.New("postgres: transaction was not started by this store")

// Tx unwraps the pgx transaction behind a unit of work.
func Tx(tx uow.Tx) (pgx.Tx, error) {
	ptx, ok := tx.(pgx.Tx)
	if !ok || ptx == nil {
		return nil, errForeignTx
	}
	return ptx, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ uow.Beginner = (*DB)(nil)
