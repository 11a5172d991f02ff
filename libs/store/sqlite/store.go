// Package sqlite implements the unit-of-work, outbox and inbox contracts on
// SQLite. It suits single-node deployments and tests that need real
// transactional behaviour.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/uow"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schema string

// Store owns the SQLite handle. SQLite allows one writer at a time, so the
// pool is limited to a single connection and transactions queue behind it.
type Store struct {
	sqlDB *sql.DB
}

// Open opens path (":memory:" for a private in-memory database) and applies
// the outbox and inbox schema.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// DB exposes the handle so services can add their own tables.
func (s *Store) DB() *sql.DB {
	return s.sqlDB
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping is a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return s.sqlDB.PingContext(ctx)
}

type sqlTx struct {
	tx *sql.Tx
}

func (t sqlTx) Commit(context.Context) error   { return t.tx.Commit() }
func (t sqlTx) Rollback(context.Context) error { return t.tx.Rollback() }

func (s *Store) Begin(ctx context.Context) (uow.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sqlite tx: %w", err)
	}
	return sqlTx{tx: tx}, nil
}

var errForeignTx = errors.New("sqlite: transaction was not started by this store")

// Tx unwraps the *sql.Tx behind a unit of work.
func Tx(tx uow.Tx) (*sql.Tx, error) {
	st, ok := tx.(sqlTx)
	if !ok || st.tx == nil {
		return nil, errForeignTx
	}
	return st.tx, nil
}

// Outbox returns the outbox table of this database.
func (s *Store) Outbox() *OutboxStore {
	return &OutboxStore{}
}

// Inbox returns the consumed-messages ledger of this database.
func (s *Store) Inbox() *InboxStore {
	return &InboxStore{}
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func nullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3lib.SQLITE_CONSTRAINT || code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
}

var _ uow.Beginner = (*Store)(nil)
