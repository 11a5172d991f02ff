package main

import (
	"context"
	"fmt"

	"github.com/md-rashed-zaman/eventrelay/libs/db"
	"github.com/md-rashed-zaman/eventrelay/libs/inbox"
	"github.com/md-rashed-zaman/eventrelay/libs/outbox"
	"github.com/md-rashed-zaman/eventrelay/libs/runtime"
	"github.com/md-rashed-zaman/eventrelay/libs/store/postgres"
	"github.com/md-rashed-zaman/eventrelay/libs/store/sqlite"
	"github.com/md-rashed-zaman/eventrelay/libs/uow"
	"github.com/md-rashed-zaman/eventrelay/services/audit-service/internal/audit"
	"github.com/md-rashed-zaman/eventrelay/services/audit-service/internal/storage"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// backend is one storage engine providing transactions, the outbox and inbox
// tables and the audit tables, all sharing the same transactions.
type backend struct {
	beginner uow.Beginner
	outbox   outbox.Store
	inbox    inbox.Store
	repo     audit.Repository
	ready    runtime.ReadyCheck
	close    func()
}

func openBackend(ctx context.Context, cfg serviceConfig) (backend, error) {
	if cfg.StoreDriver == driverSQLite {
		return openSQLite(cfg.SQLitePath)
	}
	return openPostgres(ctx, cfg.DB)
}

func openPostgres(ctx context.Context, cfg db.Config) (backend, error) {
	pool, err := db.Open(ctx, cfg)
	if err != nil {
		return backend{}, fmt.Errorf("db connection failed: %w", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return backend{}, fmt.Errorf("migrate outbox schema: %w", err)
	}
	if err := storage.MigratePostgres(ctx, pool); err != nil {
		pool.Close()
		return backend{}, fmt.Errorf("migrate audit schema: %w", err)
	}
	return backend{
		beginner: postgres.New(pool),
		outbox:   postgres.NewOutboxStore(),
		inbox:    postgres.NewInboxStore(),
		repo:     storage.NewPostgresRepository(pool),
		ready:    runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		close:    pool.Close,
	}, nil
}

func openSQLite(path string) (backend, error) {
	store, err := sqlite.Open(path)
	if err != nil {
		return backend{}, err
	}
	repo, err := storage.NewSQLiteRepository(store)
	if err != nil {
		_ = store.Close()
		return backend{}, err
	}
	return backend{
		beginner: store,
		outbox:   store.Outbox(),
		inbox:    store.Inbox(),
		repo:     repo,
		ready:    runtime.ReadyCheck{Name: "db", Check: store.Ping},
		close:    func() { _ = store.Close() },
	}, nil
}
