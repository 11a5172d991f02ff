package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/eventrelay/libs/inbox"
)

type otherTx struct{}

func (otherTx) Commit(context.Context) error   { return nil }
func (otherTx) Rollback(context.Context) error { return nil }

func TestForeignTransactionRejected(t *testing.T) {
	if _, err := Tx(otherTx{}); !errors.Is(err, errForeignTx) {
		t.Fatalf("expected errForeignTx, got %v", err)
	}
	if err := NewInboxStore().Insert(context.Background(), otherTx{}, inbox.Record{}); !errors.Is(err, errForeignTx) {
		t.Fatalf("expected errForeignTx from store, got %v", err)
	}
	if _, err := NewOutboxStore().FetchDue(context.Background(), otherTx{}, time.Time{}, 10); !errors.Is(err, errForeignTx) {
		t.Fatalf("expected errForeignTx from outbox, got %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !isUniqueViolation(wrapped) {
		t.Fatalf("expected 23505 to be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation is not a duplicate")
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Fatalf("plain error is not a duplicate")
	}
}

func TestSchemaDeclaresTables(t *testing.T) {
	for _, table := range []string{"outbox_events", "consumed_messages"} {
		if !strings.Contains(schema, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("schema is missing %s", table)
		}
	}
}
