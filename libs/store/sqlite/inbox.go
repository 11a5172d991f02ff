package sqlite

import (
	"context"
	"fmt"

	"github.com/md-rashed-zaman/eventrelay/libs/inbox"
	"github.com/md-rashed-zaman/eventrelay/libs/uow"
)

type InboxStore struct{}

func (s *InboxStore) Exists(ctx context.Context, utx uow.Tx, messageID, consumer string) (bool, error) {
	tx, err := Tx(utx)
	if err != nil {
		return false, err
	}
	var exists int
	err = tx.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM consumed_messages WHERE message_id = ? AND consumer = ?)
`, messageID, consumer).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup consumed message: %w", err)
	}
	return exists == 1, nil
}

func (s *InboxStore) Insert(ctx context.Context, utx uow.Tx, rec inbox.Record) error {
	tx, err := Tx(utx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO consumed_messages (message_id, consumer, consumed_at)
VALUES (?, ?, ?)
`, rec.MessageID, rec.Consumer, toMillis(rec.ConsumedAt))
	if err == nil {
		return nil
	}
	if isConstraintError(err) {
		return inbox.ErrDuplicate
	}
	return fmt.Errorf("insert consumed message: %w", err)
}

// Count returns the ledger rows for consumer, for inspection and tests.
func (s *InboxStore) Count(ctx context.Context, utx uow.Tx, consumer string) (int, error) {
	tx, err := Tx(utx)
	if err != nil {
		return 0, err
	}
	var n int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM consumed_messages WHERE consumer = ?`, consumer).Scan(&n)
	return n, err
}

var _ inbox.Store = (*InboxStore)(nil)
