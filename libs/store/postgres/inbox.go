package postgres

import (
	"context"
	"fmt"

	"github.com/md-rashed-zaman/eventrelay/libs/inbox"
	"github.com/md-rashed-zaman/eventrelay/libs/uow"
)

type InboxStore struct{}

func NewInboxStore() *InboxStore {
	return &InboxStore{}
}

func (s *InboxStore) Exists(ctx context.Context, utx uow.Tx, messageID, consumer string) (bool, error) {
	tx, err := Tx(utx)
	if err != nil {
		return false, err
	}
	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM consumed_messages WHERE message_id = $1 AND consumer = $2)
	`, messageID, consumer).Scan(&exists)
	return exists, err
}

func (s *InboxStore) Insert(ctx context.Context, utx uow.Tx, rec inbox.Record) error {
	tx, err := Tx(utx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO consumed_messages (message_id, consumer, consumed_at)
		VALUES ($1, $2, $3)
	`, rec.MessageID, rec.Consumer, rec.ConsumedAt)
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return inbox.ErrDuplicate
	}
	return fmt.Errorf("insert consumed message: %w", err)
}

var _ inbox.Store = (*InboxStore)(nil)
