package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventrelay/libs/outbox"
	"github.com/md-rashed-zaman/eventrelay/libs/uow"
)

type OutboxStore struct{}

func NewOutboxStore() *OutboxStore {
	return &OutboxStore{}
}

const outboxColumns = `id, event_id, event_type, payload, correlation_id, actor_id, causation_id,
	traceparent, tracestate, occurred_at, created_at, published_at, attempts, next_attempt_at, last_error, dead_at`

func (s *OutboxStore) Insert(ctx context.Context, utx uow.Tx, records []outbox.Record) error {
	tx, err := Tx(utx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO outbox_events (event_id, event_type, payload, correlation_id, actor_id, causation_id,
				traceparent, tracestate, occurred_at, created_at, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, r.EventID, r.EventType, r.Payload, r.CorrelationID, r.ActorID, r.CausationID,
			r.Traceparent, r.Tracestate, r.OccurredAt, r.CreatedAt, r.NextAttemptAt)
	}
	results := tx.SendBatch(ctx, batch)
	for i := range records {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert outbox event %s: %w", records[i].EventID, err)
		}
	}
	return results.Close()
}

// FetchDue locks the earliest due row of each correlation (skipping rows other
// relays hold), then the live rows that follow those heads.
func (s *OutboxStore) FetchDue(ctx context.Context, utx uow.Tx, now time.Time, limit int) ([]outbox.Record, error) {
	tx, err := Tx(utx)
	if err != nil {
		return nil, err
	}
	heads, err := queryRecords(ctx, tx, `
		SELECT `+outboxColumns+`
		FROM outbox_events o
		WHERE o.published_at IS NULL
		  AND o.dead_at IS NULL
		  AND o.next_attempt_at <= $1
		  AND NOT EXISTS (
			SELECT 1 FROM outbox_events p
			WHERE o.correlation_id <> ''
			  AND p.correlation_id = o.correlation_id
			  AND p.id < o.id
			  AND p.published_at IS NULL
			  AND p.dead_at IS NULL
		  )
		ORDER BY o.id
		LIMIT $2
		FOR UPDATE OF o SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox heads: %w", err)
	}
	if len(heads) == 0 || len(heads) >= limit {
		return heads, nil
	}

	var (
		correlations []string
		headIDs      []int64
	)
	for _, h := range heads {
		headIDs = append(headIDs, h.ID)
		if h.CorrelationID != "" {
			correlations = append(correlations, h.CorrelationID)
		}
	}
	if len(correlations) == 0 {
		return heads, nil
	}
	followers, err := queryRecords(ctx, tx, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE correlation_id = ANY($1)
		  AND id <> ALL($2)
		  AND published_at IS NULL
		  AND dead_at IS NULL
		ORDER BY id
		LIMIT $3
		FOR UPDATE
	`, correlations, headIDs, limit-len(heads))
	if err != nil {
		return nil, fmt.Errorf("fetch outbox followers: %w", err)
	}

	all := append(heads, followers...)
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

func (s *OutboxStore) Lease(ctx context.Context, utx uow.Tx, ids []int64, until time.Time) error {
	tx, err := Tx(utx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = tx.Exec(ctx, `
		UPDATE outbox_events
		SET next_attempt_at = $2
		WHERE id = ANY($1)
	`, ids, until)
	return err
}

func (s *OutboxStore) MarkPublished(ctx context.Context, utx uow.Tx, ids []int64, at time.Time) error {
	tx, err := Tx(utx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = tx.Exec(ctx, `
		UPDATE outbox_events
		SET published_at = $2
		WHERE id = ANY($1)
	`, ids, at)
	return err
}

func (s *OutboxStore) MarkFailed(ctx context.Context, utx uow.Tx, failures []outbox.Failure, at time.Time) error {
	tx, err := Tx(utx)
	if err != nil {
		return err
	}
	if len(failures) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, f := range failures {
		var deadAt *time.Time
		if f.Dead {
			deadAt = &at
		}
		batch.Queue(`
			UPDATE outbox_events
			SET attempts = $2, next_attempt_at = $3, last_error = $4, dead_at = $5
			WHERE id = $1
		`, f.ID, f.Attempts, f.NextAttemptAt, f.LastError, deadAt)
	}
	results := tx.SendBatch(ctx, batch)
	for _, f := range failures {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("mark outbox event %d failed: %w", f.ID, err)
		}
	}
	return results.Close()
}

func queryRecords(ctx context.Context, tx pgx.Tx, sql string, args ...any) ([]outbox.Record, error) {
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []outbox.Record
	for rows.Next() {
		var r outbox.Record
		if err := rows.Scan(&r.ID, &r.EventID, &r.EventType, &r.Payload, &r.CorrelationID, &r.ActorID, &r.CausationID,
			&r.Traceparent, &r.Tracestate, &r.OccurredAt, &r.CreatedAt, &r.PublishedAt, &r.Attempts,
			&r.NextAttemptAt, &r.LastError, &r.DeadAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

var _ outbox.Store = (*OutboxStore)(nil)
