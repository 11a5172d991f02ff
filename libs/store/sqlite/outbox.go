package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/outbox"
	"github.com/md-rashed-zaman/eventrelay/libs/uow"
)

type OutboxStore struct{}

const outboxColumns = `id, event_id, event_type, payload, correlation_id, actor_id, causation_id,
	traceparent, tracestate, occurred_at, created_at, published_at, attempts, next_attempt_at, last_error, dead_at`

func (s *OutboxStore) Insert(ctx context.Context, utx uow.Tx, records []outbox.Record) error {
	tx, err := Tx(utx)
	if err != nil {
		return err
	}
	for _, r := range records {
		_, err := tx.ExecContext(ctx, `
INSERT INTO outbox_events (
	event_id,
	event_type,
	payload,
	correlation_id,
	actor_id,
	causation_id,
	traceparent,
	tracestate,
	occurred_at,
	created_at,
	next_attempt_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
			r.EventID,
			r.EventType,
			r.Payload,
			r.CorrelationID,
			r.ActorID,
			r.CausationID,
			r.Traceparent,
			r.Tracestate,
			toMillis(r.OccurredAt),
			toMillis(r.CreatedAt),
			toMillis(r.NextAttemptAt),
		)
		if err != nil {
			return fmt.Errorf("insert outbox event %s: %w", r.EventID, err)
		}
	}
	return nil
}

// FetchDue returns the earliest due row of each correlation and the live rows
// that follow it. No row locks are taken; the relay leases what it fetched
// before it releases the connection.
func (s *OutboxStore) FetchDue(ctx context.Context, utx uow.Tx, now time.Time, limit int) ([]outbox.Record, error) {
	tx, err := Tx(utx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	heads, err := queryRecords(ctx, tx, `
SELECT `+outboxColumns+`
FROM outbox_events o
WHERE o.published_at IS NULL
AND o.dead_at IS NULL
AND o.next_attempt_at <= ?
AND NOT EXISTS (
	SELECT 1 FROM outbox_events p
	WHERE o.correlation_id <> ''
	AND p.correlation_id = o.correlation_id
	AND p.id < o.id
	AND p.published_at IS NULL
	AND p.dead_at IS NULL
)
ORDER BY o.id
LIMIT ?
`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox heads: %w", err)
	}
	if len(heads) == 0 || len(heads) >= limit {
		return heads, nil
	}

	args := []any{}
	headIDs := []any{}
	for _, h := range heads {
		headIDs = append(headIDs, h.ID)
		if h.CorrelationID != "" {
			args = append(args, h.CorrelationID)
		}
	}
	if len(args) == 0 {
		return heads, nil
	}
	query := `
SELECT ` + outboxColumns + `
FROM outbox_events
WHERE correlation_id IN (` + placeholders(len(args)) + `)
AND id NOT IN (` + placeholders(len(headIDs)) + `)
AND published_at IS NULL
AND dead_at IS NULL
ORDER BY id
LIMIT ?
`
	args = append(args, headIDs...)
	args = append(args, limit-len(heads))
	followers, err := queryRecords(ctx, tx, query, args...)
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
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE outbox_events SET next_attempt_at = ? WHERE id = ?`, toMillis(until), id); err != nil {
			return fmt.Errorf("lease outbox event %d: %w", id, err)
		}
	}
	return nil
}

func (s *OutboxStore) MarkPublished(ctx context.Context, utx uow.Tx, ids []int64, at time.Time) error {
	tx, err := Tx(utx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE outbox_events SET published_at = ? WHERE id = ?`, toMillis(at), id); err != nil {
			return fmt.Errorf("mark outbox event %d published: %w", id, err)
		}
	}
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, utx uow.Tx, failures []outbox.Failure, at time.Time) error {
	tx, err := Tx(utx)
	if err != nil {
		return err
	}
	for _, f := range failures {
		var deadAt sql.NullInt64
		if f.Dead {
			deadAt = sql.NullInt64{Int64: toMillis(at), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
UPDATE outbox_events
SET
	attempts = ?,
	next_attempt_at = ?,
	last_error = ?,
	dead_at = ?
WHERE id = ?
`, f.Attempts, toMillis(f.NextAttemptAt), f.LastError, deadAt, f.ID)
		if err != nil {
			return fmt.Errorf("mark outbox event %d failed: %w", f.ID, err)
		}
	}
	return nil
}

// Get returns one row by event id, for inspection and tests.
func (s *OutboxStore) Get(ctx context.Context, utx uow.Tx, eventID string) (outbox.Record, error) {
	tx, err := Tx(utx)
	if err != nil {
		return outbox.Record{}, err
	}
	records, err := queryRecords(ctx, tx, `SELECT `+outboxColumns+` FROM outbox_events WHERE event_id = ?`, eventID)
	if err != nil {
		return outbox.Record{}, fmt.Errorf("get outbox event: %w", err)
	}
	if len(records) == 0 {
		return outbox.Record{}, sql.ErrNoRows
	}
	return records[0], nil
}

func queryRecords(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]outbox.Record, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []outbox.Record
	for rows.Next() {
		var (
			r                                    outbox.Record
			occurredAt, createdAt, nextAttemptAt int64
			publishedAt, deadAt                  sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.EventID, &r.EventType, &r.Payload, &r.CorrelationID, &r.ActorID, &r.CausationID,
			&r.Traceparent, &r.Tracestate, &occurredAt, &createdAt, &publishedAt, &r.Attempts,
			&nextAttemptAt, &r.LastError, &deadAt); err != nil {
			return nil, err
		}
		r.OccurredAt = fromMillis(occurredAt)
		r.CreatedAt = fromMillis(createdAt)
		r.NextAttemptAt = fromMillis(nextAttemptAt)
		r.PublishedAt = nullMillis(publishedAt)
		r.DeadAt = nullMillis(deadAt)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

var _ outbox.Store = (*OutboxStore)(nil)
