// Package outbox persists captured domain events inside the business
// transaction and relays them to the message bus after commit.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/event"
	otelx "github.com/md-rashed-zaman/eventrelay/libs/otel"
	"github.com/md-rashed-zaman/eventrelay/libs/uow"
)

// Record is one outbox row. ID is assigned by the store on insert and defines
// publish order.
type Record struct {
	ID            int64
	EventID       string
	EventType     string
	Payload       []byte
	CorrelationID string
	ActorID       string
	CausationID   string
	Traceparent   string
	Tracestate    string
	OccurredAt    time.Time
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	DeadAt        *time.Time
}

// Failure is the outcome of a failed publish attempt for one row.
type Failure struct {
	ID            int64
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Dead          bool
}

// Store is the outbox table. Every method runs inside the given transaction.
type Store interface {
	Insert(ctx context.Context, tx uow.Tx, records []Record) error
	// FetchDue returns at most limit unpublished, live rows ordered by ID. A
	// row is returned only if every earlier live row with the same correlation
	// id is returned before it. Rows returned are locked against other relays
	// until tx ends.
	FetchDue(ctx context.Context, tx uow.Tx, now time.Time, limit int) ([]Record, error)
	// Lease moves next_attempt_at of the given rows to until. A leased head is
	// not due, so its correlation is hidden from other sweeps until the lease
	// ends or the row is settled.
	Lease(ctx context.Context, tx uow.Tx, ids []int64, until time.Time) error
	MarkPublished(ctx context.Context, tx uow.Tx, ids []int64, at time.Time) error
	MarkFailed(ctx context.Context, tx uow.Tx, failures []Failure, at time.Time) error
}

// NewRecords converts captured events into outbox rows sharing the unit's
// correlation id. Payloads are JSON encoded unless already raw bytes.
func NewRecords(ctx context.Context, unit uow.Unit, events []event.Event, now time.Time) ([]Record, error) {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	records := make([]Record, 0, len(events))
	for _, e := range events {
		payload, err := encodePayload(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", e.Type, err)
		}
		occurred := e.OccurredAt
		if occurred.IsZero() {
			occurred = now
		}
		records = append(records, Record{
			EventID:       e.ID.String(),
			EventType:     e.Type,
			Payload:       payload,
			CorrelationID: unit.CorrelationID,
			ActorID:       unit.ActorID,
			CausationID:   unit.CausationID,
			Traceparent:   traceparent,
			Tracestate:    tracestate,
			OccurredAt:    occurred.UTC(),
			CreatedAt:     now.UTC(),
			NextAttemptAt: now.UTC(),
		})
	}
	return records, nil
}

func encodePayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(v)
	}
}

// Enlister writes the events of a unit of work to the outbox.
type Enlister struct {
	store Store
	now   func() time.Time
}

func NewEnlister(store Store) *Enlister {
	return &Enlister{store: store, now: time.Now}
}

func (e *Enlister) Enlist(ctx context.Context, tx uow.Tx, unit uow.Unit, events []event.Event) error {
	records, err := NewRecords(ctx, unit, events, e.now())
	if err != nil {
		return err
	}
	if err := e.store.Insert(ctx, tx, records); err != nil {
		return fmt.Errorf("outbox insert: %w", err)
	}
	return nil
}

var _ uow.Enlister = (*Enlister)(nil)
