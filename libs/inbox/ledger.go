// Package inbox makes message consumption idempotent per consumer: a message
// id is processed at most once by each consumer type, with the ledger row
// written in the same transaction as the handler's side effects.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/runtime"
	"github.com/md-rashed-zaman/eventrelay/libs/uow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Record is one consumed_messages row. (MessageID, Consumer) is unique.
type Record struct {
	MessageID  string
	Consumer   string
	ConsumedAt time.Time
}

// Store is the ledger table.
type Store interface {
	Exists(ctx context.Context, tx uow.Tx, messageID, consumer string) (bool, error)
	// Insert returns ErrDuplicate when the pair is already recorded.
	Insert(ctx context.Context, tx uow.Tx, rec Record) error
}

// Cache is an optional fast path consulted before a transaction is opened.
// The ledger table stays authoritative; a cache miss is never trusted as "new".
type Cache interface {
	Seen(ctx context.Context, messageID, consumer string) (bool, error)
	Mark(ctx context.Context, messageID, consumer string) error
}

type Outcome int

const (
	OutcomeProcessed Outcome = iota + 1
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

var (
	ErrDuplicate      = errors.New("inbox: message already consumed")
	ErrEmptyMessageID = errors.New("inbox: empty message id")
)

type Ledger struct {
	uow    *uow.Manager
	store  Store
	cache  Cache
	logger *slog.Logger
	now    func() time.Time

	consumed   metric.Int64Counter
	duplicates metric.Int64Counter
}

type Option func(*Ledger)

func WithCache(c Cache) Option {
	return func(l *Ledger) { l.cache = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewLedger(m *uow.Manager, store Store, opts ...Option) *Ledger {
	meter := otel.Meter("github.com/md-rashed-zaman/eventrelay/libs/inbox")
	l := &Ledger{uow: m, store: store, logger: runtime.DiscardLogger(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.consumed, _ = meter.Int64Counter("inbox.consumed", metric.WithDescription("Messages processed for the first time"))
	l.duplicates, _ = meter.Int64Counter("inbox.duplicates", metric.WithDescription("Duplicate deliveries skipped"))
	return l
}

// Consume runs fn at most once for (messageID, consumer). fn runs inside a
// unit of work together with the ledger insert, so its side effects and any
// events it raises commit or roll back with the ledger row. A duplicate
// delivery is reported as OutcomeDuplicate with a nil error.
func (l *Ledger) Consume(ctx context.Context, messageID, consumer string, fn func(ctx context.Context, tx uow.Tx) error) (Outcome, error) {
	if messageID == "" {
		return 0, ErrEmptyMessageID
	}
	attrs := metric.WithAttributes(attribute.String("consumer", consumer))

	if l.cache != nil {
		seen, err := l.cache.Seen(ctx, messageID, consumer)
		if err != nil {
			l.logger.Warn("inbox cache lookup failed", "message_id", messageID, "consumer", consumer, "err", err)
		} else if seen {
			l.duplicates.Add(ctx, 1, attrs)
			return OutcomeDuplicate, nil
		}
	}

	outcome := OutcomeProcessed
	err := l.uow.Do(ctx, func(ctx context.Context, tx uow.Tx) error {
		exists, err := l.store.Exists(ctx, tx, messageID, consumer)
		if err != nil {
			return fmt.Errorf("inbox lookup: %w", err)
		}
		if exists {
			outcome = OutcomeDuplicate
			return nil
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return l.store.Insert(ctx, tx, Record{MessageID: messageID, Consumer: consumer, ConsumedAt: l.now().UTC()})
	})
	if errors.Is(err, ErrDuplicate) {
		outcome = OutcomeDuplicate
		err = nil
	}
	if err != nil {
		return 0, err
	}

	if outcome == OutcomeDuplicate {
		l.duplicates.Add(ctx, 1, attrs)
		l.logger.Info("duplicate message ignored", "message_id", messageID, "consumer", consumer)
	} else {
		l.consumed.Add(ctx, 1, attrs)
	}
	if l.cache != nil {
		if err := l.cache.Mark(ctx, messageID, consumer); err != nil {
			l.logger.Warn("inbox cache mark failed", "message_id", messageID, "consumer", consumer, "err", err)
		}
	}
	return outcome, nil
}
