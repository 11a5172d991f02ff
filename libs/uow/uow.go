// Package uow runs business mutations as units of work: one storage
// transaction that also persists every event raised while it ran.
package uow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/eventrelay/libs/capture"
	"github.com/md-rashed-zaman/eventrelay/libs/event"
	"github.com/md-rashed-zaman/eventrelay/libs/requestctx"
	"github.com/md-rashed-zaman/eventrelay/libs/runtime"
)

// Tx is one atomic storage transaction. pgx.Tx satisfies it directly; other
// backends wrap their native transaction.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner opens transactions.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// Unit describes one unit of work. Every event it persists shares
// CorrelationID.
type Unit struct {
	CorrelationID string
	ActorID       string
	CausationID   string
}

// Enlister writes captured events into the transaction before it commits.
type Enlister interface {
	Enlist(ctx context.Context, tx Tx, unit Unit, events []event.Event) error
}

// AfterCommit runs once the transaction committed. Failures inside a hook must
// not affect the caller's outcome, so hooks return nothing.
type AfterCommit func(ctx context.Context, unit Unit, events []event.Event)

type Manager struct {
	beginner Beginner
	enlister Enlister
	hooks    []AfterCommit
	logger   *slog.Logger
}

type Option func(*Manager)

func WithAfterCommit(hook AfterCommit) Option {
	return func(m *Manager) {
		if hook != nil {
			m.hooks = append(m.hooks, hook)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewManager(beginner Beginner, enlister Enlister, opts ...Option) *Manager {
	if beginner == nil {
		panic("uow: nil Beginner")
	}
	if enlister == nil {
		panic("uow: nil Enlister")
	}
	m := &Manager{beginner: beginner, enlister: enlister, logger: runtime.DiscardLogger()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type txKey struct{}

type active struct {
	tx   Tx
	unit Unit
}

// Current returns the transaction of the unit of work running on ctx.
func Current(ctx context.Context) (Tx, bool) {
	a, ok := ctx.Value(txKey{}).(*active)
	if !ok || a == nil {
		return nil, false
	}
	return a.tx, true
}

// CurrentUnit returns the metadata of the unit of work running on ctx.
func CurrentUnit(ctx context.Context) (Unit, bool) {
	a, ok := ctx.Value(txKey{}).(*active)
	if !ok || a == nil {
		return Unit{}, false
	}
	return a.unit, true
}

// Do runs fn in a new unit of work. See Run.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	_, _, err := m.Run(ctx, fn)
	return err
}

// Run begins a transaction, binds a capture queue to the context handed to fn
// and, if fn succeeds and ctx is still live, enlists the captured events in the
// same transaction and commits. On any failure, panic included, the
// transaction is rolled back and the captured events are discarded. It returns
// the unit and the events that were committed. When ctx carries an active
// Recorder, the committed events are also delivered to it.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (Unit, []event.Event, error) {
	if _, ok := Current(ctx); ok {
		return Unit{}, nil, ErrNested
	}

	base := ctx
	if capture.Recording(ctx) {
		base = capture.Detach(ctx)
	}
	queue := capture.NewQueue()
	workCtx, err := capture.WithQueue(base, queue)
	if err != nil {
		return Unit{}, nil, err
	}

	tx, err := m.beginner.Begin(ctx)
	if err != nil {
		return Unit{}, nil, fmt.Errorf("begin unit of work: %w", err)
	}

	unit := Unit{
		CorrelationID: uuid.NewString(),
		ActorID:       requestctx.ActorID(ctx),
		CausationID:   requestctx.CausationID(ctx),
	}
	workCtx = context.WithValue(workCtx, txKey{}, &active{tx: tx, unit: unit})

	committed := false
	defer func() {
		if committed {
			return
		}
		queue.Close()
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			m.logger.Warn("unit of work rollback failed", "correlation_id", unit.CorrelationID, "err", rbErr)
		}
	}()

	if err := fn(workCtx, tx); err != nil {
		return unit, nil, err
	}
	if err := ctx.Err(); err != nil {
		return unit, nil, err
	}

	events := queue.Swap()
	queue.Close()
	if len(events) > 0 {
		if err := m.enlister.Enlist(workCtx, tx, unit, events); err != nil {
			return unit, nil, fmt.Errorf("enlist events: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return unit, nil, fmt.Errorf("commit unit of work: %w", err)
	}
	committed = true

	if len(events) > 0 && capture.Recording(ctx) && !capture.Deliver(ctx, events) {
		m.logger.Warn("enclosing capture ended before delivery", "correlation_id", unit.CorrelationID)
	}
	for _, hook := range m.hooks {
		hook(ctx, unit, events)
	}
	return unit, events, nil
}

var ErrNested = errors.New("uow: unit of work already active on this flow")
