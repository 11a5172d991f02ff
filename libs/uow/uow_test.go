package uow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/md-rashed-zaman/eventrelay/libs/capture"
	"github.com/md-rashed-zaman/eventrelay/libs/event"
	"github.com/md-rashed-zaman/eventrelay/libs/pipeline"
	"github.com/md-rashed-zaman/eventrelay/libs/requestctx"
)

type fakeTx struct {
	mu         sync.Mutex
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *fakeTx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return errors.New("tx closed")
	}
	t.rolledBack = true
	return nil
}

type fakeDB struct {
	txs []*fakeTx
}

func (d *fakeDB) Begin(context.Context) (Tx, error) {
	tx := &fakeTx{}
	d.txs = append(d.txs, tx)
	return tx, nil
}

func (d *fakeDB) last() *fakeTx { return d.txs[len(d.txs)-1] }

type enlisted struct {
	tx     Tx
	unit   Unit
	events []event.Event
}

type fakeEnlister struct {
	calls []enlisted
	err   error
}

func (e *fakeEnlister) Enlist(_ context.Context, tx Tx, unit Unit, events []event.Event) error {
	if e.err != nil {
		return e.err
	}
	e.calls = append(e.calls, enlisted{tx: tx, unit: unit, events: events})
	return nil
}

func TestCommitEnlistsCapturedEventsInSameTx(t *testing.T) {
	db := &fakeDB{}
	en := &fakeEnlister{}
	var hooked []event.Event
	m := NewManager(db, en, WithAfterCommit(func(_ context.Context, _ Unit, events []event.Event) {
		hooked = events
	}))

	ctx := requestctx.WithActorID(context.Background(), "user-7")
	unit, events, err := m.Run(ctx, func(ctx context.Context, tx Tx) error {
		if cur, ok := Current(ctx); !ok || cur != tx {
			t.Fatalf("expected current tx on ctx")
		}
		if err := capture.Raise(ctx, event.New("a.v1", 1)); err != nil {
			return err
		}
		return capture.Raise(ctx, event.New("b.v1", 2))
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(events) != 2 || events[0].Type != "a.v1" || events[1].Type != "b.v1" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if len(en.calls) != 1 || en.calls[0].tx != db.last() {
		t.Fatalf("expected one enlist in the unit's tx, got %+v", en.calls)
	}
	if en.calls[0].unit.CorrelationID == "" || en.calls[0].unit.CorrelationID != unit.CorrelationID {
		t.Fatalf("correlation id not shared: %+v vs %+v", en.calls[0].unit, unit)
	}
	if unit.ActorID != "user-7" {
		t.Fatalf("expected actor forwarded, got %q", unit.ActorID)
	}
	if !db.last().committed || db.last().rolledBack {
		t.Fatalf("expected commit only")
	}
	if len(hooked) != 2 {
		t.Fatalf("expected after-commit hook with 2 events, got %d", len(hooked))
	}
}

func TestHandlerErrorRollsBackAndDiscards(t *testing.T) {
	db := &fakeDB{}
	en := &fakeEnlister{}
	hooks := 0
	m := NewManager(db, en, WithAfterCommit(func(context.Context, Unit, []event.Event) { hooks++ }))

	boom := errors.New("boom")
	var raisedCtx context.Context
	err := m.Do(context.Background(), func(ctx context.Context, _ Tx) error {
		raisedCtx = ctx
		_ = capture.Raise(ctx, event.New("a.v1", nil))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error unchanged, got %v", err)
	}
	if len(en.calls) != 0 || hooks != 0 {
		t.Fatalf("expected nothing enlisted, got %d calls %d hooks", len(en.calls), hooks)
	}
	if !db.last().rolledBack || db.last().committed {
		t.Fatalf("expected rollback")
	}
	if err := capture.Raise(raisedCtx, event.New("late.v1", nil)); !errors.Is(err, capture.ErrNoCapture) {
		t.Fatalf("expected raise after rollback to be dropped, got %v", err)
	}
}

func TestPanicRollsBack(t *testing.T) {
	db := &fakeDB{}
	en := &fakeEnlister{}
	m := NewManager(db, en)

	func() {
		defer func() { _ = recover() }()
		_ = m.Do(context.Background(), func(ctx context.Context, _ Tx) error {
			_ = capture.Raise(ctx, event.New("a.v1", nil))
			panic("boom")
		})
	}()
	if !db.last().rolledBack || len(en.calls) != 0 {
		t.Fatalf("expected rollback with nothing enlisted")
	}
}

func TestCancellationAbortsUnit(t *testing.T) {
	db := &fakeDB{}
	en := &fakeEnlister{}
	m := NewManager(db, en)

	ctx, cancel := context.WithCancel(context.Background())
	err := m.Do(ctx, func(ctx context.Context, _ Tx) error {
		_ = capture.Raise(ctx, event.New("a.v1", nil))
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if !db.last().rolledBack || len(en.calls) != 0 {
		t.Fatalf("expected rollback with nothing enlisted")
	}
}

func TestEnlistFailureRollsBack(t *testing.T) {
	db := &fakeDB{}
	en := &fakeEnlister{err: errors.New("disk full")}
	m := NewManager(db, en)

	err := m.Do(context.Background(), func(ctx context.Context, _ Tx) error {
		return capture.Raise(ctx, event.New("a.v1", nil))
	})
	if err == nil || !db.last().rolledBack {
		t.Fatalf("expected enlist error and rollback, got %v", err)
	}
}

func TestNoEventsSkipsEnlist(t *testing.T) {
	db := &fakeDB{}
	en := &fakeEnlister{}
	m := NewManager(db, en)

	if err := m.Do(context.Background(), func(context.Context, Tx) error { return nil }); err != nil {
		t.Fatalf("do: %v", err)
	}
	if len(en.calls) != 0 || !db.last().committed {
		t.Fatalf("expected bare commit")
	}
}

func TestNestedUnitRejected(t *testing.T) {
	db := &fakeDB{}
	m := NewManager(db, &fakeEnlister{})

	err := m.Do(context.Background(), func(ctx context.Context, _ Tx) error {
		return m.Do(ctx, func(context.Context, Tx) error { return nil })
	})
	if !errors.Is(err, ErrNested) {
		t.Fatalf("expected ErrNested, got %v", err)
	}
}

func TestQueueAlreadyBoundIsMisuse(t *testing.T) {
	m := NewManager(&fakeDB{}, &fakeEnlister{})
	ctx, err := capture.WithQueue(context.Background(), capture.NewQueue())
	if err != nil {
		t.Fatalf("bind queue: %v", err)
	}
	if err := m.Do(ctx, func(context.Context, Tx) error { return nil }); !errors.Is(err, capture.ErrMisuse) {
		t.Fatalf("expected misuse, got %v", err)
	}
}

func TestEnclosingRecorderGetsCommittedEventsOnly(t *testing.T) {
	db := &fakeDB{}
	m := NewManager(db, &fakeEnlister{})
	ctx, rec, err := capture.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if err := m.Do(ctx, func(ctx context.Context, _ Tx) error {
		return capture.Raise(ctx, event.New("kept.v1", nil))
	}); err != nil {
		t.Fatalf("do: %v", err)
	}
	boom := errors.New("boom")
	if err := m.Do(ctx, func(ctx context.Context, _ Tx) error {
		_ = capture.Raise(ctx, event.New("dropped.v1", nil))
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	events, err := rec.End()
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if len(events) != 1 || events[0].Type != "kept.v1" {
		t.Fatalf("expected only the committed event, got %+v", events)
	}
}

func TestCaptureAboveTransactional(t *testing.T) {
	db := &fakeDB{}
	en := &fakeEnlister{}
	m := NewManager(db, en)

	fin := pipeline.Static[pipeline.Finalizer[string, string]](pipeline.FinalizerFunc[string, string](
		func(ctx context.Context, _ *pipeline.Context, in string) (string, error) {
			return in, capture.Raise(ctx, event.New("x.v1", in))
		}))
	attach := func(out string, events []event.Event) string {
		for _, e := range events {
			out += "+" + e.Type
		}
		return out
	}
	p, err := pipeline.New(fin,
		pipeline.Capture[string, string](attach),
		Transactional[string, string](m),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, results, err := p.RunCollect(context.Background(), "in")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "in+x.v1" || len(results) != 1 {
		t.Fatalf("unexpected out=%q results=%+v", out, results)
	}
	if len(en.calls) != 1 || !db.last().committed {
		t.Fatalf("expected the event enlisted and committed")
	}
}

func TestTransactionalElement(t *testing.T) {
	db := &fakeDB{}
	en := &fakeEnlister{}
	m := NewManager(db, en)

	fin := pipeline.Static[pipeline.Finalizer[string, string]](pipeline.FinalizerFunc[string, string](
		func(ctx context.Context, _ *pipeline.Context, in string) (string, error) {
			if _, ok := Current(ctx); !ok {
				return "", errors.New("no tx")
			}
			return "ok:" + in, capture.Raise(ctx, event.New("done.v1", in))
		}))
	p, err := pipeline.New(fin, Transactional[string, string](m))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, results, err := p.RunCollect(context.Background(), "x")
	if err != nil || out != "ok:x" {
		t.Fatalf("unexpected out=%q err=%v", out, err)
	}
	if len(results) != 1 {
		t.Fatalf("expected committed event in results, got %+v", results)
	}
	if e, ok := results[0].(event.Event); !ok || e.Type != "done.v1" {
		t.Fatalf("unexpected result %+v", results[0])
	}
	if len(en.calls) != 1 || !db.last().committed {
		t.Fatalf("expected commit with one enlist")
	}
}

func TestTransactionalNilManagerIsConfigError(t *testing.T) {
	fin := pipeline.Static[pipeline.Finalizer[string, string]](pipeline.FinalizerFunc[string, string](
		func(context.Context, *pipeline.Context, string) (string, error) { return "", nil }))
	_, err := pipeline.New(fin, Transactional[string, string](nil))
	var cfgErr *pipeline.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected config error, got %v", err)
	}
}
