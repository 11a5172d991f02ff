package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/busmon"
	"github.com/md-rashed-zaman/eventrelay/libs/event"
	"github.com/md-rashed-zaman/eventrelay/libs/inbox"
	"github.com/md-rashed-zaman/eventrelay/libs/kafkax"
	"github.com/md-rashed-zaman/eventrelay/libs/outbox"
	"github.com/md-rashed-zaman/eventrelay/libs/requestctx"
	"github.com/md-rashed-zaman/eventrelay/libs/store/sqlite"
	"github.com/md-rashed-zaman/eventrelay/libs/uow"
	"github.com/segmentio/kafka-go"
)

type fakeReader struct {
	mu        sync.Mutex
	queue     chan kafka.Message
	committed []kafka.Message
	closed    bool
	onCommit  func()
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{queue: make(chan kafka.Message, len(msgs)+1)}
	for _, m := range msgs {
		r.queue <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.queue:
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	r.committed = append(r.committed, msgs...)
	cb := r.onCommit
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type dlqWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	errs []error
}

func (w *dlqWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		return err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

type recorded struct {
	Name string `json:"name"`
}

func message(eventID, eventType, payload string) kafka.Message {
	meta := kafkax.EventMeta{EventID: eventID, EventType: eventType, CorrelationID: "corr-1", ActorID: "user-9"}
	return kafka.Message{Topic: eventType, Key: []byte("corr-1"), Value: []byte(payload), Headers: meta.Headers()}
}

func newLedger(t *testing.T) (*inbox.Ledger, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	m := uow.NewManager(store, outbox.NewEnlister(store.Outbox()))
	return inbox.NewLedger(m, store.Inbox()), store
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestHandleDispatchesWithLineage(t *testing.T) {
	ledger, _ := newLedger(t)
	registry := event.NewRegistry()
	registry.Register("thing.recorded.v1", func() any { return &recorded{} })
	monitor := busmon.New(10 * time.Millisecond)
	defer monitor.Stop()

	var got Delivery
	var actor, causation, correlation string
	handlers := NewHandlers()
	handlers.Handle("thing.recorded.v1", func(ctx context.Context, d Delivery) error {
		got = d
		actor = requestctx.ActorID(ctx)
		causation = requestctx.CausationID(ctx)
		correlation = requestctx.CorrelationID(ctx)
		if monitor.InFlight() != 1 {
			t.Errorf("expected one in-flight operation, got %d", monitor.InFlight())
		}
		return nil
	})

	c := New("things", newFakeReader(), handlers, WithLedger(ledger), WithRegistry(registry), WithMonitor(monitor))
	if err := c.Handle(context.Background(), message("e-1", "thing.recorded.v1", `{"name":"x"}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	payload, ok := got.Payload.(*recorded)
	if !ok || payload.Name != "x" {
		t.Fatalf("unexpected payload: %#v", got.Payload)
	}
	if got.Tx == nil {
		t.Fatalf("expected handler to receive the unit of work tx")
	}
	if actor != "user-9" || causation != "e-1" || correlation != "corr-1" {
		t.Fatalf("unexpected lineage: actor=%q causation=%q correlation=%q", actor, causation, correlation)
	}
	if monitor.InFlight() != 0 {
		t.Fatalf("expected in-flight back to zero")
	}
}

func TestDuplicateDeliveryHandledOnce(t *testing.T) {
	ledger, _ := newLedger(t)
	calls := 0
	handlers := NewHandlers()
	handlers.Handle("thing.recorded.v1", func(context.Context, Delivery) error { calls++; return nil })
	c := New("things", newFakeReader(), handlers, WithLedger(ledger))

	msg := message("e-1", "thing.recorded.v1", `{}`)
	for i := 0; i < 3; i++ {
		if err := c.Handle(context.Background(), msg); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one handler call, got %d", calls)
	}
}

func TestTransientFailureRetried(t *testing.T) {
	ledger, _ := newLedger(t)
	calls := 0
	handlers := NewHandlers()
	handlers.Handle("thing.recorded.v1", func(context.Context, Delivery) error {
		calls++
		if calls == 1 {
			return errors.New("deadlock detected")
		}
		return nil
	})
	dlq := &dlqWriter{}
	c := New("things", newFakeReader(), handlers, WithLedger(ledger), WithDeadLetter(dlq))
	c.sleep = noSleep

	if err := c.Handle(context.Background(), message("e-1", "thing.recorded.v1", `{}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls != 2 || len(dlq.msgs) != 0 {
		t.Fatalf("expected success on retry, calls=%d dlq=%d", calls, len(dlq.msgs))
	}
}

func TestExhaustedMessageDeadLettered(t *testing.T) {
	calls := 0
	handlers := NewHandlers()
	handlers.Handle("thing.recorded.v1", func(context.Context, Delivery) error {
		calls++
		return errors.New("bad state")
	})
	dlq := &dlqWriter{errs: []error{errors.New("broker down")}}
	var slept []time.Duration
	c := New("things", newFakeReader(), handlers, WithDeadLetter(dlq), WithConfig(Config{MaxAttempts: 3, RetryBackoff: time.Second}))
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if err := c.Handle(context.Background(), message("e-1", "thing.recorded.v1", `{}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(slept) != 3 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Fatalf("unexpected backoff: %v", slept)
	}
	if len(dlq.msgs) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dlq.msgs))
	}
	dead := dlq.msgs[0]
	if dead.Topic != "thing.recorded.v1.dlq" || kafkax.HeaderValue(dead.Headers, HeaderDLQAttempts) != "3" ||
		kafkax.HeaderValue(dead.Headers, HeaderDLQError) != "bad state" || kafkax.HeaderValue(dead.Headers, kafkax.HeaderEventID) != "e-1" {
		t.Fatalf("unexpected dead letter: %+v", dead)
	}
}

func TestUndecodablePayloadDeadLetteredWithoutDispatch(t *testing.T) {
	registry := event.NewRegistry()
	registry.Register("thing.recorded.v1", func() any { return &recorded{} })
	calls := 0
	handlers := NewHandlers()
	handlers.Handle("thing.recorded.v1", func(context.Context, Delivery) error { calls++; return nil })
	dlq := &dlqWriter{}
	c := New("things", newFakeReader(), handlers, WithRegistry(registry), WithDeadLetter(dlq))

	if err := c.Handle(context.Background(), message("e-1", "thing.recorded.v1", `{not json`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if calls != 0 || len(dlq.msgs) != 1 {
		t.Fatalf("expected dead letter without dispatch, calls=%d dlq=%d", calls, len(dlq.msgs))
	}
}

func TestRunCommitsHandledAndSkippedMessages(t *testing.T) {
	handled := make(chan string, 2)
	handlers := NewHandlers()
	handlers.Handle("thing.recorded.v1", func(_ context.Context, d Delivery) error {
		handled <- d.Meta.EventID
		return nil
	})
	reader := newFakeReader(
		message("e-1", "thing.recorded.v1", `{}`),
		message("e-2", "other.v1", `{}`),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader.onCommit = func() {
		reader.mu.Lock()
		n := len(reader.committed)
		reader.mu.Unlock()
		if n == 2 {
			cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		New("things", reader, handlers).Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer did not stop")
	}
	if id := <-handled; id != "e-1" {
		t.Fatalf("unexpected handled message %s", id)
	}
	reader.mu.Lock()
	defer reader.mu.Unlock()
	if len(reader.committed) != 2 || !reader.closed {
		t.Fatalf("expected both messages committed and reader closed, got %d closed=%v", len(reader.committed), reader.closed)
	}
}

func TestCancelledHandleIsNotCommitted(t *testing.T) {
	handlers := NewHandlers()
	ctx, cancel := context.WithCancel(context.Background())
	handlers.Handle("thing.recorded.v1", func(context.Context, Delivery) error {
		cancel()
		return errors.New("interrupted")
	})
	c := New("things", newFakeReader(), handlers)
	if err := c.Handle(ctx, message("e-1", "thing.recorded.v1", `{}`)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestHandlersRejectDuplicateRegistration(t *testing.T) {
	h := NewHandlers()
	h.Handle("a", func(context.Context, Delivery) error { return nil })
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	h.Handle("a", func(context.Context, Delivery) error { return nil })
}
