package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/md-rashed-zaman/eventrelay/libs/event"
)

func types(events []event.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestBeginRaiseEndPreservesOrder(t *testing.T) {
	ctx, rec, err := Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if err := Raise(ctx, event.New(fmt.Sprintf("e%d", i), nil)); err != nil {
			t.Fatalf("Raise failed: %v", err)
		}
	}
	events, err := rec.End()
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}
	got := fmt.Sprint(types(events))
	if got != "[e1 e2 e3 e4 e5]" {
		t.Fatalf("unexpected order: %s", got)
	}
}

func TestDeliverReachesActiveRecorderOnly(t *testing.T) {
	batch := []event.Event{event.New("a", nil), event.New("b", nil)}
	if Deliver(context.Background(), batch) {
		t.Fatalf("expected no delivery without a recorder")
	}
	qctx, err := WithQueue(context.Background(), NewQueue())
	if err != nil {
		t.Fatalf("bind queue: %v", err)
	}
	if Recording(qctx) || Deliver(qctx, batch) {
		t.Fatalf("a queue must not accept deliveries")
	}

	ctx, rec, err := Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !Recording(ctx) || !Deliver(ctx, batch) {
		t.Fatalf("expected delivery to the recorder")
	}
	events, err := rec.End()
	if err != nil || len(events) != 2 || events[0].Type != "a" {
		t.Fatalf("unexpected events %+v err=%v", events, err)
	}
	if Deliver(ctx, batch) {
		t.Fatalf("expected ended recorder to refuse delivery")
	}
}

func TestRaiseWithoutCaptureIsNoop(t *testing.T) {
	err := Raise(context.Background(), event.New("orphan", nil))
	if !errors.Is(err, ErrNoCapture) {
		t.Fatalf("expected ErrNoCapture, got %v", err)
	}
}

func TestMustRaiseWithoutCapturePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	MustRaise(context.Background(), event.New("orphan", nil))
}

func TestMisuse(t *testing.T) {
	if _, err := End(context.Background()); !errors.Is(err, ErrMisuse) {
		t.Fatalf("end without begin: expected ErrMisuse, got %v", err)
	}
	var zero Recorder
	if _, err := zero.End(); !errors.Is(err, ErrMisuse) {
		t.Fatalf("zero recorder end: expected ErrMisuse, got %v", err)
	}

	ctx, rec, err := Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, _, err := Begin(ctx); !errors.Is(err, ErrMisuse) {
		t.Fatalf("nested begin: expected ErrMisuse, got %v", err)
	}
	if _, err := WithQueue(ctx, NewQueue()); !errors.Is(err, ErrMisuse) {
		t.Fatalf("queue inside recorder: expected ErrMisuse, got %v", err)
	}
	if _, err := rec.End(); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if _, err := rec.End(); !errors.Is(err, ErrMisuse) {
		t.Fatalf("double end: expected ErrMisuse, got %v", err)
	}

	// An ended capture no longer blocks a new one on the same flow.
	if _, _, err := Begin(ctx); err != nil {
		t.Fatalf("Begin after End failed: %v", err)
	}
}

func TestRaiseAfterEndIsNotRecorded(t *testing.T) {
	ctx, rec, _ := Begin(context.Background())
	_ = Raise(ctx, event.New("inside", nil))
	events, _ := rec.End()
	if err := Raise(ctx, event.New("late", nil)); !errors.Is(err, ErrNoCapture) {
		t.Fatalf("expected ErrNoCapture after end, got %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
}

func TestRunEndsOnErrorAndPanic(t *testing.T) {
	boom := errors.New("boom")
	events, err := Run(context.Background(), func(ctx context.Context) error {
		_ = Raise(ctx, event.New("E1", nil))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected events raised before failure, got %d", len(events))
	}

	var leaked context.Context
	func() {
		defer func() { _ = recover() }()
		_, _ = Run(context.Background(), func(ctx context.Context) error {
			leaked = ctx
			panic("handler panic")
		})
	}()
	if Active(leaked) {
		t.Fatal("capture still active after panic")
	}
}

func TestSurvivesSuspension(t *testing.T) {
	events, err := Run(context.Background(), func(ctx context.Context) error {
		_ = Raise(ctx, event.New("before", nil))
		done := make(chan error)
		go func() {
			// Resumes on another goroutine with the same flow.
			done <- Raise(ctx, event.New("after", nil))
		}()
		return <-done
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if fmt.Sprint(types(events)) != "[before after]" {
		t.Fatalf("unexpected events: %v", types(events))
	}
}

func TestConcurrentFlowsAreIsolated(t *testing.T) {
	parent := context.Background()
	const flows = 20

	var wg sync.WaitGroup
	results := make([][]event.Event, flows)
	errs := make([]error, flows)
	for i := 0; i < flows; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Run(parent, func(ctx context.Context) error {
				for j := 0; j < 50; j++ {
					if err := Raise(ctx, event.New(fmt.Sprintf("flow-%d", i), j)); err != nil {
						return err
					}
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < flows; i++ {
		if errs[i] != nil {
			t.Fatalf("flow %d failed: %v", i, errs[i])
		}
		if len(results[i]) != 50 {
			t.Fatalf("flow %d captured %d events, want 50", i, len(results[i]))
		}
		for j, e := range results[i] {
			if e.Type != fmt.Sprintf("flow-%d", i) || e.Payload.(int) != j {
				t.Fatalf("flow %d saw foreign or reordered event %+v", i, e)
			}
		}
	}
}

func TestDetachedBranchGetsOwnCapture(t *testing.T) {
	outer, err := Run(context.Background(), func(ctx context.Context) error {
		_ = Raise(ctx, event.New("outer", nil))
		inner, err := Run(Detach(ctx), func(branch context.Context) error {
			return Raise(branch, event.New("branch", nil))
		})
		if err != nil {
			return err
		}
		if len(inner) != 1 || inner[0].Type != "branch" {
			return fmt.Errorf("unexpected branch events: %v", types(inner))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(outer) != 1 || outer[0].Type != "outer" {
		t.Fatalf("branch leaked into parent: %v", types(outer))
	}
}

func TestQueueSwap(t *testing.T) {
	q := NewQueue()
	ctx, err := WithQueue(context.Background(), q)
	if err != nil {
		t.Fatalf("WithQueue failed: %v", err)
	}
	_ = Raise(ctx, event.New("a", nil))
	_ = Raise(ctx, event.New("b", nil))

	first := q.Swap()
	if fmt.Sprint(types(first)) != "[a b]" {
		t.Fatalf("unexpected first drain: %v", types(first))
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after swap, got %d", q.Len())
	}

	_ = Raise(ctx, event.New("c", nil))
	if second := q.Swap(); fmt.Sprint(types(second)) != "[c]" {
		t.Fatalf("unexpected second drain: %v", types(second))
	}

	q.Close()
	if err := Raise(ctx, event.New("d", nil)); !errors.Is(err, ErrNoCapture) {
		t.Fatalf("expected ErrNoCapture on closed queue, got %v", err)
	}
}
