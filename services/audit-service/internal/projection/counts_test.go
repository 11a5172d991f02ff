package projection

import (
	"context"
	"testing"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/consumer"
	"github.com/md-rashed-zaman/eventrelay/libs/event"
	"github.com/md-rashed-zaman/eventrelay/libs/inbox"
	"github.com/md-rashed-zaman/eventrelay/libs/kafkax"
	"github.com/md-rashed-zaman/eventrelay/libs/outbox"
	"github.com/md-rashed-zaman/eventrelay/libs/store/sqlite"
	"github.com/md-rashed-zaman/eventrelay/libs/uow"
	"github.com/md-rashed-zaman/eventrelay/services/audit-service/internal/audit"
	"github.com/md-rashed-zaman/eventrelay/services/audit-service/internal/storage"
	"github.com/segmentio/kafka-go"
)

type fixture struct {
	store    *sqlite.Store
	repo     *storage.SQLiteRepository
	consumer *consumer.Consumer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	repo, err := storage.NewSQLiteRepository(store)
	if err != nil {
		t.Fatalf("repo: %v", err)
	}

	m := uow.NewManager(store, outbox.NewEnlister(store.Outbox()))
	registry := event.NewRegistry()
	audit.RegisterEvents(registry)
	handlers := consumer.NewHandlers()
	NewCounts(repo, nil).Register(handlers)

	c := consumer.New(ConsumerName, nil, handlers,
		consumer.WithLedger(inbox.NewLedger(m, store.Inbox())),
		consumer.WithRegistry(registry),
	)
	return fixture{store: store, repo: repo, consumer: c}
}

func recordedMessage(eventID, action string) kafka.Message {
	meta := kafkax.EventMeta{
		EventID:       eventID,
		EventType:     audit.TypeRecorded,
		CorrelationID: "corr-1",
		ActorID:       "user-7",
	}
	payload := `{"entry_id":"e-1","action":"` + action + `","resource":"doc/1","created_at":"2026-01-02T03:04:05Z"}`
	return kafka.Message{Topic: audit.TypeRecorded, Key: []byte("corr-1"), Value: []byte(payload), Headers: meta.Headers()}
}

func (f fixture) pending(t *testing.T) []outbox.Record {
	t.Helper()
	ctx := context.Background()
	tx, err := f.store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	recs, err := f.store.Outbox().FetchDue(ctx, tx, time.Now().Add(time.Minute), 100)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	return recs
}

func TestRecordedBumpsCountAndRaisesUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.consumer.Handle(ctx, recordedMessage("evt-1", "doc.viewed")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := f.consumer.Handle(ctx, recordedMessage("evt-2", "doc.viewed")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	counts, err := f.repo.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if len(counts) != 1 || counts[0].Action != "doc.viewed" || counts[0].Total != 2 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	recs := f.pending(t)
	if len(recs) != 2 {
		t.Fatalf("expected 2 outbox rows, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.EventType != audit.TypeCountUpdated {
			t.Fatalf("unexpected event type %q", rec.EventType)
		}
		if rec.ActorID != "user-7" {
			t.Fatalf("actor not forwarded: %q", rec.ActorID)
		}
		want := []string{"evt-1", "evt-2"}[i]
		if rec.CausationID != want {
			t.Fatalf("expected causation %q, got %q", want, rec.CausationID)
		}
	}
}

func TestRedeliveryIsAppliedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := recordedMessage("evt-1", "doc.deleted")

	for i := 0; i < 3; i++ {
		if err := f.consumer.Handle(ctx, msg); err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
	}

	counts, err := f.repo.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if len(counts) != 1 || counts[0].Total != 1 {
		t.Fatalf("expected a single increment, got %+v", counts)
	}
	if recs := f.pending(t); len(recs) != 1 {
		t.Fatalf("expected 1 outbox row, got %d", len(recs))
	}
}

func TestHandleRecordedRequiresTransaction(t *testing.T) {
	p := NewCounts(nil, nil)
	err := p.HandleRecorded(context.Background(), consumer.Delivery{Payload: &audit.Recorded{Action: "x"}})
	if err != errNoTx {
		t.Fatalf("expected errNoTx, got %v", err)
	}
}

func TestHandleRecordedRejectsForeignPayload(t *testing.T) {
	p := NewCounts(nil, nil)
	if err := p.HandleRecorded(context.Background(), consumer.Delivery{Payload: map[string]any{}}); err == nil {
		t.Fatalf("expected error for unexpected payload")
	}
}
