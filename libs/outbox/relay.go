package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/event"
	"github.com/md-rashed-zaman/eventrelay/libs/kafkax"
	otelx "github.com/md-rashed-zaman/eventrelay/libs/otel"
	"github.com/md-rashed-zaman/eventrelay/libs/runtime"
	"github.com/md-rashed-zaman/eventrelay/libs/uow"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/md-rashed-zaman/eventrelay/libs/outbox"

type RelayConfig struct {
	PollEvery   time.Duration `env:"OUTBOX_POLL_EVERY" envDefault:"2s"`
	BatchSize   int           `env:"OUTBOX_BATCH_SIZE" envDefault:"50"`
	MaxAttempts int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"10"`
	Backoff     time.Duration `env:"OUTBOX_BACKOFF" envDefault:"1s"`
	MaxBackoff  time.Duration `env:"OUTBOX_MAX_BACKOFF" envDefault:"5m"`
	TopicPrefix string        `env:"OUTBOX_TOPIC_PREFIX"`
	// Lease hides claimed rows from other sweeps while they are on the wire.
	// It must outlast one writer round trip.
	Lease time.Duration `env:"OUTBOX_LEASE" envDefault:"30s"`
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.PollEvery <= 0 {
		c.PollEvery = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = c.Backoff
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	return c
}

// Delay is the wait before the next attempt after the given number of failed
// attempts: Backoff doubled per attempt, capped at MaxBackoff.
func (c RelayConfig) Delay(attempts int) time.Duration {
	c = c.withDefaults()
	d := c.Backoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return d
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Fetched   int
	Published int
	Failed    int
	Dead      int
	Deferred  int
}

// Relay moves committed outbox rows to the bus. Any number of relays may run
// against one store; leases keep them from publishing the same row twice.
type Relay struct {
	beginner uow.Beginner
	store    Store
	writer   kafkax.MessageWriter
	logger   *slog.Logger
	cfg      RelayConfig
	now      func() time.Time
	tracer   trace.Tracer

	published metric.Int64Counter
	failed    metric.Int64Counter
	dead      metric.Int64Counter

	sweepMu sync.Mutex
	wake    chan struct{}
}

func NewRelay(beginner uow.Beginner, store Store, writer kafkax.MessageWriter, logger *slog.Logger, cfg RelayConfig) *Relay {
	if logger == nil {
		logger = runtime.DiscardLogger()
	}
	meter := otel.Meter(instrumentationName)
	r := &Relay{
		beginner: beginner,
		store:    store,
		writer:   writer,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		tracer:   otel.Tracer(instrumentationName),
		wake:     make(chan struct{}, 1),
	}
	r.published, _ = meter.Int64Counter("outbox.published", metric.WithDescription("Outbox rows published to the bus"))
	r.failed, _ = meter.Int64Counter("outbox.publish_failures", metric.WithDescription("Failed publish attempts"))
	r.dead, _ = meter.Int64Counter("outbox.dead_lettered", metric.WithDescription("Outbox rows that exhausted their attempts"))
	return r
}

// Run sweeps on every tick and whenever Notify is called, until ctx ends.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.wake:
		}
		if err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox publish failed", "err", err)
		}
	}
}

// Notify wakes Run without blocking. Wakes coalesce.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Flush sweeps until a sweep comes back short of a full batch.
func (r *Relay) Flush(ctx context.Context) error {
	for {
		res, err := r.Sweep(ctx)
		if err != nil {
			return err
		}
		if res.Fetched < r.cfg.BatchSize || res.Published == 0 {
			return nil
		}
	}
}

// NotifyAfterCommit is a unit-of-work hook that wakes Run when a commit
// persisted events.
func (r *Relay) NotifyAfterCommit() uow.AfterCommit {
	return func(_ context.Context, _ uow.Unit, events []event.Event) {
		if len(events) > 0 {
			r.Notify()
		}
	}
}

// FlushAfterCommit is a unit-of-work hook that publishes synchronously after a
// commit. Publish errors are logged; the rows stay in the outbox for Run.
func (r *Relay) FlushAfterCommit() uow.AfterCommit {
	return func(ctx context.Context, unit uow.Unit, events []event.Event) {
		if len(events) == 0 {
			return
		}
		if err := r.Flush(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("outbox flush after commit failed", "correlation_id", unit.CorrelationID, "err", err)
		}
	}
}

// Sweep publishes one batch of due rows. Rows are claimed and settled in two
// short transactions and no transaction is open while the bus is written to,
// so a slow bus never holds a storage connection.
func (r *Relay) Sweep(ctx context.Context) (SweepResult, error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	var res SweepResult
	now := r.now().UTC()
	records, err := r.claim(ctx, now)
	if err != nil {
		return res, err
	}
	res.Fetched = len(records)
	if len(records) == 0 {
		return res, nil
	}

	published, failures, err := r.publish(ctx, records, now)
	if err != nil {
		r.release(ctx, recordIDs(records), now)
		return res, err
	}
	deferred := unsettled(records, published, failures)
	res.Published = len(published)
	res.Deferred = len(deferred)

	if err := r.settle(ctx, published, failures, deferred, now); err != nil {
		return res, err
	}

	for _, f := range failures {
		if f.Dead {
			res.Dead++
		} else {
			res.Failed++
		}
	}
	r.published.Add(ctx, int64(res.Published))
	r.failed.Add(ctx, int64(res.Failed+res.Dead))
	r.dead.Add(ctx, int64(res.Dead))
	if res.Failed > 0 || res.Dead > 0 {
		r.logger.Warn("outbox sweep had failures",
			"fetched", res.Fetched, "published", res.Published,
			"failed", res.Failed, "dead", res.Dead, "deferred", res.Deferred)
	} else {
		r.logger.Debug("outbox sweep", "fetched", res.Fetched, "published", res.Published)
	}
	return res, nil
}

// claim fetches due rows and leases them in one transaction.
func (r *Relay) claim(ctx context.Context, now time.Time) ([]Record, error) {
	tx, err := r.beginner.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	records, err := r.store.FetchDue(ctx, tx, now, r.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("fetch due: %w", err)
	}
	if len(records) == 0 {
		return nil, tx.Commit(ctx)
	}
	if err := r.store.Lease(ctx, tx, recordIDs(records), now.Add(r.cfg.Lease)); err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return records, nil
}

// settle records the outcome of a sweep. It runs even when ctx is cancelled
// so rows already on the bus are not published again.
func (r *Relay) settle(ctx context.Context, published []int64, failures []Failure, deferred []int64, now time.Time) error {
	ctx = context.WithoutCancel(ctx)
	tx, err := r.beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin settle: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := r.store.MarkPublished(ctx, tx, published, now); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if err := r.store.MarkFailed(ctx, tx, failures, now); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if len(deferred) > 0 {
		if err := r.store.Lease(ctx, tx, deferred, now); err != nil {
			return fmt.Errorf("release deferred: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit settle: %w", err)
	}
	return nil
}

// release ends the lease on rows that were claimed but never attempted.
func (r *Relay) release(ctx context.Context, ids []int64, now time.Time) {
	ctx = context.WithoutCancel(ctx)
	tx, err := r.beginner.Begin(ctx)
	if err == nil {
		defer func() { _ = tx.Rollback(ctx) }()
		if err = r.store.Lease(ctx, tx, ids, now); err == nil {
			err = tx.Commit(ctx)
		}
	}
	if err != nil {
		r.logger.Warn("outbox lease release failed", "rows", len(ids), "err", err)
	}
}

// publish writes records in rounds: round k carries the k-th record of every
// correlation group that has not failed yet, so a group never overtakes its
// own failure.
func (r *Relay) publish(ctx context.Context, records []Record, now time.Time) ([]int64, []Failure, error) {
	var (
		order  []string
		groups = map[string][]Record{}
	)
	for _, rec := range records {
		key := groupKey(rec)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rec)
	}

	var (
		published []int64
		failures  []Failure
		blocked   = map[string]bool{}
	)
	for round := 0; ; round++ {
		var batch []Record
		for _, key := range order {
			if blocked[key] || round >= len(groups[key]) {
				continue
			}
			batch = append(batch, groups[key][round])
		}
		if len(batch) == 0 {
			break
		}

		errs, err := r.write(ctx, batch)
		if err != nil {
			return nil, nil, err
		}
		for i, rec := range batch {
			if errs[i] == nil {
				published = append(published, rec.ID)
				continue
			}
			blocked[groupKey(rec)] = true
			failures = append(failures, r.failure(rec, errs[i], now))
		}
	}
	return published, failures, nil
}

// write sends one round and returns a per-message error slice. Only a
// cancelled ctx is returned as a sweep error; the rows then stay untouched.
func (r *Relay) write(ctx context.Context, batch []Record) ([]error, error) {
	msgs := make([]kafka.Message, len(batch))
	spans := make([]trace.Span, len(batch))
	for i, rec := range batch {
		msgCtx := otelx.ContextWithTraceContext(ctx, rec.Traceparent, rec.Tracestate)
		msgCtx, span := r.tracer.Start(msgCtx, "outbox.publish",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(
				attribute.String("messaging.destination.name", r.topic(rec)),
				attribute.String("messaging.message.id", rec.EventID),
			))
		spans[i] = span
		msgs[i] = r.message(msgCtx, rec)
	}

	errs := make([]error, len(batch))
	err := r.writer.WriteMessages(ctx, msgs...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			for _, span := range spans {
				span.End()
			}
			return nil, ctxErr
		}
		var writeErrs kafka.WriteErrors
		if errors.As(err, &writeErrs) && len(writeErrs) == len(batch) {
			copy(errs, writeErrs)
		} else {
			for i := range errs {
				errs[i] = err
			}
		}
	}
	for i, span := range spans {
		if errs[i] != nil {
			span.RecordError(errs[i])
			span.SetStatus(codes.Error, errs[i].Error())
		}
		span.End()
	}
	return errs, nil
}

func (r *Relay) message(ctx context.Context, rec Record) kafka.Message {
	meta := kafkax.EventMeta{
		EventID:       rec.EventID,
		EventType:     rec.EventType,
		CorrelationID: rec.CorrelationID,
		ActorID:       rec.ActorID,
		CausationID:   rec.CausationID,
		OccurredAt:    rec.OccurredAt,
	}
	return kafka.Message{
		Topic:   r.topic(rec),
		Key:     []byte(groupKey(rec)),
		Value:   rec.Payload,
		Headers: kafkax.InjectTraceHeaders(ctx, meta.Headers()),
		Time:    rec.OccurredAt,
	}
}

func (r *Relay) topic(rec Record) string {
	return r.cfg.TopicPrefix + rec.EventType
}

func (r *Relay) failure(rec Record, err error, now time.Time) Failure {
	attempts := rec.Attempts + 1
	f := Failure{
		ID:            rec.ID,
		Attempts:      attempts,
		LastError:     err.Error(),
		NextAttemptAt: now.Add(r.cfg.Delay(attempts)),
	}
	if attempts >= r.cfg.MaxAttempts {
		f.Dead = true
		r.logger.Error("outbox event dead-lettered",
			"event_id", rec.EventID, "event_type", rec.EventType,
			"correlation_id", rec.CorrelationID, "attempts", attempts, "err", err)
	}
	return f
}

// groupKey orders rows by correlation id; rows without one order alone.
func groupKey(rec Record) string {
	if rec.CorrelationID != "" {
		return rec.CorrelationID
	}
	if rec.EventID != "" {
		return rec.EventID
	}
	return "row-" + strconv.FormatInt(rec.ID, 10)
}

func recordIDs(records []Record) []int64 {
	ids := make([]int64, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	return ids
}

// unsettled lists rows that were claimed but neither published nor failed
// because an earlier row of their correlation failed.
func unsettled(records []Record, published []int64, failures []Failure) []int64 {
	done := make(map[int64]bool, len(published)+len(failures))
	for _, id := range published {
		done[id] = true
	}
	for _, f := range failures {
		done[f.ID] = true
	}
	var out []int64
	for _, rec := range records {
		if !done[rec.ID] {
			out = append(out, rec.ID)
		}
	}
	return out
}
