// Package consumer runs Kafka consumer-group loops that dispatch messages by
// event type, deduplicate them through the inbox ledger and dead-letter
// messages that keep failing.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/busmon"
	"github.com/md-rashed-zaman/eventrelay/libs/event"
	"github.com/md-rashed-zaman/eventrelay/libs/inbox"
	"github.com/md-rashed-zaman/eventrelay/libs/kafkax"
	"github.com/md-rashed-zaman/eventrelay/libs/requestctx"
	"github.com/md-rashed-zaman/eventrelay/libs/runtime"
	"github.com/md-rashed-zaman/eventrelay/libs/uow"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Dead-letter headers added to the original message headers.
const (
	HeaderDLQError    = "dlq_error"
	HeaderDLQAttempts = "dlq_attempts"
	HeaderDLQConsumer = "dlq_consumer"
	HeaderDLQTopic    = "dlq_original_topic"
)

// Delivery is one message handed to a Handler. Tx is the unit of work the
// handler's writes must use; it is nil when the consumer runs without a ledger.
type Delivery struct {
	Meta    kafkax.EventMeta
	Payload any
	Message kafka.Message
	Tx      uow.Tx
}

type Handler func(ctx context.Context, d Delivery) error

// Handlers maps event types to handlers. Populate it before Run.
type Handlers struct {
	byType map[string]Handler
}

func NewHandlers() *Handlers {
	return &Handlers{byType: map[string]Handler{}}
}

// Handle registers h for eventType. Registering a type twice panics.
func (h *Handlers) Handle(eventType string, handler Handler) {
	if eventType == "" || handler == nil {
		panic("consumer: empty event type or nil handler")
	}
	if _, ok := h.byType[eventType]; ok {
		panic(fmt.Sprintf("consumer: handler for %q registered twice", eventType))
	}
	h.byType[eventType] = handler
}

// Types lists the registered event types; with the default topic mapping
// these are the topics to subscribe to.
func (h *Handlers) Types() []string {
	out := make([]string, 0, len(h.byType))
	for t := range h.byType {
		out = append(out, t)
	}
	return out
}

func (h *Handlers) lookup(eventType string) (Handler, bool) {
	handler, ok := h.byType[eventType]
	return handler, ok
}

type Config struct {
	GroupID      string        `env:"CONSUMER_GROUP_ID"`
	MaxAttempts  int           `env:"CONSUMER_MAX_ATTEMPTS" envDefault:"5"`
	RetryBackoff time.Duration `env:"CONSUMER_RETRY_BACKOFF" envDefault:"500ms"`
	DLQSuffix    string        `env:"CONSUMER_DLQ_SUFFIX" envDefault:".dlq"`
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.DLQSuffix == "" {
		c.DLQSuffix = ".dlq"
	}
	return c
}

type Consumer struct {
	name     string
	reader   kafkax.MessageReader
	handlers *Handlers
	ledger   *inbox.Ledger
	registry *event.Registry
	monitor  *busmon.Monitor
	dlq      kafkax.MessageWriter
	logger   *slog.Logger
	cfg      Config
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration) error

	handled metric.Int64Counter
}

type Option func(*Consumer)

// WithLedger makes consumption idempotent for this consumer's name.
func WithLedger(l *inbox.Ledger) Option { return func(c *Consumer) { c.ledger = l } }

// WithRegistry decodes payloads of known event types before dispatch.
func WithRegistry(r *event.Registry) Option { return func(c *Consumer) { c.registry = r } }

// WithMonitor reports every message as one in-flight operation.
func WithMonitor(m *busmon.Monitor) Option { return func(c *Consumer) { c.monitor = m } }

// WithDeadLetter publishes exhausted messages to <topic><DLQSuffix>.
func WithDeadLetter(w kafkax.MessageWriter) Option { return func(c *Consumer) { c.dlq = w } }

func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithConfig(cfg Config) Option { return func(c *Consumer) { c.cfg = cfg } }

// New builds a consumer. name identifies the consumer type in the inbox
// ledger, so it must stay stable across deployments.
func New(name string, reader kafkax.MessageReader, handlers *Handlers, opts ...Option) *Consumer {
	c := &Consumer{
		name:     name,
		reader:   reader,
		handlers: handlers,
		logger:   runtime.DiscardLogger(),
		tracer:   otel.Tracer("kafka"),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg = c.cfg.withDefaults()
	c.logger = c.logger.With("consumer", name)
	c.handled, _ = otel.Meter("github.com/md-rashed-zaman/eventrelay/libs/consumer").
		Int64Counter("consumer.messages", metric.WithDescription("Messages handled by outcome"))
	return c
}

// Run fetches, handles and commits messages until ctx ends. Offsets are
// committed only after a message was handled, skipped or dead-lettered.
func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", "err", err)
			if c.sleep(ctx, time.Second) != nil {
				return
			}
			continue
		}

		if err := c.Handle(ctx, msg); err != nil {
			// only cancellation escapes Handle; the message is redelivered
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka commit failed", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		}
	}
}

// Handle processes one message: dispatch with bounded retries, then
// dead-letter. It returns an error only when ctx ends first.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	if c.monitor != nil {
		done := c.monitor.Begin()
		defer done()
	}

	meta := kafkax.ExtractEventMeta(msg)
	ctx = kafkax.ExtractTraceContext(ctx, msg)
	ctx, span := c.tracer.Start(ctx, "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.message.id", meta.EventID),
		),
	)
	defer span.End()

	ctx = requestctx.WithActorID(ctx, meta.ActorID)
	ctx = requestctx.WithCorrelationID(ctx, meta.CorrelationID)
	ctx = requestctx.WithCausationID(ctx, meta.EventID)

	handler, ok := c.handlers.lookup(meta.EventType)
	if !ok {
		c.logger.Debug("no handler for event type", "event_type", meta.EventType, "event_id", meta.EventID)
		c.count(ctx, "skipped")
		return nil
	}

	d := Delivery{Meta: meta, Message: msg}
	if c.registry != nil && c.registry.Known(meta.EventType) {
		payload, err := c.registry.Decode(meta.EventType, msg.Value)
		if err != nil {
			span.RecordError(err)
			return c.deadLetter(ctx, msg, meta, 0, err)
		}
		d.Payload = payload
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		outcome, err := c.dispatch(ctx, handler, d)
		if err == nil {
			c.count(ctx, outcome.String())
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		span.RecordError(err)
		c.logger.Warn("handler error", "event_id", meta.EventID, "event_type", meta.EventType, "attempt", attempt, "err", err)
		if attempt < c.cfg.MaxAttempts {
			if err := c.sleep(ctx, c.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
				return err
			}
		}
	}
	span.SetStatus(codes.Error, lastErr.Error())
	return c.deadLetter(ctx, msg, meta, c.cfg.MaxAttempts, lastErr)
}

func (c *Consumer) dispatch(ctx context.Context, handler Handler, d Delivery) (inbox.Outcome, error) {
	if c.ledger == nil {
		return inbox.OutcomeProcessed, handler(ctx, d)
	}
	return c.ledger.Consume(ctx, d.Meta.EventID, c.name, func(ctx context.Context, tx uow.Tx) error {
		d.Tx = tx
		return handler(ctx, d)
	})
}

// deadLetter parks msg on its DLQ topic. Without a DLQ writer the message is
// dropped after logging. A failing DLQ write is retried until ctx ends so the
// offset is never committed past an undelivered message.
func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, meta kafkax.EventMeta, attempts int, cause error) error {
	c.count(ctx, "dead_lettered")
	c.logger.Error("message dead-lettered",
		"event_id", meta.EventID, "event_type", meta.EventType, "topic", msg.Topic,
		"attempts", attempts, "err", cause)
	if c.dlq == nil {
		return nil
	}

	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderDLQError, Value: []byte(cause.Error())},
		kafka.Header{Key: HeaderDLQAttempts, Value: []byte(strconv.Itoa(attempts))},
		kafka.Header{Key: HeaderDLQConsumer, Value: []byte(c.name)},
		kafka.Header{Key: HeaderDLQTopic, Value: []byte(msg.Topic)},
	)
	dead := kafka.Message{
		Topic:   msg.Topic + c.cfg.DLQSuffix,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}
	for {
		err := c.dlq.WriteMessages(ctx, dead)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Error("dead-letter publish failed", "event_id", meta.EventID, "err", err)
		if err := c.sleep(ctx, c.cfg.RetryBackoff); err != nil {
			return err
		}
	}
}

func (c *Consumer) count(ctx context.Context, outcome string) {
	c.handled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("consumer", c.name),
		attribute.String("outcome", outcome),
	))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
