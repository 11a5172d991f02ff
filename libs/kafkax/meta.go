package kafkax

import (
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Header keys carried on every relayed message.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderCorrelationID = "correlation_id"
	HeaderActorID       = "actor_id"
	HeaderCausationID   = "causation_id"
	HeaderOccurredAt    = "occurred_at"
)

// EventMeta is the canonical metadata carried on Kafka messages across services.
type EventMeta struct {
	EventID       string
	EventType     string
	CorrelationID string
	ActorID       string
	CausationID   string
	OccurredAt    time.Time
}

// Headers renders meta as Kafka headers. Empty optional fields are omitted.
func (m EventMeta) Headers() []kafka.Header {
	headers := []kafka.Header{
		{Key: HeaderEventID, Value: []byte(m.EventID)},
		{Key: HeaderEventType, Value: []byte(m.EventType)},
	}
	headers = appendHeader(headers, HeaderCorrelationID, m.CorrelationID)
	headers = appendHeader(headers, HeaderActorID, m.ActorID)
	headers = appendHeader(headers, HeaderCausationID, m.CausationID)
	if !m.OccurredAt.IsZero() {
		headers = appendHeader(headers, HeaderOccurredAt, m.OccurredAt.UTC().Format(time.RFC3339Nano))
	}
	return headers
}

func ExtractEventMeta(msg kafka.Message) EventMeta {
	eventID := HeaderValue(msg.Headers, HeaderEventID)
	eventType := HeaderValue(msg.Headers, HeaderEventType)
	if eventID == "" {
		eventID = string(msg.Key)
	}
	if eventType == "" {
		eventType = msg.Topic
	}
	meta := EventMeta{
		EventID:       eventID,
		EventType:     eventType,
		CorrelationID: HeaderValue(msg.Headers, HeaderCorrelationID),
		ActorID:       HeaderValue(msg.Headers, HeaderActorID),
		CausationID:   HeaderValue(msg.Headers, HeaderCausationID),
	}
	if raw := HeaderValue(msg.Headers, HeaderOccurredAt); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			meta.OccurredAt = ts
		}
	}
	return meta
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func appendHeader(headers []kafka.Header, key, value string) []kafka.Header {
	if value == "" {
		return headers
	}
	return append(headers, kafka.Header{Key: key, Value: []byte(value)})
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
