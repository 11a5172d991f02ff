package audit

import (
	"encoding/json"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/event"
)

const (
	TypeRecorded     = "audit.recorded.v1"
	TypeCountUpdated = "audit.count.updated.v1"
)

// Recorded is raised once per stored audit entry.
type Recorded struct {
	EntryID   string          `json:"entry_id"`
	Action    string          `json:"action"`
	Resource  string          `json:"resource"`
	ActorID   string          `json:"actor_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// CountUpdated is raised by the projection after it bumps a per-action total.
type CountUpdated struct {
	Action        string    `json:"action"`
	Total         int64     `json:"total"`
	SourceEventID string    `json:"source_event_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func RegisterEvents(r *event.Registry) {
	r.Register(TypeRecorded, func() any { return &Recorded{} })
	r.Register(TypeCountUpdated, func() any { return &CountUpdated{} })
}
