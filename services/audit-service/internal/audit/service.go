package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/eventrelay/libs/capture"
	"github.com/md-rashed-zaman/eventrelay/libs/event"
	"github.com/md-rashed-zaman/eventrelay/libs/pipeline"
	"github.com/md-rashed-zaman/eventrelay/libs/requestctx"
	"github.com/md-rashed-zaman/eventrelay/libs/runtime"
	"github.com/md-rashed-zaman/eventrelay/libs/uow"
)

type Entry struct {
	ID            string          `json:"id"`
	Action        string          `json:"action"`
	Resource      string          `json:"resource"`
	ActorID       string          `json:"actor_id,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Metadata      json.RawMessage `json:"metadata"`
	CreatedAt     time.Time       `json:"created_at"`
}

type Count struct {
	Action    string    `json:"action"`
	Total     int64     `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Repository persists entries and per-action totals. Writes take the unit of
// work's transaction; reads run outside of one.
type Repository interface {
	Insert(ctx context.Context, tx uow.Tx, e Entry) error
	ListRecent(ctx context.Context, limit int) ([]Entry, error)
	IncrementCount(ctx context.Context, tx uow.Tx, action string, at time.Time) (int64, error)
	Counts(ctx context.Context) ([]Count, error)
}

type RecordRequest struct {
	Action   string          `json:"action"`
	Resource string          `json:"resource"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// RecordResult carries exactly one of: a stored entry, a denial or the
// validation failures.
type RecordResult struct {
	Entry      *Entry               `json:"entry,omitempty"`
	Denied     bool                 `json:"-"`
	Violations []pipeline.Violation `json:"violations,omitempty"`
	EventIDs   []string             `json:"event_ids,omitempty"`
}

const (
	maxActionLen     = 128
	maxResourceLen   = 256
	maxMetadataBytes = 16 << 10
)

// RecordSteps is the default element order of the record pipeline.
var RecordSteps = []string{"recover", "logging", "authorization", "validation", "capture", "transactional"}

var ErrNoUnitOfWork = errors.New("audit: record must run inside a unit of work")

type Service struct {
	repo     Repository
	pipeline *pipeline.Pipeline[RecordRequest, RecordResult]
	now      func() time.Time
}

// NewService builds the record pipeline from steps (RecordSteps when empty).
// An unknown or misconfigured step fails here.
func NewService(m *uow.Manager, repo Repository, logger *slog.Logger, steps ...string) (*Service, error) {
	if repo == nil {
		return nil, errors.New("audit: nil repository")
	}
	if logger == nil {
		logger = runtime.DiscardLogger()
	}
	if len(steps) == 0 {
		steps = RecordSteps
	}
	s := &Service{repo: repo, now: time.Now}

	registry := pipeline.NewRegistry[RecordRequest, RecordResult]()
	registry.Register("recover", pipeline.Recover[RecordRequest, RecordResult]())
	registry.Register("logging", pipeline.Logging[RecordRequest, RecordResult](logger, "audit.record"))
	registry.Register("authorization", pipeline.Authorization[RecordRequest, RecordResult](pipeline.RequireActor[RecordRequest], deny))
	registry.Register("validation", pipeline.Validation[RecordRequest, RecordResult](validate, reject))
	registry.Register("capture", pipeline.Capture[RecordRequest, RecordResult](attachEventIDs))
	registry.Register("transactional", uow.Transactional[RecordRequest, RecordResult](m))

	finalizer := pipeline.Static[pipeline.Finalizer[RecordRequest, RecordResult]](
		pipeline.FinalizerFunc[RecordRequest, RecordResult](s.record),
	)
	p, err := registry.Build(steps, finalizer)
	if err != nil {
		return nil, err
	}
	s.pipeline = p
	return s, nil
}

// Record stores one audit entry and raises TypeRecorded in the same
// transaction.
func (s *Service) Record(ctx context.Context, req RecordRequest) (RecordResult, error) {
	return s.pipeline.Run(ctx, req)
}

func (s *Service) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	return s.repo.ListRecent(ctx, limit)
}

func (s *Service) Counts(ctx context.Context) ([]Count, error) {
	return s.repo.Counts(ctx)
}

func (s *Service) record(ctx context.Context, _ *pipeline.Context, in RecordRequest) (RecordResult, error) {
	tx, ok := uow.Current(ctx)
	if !ok {
		return RecordResult{}, ErrNoUnitOfWork
	}
	unit, _ := uow.CurrentUnit(ctx)

	metadata := in.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	entry := Entry{
		ID:            uuid.NewString(),
		Action:        strings.TrimSpace(in.Action),
		Resource:      strings.TrimSpace(in.Resource),
		ActorID:       requestctx.ActorID(ctx),
		CorrelationID: unit.CorrelationID,
		Metadata:      metadata,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.repo.Insert(ctx, tx, entry); err != nil {
		return RecordResult{}, fmt.Errorf("insert audit entry: %w", err)
	}

	e := event.New(TypeRecorded, Recorded{
		EntryID:   entry.ID,
		Action:    entry.Action,
		Resource:  entry.Resource,
		ActorID:   entry.ActorID,
		Metadata:  entry.Metadata,
		CreatedAt: entry.CreatedAt,
	})
	if err := capture.Raise(ctx, e); err != nil {
		return RecordResult{}, err
	}
	return RecordResult{Entry: &entry}, nil
}

// attachEventIDs lists the committed events on a stored entry.
func attachEventIDs(out RecordResult, events []event.Event) RecordResult {
	if out.Entry == nil {
		return out
	}
	for _, e := range events {
		out.EventIDs = append(out.EventIDs, e.ID.String())
	}
	return out
}

func validate(_ context.Context, in RecordRequest, v *pipeline.Violations) {
	v.Require("action", in.Action)
	v.Require("resource", in.Resource)
	if len(strings.TrimSpace(in.Action)) > maxActionLen {
		v.Add("action", fmt.Sprintf("must be at most %d characters", maxActionLen))
	}
	if len(strings.TrimSpace(in.Resource)) > maxResourceLen {
		v.Add("resource", fmt.Sprintf("must be at most %d characters", maxResourceLen))
	}
	if len(in.Metadata) > 0 {
		switch {
		case len(in.Metadata) > maxMetadataBytes:
			v.Add("metadata", "is too large")
		case !isJSONObject(in.Metadata):
			v.Add("metadata", "must be a JSON object")
		}
	}
}

func isJSONObject(raw json.RawMessage) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal(raw, &m) == nil && m != nil
}

func reject(violations []pipeline.Violation) RecordResult {
	return RecordResult{Violations: violations}
}

func deny(string) RecordResult {
	return RecordResult{Denied: true}
}
