// Package projection keeps per-action audit totals from audit.recorded.v1.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/capture"
	"github.com/md-rashed-zaman/eventrelay/libs/consumer"
	"github.com/md-rashed-zaman/eventrelay/libs/event"
	"github.com/md-rashed-zaman/eventrelay/libs/runtime"
	"github.com/md-rashed-zaman/eventrelay/services/audit-service/internal/audit"
)

// ConsumerName keys the inbox ledger rows of this projection.
const ConsumerName = "audit-counts"

var errNoTx = errors.New("projection: delivery has no transaction; configure the consumer with a ledger")

type Counts struct {
	repo   audit.Repository
	logger *slog.Logger
	now    func() time.Time
}

func NewCounts(repo audit.Repository, logger *slog.Logger) *Counts {
	if logger == nil {
		logger = runtime.DiscardLogger()
	}
	return &Counts{repo: repo, logger: logger, now: time.Now}
}

func (p *Counts) Register(h *consumer.Handlers) {
	h.Handle(audit.TypeRecorded, p.HandleRecorded)
}

// HandleRecorded bumps the total for the entry's action and raises
// audit.count.updated.v1 in the same transaction as the ledger row.
func (p *Counts) HandleRecorded(ctx context.Context, d consumer.Delivery) error {
	rec, ok := d.Payload.(*audit.Recorded)
	if !ok {
		return fmt.Errorf("projection: unexpected payload %T", d.Payload)
	}
	if d.Tx == nil {
		return errNoTx
	}
	if rec.Action == "" {
		return errors.New("projection: recorded event without action")
	}

	now := p.now().UTC()
	total, err := p.repo.IncrementCount(ctx, d.Tx, rec.Action, now)
	if err != nil {
		return fmt.Errorf("increment audit count: %w", err)
	}
	if err := capture.Raise(ctx, event.New(audit.TypeCountUpdated, audit.CountUpdated{
		Action:        rec.Action,
		Total:         total,
		SourceEventID: d.Meta.EventID,
		UpdatedAt:     now,
	})); err != nil {
		return err
	}
	p.logger.Debug("audit count updated", "action", rec.Action, "total", total, "event_id", d.Meta.EventID)
	return nil
}
