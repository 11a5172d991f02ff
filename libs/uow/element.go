package uow

import (
	"context"
	"errors"

	"github.com/md-rashed-zaman/eventrelay/libs/capture"
	"github.com/md-rashed-zaman/eventrelay/libs/pipeline"
)

// Transactional runs the rest of the chain inside one unit of work. Committed
// events are appended to the run's results in raise order, unless a Capture
// step above it owns them.
func Transactional[In, Out any](m *Manager) pipeline.Factory[pipeline.Element[In, Out]] {
	return func(*pipeline.Scope) (pipeline.Element[In, Out], error) {
		if m == nil {
			return nil, errors.New("transactional: nil manager")
		}
		return pipeline.ElementFunc[In, Out](func(ctx context.Context, pc *pipeline.Context, in In, next pipeline.Next[In, Out]) (Out, error) {
			var out Out
			_, events, err := m.Run(ctx, func(ctx context.Context, _ Tx) error {
				var err error
				out, err = next(ctx, in)
				return err
			})
			if err != nil {
				return out, err
			}
			if capture.Recording(ctx) {
				return out, nil
			}
			for _, e := range events {
				pc.AddResult(e)
			}
			return out, nil
		}), nil
	}
}
