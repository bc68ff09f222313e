package store

import (
	"context"
	"time"

	"github.com/encodeous/meshbridge/state"
)

// RunJanitor deletes history older than the retention window every cleanup interval, on its own
// task. The returned channel is closed when the janitor stopped.
func RunJanitor(e *state.Env, s *Store) <-chan struct{} {
	retention := e.Store.Retention
	return e.RepeatTask("store cleanup", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, state.StoreOpTimeout*6)
		defer cancel()
		cutoff := e.Clock.Now().Add(-retention)
		packets, nodes, err := s.Cleanup(ctx, cutoff)
		if err != nil {
			return err
		}
		if packets > 0 || nodes > 0 {
			e.Log.Info("store cleanup", "packets", packets, "nodes", nodes, "before", cutoff.Format(time.RFC3339))
		}
		return nil
	}, e.Store.CleanupInterval)
}
