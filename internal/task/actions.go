package task

import (
	"context"
	"fmt"
	"time"

	"github.com/tbergin/freshet/internal/ledger"
	"github.com/tbergin/freshet/internal/model"
)

// Refresher forces a refresh of one derived object. Satisfied by
// *refresh.Scheduler.
type Refresher interface {
	Refresh(ctx context.Context, id string) error
}

// Executor runs an opaque statement. Satisfied by backend implementations.
type Executor interface {
	Exec(ctx context.Context, statement string) error
}

// RefreshAction refreshes the named derived object on every run.
func RefreshAction(objectID string, r Refresher) Action {
	return ActionFunc{
		ActionName: "refresh " + objectID,
		Fn: func(ctx context.Context) error {
			return r.Refresh(ctx, objectID)
		},
	}
}

// MaintenanceAction runs an arbitrary statement on the execution backend.
func MaintenanceAction(statement string, be Executor) Action {
	return ActionFunc{
		ActionName: "maintenance",
		Fn: func(ctx context.Context) error {
			return be.Exec(ctx, statement)
		},
	}
}

// RetrySweepAction re-delivers failed ingestions from the last window, plus
// pending claims older than the window (orphans from crashed workers), as
// fresh file events. The ledger's claim logic makes redelivery safe.
func RetrySweepAction(store ledger.Store, window time.Duration, handle func(ctx context.Context, ev model.FileEvent) error) Action {
	return ActionFunc{
		ActionName: "retry sweep",
		Fn: func(ctx context.Context) error {
			failed, err := store.List(ctx, ledger.Filter{
				Outcome: model.OutcomeFailed,
				Since:   time.Now().Add(-window),
			})
			if err != nil {
				return fmt.Errorf("retry sweep list failed: %w", err)
			}
			stale, err := store.List(ctx, ledger.Filter{
				Outcome: model.OutcomePending,
				Until:   time.Now().Add(-window),
			})
			if err != nil {
				return fmt.Errorf("retry sweep list stale: %w", err)
			}
			for _, rec := range append(failed, stale...) {
				ev := model.FileEvent{
					Path:      rec.FilePath,
					Checksum:  rec.Checksum,
					EventTime: time.Now(),
				}
				if err := handle(ctx, ev); err != nil {
					return fmt.Errorf("retry sweep redeliver %s: %w", rec.FilePath, err)
				}
			}
			return nil
		},
	}
}
