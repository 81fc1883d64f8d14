package reconciliation

import (
	"context"
	"log/slog"
	"time"

	"github.com/rentvault/rentvault/internal/sweeper"
)

// DefaultInterval is how often local records are checked against the ledger
// and the anchor.
const DefaultInterval = 5 * time.Minute

// Timer reconciles in the background. The first pass runs at start so
// submissions left PENDING by a crash are settled before new traffic piles
// on.
type Timer struct {
	*sweeper.Sweeper
}

// NewTimer creates the reconciliation sweeper.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	pass := func(ctx context.Context) (bool, []any) {
		r := service.RunAll(ctx)
		changed := r.Pending.Completed+r.Pending.Failed+r.Anchor.Applied+r.Accounts.Failed > 0
		return changed, []any{
			"completed", r.Pending.Completed, "failed", r.Pending.Failed, "stillPending", r.Pending.StillPending,
			"accountsSynced", r.Accounts.Synced, "accountSyncFailures", r.Accounts.Failed,
			"anchorRefreshed", r.Anchor.Applied,
		}
	}
	return &Timer{sweeper.New("reconciliation", interval, pass, logger, sweeper.RunOnStart())}
}
