package disputes

import (
	"context"
	"log/slog"
	"time"

	"github.com/rentvault/rentvault/internal/sweeper"
)

// DefaultRetryInterval is how often resolved but unsettled disputes are
// pushed through to their escrow again.
const DefaultRetryInterval = time.Minute

// Timer retries the escrow settlement of disputes that were resolved but
// whose release or refund did not land.
type Timer struct {
	*sweeper.Sweeper
}

// NewTimer creates the settlement retrier.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	pass := func(ctx context.Context) (bool, []any) {
		res := service.EnforceUnsettled(ctx)
		return res.Settled > 0 || res.Failed > 0, []any{"settled", res.Settled, "failed", res.Failed}
	}
	return &Timer{sweeper.New("dispute_settlement", interval, pass, logger, sweeper.RunOnStart())}
}
