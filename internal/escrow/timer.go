package escrow

import (
	"context"
	"log/slog"
	"time"

	"github.com/rentvault/rentvault/internal/sweeper"
)

// DefaultSweepInterval is how often expired escrows are looked for.
const DefaultSweepInterval = time.Minute

// Timer refunds expired escrows in the background. It sweeps once as soon as
// it starts, so deposits whose lease ended while the server was down go back
// to the tenant without waiting a full interval.
type Timer struct {
	*sweeper.Sweeper
}

// NewTimer creates the expiry sweeper. A non-positive interval uses
// DefaultSweepInterval.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	pass := func(ctx context.Context) (bool, []any) {
		res := service.ProcessExpired(ctx)
		return res.Refunded > 0 || res.Failed > 0,
			[]any{"refunded", res.Refunded, "failed", res.Failed, "parked", res.Parked}
	}
	return &Timer{sweeper.New("escrow_expiry", interval, pass, logger, sweeper.RunOnStart())}
}
