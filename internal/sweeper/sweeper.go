// Package sweeper runs the background passes that move settlement state
// forward on a schedule: expiry refunds, dispute settlement retries and
// reconciliation against the ledger.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rentvault/rentvault/internal/metrics"
)

// Pass is one run over the work a sweeper owns. It reports whether it moved
// anything, plus log attributes describing what it did.
type Pass func(ctx context.Context) (changed bool, attrs []any)

// Sweeper calls its Pass every interval until stopped. Passes never overlap.
type Sweeper struct {
	name     string
	interval time.Duration
	pass     Pass
	logger   *slog.Logger
	onStart  bool

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// RunOnStart makes Start run a pass before the first tick, picking up work
// that piled up while the process was down.
func RunOnStart() Option {
	return func(s *Sweeper) { s.onStart = true }
}

// New creates a sweeper. name labels its logs and metrics. A non-positive
// interval means one minute.
func New(name string, interval time.Duration, pass Pass, logger *slog.Logger, opts ...Option) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Sweeper{
		name:     name,
		interval: interval,
		pass:     pass,
		logger:   logger.With("sweeper", name),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval returns the time between passes.
func (s *Sweeper) Interval() time.Duration { return s.interval }

// Running reports whether the loop is active.
func (s *Sweeper) Running() bool { return s.running.Load() }

// Start blocks until ctx is done or Stop is called. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	if s.onStart {
		s.run(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

// Stop ends the loop after the pass in flight, if any. It is safe to call
// more than once and before Start.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sweeper) run(ctx context.Context) {
	select {
	case <-s.stop:
		return
	default:
	}
	started := time.Now()
	defer func() {
		metrics.SweepPassDuration.WithLabelValues(s.name).Observe(time.Since(started).Seconds())
		if r := recover(); r != nil {
			metrics.SweepPasses.WithLabelValues(s.name, "panic").Inc()
			s.logger.Error("panic in sweep pass", "panic", fmt.Sprint(r))
		}
	}()

	changed, attrs := s.pass(ctx)
	metrics.SweepPasses.WithLabelValues(s.name, "ok").Inc()
	attrs = append(attrs, "duration", time.Since(started))
	if changed {
		s.logger.Info("sweep pass", attrs...)
		return
	}
	s.logger.Debug("sweep pass", attrs...)
}
