package sweeper

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentvault/rentvault/internal/logging"
	"github.com/rentvault/rentvault/internal/metrics"
)

func counting(n *atomic.Int32) Pass {
	return func(context.Context) (bool, []any) {
		n.Add(1)
		return true, []any{"count", n.Load()}
	}
}

func TestSweeper_RunsEveryInterval(t *testing.T) {
	var n atomic.Int32
	s := New("test_interval", 5*time.Millisecond, counting(&n), logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Start(ctx)
	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
	assert.True(t, s.Running())

	cancel()
	assert.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)
}

func TestSweeper_RunOnStart(t *testing.T) {
	var n atomic.Int32
	s := New("test_on_start", time.Hour, counting(&n), logging.Discard(), RunOnStart())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Start(ctx)
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)
	s.Stop()
	assert.Eventually(t, func() bool { return !s.Running() }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), n.Load())
}

func TestSweeper_StopBeforeStart(t *testing.T) {
	var n atomic.Int32
	s := New("test_stopped", time.Millisecond, counting(&n), logging.Discard(), RunOnStart())
	s.Stop()
	s.Stop()

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.Zero(t, n.Load())
}

func TestSweeper_RecoversFromPanic(t *testing.T) {
	var calls atomic.Int32
	pass := func(context.Context) (bool, []any) {
		if calls.Add(1) == 1 {
			panic("ledger client exploded")
		}
		return false, nil
	}
	before := testutil.ToFloat64(metrics.SweepPasses.WithLabelValues("test_panic", "panic"))
	s := New("test_panic", 5*time.Millisecond, pass, logging.Discard(), RunOnStart())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Start(ctx)
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SweepPasses.WithLabelValues("test_panic", "panic")))
	assert.Equal(t, 5*time.Millisecond, s.Interval())
}
