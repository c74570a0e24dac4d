package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kalshi-arb/internal/config"
)

func fastAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		BreakerThreshold:     3,
		BreakerRecovery:      50 * time.Millisecond,
		BreakerHalfOpenCalls: 2,
		OpenWait:             10 * time.Millisecond,
		BackoffBase:          time.Millisecond,
		BackoffCap:           5 * time.Millisecond,
	}
}

// stubRunner drives the supervisor loop from a scripted tick function.
type stubRunner struct {
	name string
	tick func(ctx context.Context) error

	mu       sync.Mutex
	started  int
	stopped  int
	tickSeen int
}

func (r *stubRunner) Name() string { return r.name }

func (r *stubRunner) Tick(ctx context.Context) error {
	r.mu.Lock()
	r.tickSeen++
	r.mu.Unlock()
	return r.tick(ctx)
}

func (r *stubRunner) OnStart(ctx context.Context) error {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
	return nil
}

func (r *stubRunner) OnStop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped++
	r.mu.Unlock()
	return nil
}

func (r *stubRunner) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started, r.stopped, r.tickSeen
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met before timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSupervisorRunsTicksAndStops(t *testing.T) {
	runner := &stubRunner{name: "test", tick: func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
			return nil
		}
	}}
	s := NewSupervisor(runner, fastAgentConfig(), nil)

	s.Start(context.Background())
	waitFor(t, time.Second, func() bool {
		_, _, ticks := runner.counts()
		return ticks >= 3
	})
	s.Stop()

	started, stopped, _ := runner.counts()
	if started != 1 {
		t.Fatalf("OnStart calls = %d, want 1", started)
	}
	if stopped != 1 {
		t.Fatalf("OnStop calls = %d, want exactly 1", stopped)
	}
	if s.Running() {
		t.Fatal("supervisor should not be running after Stop")
	}
}

func TestSupervisorOnStopCalledOnceAfterTickPanics(t *testing.T) {
	var calls int32
	runner := &stubRunner{name: "panicky", tick: func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("boom")
		}
		return nil
	}}
	s := NewSupervisor(runner, fastAgentConfig(), nil)

	s.Start(context.Background())
	// the panic must be converted into an error, not crash the loop.
	waitFor(t, time.Second, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	})
	s.Stop()

	_, stopped, _ := runner.counts()
	if stopped != 1 {
		t.Fatalf("OnStop calls = %d, want exactly 1", stopped)
	}
}

func TestSupervisorOpensBreakerAfterConsecutiveFailures(t *testing.T) {
	runner := &stubRunner{name: "failing", tick: func(ctx context.Context) error {
		return errors.New("tick failed")
	}}
	s := NewSupervisor(runner, fastAgentConfig(), nil)

	s.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool {
		return s.Health().BreakerState != BreakerClosed
	})
	s.Stop()

	health := s.Health()
	if health.TotalErrors < 3 {
		t.Fatalf("total errors = %d, want >= breaker threshold", health.TotalErrors)
	}
	if health.ConsecutiveErrors < 3 {
		t.Fatalf("consecutive errors = %d, want >= 3", health.ConsecutiveErrors)
	}
}

func TestSupervisorHealthSnapshot(t *testing.T) {
	runner := &stubRunner{name: "healthy", tick: func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
			return nil
		}
	}}
	s := NewSupervisor(runner, fastAgentConfig(), nil)

	s.Start(context.Background())
	waitFor(t, time.Second, func() bool {
		_, _, ticks := runner.counts()
		return ticks >= 1
	})

	health := s.Health()
	if health.Name != "healthy" || !health.Running {
		t.Fatalf("unexpected health: %+v", health)
	}
	if health.BreakerState != BreakerClosed {
		t.Fatalf("breaker = %s, want closed", health.BreakerState)
	}
	s.Stop()
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	base := time.Second
	cap := 10 * time.Second

	cases := []struct {
		consecutive int
		want        time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, c := range cases {
		if got := backoffDelay(base, cap, c.consecutive); got != c.want {
			t.Fatalf("backoffDelay(consecutive=%d) = %v, want %v", c.consecutive, got, c.want)
		}
	}
}
