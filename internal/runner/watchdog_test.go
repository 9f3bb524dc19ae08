package runner

import (
	"context"
	"testing"
	"time"

	"botrunner/internal/eventbus"
)

func TestWatchdogWarnsOncePerItem(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	warnings := collectEvents(bus, EventWatchdogWarning)
	r := newTestRunner(t, Config{
		Concurrency:     1,
		WatchdogSweep:   10 * time.Millisecond,
		WatchdogWarn:    30 * time.Millisecond,
		WatchdogTimeout: 10 * time.Second,
	}, nil, bus)

	release := make(chan struct{})
	if err := r.Submit(&testItem{bot: "slowpoke", desc: "stuck-fetch", runFn: func(ctx context.Context, scratch string) ([]WorkItem, error) {
		<-release
		return nil, nil
	}}); err != nil {
		t.Fatal(err)
	}

	evs := waitEvents(t, warnings, 1, 5*time.Second)
	w := evs[0].Data.(WatchdogEvent)
	if w.Bot != "slowpoke" || w.Item != "stuck-fetch" {
		t.Fatalf("warning attributed to %q/%q", w.Bot, w.Item)
	}
	if w.Elapsed < 30*time.Millisecond {
		t.Fatalf("warning fired after %v, before the warn threshold", w.Elapsed)
	}

	// Several more sweeps pass while the item is still stuck; no second
	// warning for the same execution.
	time.Sleep(80 * time.Millisecond)
	select {
	case ev := <-warnings:
		t.Fatalf("duplicate warning for the same execution: %+v", ev.Data)
	default:
	}
	close(release)
}

func TestWatchdogFlipsAndRecoversLiveness(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	r := newTestRunner(t, Config{
		Concurrency:     1,
		WatchdogSweep:   10 * time.Millisecond,
		WatchdogWarn:    20 * time.Millisecond,
		WatchdogTimeout: 40 * time.Millisecond,
	}, nil, bus)

	if !r.Healthy() {
		t.Fatal("runner unhealthy before any work ran")
	}

	release := make(chan struct{})
	if err := r.Submit(&testItem{bot: "slowpoke", runFn: func(ctx context.Context, scratch string) ([]WorkItem, error) {
		<-release
		return nil, nil
	}}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return !r.Healthy() }, "liveness did not flip for a stuck item")

	// The stuck item completes; the next sweep restores liveness.
	close(release)
	waitFor(t, 2*time.Second, r.Healthy, "liveness did not recover after the item finished")
}

func TestUpdateWatchdogTakesEffect(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	warnings := collectEvents(bus, EventWatchdogWarning)
	r := newTestRunner(t, Config{
		Concurrency:     1,
		WatchdogSweep:   10 * time.Millisecond,
		WatchdogWarn:    time.Hour,
		WatchdogTimeout: time.Hour,
	}, nil, bus)

	release := make(chan struct{})
	if err := r.Submit(&testItem{bot: "slowpoke", runFn: func(ctx context.Context, scratch string) ([]WorkItem, error) {
		<-release
		return nil, nil
	}}); err != nil {
		t.Fatal(err)
	}
	defer close(release)

	// Lowering the thresholds at runtime applies to already-running items.
	r.UpdateWatchdog(20*time.Millisecond, 40*time.Millisecond)
	waitEvents(t, warnings, 1, 5*time.Second)
	waitFor(t, 2*time.Second, func() bool { return !r.Healthy() }, "hot-reloaded hard timeout not applied")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
