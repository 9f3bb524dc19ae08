package runner

import (
	"context"
	"time"

	"botrunner/pkg/logx"
)

// The watchdog detects executions stuck on blocking network calls. It never
// kills a worker (execution is cooperative); past the warn timeout it logs
// once per item, and past the hard timeout it flips the runner unhealthy so
// the liveness probe fails and an external orchestrator restarts the
// process.

// UpdateWatchdog applies hot-reloaded watchdog thresholds. Zero values keep
// the current setting.
func (r *Runner) UpdateWatchdog(warn, hard time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hard > 0 {
		r.cfg.WatchdogTimeout = hard
	}
	if warn > 0 {
		r.cfg.WatchdogWarn = warn
	} else if hard > 0 {
		r.cfg.WatchdogWarn = hard
	}
}

func (r *Runner) watchdogLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.WatchdogSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Runner) sweep(now time.Time) {
	var warnings []WatchdogEvent
	healthy := true

	r.mu.Lock()
	for pi, run := range r.active {
		elapsed := now.Sub(run.startedAt)
		if elapsed > r.cfg.WatchdogTimeout {
			healthy = false
		}
		if elapsed > r.cfg.WatchdogWarn && !run.warned {
			run.warned = true
			warnings = append(warnings, WatchdogEvent{
				Bot:     pi.item.BotName(),
				ItemID:  pi.id,
				Item:    pi.item.String(),
				Elapsed: elapsed,
			})
		}
	}
	r.mu.Unlock()

	for _, w := range warnings {
		r.log.Warn("work item exceeded warn timeout",
			logx.String("bot", w.Bot),
			logx.String("item", w.Item),
			logx.String("id", w.ItemID),
			logx.Duration("elapsed", w.Elapsed))
		r.publish(EventWatchdogWarning, w)
	}

	// Health is recomputed every sweep: if the stuck item eventually
	// completes, liveness recovers without a restart.
	r.healthy.Store(healthy)
}
