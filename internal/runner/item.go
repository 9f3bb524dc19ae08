package runner

import (
	"context"
	"time"
)

// WorkItem is one schedulable, conflict-aware unit of work produced by a
// Bot. Items are idempotent by design: the runner keeps no identity across
// ticks, so the same logical work reappearing next tick is the bot's
// responsibility to tolerate.
type WorkItem interface {
	// BotName attributes the item to its producing bot for logging,
	// metrics and per-bot accounting.
	BotName() string

	// String describes the item for log lines.
	String() string

	// Conflicts reports whether this item may not run concurrently with
	// (nor be reordered past) other. The predicate must be symmetric;
	// the runner checks one direction only.
	Conflicts(other WorkItem) bool

	// Run executes the item. scratch is an exclusively-scoped directory,
	// created fresh before the call and removed afterwards. Returned
	// items are enqueued as follow-up work once Run has completed.
	Run(ctx context.Context, scratch string) ([]WorkItem, error)

	// Retryable reports whether a failure should be requeued with
	// backoff rather than dropped after logging.
	Retryable() bool
}

// pendingItem is the runner's bookkeeping envelope around a WorkItem.
// Retries construct a fresh envelope with an incremented attempt counter;
// the envelope itself is never mutated once enqueued.
type pendingItem struct {
	item    WorkItem
	id      string // execution id, stable across retries of this item
	attempt int    // 0-based

	createdAt  time.Time
	enqueuedAt time.Time
}

type activeRun struct {
	pi        *pendingItem
	startedAt time.Time
	warned    bool
}
