package runner

import "time"

// Event types published on the event bus. Data is always an ItemEvent,
// except for watchdog warnings which carry a WatchdogEvent.
const (
	EventItemEnqueued  = "item.enqueued"
	EventItemStarted   = "item.started"
	EventItemCompleted = "item.completed"
	EventItemRetried   = "item.retried"
	EventItemFailed    = "item.failed"
	EventItemDropped   = "item.dropped"

	EventWatchdogWarning = "watchdog.warning"
)

// ItemEvent describes one lifecycle transition of a work item.
type ItemEvent struct {
	Bot        string        `json:"bot"`
	ItemID     string        `json:"item_id"`
	Item       string        `json:"item"`
	Attempt    int           `json:"attempt"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// WatchdogEvent is published once per item that exceeds the warn timeout.
type WatchdogEvent struct {
	Bot     string        `json:"bot"`
	ItemID  string        `json:"item_id"`
	Item    string        `json:"item"`
	Elapsed time.Duration `json:"elapsed"`
}
