package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free jsonl backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", history storage is disabled. Path is also
// the base directory for per-bot storage folders.
type Config struct {
	Driver string
	Path   string
}

// RunEntry records one completed work item execution.
// Keep it compact and schema-stable.
type RunEntry struct {
	At         time.Time `json:"at"`
	Bot        string    `json:"bot"`
	ItemID     string    `json:"item_id"`
	Item       string    `json:"item"`
	Attempt    int       `json:"attempt"`
	QueueMS    int64     `json:"queue_ms"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}
