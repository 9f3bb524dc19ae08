package runner

import (
	"context"
	"fmt"
	"strings"
)

// Bot is a pluggable producer of work items tied to one monitored external
// resource (repository, issue project). Bots are stateless between ticks:
// each PeriodicItems call re-derives outstanding work from the external
// source of truth.
type Bot interface {
	// ID is a stable identifier used for grouping, storage-folder naming
	// and metrics attribution.
	ID() string

	// PeriodicItems is called once per tick. It must not block longer
	// than is acceptable for the configured tick interval and must be
	// safe to call again while items from a previous tick are still in
	// flight.
	PeriodicItems(ctx context.Context) ([]WorkItem, error)
}

// WebhookListener is implemented by bots that react to externally injected
// trigger events without waiting for the next tick. The raw payload is
// provider-specific; a listener that does not recognize it returns ok=false.
type WebhookListener interface {
	HandleWebhook(body []byte) (items []WorkItem, ok bool)
}

// Registration couples a bot with its tick source. An empty Schedule means
// the bot follows the runner's global interval; a cron spec replaces it; a
// bot may also opt out of periodic ticking entirely (webhook-only).
type Registration struct {
	Bot      Bot
	Schedule string
	NoTick   bool
}

// Registry holds the process-wide bot set. It is populated during start-up
// and read-only afterwards.
type Registry struct {
	order []string
	bots  map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{bots: map[string]Registration{}}
}

func (r *Registry) Register(reg Registration) error {
	if reg.Bot == nil {
		return fmt.Errorf("nil bot")
	}
	id := strings.TrimSpace(reg.Bot.ID())
	if id == "" {
		return fmt.Errorf("bot id is required")
	}
	if _, exists := r.bots[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBot, id)
	}
	r.order = append(r.order, id)
	r.bots[id] = reg
	return nil
}

// Bots returns all registrations in registration order.
func (r *Registry) Bots() []Registration {
	out := make([]Registration, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.bots[id])
	}
	return out
}

func (r *Registry) Len() int { return len(r.order) }

// WebhookListeners returns the registered bots that accept trigger events.
func (r *Registry) WebhookListeners() []WebhookListener {
	var out []WebhookListener
	for _, id := range r.order {
		if l, ok := r.bots[id].Bot.(WebhookListener); ok {
			out = append(out, l)
		}
	}
	return out
}
