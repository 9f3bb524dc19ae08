package runner

import (
	"errors"
	"testing"
)

var (
	_ Bot             = &webhookBot{}
	_ WebhookListener = &webhookBot{}
)

type webhookBot struct {
	tickBot
	handle func(body []byte) ([]WorkItem, bool)
}

func (b *webhookBot) HandleWebhook(body []byte) ([]WorkItem, bool) {
	return b.handle(body)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	b := &tickBot{id: "pr", items: func() []WorkItem { return nil }}

	if err := reg.Register(Registration{Bot: b}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := reg.Register(Registration{Bot: b})
	if !errors.Is(err, ErrDuplicateBot) {
		t.Fatalf("duplicate Register = %v, want ErrDuplicateBot", err)
	}
	if err := reg.Register(Registration{Bot: nil}); err == nil {
		t.Fatal("nil bot accepted")
	}
	if err := reg.Register(Registration{Bot: &tickBot{id: "  "}}); err == nil {
		t.Fatal("blank bot id accepted")
	}
}

func TestRegistryPreservesOrderAndFiltersListeners(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	plain := &tickBot{id: "a-plain", items: func() []WorkItem { return nil }}
	hooked := &webhookBot{
		tickBot: tickBot{id: "b-hooked", items: func() []WorkItem { return nil }},
		handle:  func(body []byte) ([]WorkItem, bool) { return nil, false },
	}
	for _, b := range []Bot{hooked, plain} {
		if err := reg.Register(Registration{Bot: b}); err != nil {
			t.Fatal(err)
		}
	}

	bots := reg.Bots()
	if len(bots) != 2 || bots[0].Bot.ID() != "b-hooked" || bots[1].Bot.ID() != "a-plain" {
		t.Fatalf("registration order not preserved: %v", []string{bots[0].Bot.ID(), bots[1].Bot.ID()})
	}
	if ls := reg.WebhookListeners(); len(ls) != 1 {
		t.Fatalf("WebhookListeners = %d, want 1", len(ls))
	}
}
