package app

import (
	"context"
	"encoding/json"
	"testing"

	"botrunner/internal/config"
	"botrunner/internal/restcache"
	"botrunner/internal/runner"
	"botrunner/pkg/logx"
)

type stubBot struct{ id string }

func (b stubBot) ID() string { return b.id }

func (b stubBot) PeriodicItems(ctx context.Context) ([]runner.WorkItem, error) {
	return nil, nil
}

func TestBuildBotsRegistersInNameOrder(t *testing.T) {
	t.Parallel()
	cache, err := restcache.New(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	logs, log := logx.New(logx.Config{Level: "error"})
	t.Cleanup(func() { _ = logs.Close() })

	a := &App{
		cfg: &config.Config{
			Storage: config.StorageConfig{Path: t.TempDir()},
			Bots: map[string]json.RawMessage{
				"zulu":  json.RawMessage(`{}`),
				"alpha": json.RawMessage(`{}`),
				"mike":  json.RawMessage(`{"schedule": "@hourly"}`),
				"quiet": json.RawMessage(`{"no_tick": true}`),
			},
		},
		logs:      logs,
		log:       log,
		reg:       runner.NewRegistry(),
		cache:     cache,
		factories: map[string]BotFactory{},
	}
	for _, name := range []string{"zulu", "alpha", "mike", "quiet"} {
		n := name
		a.factories[n] = BotFactory{Name: n, New: func(bc BotContext) (runner.Bot, error) {
			return stubBot{id: bc.Name}, nil
		}}
	}

	// Map iteration order is random; registration must not be.
	if err := a.buildBots(); err != nil {
		t.Fatalf("buildBots: %v", err)
	}
	regs := a.reg.Bots()
	want := []string{"alpha", "mike", "quiet", "zulu"}
	if len(regs) != len(want) {
		t.Fatalf("registered %d bots, want %d", len(regs), len(want))
	}
	for i, w := range want {
		if regs[i].Bot.ID() != w {
			t.Fatalf("registration order = %v..., want %v", regs[i].Bot.ID(), want)
		}
	}
	if regs[1].Schedule != "@hourly" || regs[1].NoTick {
		t.Errorf("mike registration = %+v", regs[1])
	}
	if !regs[2].NoTick {
		t.Error("quiet not registered as webhook-only")
	}
}
