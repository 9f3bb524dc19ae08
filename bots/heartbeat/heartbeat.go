// Package heartbeat is a trivial bot used for deployment smoke tests: every
// tick it emits one no-op work item, so a healthy runner shows a steady
// completed-items rate for this bot. It doubles as the reference
// implementation of the Bot/WorkItem contract.
package heartbeat

import (
	"context"
	"encoding/json"

	"botrunner/internal/app"
	"botrunner/internal/runner"
	"botrunner/pkg/logx"
)

func Factory() app.BotFactory {
	return app.BotFactory{
		Name: "heartbeat",
		New: func(bc app.BotContext) (runner.Bot, error) {
			var opts struct {
				Schedule string `json:"schedule"` // consumed by the registry
				Message  string `json:"message"`
			}
			if len(bc.Specific) > 0 {
				if err := json.Unmarshal(bc.Specific, &opts); err != nil {
					return nil, err
				}
			}
			if opts.Message == "" {
				opts.Message = "ok"
			}
			return &bot{name: bc.Name, message: opts.Message, log: bc.Log}, nil
		},
	}
}

type bot struct {
	name    string
	message string
	log     logx.Logger
}

func (b *bot) ID() string { return b.name }

func (b *bot) PeriodicItems(ctx context.Context) ([]runner.WorkItem, error) {
	return []runner.WorkItem{&item{bot: b}}, nil
}

type item struct {
	bot *bot
}

func (i *item) BotName() string { return i.bot.name }

func (i *item) String() string { return "heartbeat" }

// Heartbeats are independent: overlapping ticks may run concurrently.
func (i *item) Conflicts(other runner.WorkItem) bool { return false }

func (i *item) Retryable() bool { return false }

func (i *item) Run(ctx context.Context, scratch string) ([]runner.WorkItem, error) {
	i.bot.log.Debug("heartbeat", logx.String("message", i.bot.message))
	return nil, nil
}
