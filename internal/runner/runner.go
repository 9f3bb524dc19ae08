// Package runner schedules the work produced by a fleet of bots onto a
// bounded worker pool with conflict exclusion, retries, watchdog supervision
// and graceful drain.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"botrunner/internal/eventbus"
	"botrunner/internal/restcache"
	"botrunner/internal/runtime/supervisor"
	"botrunner/internal/storage"
	"botrunner/pkg/logx"
)

type Config struct {
	// Interval is the global tick period (bot work-discovery queries).
	Interval time.Duration

	// Concurrency is the worker pool size.
	Concurrency int

	// WatchdogTimeout is the hard bound after which an in-flight item is
	// no longer considered healthy for liveness purposes. WatchdogWarn
	// triggers a one-time warning log; it defaults to the hard value.
	WatchdogTimeout time.Duration
	WatchdogWarn    time.Duration
	WatchdogSweep   time.Duration

	// MaxAttempts bounds executions of a retryable item (first run
	// included).
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// ScratchRoot hosts the per-item scratch directories. Empty means a
	// temporary directory is created at start.
	ScratchRoot string

	// CacheEviction is the sweep period for the shared REST response
	// cache.
	CacheEviction time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = 30 * time.Minute
	}
	if c.WatchdogWarn <= 0 {
		c.WatchdogWarn = c.WatchdogTimeout
	}
	if c.WatchdogSweep <= 0 {
		c.WatchdogSweep = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.CacheEviction <= 0 {
		c.CacheEviction = 5 * time.Minute
	}
	return c
}

// Runner is the single authority over queue admission and worker
// assignment. All pending/in-flight mutations happen under one mutex so
// conflict checking stays atomic.
type Runner struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	reg   *Registry
	store storage.Store
	cache *restcache.Cache

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []*pendingItem
	active    map[*pendingItem]*activeRun
	accepting bool
	stopping  bool

	ready   atomic.Bool
	healthy atomic.Bool

	cron     *cron.Cron
	sup      *supervisor.Supervisor
	stopCh   chan struct{}
	stopOnce sync.Once

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Runner)

// WithStore records every finished execution in the given history store.
func WithStore(st storage.Store) Option { return func(r *Runner) { r.store = st } }

// WithCache attaches the shared REST response cache; the runner owns its
// periodic eviction sweep.
func WithCache(c *restcache.Cache) Option { return func(r *Runner) { r.cache = c } }

func New(cfg Config, reg *Registry, log logx.Logger, bus eventbus.Bus, opts ...Option) *Runner {
	if reg == nil {
		reg = NewRegistry()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		reg:    reg,
		active: map[*pendingItem]*activeRun{},
		stopCh: make(chan struct{}),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	r.cond = sync.NewCond(&r.mu)
	r.healthy.Store(true)
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start spins up the worker pool, the tick loop, per-bot cron schedules,
// the watchdog and the cache evictor. It returns once everything is
// running; Stop drains it.
func (r *Runner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if r.cfg.ScratchRoot == "" {
		dir, err := os.MkdirTemp("", "runner-scratch-")
		if err != nil {
			return fmt.Errorf("scratch root: %w", err)
		}
		r.cfg.ScratchRoot = dir
	} else if err := os.MkdirAll(r.cfg.ScratchRoot, 0o755); err != nil {
		return fmt.Errorf("scratch root: %w", err)
	}

	r.mu.Lock()
	r.accepting = true
	r.mu.Unlock()

	r.sup = supervisor.New(ctx, supervisor.WithLogger(r.log.With(logx.String("comp", "runner"))))

	for i := 0; i < r.cfg.Concurrency; i++ {
		name := fmt.Sprintf("worker.%d", i)
		r.sup.GoRestart(name, r.worker)
	}

	r.sup.GoRestart("tick", r.tickLoop)
	r.sup.GoRestart("watchdog", r.watchdogLoop)
	if r.cache != nil {
		r.sup.GoRestart("cache-evict", r.cacheEvictLoop)
	}

	if err := r.startCron(); err != nil {
		return err
	}

	r.ready.Store(true)
	r.log.Info("runner started",
		logx.Int("bots", r.reg.Len()),
		logx.Int("concurrency", r.cfg.Concurrency),
		logx.Duration("interval", r.cfg.Interval))
	return nil
}

func (r *Runner) startCron() error {
	var scheduled []Registration
	for _, reg := range r.reg.Bots() {
		if reg.Schedule != "" && !reg.NoTick {
			scheduled = append(scheduled, reg)
		}
	}
	if len(scheduled) == 0 {
		return nil
	}
	r.cron = cron.New()
	for _, reg := range scheduled {
		bot := reg.Bot
		if _, err := r.cron.AddFunc(reg.Schedule, func() {
			r.sup.Go("cron."+bot.ID(), func(ctx context.Context) error {
				r.queryBot(ctx, bot)
				return nil
			})
		}); err != nil {
			return fmt.Errorf("bot %s schedule: %w", bot.ID(), err)
		}
	}
	r.cron.Start()
	return nil
}

// Stop drains the runner: no new ticks or submissions are accepted, pending
// items are dropped (the next process regenerates them from external
// state), and in-flight items get until ctx expires to finish before being
// abandoned.
func (r *Runner) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	var dropped int
	r.stopOnce.Do(func() {
		r.ready.Store(false)

		r.mu.Lock()
		r.accepting = false
		r.stopping = true
		dropped = len(r.pending)
		r.pending = nil
		r.cond.Broadcast()
		r.mu.Unlock()

		if r.cron != nil {
			<-r.cron.Stop().Done()
		}
		close(r.stopCh)
	})

	if r.sup == nil {
		return
	}
	if err := r.sup.Wait(ctx); err != nil {
		r.log.Warn("graceful drain timed out, abandoning in-flight items", logx.Err(err))
		r.sup.Cancel()
		return
	}
	r.log.Info("runner stopped", logx.Int("dropped_pending", dropped))
}

// Ready reports whether bot registration has completed and ticks are being
// accepted.
func (r *Runner) Ready() bool { return r.ready.Load() }

// Healthy reports liveness: false while any in-flight item has exceeded the
// hard watchdog timeout. Recovery (process restart) is external.
func (r *Runner) Healthy() bool { return r.healthy.Load() }

// Stats is a point-in-time view for metrics and diagnostics.
type Stats struct {
	Pending   int
	InFlight  map[string]int // per bot
	Accepting bool
}

func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{Pending: len(r.pending), InFlight: map[string]int{}, Accepting: r.accepting}
	for pi := range r.active {
		st.InFlight[pi.item.BotName()]++
	}
	return st
}

// Submit enqueues an externally triggered item (webhook path), bypassing
// the next tick boundary.
func (r *Runner) Submit(item WorkItem) error {
	if item == nil {
		return fmt.Errorf("nil work item")
	}
	now := time.Now()
	return r.enqueue(&pendingItem{
		item:       item,
		id:         uuid.NewString(),
		createdAt:  now,
		enqueuedAt: now,
	})
}

func (r *Runner) enqueue(pi *pendingItem) error {
	r.mu.Lock()
	if !r.accepting {
		r.mu.Unlock()
		return ErrNotAccepting
	}
	r.pending = append(r.pending, pi)
	r.cond.Broadcast()
	r.mu.Unlock()

	r.publish(EventItemEnqueued, ItemEvent{
		Bot: pi.item.BotName(), ItemID: pi.id, Item: pi.item.String(), Attempt: pi.attempt,
	})
	return nil
}

// ---- tick path ----

func (r *Runner) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// First tick runs immediately; a fresh process should not sit idle
	// for a full interval.
	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick fans each bot query out to its own goroutine: a slow bot must never
// delay the tick of the others, and overlapping queries of one bot are not
// deduplicated here (a bot emitting overlapping work encodes that in its
// conflict predicate).
func (r *Runner) tick(ctx context.Context) {
	for _, reg := range r.reg.Bots() {
		if reg.NoTick || reg.Schedule != "" {
			continue
		}
		bot := reg.Bot
		r.sup.Go("tick."+bot.ID(), func(c context.Context) error {
			r.queryBot(c, bot)
			return nil
		})
	}
}

func (r *Runner) queryBot(ctx context.Context, bot Bot) {
	items, err := bot.PeriodicItems(ctx)
	if err != nil {
		r.log.Warn("bot tick failed", logx.String("bot", bot.ID()), logx.Err(err))
		return
	}
	for _, item := range items {
		if item == nil {
			continue
		}
		if err := r.Submit(item); err != nil {
			r.log.Debug("tick item not enqueued", logx.String("bot", bot.ID()), logx.Err(err))
			return
		}
	}
}

// ---- dispatch / execution ----

func (r *Runner) worker(ctx context.Context) error {
	for {
		r.mu.Lock()
		var pi *pendingItem
		for {
			if r.stopping {
				r.mu.Unlock()
				return nil
			}
			if pi = r.nextEligibleLocked(); pi != nil {
				break
			}
			r.cond.Wait()
		}
		run := &activeRun{pi: pi, startedAt: time.Now()}
		r.active[pi] = run
		r.mu.Unlock()

		r.execute(ctx, pi, run)

		r.mu.Lock()
		delete(r.active, pi)
		r.cond.Broadcast()
		r.mu.Unlock()
	}
}

// nextEligibleLocked scans the pending queue head-to-tail and pops the
// first item that conflicts with nothing in flight. An item is also
// deferred while it conflicts with an *earlier* pending item, so that
// conflicting items complete in enqueue order. Deferred items keep their
// queue position (fairness).
func (r *Runner) nextEligibleLocked() *pendingItem {
	for i, cand := range r.pending {
		if r.conflictsWithActiveLocked(cand) {
			continue
		}
		blocked := false
		for _, earlier := range r.pending[:i] {
			if cand.item.Conflicts(earlier.item) {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		r.pending = append(r.pending[:i], r.pending[i+1:]...)
		return cand
	}
	return nil
}

func (r *Runner) conflictsWithActiveLocked(pi *pendingItem) bool {
	for other := range r.active {
		if pi.item.Conflicts(other.item) {
			return true
		}
	}
	return false
}

func (r *Runner) execute(ctx context.Context, pi *pendingItem, run *activeRun) {
	bot := pi.item.BotName()
	desc := pi.item.String()
	start := run.startedAt
	queueDelay := start.Sub(pi.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	log := r.log.With(logx.String("bot", bot), logx.String("item", desc), logx.String("id", pi.id))
	log.Debug("item started", logx.Int("attempt", pi.attempt), logx.Duration("queue_delay", queueDelay))
	r.publish(EventItemStarted, ItemEvent{Bot: bot, ItemID: pi.id, Item: desc, Attempt: pi.attempt, QueueDelay: queueDelay})

	var followUps []WorkItem
	scratch, err := os.MkdirTemp(r.cfg.ScratchRoot, "item-")
	if err != nil {
		err = fmt.Errorf("scratch dir: %w", err)
	} else {
		followUps, err = r.runItem(ctx, pi, scratch, log)
		_ = os.RemoveAll(scratch)
	}
	dur := time.Since(start)

	if err == nil {
		log.Debug("item completed", logx.Duration("dur", dur), logx.Int("attempt", pi.attempt))
		r.publish(EventItemCompleted, ItemEvent{Bot: bot, ItemID: pi.id, Item: desc, Attempt: pi.attempt, QueueDelay: queueDelay, Duration: dur})
		r.record(pi, start, queueDelay, dur, nil)
		for _, f := range followUps {
			if f == nil {
				continue
			}
			if serr := r.Submit(f); serr != nil {
				log.Debug("follow-up item dropped", logx.Err(serr))
			}
		}
		return
	}

	var nr NoRetryError
	permanent := errors.As(err, &nr)

	ev := ItemEvent{Bot: bot, ItemID: pi.id, Item: desc, Attempt: pi.attempt, QueueDelay: queueDelay, Duration: dur, Error: err.Error()}
	r.record(pi, start, queueDelay, dur, err)

	if !permanent && pi.item.Retryable() && pi.attempt+1 < r.cfg.MaxAttempts {
		delay := r.backoff(pi.attempt + 1)
		log.Warn("item failed, retry scheduled",
			logx.Err(err), logx.Int("attempt", pi.attempt), logx.Duration("delay", delay))
		r.publish(EventItemRetried, ev)

		next := &pendingItem{item: pi.item, id: pi.id, attempt: pi.attempt + 1, createdAt: pi.createdAt}
		time.AfterFunc(delay, func() { r.requeue(next) })
		return
	}

	log.Warn("item failed permanently",
		logx.Err(err), logx.Int("attempt", pi.attempt), logx.Bool("retryable", pi.item.Retryable() && !permanent))
	r.publish(EventItemFailed, ev)
}

// runItem guards against panics inside bot actions: one bad item must never
// take down a worker or the dispatcher.
func (r *Runner) runItem(ctx context.Context, pi *pendingItem, scratch string, log logx.Logger) (items []WorkItem, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			log.Error("item panicked", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	return pi.item.Run(ctx, scratch)
}

// requeue re-admits a retried item at the tail of the pending queue once
// its backoff has elapsed.
func (r *Runner) requeue(pi *pendingItem) {
	pi.enqueuedAt = time.Now()
	if err := r.enqueue(pi); err != nil {
		r.publish(EventItemDropped, ItemEvent{
			Bot: pi.item.BotName(), ItemID: pi.id, Item: pi.item.String(), Attempt: pi.attempt, Error: err.Error(),
		})
	}
}

func (r *Runner) backoff(retry int) time.Duration {
	d := r.cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > r.cfg.RetryMaxDelay {
			d = r.cfg.RetryMaxDelay
			break
		}
	}
	if j := r.cfg.RetryJitter; j > 0 {
		r.rngMu.Lock()
		f := (r.rng.Float64()*2 - 1) * j
		r.rngMu.Unlock()
		d = time.Duration(float64(d) * (1 + f))
		if d < 0 {
			d = 0
		}
	}
	if d > r.cfg.RetryMaxDelay {
		d = r.cfg.RetryMaxDelay
	}
	return d
}

func (r *Runner) record(pi *pendingItem, start time.Time, queueDelay, dur time.Duration, runErr error) {
	if r.store == nil {
		return
	}
	e := storage.RunEntry{
		At:         start,
		Bot:        pi.item.BotName(),
		ItemID:     pi.id,
		Item:       pi.item.String(),
		Attempt:    pi.attempt,
		QueueMS:    queueDelay.Milliseconds(),
		DurationMS: dur.Milliseconds(),
	}
	if runErr != nil {
		e.Error = runErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.store.AppendRun(ctx, e); err != nil {
		r.log.Debug("run history append failed", logx.Err(err))
	}
}

func (r *Runner) publish(typ string, data any) {
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

func (r *Runner) cacheEvictLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.CacheEviction)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		case now := <-ticker.C:
			if n := r.cache.EvictStale(now); n > 0 {
				r.log.Debug("rest cache eviction", logx.Int("evicted", n))
			}
		}
	}
}
