// Package metrics exposes the runner's counters and gauges in Prometheus
// format. Counters are fed from the event bus so the dispatch path never
// calls into the metrics layer; queue gauges are sampled on scrape.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"botrunner/internal/eventbus"
	"botrunner/internal/runner"
)

type Service struct {
	reg *prometheus.Registry

	enqueued  *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	retried   *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	warnings  *prometheus.CounterVec

	bus    eventbus.Bus
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func New(r *runner.Runner, bus eventbus.Bus) *Service {
	s := &Service{
		reg:    prometheus.NewRegistry(),
		bus:    bus,
		stopCh: make(chan struct{}),
	}

	byBot := []string{"bot"}
	s.enqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_items_enqueued_total", Help: "Work items admitted to the pending queue.",
	}, byBot)
	s.completed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_items_completed_total", Help: "Work items that finished successfully.",
	}, byBot)
	s.failed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_items_failed_total", Help: "Work items dropped after a permanent failure.",
	}, byBot)
	s.retried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_items_retried_total", Help: "Work item executions requeued with backoff.",
	}, byBot)
	s.dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_items_dropped_total", Help: "Work items dropped without execution (shutdown).",
	}, byBot)
	s.warnings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runner_watchdog_warnings_total", Help: "Watchdog warn-timeout events.",
	}, byBot)

	s.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.enqueued, s.completed, s.failed, s.retried, s.dropped, s.warnings,
		&statsCollector{runner: r},
	)
	return s
}

// Handler serves the metrics scrape endpoint.
func (s *Service) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}

// Start consumes item lifecycle events until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	if s.bus == nil {
		return
	}
	ch, unsub := s.bus.Subscribe(256)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.observe(ev)
			}
		}
	}()
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Service) observe(ev eventbus.Event) {
	switch ev.Type {
	case runner.EventItemEnqueued:
		if ie, ok := ev.Data.(runner.ItemEvent); ok {
			s.enqueued.WithLabelValues(ie.Bot).Inc()
		}
	case runner.EventItemCompleted:
		if ie, ok := ev.Data.(runner.ItemEvent); ok {
			s.completed.WithLabelValues(ie.Bot).Inc()
		}
	case runner.EventItemFailed:
		if ie, ok := ev.Data.(runner.ItemEvent); ok {
			s.failed.WithLabelValues(ie.Bot).Inc()
		}
	case runner.EventItemRetried:
		if ie, ok := ev.Data.(runner.ItemEvent); ok {
			s.retried.WithLabelValues(ie.Bot).Inc()
		}
	case runner.EventItemDropped:
		if ie, ok := ev.Data.(runner.ItemEvent); ok {
			s.dropped.WithLabelValues(ie.Bot).Inc()
		}
	case runner.EventWatchdogWarning:
		if we, ok := ev.Data.(runner.WatchdogEvent); ok {
			s.warnings.WithLabelValues(we.Bot).Inc()
		}
	}
}

// statsCollector samples queue depth and per-bot in-flight counts at scrape
// time instead of tracking them incrementally.
type statsCollector struct {
	runner *runner.Runner
}

var (
	pendingDesc = prometheus.NewDesc(
		"runner_pending_items", "Work items awaiting dispatch.", nil, nil)
	inFlightDesc = prometheus.NewDesc(
		"runner_in_flight_items", "Work items currently executing.", []string{"bot"}, nil)
)

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pendingDesc
	ch <- inFlightDesc
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.runner.Stats()
	ch <- prometheus.MustNewConstMetric(pendingDesc, prometheus.GaugeValue, float64(st.Pending))
	for bot, n := range st.InFlight {
		ch <- prometheus.MustNewConstMetric(inFlightDesc, prometheus.GaugeValue, float64(n), bot)
	}
}
