// Package config loads and validates the runner configuration file.
//
// JSON and YAML are both accepted; YAML is coerced to JSON so one strict
// decoder (DisallowUnknownFields) covers both formats. Configuration errors
// are fatal at start-up: the process refuses to start on an invalid file.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"botrunner/pkg/logx"
)

type Config struct {
	Log        logx.Config                `json:"log"`
	Runner     RunnerConfig               `json:"runner"`
	Storage    StorageConfig              `json:"storage"`
	Scratch    ScratchConfig              `json:"scratch"`
	HTTPServer *HTTPServerConfig          `json:"http-server"`
	Bots       map[string]json.RawMessage `json:"bots"`
}

// RunnerConfig carries the scheduling knobs. Durations are kept as strings
// and resolved through the accessor methods so a missing field falls back to
// its documented default.
type RunnerConfig struct {
	Interval              string `json:"interval"`
	Concurrency           int    `json:"concurrency"`
	Watchdog              string `json:"watchdog"`
	WatchdogWarn          string `json:"watchdog_warn"`
	MaxRetries            int    `json:"max_retries"`
	CacheEvictionInterval string `json:"cache_eviction_interval"`
}

type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
}

type ScratchConfig struct {
	Path string `json:"path"`
}

// HTTPServerConfig maps URL paths to handler kinds:
//
//	http-server:
//	  port: 8080
//	  /webhook: {type: webhook, secret: "..."}
//	  /metrics: {type: metrics}
//
// Path keys must start with "/"; everything inside an entry besides "type"
// is handler-specific and passed through as raw JSON.
type HTTPServerConfig struct {
	Port     int
	Contexts []HTTPContext
}

type HTTPContext struct {
	Path    string
	Type    string
	Options json.RawMessage
}

// HandlerKinds lists the recognized handler types.
var HandlerKinds = []string{"webhook", "metrics", "readiness", "liveness", "profile", "version"}

func knownHandlerKind(t string) bool {
	for _, k := range HandlerKinds {
		if t == k {
			return true
		}
	}
	return false
}

func (h *HTTPServerConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, val := range raw {
		switch {
		case key == "port":
			if err := json.Unmarshal(val, &h.Port); err != nil {
				return fmt.Errorf("http-server.port: %w", err)
			}
		case strings.HasPrefix(key, "/"):
			var entry struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(val, &entry); err != nil {
				return fmt.Errorf("http-server.%s: %w", key, err)
			}
			h.Contexts = append(h.Contexts, HTTPContext{Path: key, Type: entry.Type, Options: val})
		default:
			return fmt.Errorf("http-server: unknown key %q (paths must start with /)", key)
		}
	}
	// Map iteration order is random; keep contexts stable for logging/tests.
	sort.Slice(h.Contexts, func(i, j int) bool { return h.Contexts[i].Path < h.Contexts[j].Path })
	return nil
}

// Load reads, decodes and validates a configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(path, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates config content. The path is only used to pick
// the decoder (by extension) and for error messages.
func Parse(path string, data []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// Reject trailing tokens (e.g. concatenated JSON documents).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks everything that must be fatal at start-up.
func (c *Config) Validate() error {
	if _, err := c.Runner.IntervalOrDefault(); err != nil {
		return err
	}
	if _, err := c.Runner.WatchdogTimeout(); err != nil {
		return err
	}
	if _, err := c.Runner.WatchdogWarnTimeout(); err != nil {
		return err
	}
	if _, err := c.Runner.CacheEviction(); err != nil {
		return err
	}
	if c.Runner.Concurrency < 0 {
		return fmt.Errorf("runner.concurrency: must be >= 0")
	}
	if c.Runner.MaxRetries < 0 {
		return fmt.Errorf("runner.max_retries: must be >= 0")
	}
	if c.HTTPServer != nil {
		if c.HTTPServer.Port <= 0 || c.HTTPServer.Port > 65535 {
			return fmt.Errorf("http-server.port: %d out of range", c.HTTPServer.Port)
		}
		for _, ctx := range c.HTTPServer.Contexts {
			if !knownHandlerKind(ctx.Type) {
				return fmt.Errorf("http-server.%s: unknown handler kind %q", ctx.Path, ctx.Type)
			}
		}
	}
	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch driver {
	case "", "none", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	for name := range c.Bots {
		expr, noTick, err := c.BotSchedule(name)
		if err != nil {
			return err
		}
		if expr != "" && noTick {
			return fmt.Errorf("bots.%s: schedule and no_tick are mutually exclusive", name)
		}
		if expr != "" {
			if _, err := cron.ParseStandard(expr); err != nil {
				return fmt.Errorf("bots.%s.schedule: %w", name, err)
			}
		}
	}
	return nil
}

// BotSchedule extracts the tick policy of a bot entry: an optional cron
// schedule (empty means the bot follows the global tick interval) and
// whether the bot opts out of periodic ticking entirely (webhook-only).
func (c *Config) BotSchedule(name string) (schedule string, noTick bool, err error) {
	raw, ok := c.Bots[name]
	if !ok {
		return "", false, nil
	}
	var entry struct {
		Schedule string `json:"schedule"`
		NoTick   bool   `json:"no_tick"`
	}
	// Loose decode: the rest of the object is bot-specific.
	if err := json.Unmarshal(raw, &entry); err != nil {
		return "", false, fmt.Errorf("bots.%s: %w", name, err)
	}
	return strings.TrimSpace(entry.Schedule), entry.NoTick, nil
}

// ---- runner duration accessors (defaults match the documented schema) ----

func (r RunnerConfig) IntervalOrDefault() (time.Duration, error) {
	return durationOr("runner.interval", r.Interval, 10*time.Second)
}

func (r RunnerConfig) WatchdogTimeout() (time.Duration, error) {
	return durationOr("runner.watchdog", r.Watchdog, 30*time.Minute)
}

// WatchdogWarnTimeout defaults to the hard watchdog value when unset.
func (r RunnerConfig) WatchdogWarnTimeout() (time.Duration, error) {
	if strings.TrimSpace(r.WatchdogWarn) == "" {
		return r.WatchdogTimeout()
	}
	return parseDuration("runner.watchdog_warn", r.WatchdogWarn)
}

func (r RunnerConfig) CacheEviction() (time.Duration, error) {
	return durationOr("runner.cache_eviction_interval", r.CacheEvictionInterval, 5*time.Minute)
}

// parseDuration resolves one duration-string field. Empty means unset (zero);
// negative values are rejected.
func parseDuration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

func durationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

func (r RunnerConfig) ConcurrencyOrDefault() int {
	if r.Concurrency <= 0 {
		return 2
	}
	return r.Concurrency
}

func (r RunnerConfig) MaxAttempts() int {
	if r.MaxRetries <= 0 {
		return 3
	}
	return r.MaxRetries
}
