package httpd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"golang.org/x/time/rate"

	"botrunner/internal/config"
	"botrunner/internal/version"
	"botrunner/pkg/logx"
)

const maxWebhookBody = 1 << 20 // 1 MiB

func (s *Service) buildHandler(hc config.HTTPContext) (http.Handler, error) {
	switch hc.Type {
	case "webhook":
		return s.newWebhookHandler(hc)
	case "metrics":
		if s.deps.Metrics == nil {
			return nil, errors.New("metrics handler configured but metrics are not wired")
		}
		return s.deps.Metrics.Handler(), nil
	case "readiness":
		return s.newReadinessHandler(), nil
	case "liveness":
		return s.newLivenessHandler(), nil
	case "profile":
		return s.newProfileHandler(hc)
	case "version":
		return s.newVersionHandler(), nil
	default:
		return nil, fmt.Errorf("unknown handler kind %q", hc.Type)
	}
}

// ---- webhook ----

type webhookOptions struct {
	Type   string `json:"type"`
	Secret string `json:"secret"`
	Rate   int    `json:"rate"` // accepted requests per second, 0 = unlimited
}

// The webhook handler turns provider payloads into immediately-submitted
// work items: every registered bot that listens for trigger events gets to
// claim the payload without waiting for the next tick boundary.
func (s *Service) newWebhookHandler(hc config.HTTPContext) (http.Handler, error) {
	var opt webhookOptions
	if err := json.Unmarshal(hc.Options, &opt); err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if opt.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opt.Rate), opt.Rate)
	}
	log := s.log.With(logx.String("handler", "webhook"), logx.String("path", hc.Path))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if limiter != nil && !limiter.Allow() {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		if opt.Secret != "" && r.Header.Get("X-Webhook-Secret") != opt.Secret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}
		if len(body) > maxWebhookBody {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		if !json.Valid(body) {
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}

		accepted := 0
		for _, l := range s.deps.Registry.WebhookListeners() {
			items, ok := l.HandleWebhook(body)
			if !ok {
				continue
			}
			for _, item := range items {
				if item == nil {
					continue
				}
				if err := s.deps.Runner.Submit(item); err != nil {
					log.Warn("webhook item rejected", logx.Err(err))
					continue
				}
				accepted++
			}
		}

		log.Debug("webhook processed", logx.Int("accepted", accepted))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]int{"accepted": accepted})
	}), nil
}

// ---- probes ----

func (s *Service) newReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.Runner.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
}

func (s *Service) newLivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.Runner.Healthy() {
			http.Error(w, "stuck work item detected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
}

// ---- profile ----

type profileOptions struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// newProfileHandler mounts the pprof subtree under the configured path.
// With a token set, requests need Authorization: Bearer <token> or
// ?token=<token>; without one the endpoint is open, so keep it off public
// ports.
func (s *Service) newProfileHandler(hc config.HTTPContext) (http.Handler, error) {
	var opt profileOptions
	if err := json.Unmarshal(hc.Options, &opt); err != nil {
		return nil, err
	}

	prefix := strings.TrimSuffix(hc.Path, "/")
	mux := http.NewServeMux()
	mux.HandleFunc(prefix+"/", func(w http.ResponseWriter, r *http.Request) {
		switch name := strings.TrimPrefix(r.URL.Path, prefix+"/"); name {
		case "cmdline":
			hpprof.Cmdline(w, r)
		case "profile":
			hpprof.Profile(w, r)
		case "symbol":
			hpprof.Symbol(w, r)
		case "trace":
			hpprof.Trace(w, r)
		case "":
			// hpprof.Index renders the HTML index only for its
			// canonical path, so rewrite before delegating.
			r2 := r.Clone(r.Context())
			r2.URL.Path = "/debug/pprof/"
			hpprof.Index(w, r2)
		default:
			// Named profiles (heap, goroutine, allocs, ...).
			hpprof.Handler(name).ServeHTTP(w, r)
		}
	})
	mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix+"/", http.StatusPermanentRedirect)
	})

	return withToken(opt.Token, mux), nil
}

func withToken(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h.ServeHTTP(w, r)
				return
			}
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// ---- version ----

func (s *Service) newVersionHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(version.Get())
	})
}
