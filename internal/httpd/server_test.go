package httpd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"botrunner/internal/config"
	"botrunner/internal/runner"
	"botrunner/internal/version"
	"botrunner/pkg/logx"
)

type hookBot struct {
	id       string
	accepted atomic.Int32
}

func (b *hookBot) ID() string { return b.id }

func (b *hookBot) PeriodicItems(ctx context.Context) ([]runner.WorkItem, error) {
	return nil, nil
}

func (b *hookBot) HandleWebhook(body []byte) ([]runner.WorkItem, bool) {
	var payload struct {
		Repo string `json:"repo"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Repo == "" {
		return nil, false
	}
	b.accepted.Add(1)
	return []runner.WorkItem{&hookItem{bot: b.id}}, true
}

type hookItem struct{ bot string }

func (i *hookItem) BotName() string                      { return i.bot }
func (i *hookItem) String() string                       { return "hook" }
func (i *hookItem) Conflicts(other runner.WorkItem) bool { return false }
func (i *hookItem) Retryable() bool                      { return false }
func (i *hookItem) Run(ctx context.Context, scratch string) ([]runner.WorkItem, error) {
	return nil, nil
}

func ctxOpts(t *testing.T, raw string) config.HTTPContext {
	t.Helper()
	var entry struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		t.Fatal(err)
	}
	return config.HTTPContext{Type: entry.Type, Options: json.RawMessage(raw)}
}

// newTestService builds a control plane backed by a started runner and one
// webhook-capable bot, without binding a socket.
func newTestService(t *testing.T, contexts ...config.HTTPContext) (*Service, *runner.Runner, *hookBot) {
	t.Helper()
	b := &hookBot{id: "hooked"}
	reg := runner.NewRegistry()
	if err := reg.Register(runner.Registration{Bot: b, NoTick: true}); err != nil {
		t.Fatal(err)
	}

	r := runner.New(runner.Config{
		Interval:    time.Hour,
		Concurrency: 1,
		ScratchRoot: t.TempDir(),
	}, reg, logx.Nop(), nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Stop(ctx)
	})

	s, err := New(config.HTTPServerConfig{Port: 0, Contexts: contexts}, Deps{
		Runner:   r,
		Registry: reg,
		Log:      logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, r, b
}

func do(s *Service, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookHandler(t *testing.T) {
	t.Parallel()
	hc := ctxOpts(t, `{"type": "webhook", "secret": "s3cret"}`)
	hc.Path = "/webhook"
	s, _, b := newTestService(t, hc)

	post := func(body, secret string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		if secret != "" {
			req.Header.Set("X-Webhook-Secret", secret)
		}
		return do(s, req)
	}

	if rec := do(s, httptest.NewRequest(http.MethodGet, "/webhook", nil)); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET = %d, want 405", rec.Code)
	}
	if rec := post(`{"repo": "jdk"}`, ""); rec.Code != http.StatusForbidden {
		t.Errorf("missing secret = %d, want 403", rec.Code)
	}
	if rec := post(`{"repo": "jdk"}`, "wrong"); rec.Code != http.StatusForbidden {
		t.Errorf("wrong secret = %d, want 403", rec.Code)
	}
	if rec := post(`not json`, "s3cret"); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed payload = %d, want 400", rec.Code)
	}

	rec := post(`{"repo": "jdk"}`, "s3cret")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("valid payload = %d, want 202", rec.Code)
	}
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["accepted"] != 1 {
		t.Errorf("accepted = %d, want 1", resp["accepted"])
	}
	if b.accepted.Load() != 1 {
		t.Errorf("listener claims = %d, want 1", b.accepted.Load())
	}

	// Unclaimed payloads still return 202 with a zero count.
	if rec := post(`{"other": true}`, "s3cret"); rec.Code != http.StatusAccepted {
		t.Errorf("unclaimed payload = %d, want 202", rec.Code)
	}
}

func TestWebhookRateLimit(t *testing.T) {
	t.Parallel()
	hc := ctxOpts(t, `{"type": "webhook", "rate": 1}`)
	hc.Path = "/webhook"
	s, _, _ := newTestService(t, hc)

	first := do(s, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`)))
	if first.Code != http.StatusAccepted {
		t.Fatalf("first request = %d, want 202", first.Code)
	}
	second := do(s, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`)))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", second.Code)
	}
}

func TestProbeHandlers(t *testing.T) {
	t.Parallel()
	ready := ctxOpts(t, `{"type": "readiness"}`)
	ready.Path = "/readiness"
	live := ctxOpts(t, `{"type": "liveness"}`)
	live.Path = "/liveness"
	s, r, _ := newTestService(t, ready, live)

	if rec := do(s, httptest.NewRequest(http.MethodGet, "/readiness", nil)); rec.Code != http.StatusOK {
		t.Errorf("readiness while running = %d, want 200", rec.Code)
	}
	if rec := do(s, httptest.NewRequest(http.MethodGet, "/liveness", nil)); rec.Code != http.StatusOK {
		t.Errorf("liveness while healthy = %d, want 200", rec.Code)
	}

	r.Stop(context.Background())
	if rec := do(s, httptest.NewRequest(http.MethodGet, "/readiness", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness after stop = %d, want 503", rec.Code)
	}
}

func TestVersionHandler(t *testing.T) {
	t.Parallel()
	hc := ctxOpts(t, `{"type": "version"}`)
	hc.Path = "/version"
	s, _, _ := newTestService(t, hc)

	rec := do(s, httptest.NewRequest(http.MethodGet, "/version", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("version = %d, want 200", rec.Code)
	}
	var info version.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.GoVersion == "" || info.Version == "" {
		t.Errorf("incomplete version info: %+v", info)
	}
}

func TestProfileHandlerAuth(t *testing.T) {
	t.Parallel()
	hc := ctxOpts(t, `{"type": "profile", "token": "hunter2"}`)
	hc.Path = "/profile"
	s, _, _ := newTestService(t, hc)

	cases := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"no credentials", "/profile/", "", http.StatusUnauthorized},
		{"wrong bearer", "/profile/", "Bearer nope", http.StatusUnauthorized},
		{"good bearer", "/profile/", "Bearer hunter2", http.StatusOK},
		{"good query token", "/profile/?token=hunter2", "", http.StatusOK},
		{"bad query token", "/profile/?token=nope", "", http.StatusUnauthorized},
		{"named profile", "/profile/goroutine?token=hunter2", "", http.StatusOK},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if rec := do(s, req); rec.Code != tc.want {
				t.Fatalf("%s = %d, want %d", tc.target, rec.Code, tc.want)
			}
		})
	}
}

func TestUnknownHandlerKindFailsConstruction(t *testing.T) {
	t.Parallel()
	hc := config.HTTPContext{Path: "/x", Type: "teapot", Options: json.RawMessage(`{"type":"teapot"}`)}
	_, err := New(config.HTTPServerConfig{Port: 0, Contexts: []config.HTTPContext{hc}}, Deps{Log: logx.Nop()})
	if err == nil {
		t.Fatal("unknown handler kind accepted")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	hc := ctxOpts(t, `{"type": "readiness"}`)
	hc.Path = "/readiness"
	s, _, _ := newTestService(t, hc)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := s.Addr()
	if addr == nil {
		t.Fatal("no bound address")
	}

	resp, err := http.Get("http://" + addr.String() + "/readiness")
	if err != nil {
		t.Fatalf("GET readiness: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readiness over the wire = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx) // idempotent
}
