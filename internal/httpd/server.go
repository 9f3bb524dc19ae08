// Package httpd is the runner's control plane: a small HTTP surface for
// webhook ingestion, health probes, metrics, profiling and version info.
// Paths are declared in configuration; behavior per handler kind is fixed.
package httpd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"botrunner/internal/config"
	"botrunner/internal/metrics"
	"botrunner/internal/runner"
	"botrunner/internal/runtime/supervisor"
	"botrunner/pkg/logx"
)

// Deps are the collaborators handlers are constructed around.
type Deps struct {
	Runner   *runner.Runner
	Registry *runner.Registry
	Metrics  *metrics.Service
	Log      logx.Logger
}

type Service struct {
	cfg  config.HTTPServerConfig
	deps Deps
	log  logx.Logger

	mu       sync.Mutex
	ln       net.Listener
	srv      *http.Server
	sup      *supervisor.Supervisor
	stopDone chan struct{}
}

// New builds the server and all configured handler contexts. Handler
// construction errors are configuration errors and therefore fatal.
func New(cfg config.HTTPServerConfig, deps Deps) (*Service, error) {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "httpd"))}

	mux := http.NewServeMux()
	for _, hc := range cfg.Contexts {
		h, err := s.buildHandler(hc)
		if err != nil {
			return nil, fmt.Errorf("http-server.%s: %w", hc.Path, err)
		}
		mux.Handle(hc.Path, h)
		if hc.Type == "profile" {
			// pprof needs the whole subtree.
			mux.Handle(hc.Path+"/", h)
		}
	}

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control plane listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	sup := s.sup
	srv := s.srv
	s.mu.Unlock()

	sup.Go("http.serve", func(c context.Context) error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) || c.Err() != nil {
			return nil
		}
		return err
	})

	paths := make([]string, 0, len(s.cfg.Contexts))
	for _, hc := range s.cfg.Contexts {
		paths = append(paths, hc.Path)
	}
	s.log.Info("control plane started", logx.String("addr", ln.Addr().String()), logx.Any("paths", paths))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	ln := s.ln
	sup := s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
		if ln != nil {
			_ = ln.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())
	}()

	select {
	case <-done:
		s.log.Info("control plane stopped")
	case <-ctx.Done():
		s.log.Warn("control plane stop timed out", logx.Err(ctx.Err()))
	}
}

// Addr returns the bound listen address (useful when port 0 was configured).
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}
