// Package depsrelay composes the run relay into a server that can be
// embedded or started from the depsrelay command.
package depsrelay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/depsrelay/httpapi"
	"pkt.systems/depsrelay/internal/agentcmd"
	"pkt.systems/depsrelay/internal/devbox"
	"pkt.systems/depsrelay/internal/relay"
	"pkt.systems/depsrelay/schema"
	"pkt.systems/pslog"
)

const drainPoll = 100 * time.Millisecond

// Server runs the relay HTTP API and UI.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	// Stop cancels the listener and waits for in-flight runs, bounded by ctx.
	Stop(ctx context.Context) error
	Handler() http.Handler
}

// ServerConfig configures the server.
type ServerConfig struct {
	HTTP   httpapi.Config
	Relay  relay.Config
	Model  schema.ModelID
	Agents []agentcmd.Profile
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	Factory devbox.Factory
}

// ServerOption adjusts server behavior.
type ServerOption func(*serverOptions)

type serverOptions struct {
	ready func(net.Addr)
}

// WithReady registers a callback that receives the bound listen address.
func WithReady(fn func(net.Addr)) ServerOption {
	return func(o *serverOptions) { o.ready = fn }
}

// New validates cfg and builds a server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if deps.Factory == nil {
		return nil, errors.New("devbox provider factory is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("accepted model is required")
	}
	registry, err := agentcmd.NewRegistry(cfg.Agents)
	if err != nil {
		return nil, err
	}
	validator, err := relay.NewValidator(registry, cfg.Model)
	if err != nil {
		return nil, err
	}
	httpSrv := httpapi.NewServer(cfg.HTTP, validator, relay.New(cfg.Relay), deps.Factory)
	return &compositeServer{cfg: cfg, options: options, httpSrv: httpSrv}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	httpSrv *httpapi.Server
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Handler() http.Handler { return s.httpSrv.Handler() }

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 1)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_url", s.cfg.HTTP.BaseURL,
		"http_base_path", s.cfg.HTTP.BasePath,
		"model", s.cfg.Model,
		"policy", s.cfg.Relay.Policy,
	)
	handler := s.httpSrv.Handler()
	go func() {
		if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, handler, s.options.ready); err != nil {
			log.Error("http server failed", "err", err)
			s.errCh <- err
		}
	}()
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested", "active_runs", s.httpSrv.ActiveRuns())
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for s.httpSrv.ActiveRuns() > 0 {
		select {
		case <-ctx.Done():
			log.Warn("server stop timed out", "active_runs", s.httpSrv.ActiveRuns(), "err", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}
	}
	log.Info("server stopped")
	return nil
}
