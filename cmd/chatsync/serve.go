package main

import (
	"context"
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/chatsync/internal/browser"
	"github.com/hpungsan/chatsync/internal/bus"
	"github.com/hpungsan/chatsync/internal/config"
	"github.com/hpungsan/chatsync/internal/coordinator"
	"github.com/hpungsan/chatsync/internal/domdiff"
	"github.com/hpungsan/chatsync/internal/metrics"
	"github.com/hpungsan/chatsync/internal/web"
)

const busSize = 256

// service is the long-running process: the coordinator, the control API and
// optionally the browser host, all sharing one bus.
type service struct {
	cfg    *config.Config
	logger *zap.Logger
	bus    *bus.Bus
	coord  *coordinator.Coordinator
	web    *web.Server
	host   *browser.Host
}

// newService wires every component from env. cfg carries the command-line
// overrides. When withBrowser is false no browser is launched or attached.
func newService(ctx context.Context, env *appEnv, cfg *config.Config, withBrowser bool) (*service, error) {
	reg, err := env.registry()
	if err != nil {
		return nil, err
	}
	keys, err := env.resolver(reg)
	if err != nil {
		return nil, err
	}
	store, err := env.store(ctx)
	if err != nil {
		return nil, err
	}
	remote, err := env.ingest()
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := env.cache()
	coord, err := coordinator.New(ctx, coordinator.Options{
		Cache:         c,
		State:         store,
		Remote:        remote,
		Resolver:      keys,
		Logger:        env.logger,
		Metrics:       metrics.New(promReg),
		FlushInterval: cfg.FlushInterval(),
	})
	if err != nil {
		return nil, err
	}

	b := bus.New(busSize)
	srv, err := web.NewServer(web.Options{
		Controller:   b,
		Cache:        c,
		Logger:       env.logger,
		Gatherer:     promReg,
		MaxBodyBytes: cfg.MaxCaptureBytes,
		Version:      Version,
	})
	if err != nil {
		return nil, err
	}

	svc := &service{cfg: cfg, logger: env.logger, bus: b, coord: coord, web: srv}
	if !withBrowser {
		return svc, nil
	}

	opts := browser.OptionsFromConfig(cfg)
	opts.Registry = reg
	opts.Keys = keys
	opts.Sink = b.Sink(ctx)
	opts.OnLifecycle = func(e domdiff.Lifecycle) { svc.lifecycle(ctx, e) }
	opts.Logger = env.logger
	if svc.host, err = browser.New(opts); err != nil {
		return nil, err
	}
	return svc, nil
}

// lifecycle forwards a tab's conversation events to the coordinator.
func (s *service) lifecycle(ctx context.Context, e domdiff.Lifecycle) {
	kind := bus.ConversationOpened
	if e.Kind == domdiff.Closed {
		kind = bus.ConversationClosed
	}
	if err := s.bus.Send(ctx, bus.Message{Kind: kind, URL: e.URL, Platform: e.Platform}); err != nil {
		s.logger.Debug("lifecycle event dropped", zap.String("url", e.URL), zap.Error(err))
	}
}

// Run listens on cfg.Listen and serves until ctx is done.
func (s *service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs every component until ctx is done or the control API fails.
// A browser that cannot be reached is logged and the rest keeps running, so
// captures can still arrive through the control API.
func (s *service) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.coord.Run(gctx, s.bus)
	})
	g.Go(func() error {
		return s.web.Serve(gctx, ln)
	})
	if s.host != nil {
		g.Go(func() error {
			if err := s.host.Run(gctx); err != nil {
				s.logger.Warn("browser host stopped", zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}
