package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fabian4/mapping-gateway/internal/cascade"
	cfg "github.com/fabian4/mapping-gateway/internal/config"
	fwd "github.com/fabian4/mapping-gateway/internal/forward"
	"github.com/fabian4/mapping-gateway/internal/handler"
	"github.com/fabian4/mapping-gateway/internal/lb"
	"github.com/fabian4/mapping-gateway/internal/metrics"
	"github.com/fabian4/mapping-gateway/internal/observability"
	"github.com/fabian4/mapping-gateway/internal/router"
	"github.com/fabian4/mapping-gateway/internal/version"
)

func main() {
	configPath := flag.String("config", "./cmd/config.yaml", "path to YAML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	boot, err := cfg.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := observability.NewLogger(boot.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	watcher, err := cfg.NewWatcher(configPath,
		cfg.WithLogger(logger.With(observability.String("component", "config"))),
	)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c := watcher.Current()

	m := metrics.NewRegistry()
	resolver := router.New(c.Routes,
		router.WithLogger(logger.With(observability.String("component", "router"))),
		router.WithMetrics(m),
		router.WithCacheLimit(c.Cache.MaxEntries),
		router.WithPolicy(router.TuningPolicy(lb.NewSet(), func() *cascade.Set {
			return &watcher.Current().Tuning
		})),
	)
	resolver.Bind(watcher)

	gw := handler.NewGateway(resolver,
		handler.WithTransports(fwd.NewDefaultRegistry()),
		handler.WithLogger(logger.With(observability.String("component", "gateway"))),
		handler.WithAccessLogger(logger.With(observability.String("component", "access"))),
		handler.WithMetrics(m),
	)
	gw.UpdateState(c)
	watcher.OnConfigChange(gw.UpdateState)

	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer func() { _ = watcher.Stop() }()

	srv := &http.Server{
		Addr:              c.Listen,
		Handler:           gw,
		ReadTimeout:       c.Timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      c.Timeouts.Write,
		IdleTimeout:       60 * time.Second,
	}
	admin := &http.Server{
		Addr:              c.Admin,
		Handler:           handler.NewAdminMux(resolver, m),
		ReadHeaderTimeout: 5 * time.Second,
	}

	snap := resolver.Snapshot()
	logger.Info("gateway starting",
		observability.String("version", version.Value),
		observability.String("listen", c.Listen),
		observability.String("admin", c.Admin),
		observability.Int("rules", len(snap.Rules)),
	)

	errCh := make(chan error, 2)
	for _, s := range []*http.Server{srv, admin} {
		go func(s *http.Server) {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", s.Addr, err)
			}
		}(s)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", observability.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = admin.Shutdown(shutdownCtx)
	return err
}
