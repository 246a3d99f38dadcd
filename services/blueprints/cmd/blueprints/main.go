package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/openfcci/autotune/pkg/config"
	"github.com/openfcci/autotune/pkg/telemetry"
	"github.com/openfcci/autotune/services/api"
	"github.com/openfcci/autotune/services/blueprints"
	"github.com/openfcci/autotune/services/blueprints/internal/app"
)

const serviceName = "blueprints"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tel, err := telemetry.Init(ctx, serviceName, telemetry.Options{Endpoint: cfg.OTLPEndpoint, Format: cfg.LogFormat})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	logger := tel.Logger
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	rt, err := app.Open(ctx, cfg, logger, app.Options{Migrate: true, Bus: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	prometheus.MustRegister(rt.Metrics)

	worker, err := blueprints.NewWorker(rt.Bus, rt.Job, blueprints.WorkerConfig{
		Concurrency: cfg.SyncConcurrency,
		MaxDeliver:  cfg.SyncMaxDeliver,
		RetryDelay:  cfg.SyncRetryDelay,
	}, logger)
	if err != nil {
		return err
	}

	var resched *blueprints.Rescheduler
	if cfg.ResyncInterval > 0 {
		resched, err = blueprints.NewRescheduler(blueprints.PoolLister{Pool: rt.Pool}, rt.Enqueuer, cfg.ResyncInterval, logger)
		if err != nil {
			return err
		}
	}
	ready := func(ctx context.Context) error {
		if err := rt.Ready(ctx); err != nil {
			return err
		}
		if resched != nil {
			return resched.Check(time.Now().UTC())
		}
		return nil
	}

	a, err := api.New(rt.Store, rt.Enqueuer, api.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		Ready:          ready,
	}, logger)
	if err != nil {
		return err
	}
	routes, err := a.Routes()
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           tel.Middleware(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := worker.Start(gctx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		<-gctx.Done()
		return worker.Close()
	})

	if resched != nil {
		g.Go(func() error {
			if err := resched.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Err(err).Msg("stopped")
	return err
}
