package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/roundup-engine/internal/app"
	"github.com/atmx/roundup-engine/internal/config"
	"github.com/atmx/roundup-engine/internal/jobs"
	"github.com/atmx/roundup-engine/internal/logger"
	"github.com/atmx/roundup-engine/internal/metrics"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		panic(err)
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, Console: cfg.Log.Console}).
		With().Str("service", "roundup-worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
	defer a.Close()

	// Events raised by jobs reach subscribers of this process only.
	go a.Hub.Run(ctx)

	if !cfg.Cron.Enabled {
		log.Warn().Msg("cron disabled, nothing to run")
		return
	}
	runner := jobs.NewRunner(log, ctx)
	if err := a.Jobs(cfg, log).Register(runner, cfg.Cron); err != nil {
		log.Error().Err(err).Msg("invalid cron schedule")
		os.Exit(1)
	}
	runner.Start()

	addr := os.Getenv("ROUNDUP_WORKER_ADDR")
	if addr == "" {
		addr = ":9091"
	}
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"roundup-worker"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", a.Hub.HandleWS)
	srv := &http.Server{Addr: addr, Handler: r, ReadTimeout: cfg.Server.ReadTimeout}

	go func() {
		log.Info().Str("addr", addr).Msg("worker metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	runner.Stop()
	log.Info().Msg("roundup-worker stopped")
}
