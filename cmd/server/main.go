package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/atmx/roundup-engine/internal/api"
	"github.com/atmx/roundup-engine/internal/app"
	"github.com/atmx/roundup-engine/internal/config"
	"github.com/atmx/roundup-engine/internal/logger"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		panic(err)
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, Console: cfg.Log.Console}).
		With().Str("service", "roundup-server").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
	defer a.Close()

	go a.Hub.Run(ctx)

	h := api.NewHandler(api.Services{
		Store:     a.Store,
		Cashback:  a.Cashback,
		Deposits:  a.Deposits,
		Invest:    a.Invest,
		Valuation: a.Valuation,
	}, log)

	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      api.NewRouter(h, a.Hub.HandleWS),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("roundup-engine listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	log.Info().Msg("shutting down roundup-engine")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("roundup-engine stopped")
}
