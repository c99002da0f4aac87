package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ibbroker/internal/api"
	"ibbroker/internal/app"
	"ibbroker/internal/config"
	"ibbroker/internal/util"
)

func main() {
	cfgPath := "config/ibkr-broker.yaml"
	if p := os.Getenv("IBKR_BROKER_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Pretty)
	util.SetDefault(logger)

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("wiring gateway")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing gateway session")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info().
		Str("gateway", a.Client.Name()).
		Str("addr", cfg.Server.Addr()).
		Str("gateway_host", cfg.Gateway.Host).
		Int("gateway_port", cfg.Gateway.Port).
		Int("client_id", cfg.Gateway.ClientID).
		Msg("ibkr-broker starting")

	// A failed first connect is not fatal: requests retry it on demand.
	if cfg.Gateway.ConnectOnStart {
		connectCtx, connectCancel := context.WithTimeout(ctx, cfg.Gateway.ConnectTimeout()+time.Second)
		if err := a.Session.EnsureConnected(connectCtx); err != nil {
			logger.Warn().Err(err).Msg("initial gateway connect failed")
		}
		connectCancel()
	}

	srv := api.NewServer(api.Config{
		Addr:         cfg.Server.Addr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}, a.Engine, logger)

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server error")
		return
	}
	logger.Info().Msg("ibkr-broker stopped")
}
