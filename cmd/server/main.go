package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/privacykit/privacykit/pkg/privacykit"
	"github.com/privacykit/privacykit/pkg/privacykit/config"
	"github.com/privacykit/privacykit/pkg/privacykit/server"
)

type serverConfig struct {
	Port        string `env:"PORT" env-default:"8080"`
	Environment string `env:"ENVIRONMENT" env-default:"development"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var srvCfg serverConfig
	if err := cleanenv.ReadEnv(&srvCfg); err != nil {
		logger.Error("failed to read configuration", "err", err)
		os.Exit(1)
	}

	cfg, err := config.Load(
		config.WithEnv(""),
		withDemoPurposes(),
	)
	if err != nil {
		logger.Error("failed to load stack configuration", "err", err)
		os.Exit(1)
	}
	cfg.Logger = logger

	ctx := context.Background()
	stack, err := cfg.BuildStack(ctx)
	if err != nil {
		logger.Error("failed to build stack", "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", srvCfg.Port),
		Handler: server.New(stack, logger).Routes(),
	}

	go func() {
		logger.Info("server starting", "port", srvCfg.Port, "environment", srvCfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "err", err)
	}
	if err := stack.Close(shutdownCtx); err != nil {
		logger.Error("stack shutdown error", "err", err)
	}
	logger.Info("server exiting")
}

// withDemoPurposes registers a baseline purpose set so consent endpoints work
// out of the box. Real deployments configure their own.
func withDemoPurposes() config.Option {
	return func(c *config.StackConfig) error {
		if len(c.Consent.Purposes) > 0 {
			return nil
		}
		c.Consent.Purposes = []privacykit.ConsentPurpose{
			{ID: "analytics", Name: "Analytics", Category: "analytics",
				Retention: privacykit.ConsentRetention{MaxDuration: "1 year"}},
			{ID: "marketing", Name: "Marketing", Category: "marketing",
				Retention: privacykit.ConsentRetention{MaxDuration: "6 months"}},
			{ID: "data_export", Name: "Data export", Category: "rights",
				Retention: privacykit.ConsentRetention{MaxDuration: "1 year"}},
		}
		return nil
	}
}
