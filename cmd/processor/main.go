package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nimasrn/donation-engine/internal/app"
	"github.com/nimasrn/donation-engine/internal/config"
	"github.com/nimasrn/donation-engine/internal/idempotency"
	"github.com/nimasrn/donation-engine/internal/processor"
	"github.com/nimasrn/donation-engine/pkg/logger"
	"github.com/nimasrn/donation-engine/pkg/prom"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}
	cfg := config.Get()
	logger.Info("starting side effect processor", "version", version, "commit", commit, "date", date)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err = prom.Create(hostname, cfg.AppEnv, cfg.PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}
	go prom.ListenAndServer(cfg.AppDebugMetricsAddr, cfg.AppDebugMetricsURI)

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to wire the engine", "error", err)
		return
	}
	defer a.Close()

	service := processor.NewProcessorService(a.Redis, processor.ConfigFrom(cfg))
	service.RegisterProcessor(processor.NewSideEffectProcessor(a.SideEffects, a.Locks))

	// sweep attempts are bounded by the stored side effect counter
	sweepLocks := idempotency.NewService(a.Redis, app.LockConfig(0))
	sweeper := processor.NewSweeper(a.Donations, a.SideEffects, a.Payments, a.Redis, sweepLocks, processor.SweepConfigFrom(cfg))

	if err := service.Start(); err != nil {
		logger.Error("failed to start processor", "error", err)
		return
	}
	if err := sweeper.Start(); err != nil {
		logger.Error("failed to start sweeper", "error", err)
		service.Stop()
		return
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("shutting down side effect processor")
	sweeper.Stop()
	service.Stop()
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
