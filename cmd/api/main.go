package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nimasrn/donation-engine/internal/app"
	"github.com/nimasrn/donation-engine/internal/config"
	"github.com/nimasrn/donation-engine/internal/handlers"
	xhttp "github.com/nimasrn/donation-engine/pkg/http"
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
	logger.Info("starting donation api", "version", version, "commit", commit, "date", date)

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

	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.RecoverMiddleware)
	s.Use(xhttp.RequestIDMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.TimeoutMiddleware(cfg.HttpRequestTimeout))

	donationHandler := handlers.NewDonationHandler(a.DonationSvc)
	paymentHandler := handlers.NewPaymentHandler(a.Payments, a.DonationSvc)
	healthHandler := handlers.NewHealthHandler(map[string]handlers.HealthCheck{
		"postgres": func(ctx context.Context) error {
			db, err := a.DB.Write(ctx).DB()
			if err != nil {
				return err
			}
			return db.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return a.Redis.Client().Ping(ctx).Err()
		},
	}, a.Gateways)

	g := s.Router.Group("/api/v1")
	handlers.RegisterDonationRoutes(g, donationHandler)
	handlers.RegisterPaymentRoutes(g, paymentHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := s.ListenAndServe(cfg.HttpListenAddr); err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	<-c
	logger.Info("shutting down donation api")
	if err := s.Shutdown(); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
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
