// Package main runs the lottery settlement server.
//
// The public API listens on LOTTERY_HTTP_ADDR and the metrics/health
// endpoints on LOTTERY_OPS_ADDR. Postgres, Redis and the Neo RPC beacon are
// optional; without them the server keeps history in memory, skips event
// fan-out and mixes local entropy into draws.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	app "github.com/R3E-Network/lottery_settlement/internal/app"
	"github.com/R3E-Network/lottery_settlement/internal/app/httpapi"
	"github.com/R3E-Network/lottery_settlement/internal/app/storage/postgres"
	"github.com/R3E-Network/lottery_settlement/internal/audit"
	"github.com/R3E-Network/lottery_settlement/internal/beacon"
	"github.com/R3E-Network/lottery_settlement/internal/chain"
	"github.com/R3E-Network/lottery_settlement/internal/config"
	"github.com/R3E-Network/lottery_settlement/internal/notify"
	"github.com/R3E-Network/lottery_settlement/internal/platform/migrations"
	"github.com/R3E-Network/lottery_settlement/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".env")
	if err != nil {
		logger.NewDefault("lottery").WithError(err).Fatal("load configuration")
	}

	log := logger.New("lottery", logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	accessLog := zerolog.New(os.Stdout).With().Timestamp().Str("component", "http").Logger()
	if lvl, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		accessLog = accessLog.Level(lvl)
	}

	// Archive
	var (
		stores app.Stores
		db     *sqlx.DB
	)
	if cfg.Database.DSN == "" {
		log.Warn("DATABASE_URL not set; round history is kept in memory")
	} else {
		db, err = postgres.Open(ctx, cfg.Database.DSN)
		if err != nil {
			log.WithError(err).Fatal("open database")
		}
		defer db.Close()
		if cfg.Database.Migrate {
			if err := migrations.Up(db.DB); err != nil {
				log.WithError(err).Fatal("migrate database")
			}
		}
		stores.Archive = postgres.New(db)
	}

	auditLog, err := audit.NewFileLogger(cfg.Audit.Path)
	if err != nil {
		log.WithError(err).Fatal("open audit log")
	}
	defer func() { _ = auditLog.Sync() }()
	opts := app.Options{AuditLog: auditLog}

	// Event fan-out
	if cfg.Redis.Addr == "" {
		log.Warn("REDIS_ADDR not set; events are only streamed over websocket")
	} else {
		pub := notify.NewRedisPublisher(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer pub.Close()
		if err := pub.Ping(ctx); err != nil {
			log.WithError(err).Warn("redis unreachable; publishing will be retried per event")
		}
		opts.Publisher = pub
	}

	// Draw beacon
	if cfg.Chain.RPCURL == "" {
		log.Warn("NEO_RPC_URL not set; draws mix in local entropy only")
	} else if client, err := chain.NewClient(chain.Config{RPCURL: cfg.Chain.RPCURL, Timeout: cfg.Chain.Timeout}); err != nil {
		log.WithError(err).Warn("failed to initialize chain client")
	} else {
		opts.Beacon = beacon.NewBlockBeacon(client, log.Named("beacon"))
	}

	application, err := app.New(cfg, stores, opts, log)
	if err != nil {
		log.WithError(err).Fatal("build application")
	}
	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("start application")
	}

	api := &http.Server{
		Addr: cfg.Server.HTTPAddr,
		Handler: httpapi.NewHandler(application, httpapi.Options{
			JWTSecret:     []byte(cfg.Auth.JWTSecret),
			Issuer:        cfg.Auth.Issuer,
			PurchaseRate:  cfg.Server.PurchaseRate,
			PurchaseBurst: cfg.Server.PurchaseBurst,
			AccessLog:     accessLog,
			Log:           log.Named("httpapi"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	var pinger httpapi.Pinger
	if db != nil {
		pinger = db
	}
	ops := &http.Server{
		Addr:              cfg.Server.OpsAddr,
		Handler:           httpapi.NewOpsHandler(application, pinger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	for _, srv := range []*http.Server{api, ops} {
		go func(srv *http.Server) {
			log.WithField("addr", srv.Addr).Info("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).WithField("addr", srv.Addr).Fatal("server error")
			}
		}(srv)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	for _, srv := range []*http.Server{api, ops} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).WithField("addr", srv.Addr).Warn("server shutdown")
		}
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application stop")
	}
	log.Info("stopped")
}
