// Package main runs the loyalty ledger HTTP server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	app "github.com/R3E-Network/loyalty_layer/internal/app"
	"github.com/R3E-Network/loyalty_layer/internal/app/httpapi"
	"github.com/R3E-Network/loyalty_layer/internal/app/idempotency"
	"github.com/R3E-Network/loyalty_layer/internal/app/storage"
	"github.com/R3E-Network/loyalty_layer/internal/app/storage/memory"
	"github.com/R3E-Network/loyalty_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/loyalty_layer/internal/config"
	"github.com/R3E-Network/loyalty_layer/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("loyaltyd").WithError(err).Fatal("load configuration")
	}
	log := logger.New(cfg.Logging.Logger()).Named("loyaltyd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("open document store")
	}
	defer closeStore()

	var reconcileSchedule string
	if cfg.Reconcile.Enabled {
		reconcileSchedule = cfg.Reconcile.Schedule
	}
	application, err := app.New(app.Stores{Documents: store}, app.Options{ReconcileSchedule: reconcileSchedule}, log)
	if err != nil {
		log.WithError(err).Fatal("build application")
	}

	idem, closeIdem := openIdempotency(ctx, cfg.Redis, log)
	defer closeIdem()

	opts := httpapi.Options{
		JWTSecret:      cfg.Auth.JWTSecret,
		Issuer:         cfg.Auth.Issuer,
		Idempotency:    idem,
		IdempotencyTTL: cfg.Redis.TTL,
		CORSOrigins:    cfg.Server.CORSOrigins,
		Logger:         log.Named("httpapi"),
	}
	if cfg.RateLimit.Enabled {
		opts.RateLimit = cfg.RateLimit.RequestsPerSecond
		opts.Burst = cfg.RateLimit.Burst
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      httpapi.NewHandler(application, opts),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("start services")
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("http server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("stop services")
	}
}

func openStore(cfg config.DatabaseConfig, log *logger.Logger) (storage.Store, func(), error) {
	if cfg.Driver != "postgres" {
		log.Warn("using in-memory document store; data is lost on restart")
		return memory.New(memory.WithMaxAttempts(cfg.MaxAttempts)), func() {}, nil
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if cfg.MigrateOnStart {
		if err := postgres.Migrate(db.DB); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		log.Info("database migrations applied")
	}
	return postgres.New(db).WithMaxAttempts(cfg.MaxAttempts), func() { _ = db.Close() }, nil
}

func openIdempotency(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (idempotency.Store, func()) {
	if cfg.Addr == "" {
		return idempotency.NewMemoryStore(), func() {}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("redis unreachable; falling back to in-process idempotency store")
		_ = client.Close()
		return idempotency.NewMemoryStore(), func() {}
	}
	return idempotency.NewRedisStore(client, cfg.Prefix), func() { _ = client.Close() }
}
