package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sourpls22-ux/MiraVPN/internal/config"
	"github.com/sourpls22-ux/MiraVPN/internal/database"
	"github.com/sourpls22-ux/MiraVPN/internal/marzban"
	"github.com/sourpls22-ux/MiraVPN/internal/metrics"
	"github.com/sourpls22-ux/MiraVPN/internal/repository"
	"github.com/sourpls22-ux/MiraVPN/internal/service"
	"github.com/sourpls22-ux/MiraVPN/pkg/logger"
)

// app holds the dependencies shared by every subcommand.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	db       *sqlx.DB
	lock     *flock.Flock
	registry *prometheus.Registry

	panel       *marzban.Client
	accountRepo *repository.AccountRepository
	accounts    *service.AccountService
	keys        *service.KeyService
	tariffs     *service.TariffService
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logr := logger.New(cfg.LogLevel)

	lock, err := database.AcquireLock(cfg.LockPath)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", cfg.LockPath, err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("database connect: %w", err)
	}
	if err := database.Migrate(ctx, db); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("database migrate: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.MustRegister(registry)

	panel := marzban.NewClient(cfg, logr)
	accountRepo := repository.NewAccountRepository(db)
	payments := service.NewPaymentService(logr, repository.NewTransactionRepository(db))

	return &app{
		cfg:         cfg,
		log:         logr,
		db:          db,
		lock:        lock,
		registry:    registry,
		panel:       panel,
		accountRepo: accountRepo,
		accounts:    service.NewAccountService(cfg, logr, accountRepo, payments, panel),
		keys:        service.NewKeyService(logr, panel),
		tariffs:     service.NewTariffService(cfg),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Error("close database", "err", err)
	}
	if err := a.lock.Unlock(); err != nil {
		a.log.Error("release lock", "err", err)
	}
}
