// Command gasbankd runs the gas bank: HTTP API, settlement poller and
// schedule sweeper over either Postgres or an in-memory store.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/gasbank/internal/config"
	"github.com/R3E-Network/gasbank/internal/httpapi"
	"github.com/R3E-Network/gasbank/internal/metrics"
	"github.com/R3E-Network/gasbank/internal/services/accounts"
	"github.com/R3E-Network/gasbank/internal/services/gasbank"
	"github.com/R3E-Network/gasbank/internal/storage"
	"github.com/R3E-Network/gasbank/internal/storage/memory"
	"github.com/R3E-Network/gasbank/internal/storage/postgres"
	"github.com/R3E-Network/gasbank/internal/system"
	"github.com/R3E-Network/gasbank/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type stores struct {
	accounts storage.AccountStore
	gasbank  storage.GasBankStore
	close    func() error
}

func openStores(ctx context.Context, cfg config.Config, log *logger.Logger) (stores, error) {
	if cfg.PostgresDSN == "" {
		log.Info("no POSTGRES_DSN set; using in-memory storage")
		mem := memory.New()
		return stores{accounts: mem, gasbank: mem, close: func() error { return nil }}, nil
	}
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return stores{}, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return stores{}, fmt.Errorf("ping postgres: %w", err)
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return stores{}, fmt.Errorf("migrate: %w", err)
	}
	pg := postgres.New(db)
	log.Info("postgres storage ready")
	return stores{accounts: pg, gasbank: pg, close: db.Close}, nil
}

func run() error {
	// Missing .env files are fine outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New("gasbankd", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	m := metrics.New()
	accountsSvc := accounts.New(st.accounts, log)
	bank := gasbank.New(accountsSvc, st.gasbank, log)

	resolver := gasbank.NewTimeoutResolver(cfg.SettlementResolverTimeout)
	poller := gasbank.NewSettlementPoller(bank, resolver, log).
		WithRetryPolicy(cfg.SettlementMaxAttempts, cfg.SettlementPollInterval).
		WithMetrics(m)

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.ScheduleSweepSpec, func() {
		if _, err := bank.ActivateDueSchedules(context.Background(), cfg.ScheduleSweepLimit); err != nil {
			log.WithError(err).Warn("schedule sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep spec: %w", err)
	}

	root := http.NewServeMux()
	root.Handle("/metrics", m.Handler())
	root.Handle("/", httpapi.New(accountsSvc, bank, m, log))
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: root}

	manager := system.NewManager(log)
	manager.Register(poller)

	if err := manager.StartAll(ctx); err != nil {
		return err
	}
	sweeper.Start()

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.WithError(err).Error("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	<-sweeper.Stop().Done()
	if err := manager.StopAll(shutdownCtx); err != nil {
		return err
	}
	log.Info("gasbankd stopped")
	return nil
}
