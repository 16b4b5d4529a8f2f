package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tg-channel-digest/internal/adapters/repo"
	"tg-channel-digest/internal/httpapi"
	"tg-channel-digest/internal/infra/config"
	"tg-channel-digest/internal/infra/db"
	"tg-channel-digest/internal/infra/log"
	"tg-channel-digest/internal/infra/metrics"
	"tg-channel-digest/internal/usecase/payments"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister(prometheus.DefaultRegisterer)
	metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("payments: не удалось подключиться к БД")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("payments: миграции не применились")
	}
	repoAdapter := repo.NewPostgres(pool)

	if cfg.Payments.WebhookSecret == "" {
		logger.Fatal().Msg("payments: PAYMENTS_WEBHOOK_SECRET не задан")
	}

	service := payments.NewService(logger, repoAdapter, repoAdapter, payments.Options{
		Provider: cfg.Payments.Provider,
		Plan:     cfg.Payments.DefaultPlan,
		PlanDays: cfg.Payments.PlanDays,
	})
	server := httpapi.NewServer(logger, service, cfg.Payments.WebhookSecret)

	srv := &http.Server{
		Addr:         cfg.Payments.Addr,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Payments.Addr).Msg("payments: сервер запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("payments: сервер остановился")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("payments: graceful shutdown не удался")
	}
	logger.Info().Msg("payments: остановлен")
}
