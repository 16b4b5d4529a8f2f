package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-channel-digest/internal/adapters/mtproto"
	"tg-channel-digest/internal/adapters/repo"
	"tg-channel-digest/internal/domain"
	"tg-channel-digest/internal/infra/config"
	"tg-channel-digest/internal/infra/db"
	"tg-channel-digest/internal/infra/log"
	"tg-channel-digest/internal/infra/metrics"
	"tg-channel-digest/internal/infra/queue"
	"tg-channel-digest/internal/usecase/ingest"
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
		logger.Fatal().Err(err).Msg("ingest: не удалось подключиться к БД")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("ingest: миграции не применились")
	}
	repoAdapter := repo.NewPostgres(pool)

	var summarizeQueue domain.SummarizeQueue
	switch cfg.Queues.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		summarizeQueue = queue.NewRedisSummarizeQueue(client, cfg.Queues.Summarize)
	default:
		rabbit, err := queue.NewRabbit(cfg.RabbitURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("ingest: не удалось подключиться к RabbitMQ")
		}
		defer rabbit.Close()
		summarizeQueue, err = rabbit.NewSummarizeQueue(cfg.Queues.Summarize)
		if err != nil {
			logger.Fatal().Err(err).Msg("ingest: не удалось открыть очередь суммаризации")
		}
	}

	service := ingest.NewService(logger, repoAdapter, repoAdapter, summarizeQueue, ingest.Options{
		Transient:       repo.IsTransient,
		StorageAttempts: cfg.Ingest.StorageAttempts,
	})

	accounts, err := repoAdapter.ListMTProtoAccounts(ctx, cfg.Ingest.SessionPool)
	if err != nil {
		logger.Fatal().Err(err).Msg("ingest: не удалось получить аккаунты")
	}
	if len(accounts) == 0 {
		logger.Fatal().Str("pool", cfg.Ingest.SessionPool).Msg("ingest: в пуле нет аккаунтов")
	}

	channelIDs, err := repoAdapter.ListActiveChannelIDs(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("ingest: не удалось получить каналы")
	}

	sessions := make([]string, 0, len(accounts))
	byName := make(map[string]domain.MTProtoAccount, len(accounts))
	for _, account := range accounts {
		// Аккаунты без собственных ключей API используют общие из конфига.
		if account.APIID == 0 {
			account.APIID = cfg.Telegram.APIID
		}
		if account.APIHash == "" {
			account.APIHash = cfg.Telegram.APIHash
		}
		sessions = append(sessions, account.Name)
		byName[account.Name] = account
	}
	assigned := ingest.DistributeChannels(sessions, channelIDs)
	if len(assigned) == 0 {
		logger.Fatal().Msg("ingest: нет шардов для запуска")
	}

	done := make(chan struct{}, len(assigned))
	running := 0
	for name, channels := range assigned {
		account := byName[name]
		shard := mtproto.NewShard(logger, account, repo.NewSessionStorage(repoAdapter, name), service, channels)
		logger.Info().Str("session", name).Int("channels", len(channels)).Msg("ingest: запуск шарда")
		running++
		go func() {
			defer func() { done <- struct{}{} }()
			if err := shard.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("ingest: шард остановился с ошибкой")
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("ingest: остановка")
	for i := 0; i < running; i++ {
		<-done
	}
}
