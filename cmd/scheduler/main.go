package main

import (
	"context"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-channel-digest/internal/adapters/repo"
	"tg-channel-digest/internal/domain"
	"tg-channel-digest/internal/infra/cache"
	"tg-channel-digest/internal/infra/config"
	"tg-channel-digest/internal/infra/db"
	"tg-channel-digest/internal/infra/log"
	"tg-channel-digest/internal/infra/metrics"
	"tg-channel-digest/internal/infra/queue"
	"tg-channel-digest/internal/usecase/digest"
)

// nextTick возвращает паузу до следующего прогона: период с разбросом
// ±jitter, чтобы инстансы не били в БД синхронно.
func nextTick(period, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return period
	}
	offset := time.Duration(rand.Int63n(int64(2*jitter))) - jitter
	pause := period + offset
	if pause < time.Second {
		pause = time.Second
	}
	return pause
}

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister(prometheus.DefaultRegisterer)
	metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось подключиться к БД")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("scheduler: миграции не применились")
	}
	repoAdapter := repo.NewPostgres(pool)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	slotCache := cache.NewRedis(redisClient)

	var deliveryQueue domain.DeliveryQueue
	switch cfg.Queues.Backend {
	case "redis":
		deliveryQueue = queue.NewRedisDeliveryQueue(redisClient, cfg.Queues.Delivery)
	default:
		rabbit, err := queue.NewRabbit(cfg.RabbitURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: не удалось подключиться к RabbitMQ")
		}
		defer rabbit.Close()
		deliveryQueue, err = rabbit.NewDeliveryQueue(cfg.Queues.Delivery)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: не удалось открыть очередь доставки")
		}
	}

	service := digest.NewService(logger, repoAdapter, repoAdapter, repoAdapter, deliveryQueue, slotCache, digest.Options{
		Lookback:   cfg.Digest.Lookback,
		MaxItems:   cfg.Digest.MaxRows,
		MaxLines:   cfg.Digest.MaxItems,
		SlotPeriod: cfg.Digest.Period,
	})

	logger.Info().Dur("period", cfg.Digest.Period).Dur("jitter", cfg.Digest.Jitter).Msg("scheduler: запущен")

	timer := time.NewTimer(nextTick(cfg.Digest.Period, cfg.Digest.Jitter))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler: остановлен")
			return
		case now := <-timer.C:
			if _, err := service.Run(ctx, now); err != nil && ctx.Err() == nil {
				// Ошибка прогона не фатальна: следующий тик попробует снова.
				logger.Error().Err(err).Msg("scheduler: прогон завершился ошибкой")
			}
			timer.Reset(nextTick(cfg.Digest.Period, cfg.Digest.Jitter))
		}
	}
}
