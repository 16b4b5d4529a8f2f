package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-channel-digest/internal/adapters/repo"
	"tg-channel-digest/internal/adapters/telegram"
	"tg-channel-digest/internal/domain"
	"tg-channel-digest/internal/infra/backoff"
	"tg-channel-digest/internal/infra/config"
	"tg-channel-digest/internal/infra/db"
	"tg-channel-digest/internal/infra/log"
	"tg-channel-digest/internal/infra/metrics"
	"tg-channel-digest/internal/infra/queue"
)

type jobWorker struct {
	log         zerolog.Logger
	sender      domain.DigestSender
	tasks       domain.TaskRunRepo
	parseMode   string
	maxAttempts int
}

// Run доставляет дайджесты до отмены контекста. Блокировка ботом завершает
// задачу навсегда, ограничение Telegram возвращает её в очередь.
func (w *jobWorker) Run(ctx context.Context, q domain.DeliveryQueue) {
	for {
		job, ack, err := q.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("delivery: ошибка чтения очереди")
			if !backoff.Wait(ctx.Done(), backoff.Default.Next(1)) {
				return
			}
			continue
		}
		w.handle(ctx, job, ack)
	}
}

func (w *jobWorker) handle(ctx context.Context, job domain.DeliveryJob, ack domain.AckFunc) {
	taskID := "delivery:" + job.ID
	done, attempt, err := w.tasks.EnsureTaskRun(ctx, taskID)
	if err != nil {
		w.log.Error().Err(err).Str("task", taskID).Msg("delivery: реестр попыток недоступен")
		_ = ack(false)
		return
	}
	if done {
		w.log.Debug().Str("task", taskID).Msg("delivery: задача уже выполнена")
		_ = ack(true)
		return
	}

	parseMode := job.ParseMode
	if parseMode == "" {
		parseMode = w.parseMode
	}
	sent, err := w.sender.SendText(ctx, job.ChatID, job.Text, parseMode)
	if err == nil {
		w.log.Info().Str("task", taskID).Int64("chat", job.ChatID).Int("messages", sent).Msg("delivery: дайджест доставлен")
		w.finish(ctx, taskID, ack)
		return
	}

	if errors.Is(err, domain.ErrDeliveryForbidden) {
		w.log.Warn().Err(err).Str("task", taskID).Msg("delivery: получатель недоступен, задача закрыта")
		w.finish(ctx, taskID, ack)
		return
	}

	if domain.Classify(err) == domain.FailureRetryable && attempt < w.maxAttempts {
		w.log.Warn().Err(err).Str("task", taskID).Int("attempt", attempt).Msg("delivery: повторяемая ошибка, возврат в очередь")
		backoff.Wait(ctx.Done(), backoff.Default.Next(attempt))
		_ = ack(false)
		return
	}

	w.log.Error().Err(err).Str("task", taskID).Int("attempt", attempt).Msg("delivery: задача прекращена")
	w.finish(ctx, taskID, ack)
}

func (w *jobWorker) finish(ctx context.Context, taskID string, ack domain.AckFunc) {
	if err := w.tasks.MarkTaskDone(ctx, taskID); err != nil {
		w.log.Error().Err(err).Str("task", taskID).Msg("delivery: не удалось пометить задачу")
	}
	_ = ack(true)
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
		logger.Fatal().Err(err).Msg("delivery: не удалось подключиться к БД")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("delivery: миграции не применились")
	}
	repoAdapter := repo.NewPostgres(pool)

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("delivery: не удалось создать бота")
	}

	floodAuto := cfg.Telegram.SleepOnFlood == "auto"
	floodFixed := time.Duration(0)
	if !floodAuto {
		if seconds, err := time.ParseDuration(cfg.Telegram.SleepOnFlood + "s"); err == nil {
			floodFixed = seconds
		}
	}
	sender := telegram.NewSender(botAPI, logger, telegram.Options{
		MessageLimit:   cfg.Telegram.MaxMessage,
		ChunkAttempts:  cfg.Delivery.ChunkMaxAttempts,
		FloodAuto:      floodAuto,
		FloodFixed:     floodFixed,
		NetworkBackoff: 2 * time.Second,
	})
	worker := &jobWorker{
		log:         logger,
		sender:      sender,
		tasks:       repoAdapter,
		parseMode:   cfg.Telegram.ParseMode,
		maxAttempts: cfg.Delivery.MaxAttempts,
	}

	var deliveryQueue domain.DeliveryQueue
	switch cfg.Queues.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		deliveryQueue = queue.NewRedisDeliveryQueue(client, cfg.Queues.Delivery)
	default:
		rabbit, err := queue.NewRabbit(cfg.RabbitURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("delivery: не удалось подключиться к RabbitMQ")
		}
		defer rabbit.Close()
		deliveryQueue, err = rabbit.NewDeliveryQueue(cfg.Queues.Delivery)
		if err != nil {
			logger.Fatal().Err(err).Msg("delivery: не удалось открыть очередь доставки")
		}
	}

	logger.Info().Str("backend", cfg.Queues.Backend).Msg("delivery: запущен")
	worker.Run(ctx, deliveryQueue)
	logger.Info().Msg("delivery: остановлен")
}
