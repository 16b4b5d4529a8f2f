package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-channel-digest/internal/adapters/repo"
	"tg-channel-digest/internal/domain"
	"tg-channel-digest/internal/infra/backoff"
	"tg-channel-digest/internal/infra/config"
	"tg-channel-digest/internal/infra/db"
	"tg-channel-digest/internal/infra/log"
	"tg-channel-digest/internal/infra/metrics"
	"tg-channel-digest/internal/infra/openai"
	"tg-channel-digest/internal/infra/queue"
	"tg-channel-digest/internal/usecase/summarize"
)

type jobWorker struct {
	log         zerolog.Logger
	service     *summarize.Service
	tasks       domain.TaskRunRepo
	transient   func(error) bool
	maxAttempts int
}

// Run обрабатывает задачи очереди до отмены контекста. Повторяемые ошибки
// возвращают задачу в очередь с бэкоффом, пока не исчерпан лимит попыток.
func (w *jobWorker) Run(ctx context.Context, q domain.SummarizeQueue) {
	for {
		job, ack, err := q.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("summarizer: ошибка чтения очереди")
			if !backoff.Wait(ctx.Done(), backoff.Default.Next(1)) {
				return
			}
			continue
		}
		w.handle(ctx, job, ack)
	}
}

func (w *jobWorker) handle(ctx context.Context, job domain.SummarizeJob, ack domain.AckFunc) {
	taskID := job.TaskID()
	done, attempt, err := w.tasks.EnsureTaskRun(ctx, taskID)
	if err != nil {
		w.log.Error().Err(err).Str("task", taskID).Msg("summarizer: реестр попыток недоступен")
		_ = ack(false)
		return
	}
	if done {
		w.log.Debug().Str("task", taskID).Msg("summarizer: задача уже выполнена")
		_ = ack(true)
		return
	}

	err = w.service.SummarizePost(ctx, job.PostID)
	if err == nil {
		if err := w.tasks.MarkTaskDone(ctx, taskID); err != nil {
			w.log.Error().Err(err).Str("task", taskID).Msg("summarizer: не удалось пометить задачу")
		}
		_ = ack(true)
		return
	}

	// Временные ошибки хранилища повторяемы наравне с ограничениями провайдера.
	retryable := domain.Classify(err) == domain.FailureRetryable ||
		(w.transient != nil && w.transient(err))
	if retryable && attempt < w.maxAttempts {
		w.log.Warn().Err(err).Str("task", taskID).Int("attempt", attempt).Msg("summarizer: повторяемая ошибка, возврат в очередь")
		backoff.Wait(ctx.Done(), backoff.Default.Next(attempt))
		_ = ack(false)
		return
	}

	// Фатальная ошибка либо исчерпанные попытки: фиксируем и не зацикливаем очередь.
	w.log.Error().Err(err).Str("task", taskID).Int("attempt", attempt).Msg("summarizer: задача прекращена")
	if err := w.tasks.MarkTaskDone(ctx, taskID); err != nil {
		w.log.Error().Err(err).Str("task", taskID).Msg("summarizer: не удалось пометить задачу")
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
		logger.Fatal().Err(err).Msg("summarizer: не удалось подключиться к БД")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("summarizer: миграции не применились")
	}
	repoAdapter := repo.NewPostgres(pool)

	var llm domain.LLMClient
	if cfg.OpenAI.Mode == "mock" {
		logger.Warn().Msg("summarizer: включён мок-режим LLM")
		llm = openai.NewMock(cfg.OpenAI.Model)
	} else {
		llm = openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, cfg.OpenAI.Timeout)
	}

	service := summarize.NewService(logger, repoAdapter, repoAdapter, llm, summarize.Options{
		MinTextLen:  cfg.Summarize.MinTextLen,
		MaxTextLen:  cfg.Summarize.MaxTextLen,
		LLMTimeout:  cfg.OpenAI.Timeout,
		Temperature: cfg.OpenAI.Temperature,
		MaxTokens:   cfg.OpenAI.MaxTokens,
	})
	worker := &jobWorker{
		log:         logger,
		service:     service,
		tasks:       repoAdapter,
		transient:   repo.IsTransient,
		maxAttempts: cfg.Summarize.MaxAttempts,
	}

	var normal, priority domain.SummarizeQueue
	switch cfg.Queues.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		normal = queue.NewRedisSummarizeQueue(client, cfg.Queues.Summarize)
		priority = queue.NewRedisSummarizeQueue(client, cfg.Queues.SummarizePriority)
	default:
		rabbit, err := queue.NewRabbit(cfg.RabbitURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("summarizer: не удалось подключиться к RabbitMQ")
		}
		defer rabbit.Close()
		if normal, err = rabbit.NewSummarizeQueue(cfg.Queues.Summarize); err != nil {
			logger.Fatal().Err(err).Msg("summarizer: не удалось открыть очередь")
		}
		if priority, err = rabbit.NewSummarizeQueue(cfg.Queues.SummarizePriority); err != nil {
			logger.Fatal().Err(err).Msg("summarizer: не удалось открыть приоритетную очередь")
		}
	}

	logger.Info().Str("backend", cfg.Queues.Backend).Str("mode", cfg.OpenAI.Mode).Msg("summarizer: запущен")

	var wg sync.WaitGroup
	for _, q := range []domain.SummarizeQueue{normal, priority} {
		wg.Add(1)
		go func(q domain.SummarizeQueue) {
			defer wg.Done()
			worker.Run(ctx, q)
		}(q)
	}
	wg.Wait()
	logger.Info().Msg("summarizer: остановлен")
}
