package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	PostsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_posts_total",
		Help: "Сохранённые новые посты",
	})
	PostsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_posts_duplicate_total",
		Help: "Повторные посты, отброшенные по (channel_id, msg_id)",
	})
	IngestDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_events_dropped_total",
		Help: "События, отброшенные после исчерпания попыток записи",
	})
	ShardReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_shard_reconnects_total",
		Help: "Переподключения ingestion-шардов",
	}, []string{"session"})
	ShardFloodWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_shard_flood_waits_total",
		Help: "Паузы шардов по требованию Telegram",
	}, []string{"session"})

	SummariesStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "summaries_stored_total",
		Help: "Сохранённые суммаризации по модели",
	}, []string{"model"})
	SummaryHashReuse = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "summaries_hash_reuse_total",
		Help: "Суммаризации, скопированные по совпадению хэша текста",
	})

	SchedulerRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_runs_total",
		Help: "Запуски построения дайджестов",
	})
	DigestsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_digests_created_total",
		Help: "Созданные дайджесты",
	})
	UsersSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_users_skipped_total",
		Help: "Пользователи без материала либо с пустым форматированием",
	})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delivery_messages_sent_total",
		Help: "Отправленные сообщения доставки",
	})
	FloodWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delivery_flood_waits_total",
		Help: "Паузы доставки по flood-control",
	})
	FatalDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delivery_fatal_errors_total",
		Help: "Доставки, прекращённые навсегда (бот заблокирован)",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		PostsIngested,
		PostsDuplicate,
		IngestDropped,
		ShardReconnects,
		ShardFloodWaits,
		SummariesStored,
		SummaryHashReuse,
		SchedulerRuns,
		DigestsCreated,
		UsersSkipped,
		MessagesSent,
		FloodWaits,
		FatalDeliveries,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if total := promptTokens + completionTokens; total > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(total))
	}
}
