package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов. Структура заполняется один раз
// на старте и передаётся компонентам по значению; окружение больше не читается.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Telegram struct {
		Token      string `envconfig:"TG_BOT_TOKEN"`
		APIID      int    `envconfig:"TG_API_ID"`
		APIHash    string `envconfig:"TG_API_HASH"`
		MaxMessage int    `envconfig:"TELEGRAM_MAX_MESSAGE" default:"3900"`
		// SleepOnFlood: "auto" — спать столько, сколько просит Telegram,
		// иначе фиксированное число секунд.
		SleepOnFlood string `envconfig:"TELEGRAM_SLEEP_ON_FLOOD" default:"auto"`
		ParseMode    string `envconfig:"TELEGRAM_PARSE_MODE" default:"HTML"`
	} `envconfig:""`

	Ingest struct {
		SessionPool     string `envconfig:"MTPROTO_SESSION_POOL" default:"default"`
		StorageAttempts int    `envconfig:"INGEST_STORAGE_ATTEMPTS" default:"5"`
	} `envconfig:""`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
		// Mode "mock" включает детерминированный офлайн-режим.
		Mode        string        `envconfig:"LLM_MODE" default:"live"`
		MaxTokens   int           `envconfig:"LLM_MAX_TOKENS" default:"512"`
		Temperature float64       `envconfig:"LLM_TEMPERATURE" default:"0.2"`
		Timeout     time.Duration `envconfig:"SUMMARIZE_TIMEOUT" default:"45s"`
	} `envconfig:""`

	Summarize struct {
		MinTextLen  int `envconfig:"SUMMARIZE_MIN_TEXT_LEN" default:"200"`
		MaxTextLen  int `envconfig:"SUMMARIZE_MAX_TEXT_LEN" default:"8000"`
		MaxAttempts int `envconfig:"SUMMARIZE_MAX_ATTEMPTS" default:"6"`
	} `envconfig:""`

	Digest struct {
		Period   time.Duration `envconfig:"DIGEST_PERIOD" default:"30m"`
		Jitter   time.Duration `envconfig:"DIGEST_JITTER" default:"120s"`
		Lookback time.Duration `envconfig:"DIGEST_LOOKBACK" default:"12h"`
		MaxRows  int           `envconfig:"DIGEST_MAX_ROWS" default:"100"`
		MaxItems int           `envconfig:"DIGEST_MAX_ITEMS" default:"10"`
	} `envconfig:""`

	Delivery struct {
		MaxAttempts      int `envconfig:"DELIVERY_MAX_ATTEMPTS" default:"6"`
		ChunkMaxAttempts int `envconfig:"DELIVERY_CHUNK_MAX_ATTEMPTS" default:"3"`
	} `envconfig:""`

	Queues struct {
		Backend           string `envconfig:"QUEUE_BACKEND" default:"rabbitmq"`
		Summarize         string `envconfig:"QUEUE_SUMMARIZE" default:"summarize"`
		SummarizePriority string `envconfig:"QUEUE_SUMMARIZE_PRIORITY" default:"summarize_priority"`
		Delivery          string `envconfig:"QUEUE_DELIVERY" default:"delivery"`
	} `envconfig:""`

	Payments struct {
		Addr          string `envconfig:"PAYMENTS_ADDR" default:":8081"`
		Provider      string `envconfig:"PAYMENTS_PROVIDER" default:"tbank"`
		WebhookSecret string `envconfig:"PAYMENTS_WEBHOOK_SECRET"`
		DefaultPlan   string `envconfig:"PAYMENTS_DEFAULT_PLAN" default:"basic"`
		PlanDays      int    `envconfig:"PAYMENTS_PLAN_DAYS" default:"30"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
