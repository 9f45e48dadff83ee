package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов конвейера.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	TZ          string `envconfig:"TZ" default:"Asia/Kolkata"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN      string `envconfig:"PG_DSN"`
	PGMaxConns int32  `envconfig:"PG_MAX_CONNS" default:"5"`

	RedisAddr string `envconfig:"REDIS_ADDR"`
	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Queue struct {
		// Backend выбирает транспорт уведомлений: rabbitmq, redis или
		// poll (чистый опрос таблицы без брокера).
		Backend string `envconfig:"QUEUE_BACKEND" default:"poll"`
		JobsKey string `envconfig:"JOBS_QUEUE_KEY" default:"pipeline_jobs"`
	} `envconfig:""`

	Worker struct {
		Count        int           `envconfig:"WORKER_COUNT" default:"4"`
		Lease        time.Duration `envconfig:"JOB_LEASE_DURATION" default:"2m"`
		MaxAttempts  int           `envconfig:"JOB_MAX_ATTEMPTS" default:"5"`
		PollInterval time.Duration `envconfig:"JOB_POLL_INTERVAL" default:"5s"`
		LocalRetries int           `envconfig:"LOCAL_RETRY_ATTEMPTS" default:"3"`
		RetryBase    time.Duration `envconfig:"RETRY_BACKOFF_BASE" default:"1s"`
		RetryMax     time.Duration `envconfig:"RETRY_BACKOFF_MAX" default:"30s"`
	} `envconfig:""`

	Model struct {
		URL              string        `envconfig:"SENTIMENT_API_URL"`
		Token            string        `envconfig:"SENTIMENT_API_TOKEN"`
		Timeout          time.Duration `envconfig:"SENTIMENT_API_TIMEOUT" default:"15s"`
		Version          string        `envconfig:"MODEL_VERSION" default:"xlm-roberta-sentiment-v1"`
		BreakerThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
		BreakerReset     time.Duration `envconfig:"BREAKER_RESET_TIMEOUT" default:"5m"`
		BreakerProbes    int           `envconfig:"BREAKER_HALF_OPEN_PROBES" default:"2"`
	} `envconfig:""`

	Aggregation struct {
		// InfluenceCap ограничивает сдвиг оценки одним источником.
		// Ноль отключает ограничение.
		InfluenceCap float64 `envconfig:"MAX_INFLUENCE_PER_SOURCE" default:"0"`
	} `envconfig:""`

	Results struct {
		DecayRatePerDay      float64 `envconfig:"DECAY_RATE_PER_DAY" default:"0.95"`
		FreshnessDays        int     `envconfig:"FRESHNESS_HORIZON_DAYS" default:"90"`
		MetricsRetentionDays int     `envconfig:"METRICS_RETENTION_DAYS" default:"90"`
	} `envconfig:""`

	DeadLetter struct {
		// RetryCeiling ограничивает автоматические повторы одной записи;
		// дальше запись ждёт ручного разбора.
		RetryCeiling int           `envconfig:"DLQ_RETRY_CEILING" default:"5"`
		BackoffBase  time.Duration `envconfig:"DLQ_BACKOFF_BASE" default:"5m"`
	} `envconfig:""`

	Ingest struct {
		MinVideoViews  int64         `envconfig:"MIN_VIDEO_VIEWS" default:"1000"`
		MinDurationSec int           `envconfig:"MIN_VIDEO_DURATION_SEC" default:"60"`
		MaxDurationSec int           `envconfig:"MAX_VIDEO_DURATION_SEC" default:"7200"`
		MaxQueueDepth  int64         `envconfig:"MAX_QUEUE_DEPTH" default:"500"`
		DepthCacheTTL  time.Duration `envconfig:"QUEUE_DEPTH_CACHE_TTL" default:"30s"`
	} `envconfig:""`

	Alliances struct {
		ConfigDir    string `envconfig:"ALLIANCE_CONFIG_DIR" default:"config"`
		Year         int    `envconfig:"ELECTION_YEAR" default:"2026"`
		BaselineYear int    `envconfig:"BASELINE_YEAR" default:"2021"`
	} `envconfig:""`

	Maintenance struct {
		Interval time.Duration `envconfig:"MAINTENANCE_INTERVAL" default:"1m"`
		LockTTL  time.Duration `envconfig:"MAINTENANCE_LOCK_TTL" default:"50s"`
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
