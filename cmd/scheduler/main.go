package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"election-pulse/internal/adapters/repo"
	"election-pulse/internal/domain"
	"election-pulse/internal/infra/cache"
	"election-pulse/internal/infra/config"
	"election-pulse/internal/infra/db"
	applog "election-pulse/internal/infra/log"
	"election-pulse/internal/infra/metrics"
	"election-pulse/internal/infra/queue"
	"election-pulse/internal/usecase/maintenance"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	pool, err := db.Connect(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)
	if err := repoAdapter.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось применить схему БД")
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	// Замок опционален: без Redis обходы выполняются без координации,
	// что безопасно благодаря атомарности захвата и допуска.
	var locker domain.Locker
	if redisClient != nil {
		locker = cache.NewRedis(redisClient)
	}

	var transport domain.JobTransport
	switch cfg.Queue.Backend {
	case "rabbitmq":
		if cfg.RabbitURL == "" {
			logger.Fatal().Msg("scheduler: не указан адрес RabbitMQ (RABBITMQ_URL)")
		}
		rabbit, err := queue.NewRabbitJobTransport(cfg.RabbitURL, cfg.Queue.JobsKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: не удалось подключиться к RabbitMQ")
		}
		defer rabbit.Close()
		transport = rabbit
	case "redis":
		if redisClient == nil {
			logger.Fatal().Msg("scheduler: для транспорта redis не указан REDIS_ADDR")
		}
		transport = queue.NewRedisJobTransport(redisClient, cfg.Queue.JobsKey)
	case "poll":
		// Воркеры находят возвращённые задачи опросом, уведомления не нужны.
	default:
		logger.Fatal().Str("backend", cfg.Queue.Backend).Msg("scheduler: неизвестный транспорт очереди")
	}

	service := maintenance.NewService(repoAdapter, repoAdapter, repoAdapter, transport, locker, cfg.Worker.MaxAttempts, cfg.DeadLetter.RetryCeiling, cfg.DeadLetter.BackoffBase, cfg.Results.MetricsRetentionDays, cfg.Maintenance.LockTTL)

	sweep := func() {
		if err := service.ReclaimExpired(ctx); err != nil {
			logger.Error().Err(err).Msg("scheduler: обход просроченных лиз")
		}
		if err := service.RetryDeadLetters(ctx); err != nil {
			logger.Error().Err(err).Msg("scheduler: автоповторы карантина")
		}
		if err := service.PruneSamples(ctx); err != nil {
			logger.Error().Err(err).Msg("scheduler: чистка старых метрик")
		}
		if err := service.RefreshQueueDepth(ctx); err != nil {
			logger.Error().Err(err).Msg("scheduler: обновление датчиков очереди")
		}
	}

	logger.Info().Dur("interval", cfg.Maintenance.Interval).Msg("scheduler: старт")
	sweep()

	ticker := time.NewTicker(cfg.Maintenance.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler: остановлен")
			return
		case <-ticker.C:
			sweep()
		}
	}
}
