package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"election-pulse/internal/adapters/alliances"
	"election-pulse/internal/adapters/repo"
	"election-pulse/internal/adapters/sentiment"
	"election-pulse/internal/domain"
	"election-pulse/internal/infra/config"
	"election-pulse/internal/infra/db"
	applog "election-pulse/internal/infra/log"
	"election-pulse/internal/infra/metrics"
	"election-pulse/internal/infra/queue"
	"election-pulse/internal/infra/resilience"
	"election-pulse/internal/usecase/pipeline"
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
		logger.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	repoAdapter.SetInfluenceCap(cfg.Aggregation.InfluenceCap)
	if err := repoAdapter.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("worker: не удалось применить схему БД")
	}

	registry, err := alliances.Load(cfg.Alliances.ConfigDir, cfg.Alliances.Year, cfg.Alliances.BaselineYear)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: не удалось загрузить справочник альянсов")
	}

	var scorer domain.SentimentScorer
	if cfg.Model.URL != "" {
		breaker := resilience.NewCircuitBreaker(cfg.Model.BreakerThreshold, cfg.Model.BreakerReset, cfg.Model.BreakerProbes)
		scorer = sentiment.NewHTTPScorer(cfg.Model.URL, cfg.Model.Token, cfg.Model.Timeout, cfg.Model.Version, breaker)
	} else {
		logger.Warn().Msg("worker: SENTIMENT_API_URL не задан, включён скоринг по ключевым словам")
		scorer = sentiment.NewSimple("keyword-fallback-v1")
	}

	var transport domain.JobTransport
	switch cfg.Queue.Backend {
	case "rabbitmq":
		if cfg.RabbitURL == "" {
			logger.Fatal().Msg("worker: не указан адрес RabbitMQ (RABBITMQ_URL)")
		}
		rabbit, err := queue.NewRabbitJobTransport(cfg.RabbitURL, cfg.Queue.JobsKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: не удалось подключиться к RabbitMQ")
		}
		defer rabbit.Close()
		transport = rabbit
	case "redis":
		if cfg.RedisAddr == "" {
			logger.Fatal().Msg("worker: для транспорта redis не указан REDIS_ADDR")
		}
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		transport = queue.NewRedisJobTransport(redisClient, cfg.Queue.JobsKey)
	case "poll":
		// Без брокера все воркеры опрашивают таблицу.
	default:
		logger.Fatal().Str("backend", cfg.Queue.Backend).Msg("worker: неизвестный транспорт очереди")
	}

	service := pipeline.NewService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, repoAdapter, scorer, registry, cfg.Worker.LocalRetries, cfg.Worker.RetryBase, cfg.Worker.RetryMax)

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	count := cfg.Worker.Count
	if count < 1 {
		count = 1
	}

	logger.Info().Int("count", count).Str("backend", cfg.Queue.Backend).Msg("worker: запуск пула")

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		workerID := fmt.Sprintf("%s-%d", hostname, i)
		w := &jobWorker{
			log:       logger.With().Str("worker_id", workerID).Logger(),
			jobs:      repoAdapter,
			transport: transport,
			service:   service,
			workerID:  workerID,
			lease:     cfg.Worker.Lease,
			poll:      cfg.Worker.PollInterval,
		}
		// Последний воркер опрашивает таблицу даже при живом брокере:
		// опросный обход подбирает задачи с потерянными уведомлениями.
		polling := transport == nil || i == count-1
		wg.Add(1)
		go func() {
			defer wg.Done()
			if polling {
				w.runPolling(ctx)
			} else {
				w.runNotified(ctx)
			}
		}()
	}

	wg.Wait()
	logger.Info().Msg("worker: остановлен")
}

type jobWorker struct {
	log       zerolog.Logger
	jobs      domain.JobRepo
	transport domain.JobTransport
	service   *pipeline.Service
	workerID  string
	lease     time.Duration
	poll      time.Duration
}

// runNotified ждёт уведомлений транспорта. Уведомление — только сигнал
// проснуться: задача захватывается атомарно из таблицы, поэтому чужое
// или устаревшее уведомление просто подтверждается.
func (w *jobWorker) runNotified(ctx context.Context) {
	for {
		_, ack, err := w.transport.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("worker: ошибка чтения уведомлений")
			time.Sleep(time.Second)
			continue
		}

		if _, err := w.processNext(ctx); err != nil {
			w.log.Error().Err(err).Msg("worker: захват задачи")
			if ackErr := ack(false); ackErr != nil {
				w.log.Error().Err(ackErr).Msg("worker: не удалось вернуть уведомление")
			}
			time.Sleep(time.Second)
			continue
		}

		if err := ack(true); err != nil {
			w.log.Error().Err(err).Msg("worker: не удалось подтвердить уведомление")
		}
	}
}

// runPolling выгребает pending-задачи опросом таблицы: единственный режим
// без брокера и страховочный обход при потерянных уведомлениях.
func (w *jobWorker) runPolling(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		for {
			claimed, err := w.processNext(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.log.Error().Err(err).Msg("worker: захват задачи")
				time.Sleep(time.Second)
				break
			}
			if !claimed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// processNext захватывает и обрабатывает одну задачу. Возвращает false,
// когда pending-задач нет. Ошибка обработки не возвращается: задача к
// этому моменту уже в карантине или ждёт возврата лизы планировщиком.
func (w *jobWorker) processNext(ctx context.Context) (bool, error) {
	job, ok, err := w.jobs.ClaimJob(ctx, w.workerID, w.lease)
	if err != nil {
		return false, fmt.Errorf("захват задачи: %w", err)
	}
	if !ok {
		return false, nil
	}

	jobLog := w.log.With().
		Str("job_id", job.ID).
		Str("content_id", job.Item.ContentID).
		Str("alliance", job.Item.TargetAlliance).
		Int("attempt", job.Attempts).
		Logger()

	if err := w.service.Process(ctx, job); err != nil {
		jobLog.Error().Err(err).Msg("worker: задача завершилась ошибкой")
		return true, nil
	}
	jobLog.Info().Msg("worker: задача обработана")
	return true, nil
}
