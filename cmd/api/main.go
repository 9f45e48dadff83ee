package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"election-pulse/internal/adapters/alliances"
	"election-pulse/internal/adapters/repo"
	"election-pulse/internal/domain"
	"election-pulse/internal/infra/cache"
	"election-pulse/internal/infra/config"
	"election-pulse/internal/infra/db"
	httpinfra "election-pulse/internal/infra/http"
	applog "election-pulse/internal/infra/log"
	"election-pulse/internal/infra/metrics"
	"election-pulse/internal/infra/queue"
	"election-pulse/internal/usecase/ingest"
	"election-pulse/internal/usecase/results"
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
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)
	if err := repoAdapter.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось применить схему БД")
	}

	registry, err := alliances.Load(cfg.Alliances.ConfigDir, cfg.Alliances.Year, cfg.Alliances.BaselineYear)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось загрузить справочник альянсов")
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	// Кэш глубины опционален: без Redis глубина считается запросом к БД.
	var depthCache ingest.DepthCache
	if redisClient != nil {
		depthCache = cache.NewRedis(redisClient)
	}

	var transport domain.JobTransport
	switch cfg.Queue.Backend {
	case "rabbitmq":
		if cfg.RabbitURL == "" {
			logger.Fatal().Msg("api: не указан адрес RabbitMQ (RABBITMQ_URL)")
		}
		rabbit, err := queue.NewRabbitJobTransport(cfg.RabbitURL, cfg.Queue.JobsKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: не удалось подключиться к RabbitMQ")
		}
		defer rabbit.Close()
		transport = rabbit
	case "redis":
		if redisClient == nil {
			logger.Fatal().Msg("api: для транспорта redis не указан REDIS_ADDR")
		}
		transport = queue.NewRedisJobTransport(redisClient, cfg.Queue.JobsKey)
	case "poll":
		// Воркеры находят задачи опросом таблицы, уведомления не нужны.
	default:
		logger.Fatal().Str("backend", cfg.Queue.Backend).Msg("api: неизвестный транспорт очереди")
	}

	gate := ingest.Gate{
		MinVideoViews:  cfg.Ingest.MinVideoViews,
		MinDurationSec: cfg.Ingest.MinDurationSec,
		MaxDurationSec: cfg.Ingest.MaxDurationSec,
	}
	ingestService := ingest.NewService(repoAdapter, repoAdapter, transport, registry, repoAdapter, depthCache, gate, cfg.Ingest.MaxQueueDepth, cfg.Ingest.DepthCacheTTL)
	resultsService := results.NewService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, transport, registry, cfg.Results.DecayRatePerDay, cfg.Results.FreshnessDays)

	srv := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	r := srv.Router

	r.Post("/api/v1/content", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var item domain.ContentItem
		if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		job, err := ingestService.Submit(r.Context(), item)
		switch {
		case err == nil:
			writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "job_id": job.ID})
		case errors.Is(err, domain.ErrDuplicateContent):
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
		case errors.Is(err, domain.ErrContentRejected):
			reason := strings.TrimPrefix(err.Error(), domain.ErrContentRejected.Error()+": ")
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"status": "rejected", "reason": reason})
		case errors.Is(err, domain.ErrQueueSaturated):
			writeError(w, http.StatusTooManyRequests, "job queue is saturated, retry later")
		default:
			logger.Error().Err(err).Msg("api: постановка контента")
			writeError(w, http.StatusInternalServerError, "failed to enqueue content")
		}
	})

	r.Get("/api/v1/winners", func(w http.ResponseWriter, r *http.Request) {
		winners, err := resultsService.CurrentWinners(r.Context())
		if err != nil {
			logger.Error().Err(err).Msg("api: расчёт лидеров")
			writeError(w, http.StatusInternalServerError, "failed to compute winners")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"winners": winners})
	})

	r.Get("/api/v1/alliances", func(w http.ResponseWriter, r *http.Request) {
		rollups, err := resultsService.AllianceRollups(r.Context())
		if err != nil {
			logger.Error().Err(err).Msg("api: сводка по альянсам")
			writeError(w, http.StatusInternalServerError, "failed to compute alliance rollups")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"alliances": rollups})
	})

	r.Get("/api/v1/constituencies/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		views, err := resultsService.ConstituencyDetail(r.Context(), name)
		if err != nil {
			if errors.Is(err, domain.ErrPredictionNotFound) {
				writeError(w, http.StatusNotFound, "constituency not found")
				return
			}
			logger.Error().Err(err).Msg("api: детализация округа")
			writeError(w, http.StatusInternalServerError, "failed to load constituency")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"constituency": name, "predictions": views})
	})

	r.Get("/api/v1/queue", func(w http.ResponseWriter, r *http.Request) {
		counts, err := resultsService.QueueDepths(r.Context())
		if err != nil {
			logger.Error().Err(err).Msg("api: глубина очереди")
			writeError(w, http.StatusInternalServerError, "failed to read queue depth")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queue": counts})
	})

	r.Get("/api/v1/dlq", func(w http.ResponseWriter, r *http.Request) {
		entries, err := resultsService.DeadLetters(r.Context(), parseLimit(r, 100))
		if err != nil {
			logger.Error().Err(err).Msg("api: список карантина")
			writeError(w, http.StatusInternalServerError, "failed to list dead letters")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	})

	r.Get("/api/v1/dlq/summary", func(w http.ResponseWriter, r *http.Request) {
		summary, err := resultsService.DeadLetterSummary(r.Context())
		if err != nil {
			logger.Error().Err(err).Msg("api: сводка карантина")
			writeError(w, http.StatusInternalServerError, "failed to summarize dead letters")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
	})

	r.Get("/api/v1/dlq/{id}", func(w http.ResponseWriter, r *http.Request) {
		entry, err := resultsService.DeadLetterDetail(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, domain.ErrDeadLetterNotFound) {
				writeError(w, http.StatusNotFound, "dead letter not found")
				return
			}
			logger.Error().Err(err).Msg("api: запись карантина")
			writeError(w, http.StatusInternalServerError, "failed to load dead letter")
			return
		}
		writeJSON(w, http.StatusOK, entry)
	})

	r.Post("/api/v1/dlq/{id}/resolve", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		// Тело опционально: пустой запрос означает разбор без повтора.
		var req resolveRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		job, err := resultsService.ResolveDeadLetter(r.Context(), chi.URLParam(r, "id"), req.Requeue)
		if err != nil {
			if errors.Is(err, domain.ErrDeadLetterNotFound) {
				writeError(w, http.StatusNotFound, "dead letter not found")
				return
			}
			logger.Error().Err(err).Msg("api: разбор карантина")
			writeError(w, http.StatusUnprocessableEntity, "failed to resolve dead letter")
			return
		}
		resp := map[string]any{"status": "resolved"}
		if job.ID != "" {
			resp["retry_job_id"] = job.ID
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Get("/api/v1/metrics/recent", func(w http.ResponseWriter, r *http.Request) {
		var window time.Duration
		if raw := r.URL.Query().Get("window"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid window duration")
				return
			}
			window = parsed
		}
		samples, err := resultsService.MetricsWindow(r.Context(), window, parseLimit(r, 100))
		if err != nil {
			logger.Error().Err(err).Msg("api: свежие метрики")
			writeError(w, http.StatusInternalServerError, "failed to read metrics")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"samples": samples})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	go func() {
		logger.Info().Msg("api: старт")
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()
	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

type resolveRequest struct {
	Requeue bool `json:"requeue"`
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
