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
	JobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_enqueued_total",
		Help: "Количество заданий, поставленных в очередь",
	})
	JobsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_claimed_total",
		Help: "Количество заданий, захваченных воркерами",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_completed_total",
		Help: "Количество успешно завершённых заданий",
	})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_jobs_failed_total",
		Help: "Количество окончательно проваленных заданий",
	}, []string{"error_type"})
	JobsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_jobs_reclaimed_total",
		Help: "Количество заданий, возвращённых в очередь после истечения аренды",
	})
	DuplicatesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_duplicates_skipped_total",
		Help: "Количество материалов, отброшенных дедупликацией",
	})
	ContentRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_content_rejected_total",
		Help: "Количество материалов, не прошедших входной контроль",
	}, []string{"reason"})
	DeadLetterRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_dead_letter_retries_total",
		Help: "Количество повторных попыток из мёртвой очереди",
	})

	ProcessingSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_processing_seconds",
		Help:    "Время обработки одного задания",
		Buckets: prometheus.DefBuckets,
	})
	SentimentScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_sentiment_score",
		Help:    "Распределение оценок тональности",
		Buckets: prometheus.LinearBuckets(-1, 0.2, 11),
	})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_queue_depth",
		Help: "Текущая глубина очереди заданий по статусам",
	}, []string{"status"})
	BreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_breaker_state",
		Help: "Состояние предохранителя модели: 0 закрыт, 1 полуоткрыт, 2 открыт",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		JobsEnqueued,
		JobsClaimed,
		JobsCompleted,
		JobsFailed,
		JobsReclaimed,
		DuplicatesSkipped,
		ContentRejected,
		DeadLetterRetries,
		ProcessingSeconds,
		SentimentScore,
		QueueDepth,
		BreakerState,
		NetworkRequestDuration,
		NetworkRequestTotal,
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

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
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

// ObserveProcessing записывает длительность обработки задания.
func ObserveProcessing(start time.Time) {
	ProcessingSeconds.Observe(time.Since(start).Seconds())
}

// ObserveSentiment записывает оценку тональности в гистограмму.
func ObserveSentiment(score float64) {
	SentimentScore.Observe(score)
}

// IncJobFailed увеличивает счётчик провалов по типу ошибки.
func IncJobFailed(errorType string) {
	if errorType == "" {
		errorType = "unknown"
	}
	JobsFailed.WithLabelValues(errorType).Inc()
}

// IncContentRejected увеличивает счётчик отбраковки по причине.
func IncContentRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	ContentRejected.WithLabelValues(reason).Inc()
}

// SetQueueDepth выставляет глубину очереди для статуса.
func SetQueueDepth(status string, depth int64) {
	QueueDepth.WithLabelValues(status).Set(float64(depth))
}
