package domain

import "time"

// MetricSample — точка временного ряда здоровья конвейера. Таблица
// только дописывается и чистится по горизонту хранения.
type MetricSample struct {
	Name       string         `json:"metric_name"`
	Value      float64        `json:"metric_value"`
	Dimensions map[string]any `json:"dimensions,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

const (
	// MetricJobsEnqueued фиксирует постановку задачи в очередь.
	MetricJobsEnqueued = "jobs_enqueued"
	// MetricProcessingLatencyMS фиксирует длительность обработки задачи.
	MetricProcessingLatencyMS = "processing_latency_ms"
	// MetricSentimentScore фиксирует оценку тональности обработанного элемента.
	MetricSentimentScore = "sentiment_score"
	// MetricDuplicateSkipped фиксирует отклонение дубля шлюзом дедупликации.
	MetricDuplicateSkipped = "duplicate_skipped"
	// MetricJobFailed фиксирует терминальный сбой задачи.
	MetricJobFailed = "job_failed"
	// MetricJobReclaimed фиксирует возврат задачи с истёкшей лизой.
	MetricJobReclaimed = "job_reclaimed"
	// MetricDeadLetterRetry фиксирует автоматический повтор из карантина.
	MetricDeadLetterRetry = "dead_letter_retry"
	// MetricSamplesPruned фиксирует чистку устаревших точек ряда.
	MetricSamplesPruned = "metric_samples_pruned"
)
