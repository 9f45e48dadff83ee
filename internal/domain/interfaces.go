package domain

import (
	"context"
	"time"
)

// JobRepo управляет долговечной очередью задач. Захват и фиксация атомарны
// на уровне БД: два конкурентных захвата не могут вернуть одну задачу,
// а фиксация с устаревшим токеном отклоняется.
type JobRepo interface {
	// CreateJob сохраняет задачу в состоянии pending.
	CreateJob(ctx context.Context, job Job) (Job, error)
	// ClaimJob атомарно захватывает старейшую pending-задачу: переводит её в
	// processing, продлевает лизу и выдаёт новый токен ограждения. Второй
	// результат false означает, что свободных задач нет.
	ClaimJob(ctx context.Context, workerID string, lease time.Duration) (Job, bool, error)
	// CompleteJob помечает задачу done. Токен должен совпадать с выданным при
	// захвате, иначе возвращается ErrLeaseLost.
	CompleteJob(ctx context.Context, jobID string, fencingToken int64) error
	// FailJob помечает задачу failed. Токен проверяется как в CompleteJob.
	FailJob(ctx context.Context, jobID string, fencingToken int64) error
	// ReclaimExpired возвращает просроченные processing-задачи в pending,
	// а исчерпавшие попытки переводит в failed и отдаёт вызывающему
	// для карантина.
	ReclaimExpired(ctx context.Context, maxAttempts int) (ReclaimResult, error)
	// CountJobsByStatus возвращает глубину очереди по состояниям.
	CountJobsByStatus(ctx context.Context) (map[JobStatus]int64, error)
	// GetJob возвращает задачу по идентификатору.
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// ProcessedContentRepo — шлюз дедупликации поверх уникального ключа
// (content_id, alliance). Гонку конкурентных допусков разрешает хранилище.
type ProcessedContentRepo interface {
	// Admit выполняет атомарную вставку-если-нет. Ровно один из конкурентных
	// вызовов получает true, остальные false без ошибки.
	Admit(ctx context.Context, rec ProcessedContentRecord) (bool, error)
	// AlreadyProcessed — дешёвая предварительная проверка, позволяющая не
	// тратить инференс на заведомый дубль. Не заменяет Admit.
	AlreadyProcessed(ctx context.Context, contentID, alliance string) (bool, error)
}

// PredictionRepo хранит агрегированные прогнозы по парам (округ, альянс).
type PredictionRepo interface {
	// ApplyObservation вливает наблюдение в прогноз. Конкурентные вливания по
	// одному ключу сериализуются блокировкой строки, потерянных обновлений
	// не бывает.
	ApplyObservation(ctx context.Context, constituency, district, alliance string, obs Observation, contentID string) (ConstituencyPrediction, error)
	// GetPrediction возвращает прогноз пары, ErrPredictionNotFound при отсутствии.
	GetPrediction(ctx context.Context, constituency, alliance string) (ConstituencyPrediction, error)
	// ListFreshPredictions возвращает прогнозы, обновлённые не раньше since.
	ListFreshPredictions(ctx context.Context, since time.Time) ([]ConstituencyPrediction, error)
	// ListConstituencyPredictions возвращает все прогнозы одного округа.
	ListConstituencyPredictions(ctx context.Context, constituency string) ([]ConstituencyPrediction, error)
}

// DeadLetterRepo хранит карантин упавших задач.
type DeadLetterRepo interface {
	// RecordFailure создаёт или обновляет запись по original_job_id,
	// наращивая retry_count.
	RecordFailure(ctx context.Context, entry DeadLetterEntry) (DeadLetterEntry, error)
	// GetDeadLetter возвращает запись по идентификатору исходной задачи.
	GetDeadLetter(ctx context.Context, originalJobID string) (DeadLetterEntry, error)
	// ListUnresolved возвращает неразрешённые записи, свежие сверху.
	ListUnresolved(ctx context.Context, limit int) ([]DeadLetterEntry, error)
	// DueForRetry возвращает записи, у которых истекло окно экспоненциальной
	// выдержки и не исчерпан предел попыток.
	DueForRetry(ctx context.Context, ceiling int, backoffBase time.Duration, now time.Time) ([]DeadLetterEntry, error)
	// MarkRetry отмечает автоматический повтор записи.
	MarkRetry(ctx context.Context, originalJobID string, at time.Time) error
	// Resolve ставит отметку разрешения. Повторное разрешение — no-op.
	Resolve(ctx context.Context, originalJobID string) error
	// Summary возвращает количество неразрешённых записей по видам сбоев.
	Summary(ctx context.Context) ([]DeadLetterSummary, error)
}

// MetricSampleRepo хранит временной ряд здоровья конвейера.
type MetricSampleRepo interface {
	// RecordSample дописывает точку ряда.
	RecordSample(ctx context.Context, sample MetricSample) error
	// RecentSamples возвращает точки не старше since, новые сверху.
	RecentSamples(ctx context.Context, since time.Time, limit int) ([]MetricSample, error)
	// PruneSamples удаляет точки старше порога и возвращает их количество.
	PruneSamples(ctx context.Context, olderThan time.Time) (int64, error)
}

// SentimentScorer — контракт внешней модели тональности.
type SentimentScorer interface {
	// Score оценивает элемент контента. Сбои классифицируются через
	// ProcessingError; вызов обязан иметь ограничение по времени.
	Score(ctx context.Context, item ContentItem) (Observation, error)
}

// Locker выполняет функцию только у владельца распределённого замка.
type Locker interface {
	Once(key string, ttl time.Duration, fn func() error) error
}
