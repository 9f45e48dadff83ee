package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"election-pulse/internal/domain"
	"election-pulse/internal/infra/metrics"
)

const (
	lockReclaim = "maintenance:reclaim"
	lockRetry   = "maintenance:dlq_retry"
	lockPrune   = "maintenance:prune"
)

// Service выполняет фоновые обходы конвейера: возврат просроченных лиз,
// автоповторы карантина, чистку ряда метрик и обновление датчиков глубины.
// Обходы, меняющие общее состояние, идут под распределённым замком, чтобы
// реплики планировщика не дублировали работу.
type Service struct {
	jobs         domain.JobRepo
	deadLetters  domain.DeadLetterRepo
	samples      domain.MetricSampleRepo
	transport    domain.JobTransport
	locker       domain.Locker
	maxAttempts  int
	retryCeiling int
	backoffBase  time.Duration
	retention    time.Duration
	lockTTL      time.Duration
	now          func() time.Time
}

// NewService создаёт сервис обходов. Транспорт и замок опциональны.
func NewService(jobs domain.JobRepo, deadLetters domain.DeadLetterRepo, samples domain.MetricSampleRepo, transport domain.JobTransport, locker domain.Locker, maxAttempts, retryCeiling int, backoffBase time.Duration, retentionDays int, lockTTL time.Duration) *Service {
	if retentionDays <= 0 {
		retentionDays = domain.FreshnessHorizonDays
	}
	return &Service{
		jobs:         jobs,
		deadLetters:  deadLetters,
		samples:      samples,
		transport:    transport,
		locker:       locker,
		maxAttempts:  maxAttempts,
		retryCeiling: retryCeiling,
		backoffBase:  backoffBase,
		retention:    time.Duration(retentionDays) * 24 * time.Hour,
		lockTTL:      lockTTL,
		now:          time.Now,
	}
}

// ReclaimExpired возвращает задачи с истёкшей лизой в очередь, а исчерпавшие
// попытки отправляет в карантин.
func (s *Service) ReclaimExpired(ctx context.Context) error {
	return s.withLock(lockReclaim, func() error {
		res, err := s.jobs.ReclaimExpired(ctx, s.maxAttempts)
		if err != nil {
			return fmt.Errorf("возврат просроченных лиз: %w", err)
		}

		if res.Requeued > 0 {
			metrics.JobsReclaimed.Add(float64(res.Requeued))
			_ = s.samples.RecordSample(ctx, domain.MetricSample{
				Name:  domain.MetricJobReclaimed,
				Value: float64(res.Requeued),
			})
		}

		for _, job := range res.Exhausted {
			// Воркер не успел классифицировать сбой, вид network
			// оставляет записи шанс на автоповтор.
			payload, _ := json.Marshal(job.Item)
			entry := domain.DeadLetterEntry{
				OriginalJobID: originalID(job),
				FilePath:      job.FilePath,
				ErrorMessage:  fmt.Sprintf("лиза истекла после %d попыток", job.Attempts),
				ErrorType:     domain.FailureNetwork,
				Payload:       payload,
			}
			if _, err := s.deadLetters.RecordFailure(ctx, entry); err != nil {
				return fmt.Errorf("карантин исчерпанной задачи %s: %w", job.ID, err)
			}
			metrics.IncJobFailed(string(domain.FailureNetwork))
			_ = s.samples.RecordSample(ctx, domain.MetricSample{
				Name:       domain.MetricJobFailed,
				Value:      1,
				Dimensions: map[string]any{"job_id": job.ID, "error_type": string(domain.FailureNetwork), "stage": "reclaim"},
			})
		}
		return nil
	})
}

// RetryDeadLetters ставит повторные задачи для записей карантина, у которых
// истекло окно выдержки. Дубль повтора безвреден: допуск контента атомарен.
func (s *Service) RetryDeadLetters(ctx context.Context) error {
	return s.withLock(lockRetry, func() error {
		now := s.now().UTC()
		due, err := s.deadLetters.DueForRetry(ctx, s.retryCeiling, s.backoffBase, now)
		if err != nil {
			return fmt.Errorf("выборка карантина на повтор: %w", err)
		}

		for _, entry := range due {
			var item domain.ContentItem
			if err := json.Unmarshal(entry.Payload, &item); err != nil {
				// Неразбираемый payload переводим в parse, чтобы
				// запись больше не попадала в выборку.
				_, _ = s.deadLetters.RecordFailure(ctx, domain.DeadLetterEntry{
					OriginalJobID: entry.OriginalJobID,
					FilePath:      entry.FilePath,
					ErrorMessage:  fmt.Sprintf("payload карантина не разбирается: %v", err),
					ErrorType:     domain.FailureParse,
					Payload:       entry.Payload,
				})
				continue
			}

			job, err := s.jobs.CreateJob(ctx, domain.Job{FilePath: entry.FilePath, Item: item, RetryOf: entry.OriginalJobID})
			if err != nil {
				return fmt.Errorf("постановка повтора %s: %w", entry.OriginalJobID, err)
			}
			if err := s.deadLetters.MarkRetry(ctx, entry.OriginalJobID, now); err != nil {
				return fmt.Errorf("отметка повтора %s: %w", entry.OriginalJobID, err)
			}
			metrics.DeadLetterRetries.Inc()
			_ = s.samples.RecordSample(ctx, domain.MetricSample{
				Name:       domain.MetricDeadLetterRetry,
				Value:      1,
				Dimensions: map[string]any{"original_job_id": entry.OriginalJobID, "retry": entry.RetryCount + 1},
			})
			if s.transport != nil {
				// Потерянное уведомление чинится опросным обходом воркеров.
				_ = s.transport.Publish(ctx, domain.JobNotice{JobID: job.ID})
			}
		}
		return nil
	})
}

// PruneSamples удаляет точки ряда метрик старше горизонта хранения.
func (s *Service) PruneSamples(ctx context.Context) error {
	return s.withLock(lockPrune, func() error {
		pruned, err := s.samples.PruneSamples(ctx, s.now().UTC().Add(-s.retention))
		if err != nil {
			return fmt.Errorf("чистка ряда метрик: %w", err)
		}
		if pruned > 0 {
			_ = s.samples.RecordSample(ctx, domain.MetricSample{
				Name:  domain.MetricSamplesPruned,
				Value: float64(pruned),
			})
		}
		return nil
	})
}

// RefreshQueueDepth обновляет датчики глубины очереди. Выполняется без замка:
// датчик локален для процесса.
func (s *Service) RefreshQueueDepth(ctx context.Context) error {
	counts, err := s.jobs.CountJobsByStatus(ctx)
	if err != nil {
		return fmt.Errorf("глубина очереди: %w", err)
	}
	statuses := []domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing, domain.JobStatusDone, domain.JobStatusFailed}
	for _, status := range statuses {
		metrics.SetQueueDepth(string(status), counts[status])
	}
	return nil
}

func (s *Service) withLock(key string, fn func() error) error {
	if s.locker == nil {
		return fn()
	}
	return s.locker.Once(key, s.lockTTL, fn)
}

func originalID(job domain.Job) string {
	if job.RetryOf != "" {
		return job.RetryOf
	}
	return job.ID
}
