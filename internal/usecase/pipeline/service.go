package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"election-pulse/internal/domain"
	"election-pulse/internal/infra/metrics"
)

// Service обрабатывает захваченные задачи: оценивает тональность элемента,
// вливает наблюдение в прогнозы целевых округов и фиксирует допуск.
// Повторная обработка безопасна: вливание идемпотентно по идентификатору
// контента, допуск атомарен, фиксация защищена токеном ограждения.
type Service struct {
	jobs         domain.JobRepo
	processed    domain.ProcessedContentRepo
	predictions  domain.PredictionRepo
	deadLetters  domain.DeadLetterRepo
	samples      domain.MetricSampleRepo
	scorer       domain.SentimentScorer
	registry     domain.AllianceRegistry
	localRetries int
	retryBase    time.Duration
	retryMax     time.Duration
}

// NewService создаёт сервис обработки. localRetries задаёт число локальных
// повторов опроса модели сверх первой попытки.
func NewService(jobs domain.JobRepo, processed domain.ProcessedContentRepo, predictions domain.PredictionRepo, deadLetters domain.DeadLetterRepo, samples domain.MetricSampleRepo, scorer domain.SentimentScorer, registry domain.AllianceRegistry, localRetries int, retryBase, retryMax time.Duration) *Service {
	if localRetries < 0 {
		localRetries = 0
	}
	return &Service{
		jobs:         jobs,
		processed:    processed,
		predictions:  predictions,
		deadLetters:  deadLetters,
		samples:      samples,
		scorer:       scorer,
		registry:     registry,
		localRetries: localRetries,
		retryBase:    retryBase,
		retryMax:     retryMax,
	}
}

// Process выполняет полный цикл обработки одной задачи. Маршрутизация сбоя
// (карантин, отметка failed) выполняется внутри, ошибка возвращается
// вызывающему только для журнала.
func (s *Service) Process(ctx context.Context, job domain.Job) error {
	start := time.Now()
	defer metrics.ObserveProcessing(start)

	item := job.Item
	if err := validateItem(item); err != nil {
		return s.quarantine(ctx, job, err)
	}
	if item.TargetAlliance == "" {
		// Альянс определяет приёмный слой; пустое поле старых payload
		// чиним повторной детекцией.
		item.TargetAlliance = s.registry.DetectAlliance(item)
	}

	// Совещательная проверка: при ошибке продолжаем, допуск решает Admit.
	if done, err := s.processed.AlreadyProcessed(ctx, item.ContentID, item.TargetAlliance); err == nil && done {
		return s.completeDuplicate(ctx, job, item)
	}

	obs, err := s.scoreWithRetry(ctx, item)
	if err != nil {
		return s.quarantine(ctx, job, err)
	}

	targets := item.Constituencies
	if len(targets) == 0 {
		targets = []string{domain.ConstituencyStateWide}
	}
	for _, constituency := range targets {
		_, err := s.predictions.ApplyObservation(ctx, constituency, s.registry.District(constituency), item.TargetAlliance, obs, item.ContentID)
		if err != nil {
			cause := domain.NewProcessingError(domain.FailurePersistence, fmt.Errorf("вливание наблюдения в %s: %w", constituency, err))
			return s.quarantine(ctx, job, cause)
		}
	}

	admitted, err := s.processed.Admit(ctx, domain.ProcessedContentRecord{
		ContentID:      item.ContentID,
		ContentType:    item.ContentType,
		Alliance:       item.TargetAlliance,
		FilePath:       item.FilePath,
		SentimentScore: obs.Score,
	})
	if err != nil {
		cause := domain.NewProcessingError(domain.FailurePersistence, fmt.Errorf("допуск контента: %w", err))
		return s.quarantine(ctx, job, cause)
	}
	if !admitted {
		// Конкурент допустил контент первым, вливания выше были no-op.
		return s.completeDuplicate(ctx, job, item)
	}

	if err := s.jobs.CompleteJob(ctx, job.ID, job.FencingToken); err != nil {
		return fmt.Errorf("фиксация задачи %s: %w", job.ID, err)
	}

	metrics.JobsCompleted.Inc()
	metrics.ObserveSentiment(obs.Score)
	_ = s.samples.RecordSample(ctx, domain.MetricSample{
		Name:       domain.MetricProcessingLatencyMS,
		Value:      float64(time.Since(start).Milliseconds()),
		Dimensions: map[string]any{"content_type": string(item.ContentType), "alliance": item.TargetAlliance},
	})
	_ = s.samples.RecordSample(ctx, domain.MetricSample{
		Name:       domain.MetricSentimentScore,
		Value:      obs.Score,
		Dimensions: map[string]any{"alliance": item.TargetAlliance, "model_version": obs.ModelVersion},
	})

	return s.resolveRetry(ctx, job)
}

// completeDuplicate закрывает задачу по уже обработанному контенту.
// Дубль — штатный исход, а не сбой.
func (s *Service) completeDuplicate(ctx context.Context, job domain.Job, item domain.ContentItem) error {
	metrics.DuplicatesSkipped.Inc()
	_ = s.samples.RecordSample(ctx, domain.MetricSample{
		Name:       domain.MetricDuplicateSkipped,
		Value:      1,
		Dimensions: map[string]any{"content_id": item.ContentID, "stage": "worker"},
	})
	if err := s.jobs.CompleteJob(ctx, job.ID, job.FencingToken); err != nil {
		return fmt.Errorf("фиксация дубля %s: %w", job.ID, err)
	}
	return s.resolveRetry(ctx, job)
}

// resolveRetry закрывает запись карантина, породившую эту задачу.
func (s *Service) resolveRetry(ctx context.Context, job domain.Job) error {
	if job.RetryOf == "" {
		return nil
	}
	if err := s.deadLetters.Resolve(ctx, job.RetryOf); err != nil && !errors.Is(err, domain.ErrDeadLetterNotFound) {
		return fmt.Errorf("разрешение карантина %s: %w", job.RetryOf, err)
	}
	return nil
}

// scoreWithRetry опрашивает модель с экспоненциальной выдержкой. Повторяются
// только восстановимые сбои; открытый предохранитель и parse-сбои прекращают
// попытки сразу.
func (s *Service) scoreWithRetry(ctx context.Context, item domain.ContentItem) (domain.Observation, error) {
	policy := backoff.NewExponentialBackOff()
	if s.retryBase > 0 {
		policy.InitialInterval = s.retryBase
	}
	if s.retryMax > 0 {
		policy.MaxInterval = s.retryMax
	}
	policy.MaxElapsedTime = 0

	var obs domain.Observation
	operation := func() error {
		scored, err := s.scorer.Score(ctx, item)
		if err == nil {
			obs = scored
			return nil
		}
		if errors.Is(err, domain.ErrScorerUnavailable) || !domain.ClassifyFailure(err).Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.localRetries)), ctx)); err != nil {
		return domain.Observation{}, err
	}
	return obs, nil
}

// quarantine переводит задачу в карантин: запись в DLQ, отметка failed,
// терминальные счётчики. Возвращает исходную причину для журнала.
func (s *Service) quarantine(ctx context.Context, job domain.Job, cause error) error {
	kind := domain.ClassifyFailure(cause)

	// Повторы одного контента наращивают счётчик исходной записи.
	originalID := job.ID
	if job.RetryOf != "" {
		originalID = job.RetryOf
	}
	payload, _ := json.Marshal(job.Item)
	entry := domain.DeadLetterEntry{
		OriginalJobID: originalID,
		FilePath:      job.FilePath,
		ErrorMessage:  cause.Error(),
		ErrorType:     kind,
		Payload:       payload,
	}
	if _, err := s.deadLetters.RecordFailure(ctx, entry); err != nil {
		// Запись не удалась: задача остаётся processing, истёкшую лизу
		// вернёт обход планировщика.
		return fmt.Errorf("запись в карантин: %w", err)
	}

	if err := s.jobs.FailJob(ctx, job.ID, job.FencingToken); err != nil {
		return fmt.Errorf("отметка сбоя задачи %s: %w", job.ID, err)
	}

	metrics.IncJobFailed(string(kind))
	_ = s.samples.RecordSample(ctx, domain.MetricSample{
		Name:       domain.MetricJobFailed,
		Value:      1,
		Dimensions: map[string]any{"job_id": job.ID, "error_type": string(kind)},
	})
	return cause
}

// validateItem отбраковывает непригодный payload. Такой сбой классифицируется
// как parse: повторы бессмысленны, задача уходит в карантин сразу.
func validateItem(item domain.ContentItem) error {
	if strings.TrimSpace(item.ContentID) == "" {
		return domain.NewProcessingError(domain.FailureParse, errors.New("пустой идентификатор контента"))
	}
	if !hasText(item) {
		return domain.NewProcessingError(domain.FailureParse, errors.New("нет текста для оценки"))
	}
	return nil
}

func hasText(item domain.ContentItem) bool {
	if strings.TrimSpace(item.Title) != "" || strings.TrimSpace(item.Description) != "" || strings.TrimSpace(item.Transcript) != "" {
		return true
	}
	for _, c := range item.Comments {
		if strings.TrimSpace(c.Text) != "" {
			return true
		}
	}
	return false
}
