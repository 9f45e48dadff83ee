package results

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"election-pulse/internal/domain"
)

// PredictionView — строка прогноза для выдачи: уверенность приведена к [0,1]
// и дисконтирована за возраст.
type PredictionView struct {
	ConstituencyName   string    `json:"constituency_name"`
	District           string    `json:"district,omitempty"`
	Alliance           string    `json:"alliance"`
	SentimentScore     float64   `json:"sentiment_score"`
	AdjustedConfidence float64   `json:"adjusted_confidence"`
	WeightedScore      float64   `json:"weighted_score"`
	ModelVersion       string    `json:"model_version,omitempty"`
	SourceCount        int       `json:"source_count"`
	LastUpdated        time.Time `json:"last_updated"`
}

// DeadLetterView — запись карантина для выдачи. Payload включается только
// в детальную форму.
type DeadLetterView struct {
	ID            int64           `json:"id"`
	OriginalJobID string          `json:"original_job_id"`
	FilePath      string          `json:"file_path,omitempty"`
	ErrorMessage  string          `json:"error_message"`
	ErrorType     string          `json:"error_type"`
	RetryCount    int             `json:"retry_count"`
	FailedAt      time.Time       `json:"failed_at"`
	LastRetryAt   *time.Time      `json:"last_retry_at,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Service отдаёт производные представления для дашборда: победителей по
// округам, сводки по альянсам, карантин и окно метрик.
type Service struct {
	predictions domain.PredictionRepo
	deadLetters domain.DeadLetterRepo
	samples     domain.MetricSampleRepo
	jobs        domain.JobRepo
	transport   domain.JobTransport
	registry    domain.AllianceRegistry
	decayRate   float64
	freshness   time.Duration
	now         func() time.Time
}

// NewService создаёт читающий сервис. Транспорт опционален и используется
// только для уведомления о повторно поставленных задачах.
func NewService(predictions domain.PredictionRepo, deadLetters domain.DeadLetterRepo, samples domain.MetricSampleRepo, jobs domain.JobRepo, transport domain.JobTransport, registry domain.AllianceRegistry, decayRatePerDay float64, freshnessDays int) *Service {
	if freshnessDays <= 0 {
		freshnessDays = domain.FreshnessHorizonDays
	}
	return &Service{
		predictions: predictions,
		deadLetters: deadLetters,
		samples:     samples,
		jobs:        jobs,
		transport:   transport,
		registry:    registry,
		decayRate:   decayRatePerDay,
		freshness:   time.Duration(freshnessDays) * 24 * time.Hour,
		now:         time.Now,
	}
}

// CurrentWinners возвращает лидирующий альянс каждого округа в пределах
// горизонта свежести. Округ без свежих прогнозов в выдачу не попадает.
func (s *Service) CurrentWinners(ctx context.Context) ([]domain.ConstituencyWinner, error) {
	now := s.now().UTC()
	preds, err := s.predictions.ListFreshPredictions(ctx, now.Add(-s.freshness))
	if err != nil {
		return nil, fmt.Errorf("чтение свежих прогнозов: %w", err)
	}

	byConstituency := make(map[string][]domain.ConstituencyPrediction)
	for _, p := range preds {
		byConstituency[p.ConstituencyName] = append(byConstituency[p.ConstituencyName], p)
	}

	names := make([]string, 0, len(byConstituency))
	for name := range byConstituency {
		names = append(names, name)
	}
	sort.Strings(names)

	winners := make([]domain.ConstituencyWinner, 0, len(names))
	for _, name := range names {
		group := byConstituency[name]

		var best domain.ConstituencyPrediction
		var bestAdjusted, bestWeighted float64
		for i, p := range group {
			adjusted := domain.AdjustedConfidence(p.ConfidenceWeight, p.LastUpdated, now, s.decayRate)
			weighted := p.SentimentScore * adjusted
			better := i == 0 || weighted > bestWeighted ||
				(weighted == bestWeighted && p.Alliance < best.Alliance)
			if better {
				best, bestAdjusted, bestWeighted = p, adjusted, weighted
			}
		}

		district := best.District
		if district == "" {
			district = s.registry.District(name)
		}
		incumbent := s.registry.Incumbent(name)
		flip := incumbent != "" &&
			domain.NormalizeAlliance(incumbent) != domain.NormalizeAlliance(best.Alliance)

		winners = append(winners, domain.ConstituencyWinner{
			ConstituencyName:   name,
			District:           district,
			Alliance:           best.Alliance,
			SentimentScore:     best.SentimentScore,
			AdjustedConfidence: bestAdjusted,
			SourceCount:        best.SourceCount,
			Incumbent:          incumbent,
			Flip:               flip,
			LastUpdated:        best.LastUpdated,
		})
	}
	return winners, nil
}

// AllianceRollups возвращает сводку по альянсам поверх свежих прогнозов.
func (s *Service) AllianceRollups(ctx context.Context) ([]domain.AllianceRollup, error) {
	now := s.now().UTC()
	preds, err := s.predictions.ListFreshPredictions(ctx, now.Add(-s.freshness))
	if err != nil {
		return nil, fmt.Errorf("чтение свежих прогнозов: %w", err)
	}

	type accumulator struct {
		sum            float64
		count          int
		sources        int
		constituencies map[string]struct{}
		districts      map[string]struct{}
	}
	byAlliance := make(map[string]*accumulator)
	for _, p := range preds {
		acc := byAlliance[p.Alliance]
		if acc == nil {
			acc = &accumulator{
				constituencies: make(map[string]struct{}),
				districts:      make(map[string]struct{}),
			}
			byAlliance[p.Alliance] = acc
		}
		acc.sum += p.SentimentScore
		acc.count++
		acc.sources += p.SourceCount
		acc.constituencies[p.ConstituencyName] = struct{}{}
		if p.District != "" {
			acc.districts[p.District] = struct{}{}
		}
	}

	rollups := make([]domain.AllianceRollup, 0, len(byAlliance))
	for alliance, acc := range byAlliance {
		rollups = append(rollups, domain.AllianceRollup{
			Alliance:       alliance,
			AvgSentiment:   acc.sum / float64(acc.count),
			TotalSources:   acc.sources,
			Constituencies: len(acc.constituencies),
			Districts:      len(acc.districts),
		})
	}
	sort.Slice(rollups, func(i, j int) bool {
		if rollups[i].AvgSentiment != rollups[j].AvgSentiment {
			return rollups[i].AvgSentiment > rollups[j].AvgSentiment
		}
		return rollups[i].Alliance < rollups[j].Alliance
	})
	return rollups, nil
}

// ConstituencyDetail возвращает все прогнозы округа, лидер сверху.
func (s *Service) ConstituencyDetail(ctx context.Context, constituency string) ([]PredictionView, error) {
	preds, err := s.predictions.ListConstituencyPredictions(ctx, constituency)
	if err != nil {
		return nil, fmt.Errorf("чтение прогнозов округа: %w", err)
	}
	if len(preds) == 0 {
		return nil, domain.ErrPredictionNotFound
	}

	now := s.now().UTC()
	views := make([]PredictionView, 0, len(preds))
	for _, p := range preds {
		adjusted := domain.AdjustedConfidence(p.ConfidenceWeight, p.LastUpdated, now, s.decayRate)
		views = append(views, PredictionView{
			ConstituencyName:   p.ConstituencyName,
			District:           p.District,
			Alliance:           p.Alliance,
			SentimentScore:     p.SentimentScore,
			AdjustedConfidence: adjusted,
			WeightedScore:      p.SentimentScore * adjusted,
			ModelVersion:       p.ModelVersion,
			SourceCount:        p.SourceCount,
			LastUpdated:        p.LastUpdated,
		})
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].WeightedScore != views[j].WeightedScore {
			return views[i].WeightedScore > views[j].WeightedScore
		}
		return views[i].Alliance < views[j].Alliance
	})
	return views, nil
}

// DeadLetters возвращает неразрешённые записи карантина без payload.
func (s *Service) DeadLetters(ctx context.Context, limit int) ([]DeadLetterView, error) {
	entries, err := s.deadLetters.ListUnresolved(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("чтение карантина: %w", err)
	}
	views := make([]DeadLetterView, 0, len(entries))
	for _, e := range entries {
		views = append(views, deadLetterView(e, false))
	}
	return views, nil
}

// DeadLetterDetail возвращает запись карантина вместе с payload.
func (s *Service) DeadLetterDetail(ctx context.Context, originalJobID string) (DeadLetterView, error) {
	entry, err := s.deadLetters.GetDeadLetter(ctx, originalJobID)
	if err != nil {
		return DeadLetterView{}, err
	}
	return deadLetterView(entry, true), nil
}

// DeadLetterSummary возвращает количество неразрешённых записей по видам сбоев.
func (s *Service) DeadLetterSummary(ctx context.Context) ([]domain.DeadLetterSummary, error) {
	summary, err := s.deadLetters.Summary(ctx)
	if err != nil {
		return nil, fmt.Errorf("сводка карантина: %w", err)
	}
	return summary, nil
}

// ResolveDeadLetter закрывает запись карантина. При requeue payload записи
// ставится новой задачей со ссылкой на исходную; повторный сбой снова
// откроет ту же запись.
func (s *Service) ResolveDeadLetter(ctx context.Context, originalJobID string, requeue bool) (domain.Job, error) {
	entry, err := s.deadLetters.GetDeadLetter(ctx, originalJobID)
	if err != nil {
		return domain.Job{}, err
	}

	var job domain.Job
	if requeue {
		var item domain.ContentItem
		if err := json.Unmarshal(entry.Payload, &item); err != nil {
			return domain.Job{}, fmt.Errorf("payload карантина не разбирается: %w", err)
		}
		job, err = s.jobs.CreateJob(ctx, domain.Job{FilePath: entry.FilePath, Item: item, RetryOf: entry.OriginalJobID})
		if err != nil {
			return domain.Job{}, fmt.Errorf("повторная постановка: %w", err)
		}
		if err := s.deadLetters.MarkRetry(ctx, entry.OriginalJobID, s.now().UTC()); err != nil {
			return domain.Job{}, fmt.Errorf("отметка повтора: %w", err)
		}
		if s.transport != nil {
			// Потерянное уведомление чинится опросным обходом воркеров.
			_ = s.transport.Publish(ctx, domain.JobNotice{JobID: job.ID})
		}
	}

	if err := s.deadLetters.Resolve(ctx, entry.OriginalJobID); err != nil {
		return domain.Job{}, fmt.Errorf("разрешение записи: %w", err)
	}
	return job, nil
}

// MetricsWindow возвращает точки ряда здоровья конвейера за окно.
func (s *Service) MetricsWindow(ctx context.Context, window time.Duration, limit int) ([]domain.MetricSample, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	samples, err := s.samples.RecentSamples(ctx, s.now().UTC().Add(-window), limit)
	if err != nil {
		return nil, fmt.Errorf("чтение окна метрик: %w", err)
	}
	return samples, nil
}

// QueueDepths возвращает глубину очереди задач по состояниям.
func (s *Service) QueueDepths(ctx context.Context) (map[domain.JobStatus]int64, error) {
	counts, err := s.jobs.CountJobsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("глубина очереди: %w", err)
	}
	return counts, nil
}

func deadLetterView(e domain.DeadLetterEntry, withPayload bool) DeadLetterView {
	view := DeadLetterView{
		ID:            e.ID,
		OriginalJobID: e.OriginalJobID,
		FilePath:      e.FilePath,
		ErrorMessage:  e.ErrorMessage,
		ErrorType:     string(e.ErrorType),
		RetryCount:    e.RetryCount,
		FailedAt:      e.FailedAt,
		LastRetryAt:   e.LastRetryAt,
		ResolvedAt:    e.ResolvedAt,
	}
	if withPayload {
		view.Payload = json.RawMessage(e.Payload)
	}
	return view
}
