package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"election-pulse/internal/domain"
	"election-pulse/internal/infra/metrics"
)

const (
	depthCacheKey   = "ingest:pending_depth"
	commentMentions = 3
)

// DepthCache разделяет закэшированную глубину очереди между репликами API.
type DepthCache interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte, ttl time.Duration) error
}

// Service проводит нормализованный контент через входной контроль,
// привязку к альянсу и округам и ставит задачу в очередь.
type Service struct {
	jobs      domain.JobRepo
	processed domain.ProcessedContentRepo
	transport domain.JobTransport
	registry  domain.AllianceRegistry
	samples   domain.MetricSampleRepo
	cache     DepthCache
	gate      Gate
	maxDepth  int64
	depthTTL  time.Duration
}

// NewService создаёт приёмный сервис. Транспорт и кэш опциональны: без
// транспорта воркеры находят задачи опросом, без кэша глубина очереди
// считается на каждый запрос.
func NewService(jobs domain.JobRepo, processed domain.ProcessedContentRepo, transport domain.JobTransport, registry domain.AllianceRegistry, samples domain.MetricSampleRepo, cache DepthCache, gate Gate, maxDepth int64, depthTTL time.Duration) *Service {
	return &Service{
		jobs:      jobs,
		processed: processed,
		transport: transport,
		registry:  registry,
		samples:   samples,
		cache:     cache,
		gate:      gate,
		maxDepth:  maxDepth,
		depthTTL:  depthTTL,
	}
}

// Submit принимает элемент контента и возвращает поставленную задачу.
// Дубли и отбраковка возвращаются как ErrDuplicateContent и
// ErrContentRejected, перегрузка — как ErrQueueSaturated.
func (s *Service) Submit(ctx context.Context, item domain.ContentItem) (domain.Job, error) {
	item.ContentType = InferContentType(item)
	item.ContentID = DeriveContentID(item)

	if reason := s.gate.Check(item); reason != "" {
		metrics.IncContentRejected(reason)
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrContentRejected, reason)
	}

	item.TargetAlliance = s.registry.DetectAlliance(item)
	item.Constituencies = s.targetConstituencies(item)
	if item.FilePath == "" {
		item.FilePath = fmt.Sprintf("raw/%s/%s.json", item.ContentType, item.ContentID)
	}

	if s.maxDepth > 0 {
		depth, err := s.pendingDepth(ctx)
		if err != nil {
			return domain.Job{}, fmt.Errorf("глубина очереди: %w", err)
		}
		if depth >= s.maxDepth {
			return domain.Job{}, domain.ErrQueueSaturated
		}
	}

	// Совещательная проверка: авторитетный допуск выполняет воркер.
	if done, err := s.processed.AlreadyProcessed(ctx, item.ContentID, item.TargetAlliance); err == nil && done {
		metrics.DuplicatesSkipped.Inc()
		_ = s.samples.RecordSample(ctx, domain.MetricSample{
			Name:       domain.MetricDuplicateSkipped,
			Value:      1,
			Dimensions: map[string]any{"content_id": item.ContentID, "stage": "ingest"},
		})
		return domain.Job{}, domain.ErrDuplicateContent
	}

	job, err := s.jobs.CreateJob(ctx, domain.Job{FilePath: item.FilePath, Item: item})
	if err != nil {
		return domain.Job{}, fmt.Errorf("постановка задачи: %w", err)
	}
	metrics.JobsEnqueued.Inc()
	_ = s.samples.RecordSample(ctx, domain.MetricSample{
		Name:       domain.MetricJobsEnqueued,
		Value:      1,
		Dimensions: map[string]any{"content_type": string(item.ContentType), "alliance": item.TargetAlliance},
	})

	if s.transport != nil {
		// Потерянное уведомление чинится опросным обходом воркеров.
		_ = s.transport.Publish(ctx, domain.JobNotice{JobID: job.ID})
	}
	return job, nil
}

func (s *Service) pendingDepth(ctx context.Context) (int64, error) {
	if s.cache != nil {
		if raw, err := s.cache.Get(depthCacheKey); err == nil {
			if depth, parseErr := strconv.ParseInt(string(raw), 10, 64); parseErr == nil {
				return depth, nil
			}
		}
	}

	counts, err := s.jobs.CountJobsByStatus(ctx)
	if err != nil {
		return 0, err
	}
	depth := counts[domain.JobStatusPending]
	if s.cache != nil {
		_ = s.cache.Set(depthCacheKey, []byte(strconv.FormatInt(depth, 10)), s.depthTTL)
	}
	return depth, nil
}

// targetConstituencies привязывает элемент к округам. Приоритет: явное
// указание производителя, метаданные, транскрипт, устойчивые упоминания
// в комментариях, иначе State_Wide.
func (s *Service) targetConstituencies(item domain.ContentItem) []string {
	if len(item.Constituencies) > 0 {
		return item.Constituencies
	}
	if loc := strings.TrimSpace(item.LocationOverride); loc != "" {
		return []string{loc}
	}

	all := s.registry.Constituencies()

	meta := strings.ToLower(item.Title + " " + item.Description + " " + strings.Join(item.Keywords, " "))
	if hits := matchConstituencies(meta, all, 1); len(hits) > 0 {
		return hits
	}

	if hits := matchConstituencies(strings.ToLower(item.Transcript), all, 1); len(hits) > 0 {
		return hits
	}

	var sb strings.Builder
	for _, c := range item.Comments {
		sb.WriteString(strings.ToLower(c.Text))
		sb.WriteByte(' ')
	}
	if hits := matchConstituencies(sb.String(), all, commentMentions); len(hits) > 0 {
		return hits
	}

	return []string{domain.ConstituencyStateWide}
}

func matchConstituencies(text string, all []domain.ConstituencyInfo, minMentions int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var hits []string
	for _, c := range all {
		name := strings.ToLower(c.Name)
		if name == "" {
			continue
		}
		if strings.Count(text, name) >= minMentions {
			hits = append(hits, c.Name)
		}
	}
	return hits
}
