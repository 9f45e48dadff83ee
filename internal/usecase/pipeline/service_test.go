package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"election-pulse/internal/domain"
)

type jobsStub struct {
	completed   []string
	failed      []string
	completeErr error
	failErr     error
}

func (s *jobsStub) CreateJob(_ context.Context, job domain.Job) (domain.Job, error) {
	return job, nil
}
func (s *jobsStub) ClaimJob(context.Context, string, time.Duration) (domain.Job, bool, error) {
	return domain.Job{}, false, nil
}
func (s *jobsStub) CompleteJob(_ context.Context, jobID string, _ int64) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	s.completed = append(s.completed, jobID)
	return nil
}
func (s *jobsStub) FailJob(_ context.Context, jobID string, _ int64) error {
	if s.failErr != nil {
		return s.failErr
	}
	s.failed = append(s.failed, jobID)
	return nil
}
func (s *jobsStub) ReclaimExpired(context.Context, int) (domain.ReclaimResult, error) {
	return domain.ReclaimResult{}, nil
}
func (s *jobsStub) CountJobsByStatus(context.Context) (map[domain.JobStatus]int64, error) {
	return nil, nil
}
func (s *jobsStub) GetJob(context.Context, string) (domain.Job, error) {
	return domain.Job{}, domain.ErrJobNotFound
}

type processedPipelineStub struct {
	seen        bool
	admitResult bool
	admitErr    error
	admitted    []domain.ProcessedContentRecord
}

func (s *processedPipelineStub) Admit(_ context.Context, rec domain.ProcessedContentRecord) (bool, error) {
	if s.admitErr != nil {
		return false, s.admitErr
	}
	s.admitted = append(s.admitted, rec)
	return s.admitResult, nil
}
func (s *processedPipelineStub) AlreadyProcessed(context.Context, string, string) (bool, error) {
	return s.seen, nil
}

type appliedObservation struct {
	Constituency string
	District     string
	Alliance     string
	ContentID    string
	Obs          domain.Observation
}

type predictionsStub struct {
	applied  []appliedObservation
	applyErr error
}

func (s *predictionsStub) ApplyObservation(_ context.Context, constituency, district, alliance string, obs domain.Observation, contentID string) (domain.ConstituencyPrediction, error) {
	if s.applyErr != nil {
		return domain.ConstituencyPrediction{}, s.applyErr
	}
	s.applied = append(s.applied, appliedObservation{constituency, district, alliance, contentID, obs})
	return domain.ConstituencyPrediction{}, nil
}
func (s *predictionsStub) GetPrediction(context.Context, string, string) (domain.ConstituencyPrediction, error) {
	return domain.ConstituencyPrediction{}, domain.ErrPredictionNotFound
}
func (s *predictionsStub) ListFreshPredictions(context.Context, time.Time) ([]domain.ConstituencyPrediction, error) {
	return nil, nil
}
func (s *predictionsStub) ListConstituencyPredictions(context.Context, string) ([]domain.ConstituencyPrediction, error) {
	return nil, nil
}

type deadLettersStub struct {
	recorded  []domain.DeadLetterEntry
	resolved  []string
	recordErr error
}

func (s *deadLettersStub) RecordFailure(_ context.Context, entry domain.DeadLetterEntry) (domain.DeadLetterEntry, error) {
	if s.recordErr != nil {
		return domain.DeadLetterEntry{}, s.recordErr
	}
	s.recorded = append(s.recorded, entry)
	return entry, nil
}
func (s *deadLettersStub) GetDeadLetter(context.Context, string) (domain.DeadLetterEntry, error) {
	return domain.DeadLetterEntry{}, domain.ErrDeadLetterNotFound
}
func (s *deadLettersStub) ListUnresolved(context.Context, int) ([]domain.DeadLetterEntry, error) {
	return nil, nil
}
func (s *deadLettersStub) DueForRetry(context.Context, int, time.Duration, time.Time) ([]domain.DeadLetterEntry, error) {
	return nil, nil
}
func (s *deadLettersStub) MarkRetry(context.Context, string, time.Time) error { return nil }
func (s *deadLettersStub) Resolve(_ context.Context, originalJobID string) error {
	s.resolved = append(s.resolved, originalJobID)
	return nil
}
func (s *deadLettersStub) Summary(context.Context) ([]domain.DeadLetterSummary, error) {
	return nil, nil
}

type sampleSink struct {
	recorded []domain.MetricSample
}

func (s *sampleSink) RecordSample(_ context.Context, sample domain.MetricSample) error {
	s.recorded = append(s.recorded, sample)
	return nil
}
func (s *sampleSink) RecentSamples(context.Context, time.Time, int) ([]domain.MetricSample, error) {
	return nil, nil
}
func (s *sampleSink) PruneSamples(context.Context, time.Time) (int64, error) { return 0, nil }

// scorerStub отдаёт ошибки из script по порядку, затем obs.
type scorerStub struct {
	script []error
	obs    domain.Observation
	calls  int
}

func (s *scorerStub) Score(context.Context, domain.ContentItem) (domain.Observation, error) {
	s.calls++
	if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		if err != nil {
			return domain.Observation{}, err
		}
	}
	return s.obs, nil
}

type registryPipelineStub struct{}

func (registryPipelineStub) ResolveParty(string) string { return domain.AllianceOthers }
func (registryPipelineStub) IsAlliance(string) bool     { return false }
func (registryPipelineStub) DetectAlliance(domain.ContentItem) string {
	return "DMK Alliance"
}
func (registryPipelineStub) Incumbent(string) string { return "" }
func (registryPipelineStub) District(constituency string) string {
	if constituency == "Kolathur" {
		return "Chennai"
	}
	return ""
}
func (registryPipelineStub) Constituencies() []domain.ConstituencyInfo { return nil }
func (registryPipelineStub) Alliances() []domain.AllianceInfo          { return nil }

type pipelineFixture struct {
	jobs        *jobsStub
	processed   *processedPipelineStub
	predictions *predictionsStub
	deadLetters *deadLettersStub
	samples     *sampleSink
	scorer      *scorerStub
	svc         *Service
}

func newFixture() *pipelineFixture {
	f := &pipelineFixture{
		jobs:        &jobsStub{},
		processed:   &processedPipelineStub{admitResult: true},
		predictions: &predictionsStub{},
		deadLetters: &deadLettersStub{},
		samples:     &sampleSink{},
		scorer:      &scorerStub{obs: domain.Observation{Score: 0.4, Confidence: 0.8, ModelVersion: "test-v1"}},
	}
	f.svc = NewService(f.jobs, f.processed, f.predictions, f.deadLetters, f.samples, f.scorer, registryPipelineStub{}, 3, time.Millisecond, 5*time.Millisecond)
	return f
}

func testJob() domain.Job {
	return domain.Job{
		ID:           "job-1",
		Status:       domain.JobStatusProcessing,
		FilePath:     "raw/video/vid-1.json",
		FencingToken: 7,
		Item: domain.ContentItem{
			ContentID:      "vid-1",
			ContentType:    domain.ContentTypeVideo,
			TargetAlliance: "DMK Alliance",
			Title:          "Митинг в Колатуре",
			Constituencies: []string{"Kolathur", "Edappadi"},
			FilePath:       "raw/video/vid-1.json",
		},
	}
}

func TestProcessFoldsEveryConstituency(t *testing.T) {
	f := newFixture()

	if err := f.svc.Process(context.Background(), testJob()); err != nil {
		t.Fatalf("обработка не должна падать: %v", err)
	}
	if f.scorer.calls != 1 {
		t.Fatalf("ожидали один вызов модели, получили %d", f.scorer.calls)
	}
	if len(f.predictions.applied) != 2 {
		t.Fatalf("ожидали вливание в два округа, получили %d", len(f.predictions.applied))
	}
	first := f.predictions.applied[0]
	if first.Constituency != "Kolathur" || first.District != "Chennai" {
		t.Fatalf("дистрикт должен подтягиваться из справочника: %+v", first)
	}
	if first.Alliance != "DMK Alliance" || first.ContentID != "vid-1" {
		t.Fatalf("наблюдение привязано не к тому ключу: %+v", first)
	}
	if len(f.processed.admitted) != 1 || f.processed.admitted[0].SentimentScore != 0.4 {
		t.Fatalf("допуск должен фиксироваться один раз с оценкой модели: %+v", f.processed.admitted)
	}
	if len(f.jobs.completed) != 1 || f.jobs.completed[0] != "job-1" {
		t.Fatalf("задача должна быть зафиксирована: %+v", f.jobs.completed)
	}
	if len(f.jobs.failed) != 0 || len(f.deadLetters.recorded) != 0 {
		t.Fatalf("успешная задача не должна попадать в карантин")
	}

	var names []string
	for _, s := range f.samples.recorded {
		names = append(names, s.Name)
	}
	if len(names) != 2 || names[0] != domain.MetricProcessingLatencyMS || names[1] != domain.MetricSentimentScore {
		t.Fatalf("ожидали точки латентности и тональности, получили %v", names)
	}
}

func TestProcessStateWideFallback(t *testing.T) {
	f := newFixture()
	job := testJob()
	job.Item.Constituencies = nil

	if err := f.svc.Process(context.Background(), job); err != nil {
		t.Fatalf("обработка не должна падать: %v", err)
	}
	if len(f.predictions.applied) != 1 || f.predictions.applied[0].Constituency != domain.ConstituencyStateWide {
		t.Fatalf("без округов наблюдение идёт в State_Wide: %+v", f.predictions.applied)
	}
}

func TestProcessDuplicateShortCircuit(t *testing.T) {
	f := newFixture()
	f.processed.seen = true

	if err := f.svc.Process(context.Background(), testJob()); err != nil {
		t.Fatalf("дубль — штатный исход: %v", err)
	}
	if f.scorer.calls != 0 {
		t.Fatalf("дубль не должен тратить инференс, вызовов: %d", f.scorer.calls)
	}
	if len(f.predictions.applied) != 0 {
		t.Fatalf("дубль не должен вливаться в прогнозы")
	}
	if len(f.jobs.completed) != 1 {
		t.Fatalf("дубль фиксируется как done: %+v", f.jobs.completed)
	}
	if len(f.samples.recorded) != 1 || f.samples.recorded[0].Name != domain.MetricDuplicateSkipped {
		t.Fatalf("ожидали точку пропуска дубля, получили %+v", f.samples.recorded)
	}
	if stage := f.samples.recorded[0].Dimensions["stage"]; stage != "worker" {
		t.Fatalf("пропуск на этапе воркера, получили %v", stage)
	}
}

func TestProcessAdmitRaceCompletesAsDuplicate(t *testing.T) {
	f := newFixture()
	f.processed.admitResult = false

	if err := f.svc.Process(context.Background(), testJob()); err != nil {
		t.Fatalf("проигрыш гонки допуска — штатный исход: %v", err)
	}
	if len(f.predictions.applied) != 2 {
		t.Fatalf("вливания выполняются до допуска, получили %d", len(f.predictions.applied))
	}
	if len(f.jobs.completed) != 1 {
		t.Fatalf("задача фиксируется как done даже при проигрыше гонки")
	}
	if len(f.jobs.failed) != 0 {
		t.Fatalf("проигрыш гонки — не сбой")
	}
}

func TestProcessPoisonPayloadGoesStraightToQuarantine(t *testing.T) {
	f := newFixture()
	job := testJob()
	job.Item.Title = ""
	job.Item.Transcript = ""
	job.Item.Comments = nil

	err := f.svc.Process(context.Background(), job)
	if err == nil {
		t.Fatalf("payload без текста должен давать ошибку")
	}
	if domain.ClassifyFailure(err) != domain.FailureParse {
		t.Fatalf("ожидали parse-сбой, получили %v", err)
	}
	if f.scorer.calls != 0 {
		t.Fatalf("отравленный payload не должен доходить до модели")
	}
	if len(f.deadLetters.recorded) != 1 {
		t.Fatalf("ожидали одну запись карантина, получили %d", len(f.deadLetters.recorded))
	}
	entry := f.deadLetters.recorded[0]
	if entry.ErrorType != domain.FailureParse || entry.OriginalJobID != "job-1" {
		t.Fatalf("запись карантина некорректна: %+v", entry)
	}
	if len(entry.Payload) == 0 {
		t.Fatalf("payload должен сохраняться для ручного разбора")
	}
	if len(f.jobs.failed) != 1 {
		t.Fatalf("задача должна быть помечена failed")
	}
	if len(f.jobs.completed) != 0 {
		t.Fatalf("отравленная задача не может быть done")
	}
}

func TestProcessRetriesTransientScorerFailures(t *testing.T) {
	f := newFixture()
	transient := domain.NewProcessingError(domain.FailureNetwork, errors.New("модель недоступна"))
	f.scorer.script = []error{transient, transient, nil}

	if err := f.svc.Process(context.Background(), testJob()); err != nil {
		t.Fatalf("после локальных повторов задача должна пройти: %v", err)
	}
	if f.scorer.calls != 3 {
		t.Fatalf("ожидали 3 вызова модели, получили %d", f.scorer.calls)
	}
	if len(f.jobs.completed) != 1 {
		t.Fatalf("задача должна быть зафиксирована")
	}
}

func TestProcessExhaustedRetriesQuarantine(t *testing.T) {
	f := newFixture()
	transient := domain.NewProcessingError(domain.FailureNetwork, errors.New("таймаут модели"))
	f.scorer.script = []error{transient, transient, transient, transient, transient}

	err := f.svc.Process(context.Background(), testJob())
	if err == nil {
		t.Fatalf("исчерпание повторов должно давать ошибку")
	}
	// Первая попытка плюс три локальных повтора.
	if f.scorer.calls != 4 {
		t.Fatalf("ожидали 4 вызова модели, получили %d", f.scorer.calls)
	}
	if len(f.deadLetters.recorded) != 1 || f.deadLetters.recorded[0].ErrorType != domain.FailureNetwork {
		t.Fatalf("ожидали network-запись карантина: %+v", f.deadLetters.recorded)
	}
	if len(f.jobs.failed) != 1 {
		t.Fatalf("задача должна быть помечена failed")
	}
}

func TestProcessBreakerOpenStopsLocalRetries(t *testing.T) {
	f := newFixture()
	open := domain.NewProcessingError(domain.FailureNetwork, fmt.Errorf("%w: предохранитель открыт", domain.ErrScorerUnavailable))
	f.scorer.script = []error{open, open, open, open}

	err := f.svc.Process(context.Background(), testJob())
	if err == nil {
		t.Fatalf("открытый предохранитель должен давать ошибку")
	}
	if f.scorer.calls != 1 {
		t.Fatalf("при открытом предохранителе повторы бессмысленны, вызовов: %d", f.scorer.calls)
	}
	if len(f.deadLetters.recorded) != 1 {
		t.Fatalf("задача должна уйти в карантин на автоповтор")
	}
}

func TestProcessFoldFailureQuarantinesAsPersistence(t *testing.T) {
	f := newFixture()
	f.predictions.applyErr = errors.New("соединение разорвано")

	err := f.svc.Process(context.Background(), testJob())
	if err == nil {
		t.Fatalf("сбой вливания должен давать ошибку")
	}
	if domain.ClassifyFailure(err) != domain.FailurePersistence {
		t.Fatalf("ожидали persistence-сбой, получили %v", err)
	}
	if len(f.deadLetters.recorded) != 1 || f.deadLetters.recorded[0].ErrorType != domain.FailurePersistence {
		t.Fatalf("запись карантина некорректна: %+v", f.deadLetters.recorded)
	}
}

func TestProcessLeaseLostPropagates(t *testing.T) {
	f := newFixture()
	f.jobs.completeErr = domain.ErrLeaseLost

	err := f.svc.Process(context.Background(), testJob())
	if !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("потеря лизы должна всплывать: %v", err)
	}
	if len(f.deadLetters.recorded) != 0 {
		t.Fatalf("потеря лизы — не повод для карантина")
	}
	if len(f.jobs.failed) != 0 {
		t.Fatalf("опоздавший воркер не трогает состояние задачи")
	}
}

func TestProcessRetryJobResolvesQuarantine(t *testing.T) {
	f := newFixture()
	job := testJob()
	job.ID = "job-2"
	job.RetryOf = "job-1"

	if err := f.svc.Process(context.Background(), job); err != nil {
		t.Fatalf("повтор должен пройти: %v", err)
	}
	if len(f.deadLetters.resolved) != 1 || f.deadLetters.resolved[0] != "job-1" {
		t.Fatalf("успешный повтор закрывает исходную запись: %+v", f.deadLetters.resolved)
	}
}

func TestProcessRetryFailureKeepsOriginalKey(t *testing.T) {
	f := newFixture()
	transient := domain.NewProcessingError(domain.FailureNetwork, errors.New("таймаут модели"))
	f.scorer.script = []error{transient, transient, transient, transient}
	job := testJob()
	job.ID = "job-2"
	job.RetryOf = "job-1"

	if err := f.svc.Process(context.Background(), job); err == nil {
		t.Fatalf("исчерпание повторов должно давать ошибку")
	}
	if len(f.deadLetters.recorded) != 1 || f.deadLetters.recorded[0].OriginalJobID != "job-1" {
		t.Fatalf("повторный сбой наращивает исходную запись: %+v", f.deadLetters.recorded)
	}
	if len(f.deadLetters.resolved) != 0 {
		t.Fatalf("сбойный повтор не закрывает запись")
	}
}
