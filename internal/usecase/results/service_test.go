package results

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"election-pulse/internal/domain"
)

type predictionRepoStub struct {
	preds []domain.ConstituencyPrediction
}

func (s *predictionRepoStub) ApplyObservation(context.Context, string, string, string, domain.Observation, string) (domain.ConstituencyPrediction, error) {
	return domain.ConstituencyPrediction{}, nil
}
func (s *predictionRepoStub) GetPrediction(context.Context, string, string) (domain.ConstituencyPrediction, error) {
	return domain.ConstituencyPrediction{}, domain.ErrPredictionNotFound
}
func (s *predictionRepoStub) ListFreshPredictions(_ context.Context, since time.Time) ([]domain.ConstituencyPrediction, error) {
	var fresh []domain.ConstituencyPrediction
	for _, p := range s.preds {
		if !p.LastUpdated.Before(since) {
			fresh = append(fresh, p)
		}
	}
	return fresh, nil
}
func (s *predictionRepoStub) ListConstituencyPredictions(_ context.Context, constituency string) ([]domain.ConstituencyPrediction, error) {
	var out []domain.ConstituencyPrediction
	for _, p := range s.preds {
		if p.ConstituencyName == constituency {
			out = append(out, p)
		}
	}
	return out, nil
}

type dlqRepoStub struct {
	entries  map[string]domain.DeadLetterEntry
	marked   []string
	resolved []string
}

func (s *dlqRepoStub) RecordFailure(_ context.Context, entry domain.DeadLetterEntry) (domain.DeadLetterEntry, error) {
	return entry, nil
}
func (s *dlqRepoStub) GetDeadLetter(_ context.Context, originalJobID string) (domain.DeadLetterEntry, error) {
	entry, ok := s.entries[originalJobID]
	if !ok {
		return domain.DeadLetterEntry{}, domain.ErrDeadLetterNotFound
	}
	return entry, nil
}
func (s *dlqRepoStub) ListUnresolved(context.Context, int) ([]domain.DeadLetterEntry, error) {
	var out []domain.DeadLetterEntry
	for _, e := range s.entries {
		if e.ResolvedAt == nil {
			out = append(out, e)
		}
	}
	return out, nil
}
func (s *dlqRepoStub) DueForRetry(context.Context, int, time.Duration, time.Time) ([]domain.DeadLetterEntry, error) {
	return nil, nil
}
func (s *dlqRepoStub) MarkRetry(_ context.Context, originalJobID string, _ time.Time) error {
	s.marked = append(s.marked, originalJobID)
	return nil
}
func (s *dlqRepoStub) Resolve(_ context.Context, originalJobID string) error {
	s.resolved = append(s.resolved, originalJobID)
	return nil
}
func (s *dlqRepoStub) Summary(context.Context) ([]domain.DeadLetterSummary, error) {
	return []domain.DeadLetterSummary{{ErrorType: domain.FailureNetwork, Count: 2}}, nil
}

type samplesRepoStub struct {
	since   time.Time
	samples []domain.MetricSample
}

func (s *samplesRepoStub) RecordSample(context.Context, domain.MetricSample) error { return nil }
func (s *samplesRepoStub) RecentSamples(_ context.Context, since time.Time, _ int) ([]domain.MetricSample, error) {
	s.since = since
	return s.samples, nil
}
func (s *samplesRepoStub) PruneSamples(context.Context, time.Time) (int64, error) { return 0, nil }

type jobsRepoStub struct {
	created []domain.Job
	counts  map[domain.JobStatus]int64
}

func (s *jobsRepoStub) CreateJob(_ context.Context, job domain.Job) (domain.Job, error) {
	job.ID = "retry-job-1"
	job.Status = domain.JobStatusPending
	s.created = append(s.created, job)
	return job, nil
}
func (s *jobsRepoStub) ClaimJob(context.Context, string, time.Duration) (domain.Job, bool, error) {
	return domain.Job{}, false, nil
}
func (s *jobsRepoStub) CompleteJob(context.Context, string, int64) error { return nil }
func (s *jobsRepoStub) FailJob(context.Context, string, int64) error     { return nil }
func (s *jobsRepoStub) ReclaimExpired(context.Context, int) (domain.ReclaimResult, error) {
	return domain.ReclaimResult{}, nil
}
func (s *jobsRepoStub) CountJobsByStatus(context.Context) (map[domain.JobStatus]int64, error) {
	return s.counts, nil
}
func (s *jobsRepoStub) GetJob(context.Context, string) (domain.Job, error) {
	return domain.Job{}, domain.ErrJobNotFound
}

type noticeStub struct {
	notices []domain.JobNotice
}

func (s *noticeStub) Publish(_ context.Context, notice domain.JobNotice) error {
	s.notices = append(s.notices, notice)
	return nil
}
func (s *noticeStub) Receive(context.Context) (domain.JobNotice, domain.JobAckFunc, error) {
	return domain.JobNotice{}, nil, errors.New("не используется")
}

type resultsRegistryStub struct{}

func (resultsRegistryStub) ResolveParty(string) string                { return domain.AllianceOthers }
func (resultsRegistryStub) IsAlliance(string) bool                    { return false }
func (resultsRegistryStub) DetectAlliance(domain.ContentItem) string  { return domain.AllianceUnknown }
func (resultsRegistryStub) Constituencies() []domain.ConstituencyInfo { return nil }
func (resultsRegistryStub) Alliances() []domain.AllianceInfo          { return nil }
func (resultsRegistryStub) Incumbent(constituency string) string {
	switch constituency {
	case "Kolathur":
		return "AIADMK_Front"
	case "Edappadi":
		return "aiadmk_front"
	}
	return ""
}
func (resultsRegistryStub) District(constituency string) string {
	if constituency == "Edappadi" {
		return "Salem"
	}
	return ""
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type resultsFixture struct {
	predictions *predictionRepoStub
	deadLetters *dlqRepoStub
	samples     *samplesRepoStub
	jobs        *jobsRepoStub
	transport   *noticeStub
	svc         *Service
}

func newResultsFixture() *resultsFixture {
	f := &resultsFixture{
		predictions: &predictionRepoStub{},
		deadLetters: &dlqRepoStub{entries: make(map[string]domain.DeadLetterEntry)},
		samples:     &samplesRepoStub{},
		jobs:        &jobsRepoStub{},
		transport:   &noticeStub{},
	}
	f.svc = NewService(f.predictions, f.deadLetters, f.samples, f.jobs, f.transport, resultsRegistryStub{}, domain.DecayRatePerDay, domain.FreshnessHorizonDays)
	f.svc.now = func() time.Time { return testNow }
	return f
}

func daysAgo(days int) time.Time {
	return testNow.Add(-time.Duration(days) * 24 * time.Hour)
}

func TestCurrentWinnersDecayOutweighsRawScore(t *testing.T) {
	f := newResultsFixture()
	f.predictions.preds = []domain.ConstituencyPrediction{
		{ConstituencyName: "Kolathur", District: "Chennai", Alliance: "DMK Front", SentimentScore: 0.5, ConfidenceWeight: 1.0, SourceCount: 4, LastUpdated: daysAgo(1)},
		{ConstituencyName: "Kolathur", District: "Chennai", Alliance: "AIADMK Front", SentimentScore: 0.9, ConfidenceWeight: 1.0, SourceCount: 2, LastUpdated: daysAgo(30)},
	}

	winners, err := f.svc.CurrentWinners(context.Background())
	if err != nil {
		t.Fatalf("чтение победителей: %v", err)
	}
	if len(winners) != 1 {
		t.Fatalf("ожидали одного победителя, получили %d", len(winners))
	}
	w := winners[0]
	if w.Alliance != "DMK Front" {
		t.Fatalf("свежий прогноз должен перевесить давний с большей оценкой, получили %s", w.Alliance)
	}
	if math.Abs(w.AdjustedConfidence-0.95) > 1e-9 {
		t.Fatalf("сутки затухания дают уверенность 0.95, получили %v", w.AdjustedConfidence)
	}
	if w.District != "Chennai" || w.SourceCount != 4 {
		t.Fatalf("строка победителя собрана неверно: %+v", w)
	}
}

func TestCurrentWinnersExcludesStaleConstituency(t *testing.T) {
	f := newResultsFixture()
	f.predictions.preds = []domain.ConstituencyPrediction{
		{ConstituencyName: "Kolathur", Alliance: "DMK Front", SentimentScore: 0.5, ConfidenceWeight: 1.0, LastUpdated: daysAgo(1)},
		{ConstituencyName: "Madurai East", Alliance: "DMK Front", SentimentScore: 0.8, ConfidenceWeight: 1.0, LastUpdated: daysAgo(91)},
	}

	winners, err := f.svc.CurrentWinners(context.Background())
	if err != nil {
		t.Fatalf("чтение победителей: %v", err)
	}
	if len(winners) != 1 || winners[0].ConstituencyName != "Kolathur" {
		t.Fatalf("округ старше горизонта не должен попадать в выдачу: %+v", winners)
	}
}

func TestCurrentWinnersFlipNormalizesNames(t *testing.T) {
	f := newResultsFixture()
	f.predictions.preds = []domain.ConstituencyPrediction{
		{ConstituencyName: "Kolathur", Alliance: "DMK Front", SentimentScore: 0.5, ConfidenceWeight: 1.0, LastUpdated: daysAgo(1)},
		{ConstituencyName: "Edappadi", Alliance: "AIADMK Front", SentimentScore: -0.2, ConfidenceWeight: 0.5, LastUpdated: daysAgo(2)},
	}

	winners, err := f.svc.CurrentWinners(context.Background())
	if err != nil {
		t.Fatalf("чтение победителей: %v", err)
	}
	if len(winners) != 2 {
		t.Fatalf("ожидали два округа, получили %d", len(winners))
	}
	// Выдача отсортирована по имени округа.
	edappadi, kolathur := winners[0], winners[1]
	if edappadi.Flip {
		t.Fatalf("совпадение с удержателем с точностью до регистра и подчёркиваний — не flip: %+v", edappadi)
	}
	if !kolathur.Flip || kolathur.Incumbent != "AIADMK_Front" {
		t.Fatalf("смена победителя относительно удержателя должна давать flip: %+v", kolathur)
	}
	if edappadi.District != "Salem" {
		t.Fatalf("пустой дистрикт строки дополняется справочником, получили %q", edappadi.District)
	}
}

func TestAllianceRollups(t *testing.T) {
	f := newResultsFixture()
	f.predictions.preds = []domain.ConstituencyPrediction{
		{ConstituencyName: "Kolathur", District: "Chennai", Alliance: "DMK Front", SentimentScore: 0.5, SourceCount: 4, ConfidenceWeight: 1, LastUpdated: daysAgo(1)},
		{ConstituencyName: "Madurai East", District: "Madurai", Alliance: "DMK Front", SentimentScore: 0.3, SourceCount: 2, ConfidenceWeight: 1, LastUpdated: daysAgo(3)},
		{ConstituencyName: "Kolathur", District: "Chennai", Alliance: "AIADMK Front", SentimentScore: 0.1, SourceCount: 1, ConfidenceWeight: 1, LastUpdated: daysAgo(2)},
	}

	rollups, err := f.svc.AllianceRollups(context.Background())
	if err != nil {
		t.Fatalf("чтение сводок: %v", err)
	}
	if len(rollups) != 2 {
		t.Fatalf("ожидали две сводки, получили %d", len(rollups))
	}
	top := rollups[0]
	if top.Alliance != "DMK Front" {
		t.Fatalf("сводки отсортированы по средней тональности, получили %s", top.Alliance)
	}
	if math.Abs(top.AvgSentiment-0.4) > 1e-9 || top.TotalSources != 6 {
		t.Fatalf("агрегаты сводки неверны: %+v", top)
	}
	if top.Constituencies != 2 || top.Districts != 2 {
		t.Fatalf("счётчики округов и дистриктов неверны: %+v", top)
	}
}

func TestConstituencyDetailLeaderFirst(t *testing.T) {
	f := newResultsFixture()
	f.predictions.preds = []domain.ConstituencyPrediction{
		{ConstituencyName: "Kolathur", Alliance: "AIADMK Front", SentimentScore: 0.9, ConfidenceWeight: 1.0, LastUpdated: daysAgo(30)},
		{ConstituencyName: "Kolathur", Alliance: "DMK Front", SentimentScore: 0.5, ConfidenceWeight: 1.0, LastUpdated: daysAgo(1)},
	}

	views, err := f.svc.ConstituencyDetail(context.Background(), "Kolathur")
	if err != nil {
		t.Fatalf("чтение округа: %v", err)
	}
	if len(views) != 2 || views[0].Alliance != "DMK Front" {
		t.Fatalf("лидер по взвешенной оценке должен идти первым: %+v", views)
	}
	if views[0].WeightedScore <= views[1].WeightedScore {
		t.Fatalf("порядок по взвешенной оценке нарушен: %v <= %v", views[0].WeightedScore, views[1].WeightedScore)
	}
}

func TestConstituencyDetailNotFound(t *testing.T) {
	f := newResultsFixture()
	if _, err := f.svc.ConstituencyDetail(context.Background(), "Nonexistent"); !errors.Is(err, domain.ErrPredictionNotFound) {
		t.Fatalf("пустой округ должен давать ErrPredictionNotFound, получили %v", err)
	}
}

func TestResolveDeadLetterRequeues(t *testing.T) {
	f := newResultsFixture()
	f.deadLetters.entries["job-9"] = domain.DeadLetterEntry{
		OriginalJobID: "job-9",
		FilePath:      "raw/video/v9.json",
		Payload:       []byte(`{"content_id":"v9","title":"митинг"}`),
	}

	job, err := f.svc.ResolveDeadLetter(context.Background(), "job-9", true)
	if err != nil {
		t.Fatalf("разрешение с повтором: %v", err)
	}
	if job.ID != "retry-job-1" || job.RetryOf != "job-9" {
		t.Fatalf("повторная задача должна ссылаться на исходную: %+v", job)
	}
	if len(f.jobs.created) != 1 || f.jobs.created[0].Item.ContentID != "v9" {
		t.Fatalf("payload записи должен стать элементом новой задачи: %+v", f.jobs.created)
	}
	if len(f.deadLetters.marked) != 1 || f.deadLetters.marked[0] != "job-9" {
		t.Fatalf("повтор должен быть отмечен: %+v", f.deadLetters.marked)
	}
	if len(f.deadLetters.resolved) != 1 || f.deadLetters.resolved[0] != "job-9" {
		t.Fatalf("запись должна быть разрешена: %+v", f.deadLetters.resolved)
	}
	if len(f.transport.notices) != 1 || f.transport.notices[0].JobID != "retry-job-1" {
		t.Fatalf("воркеры должны получить уведомление: %+v", f.transport.notices)
	}
}

func TestResolveDeadLetterWithoutRequeue(t *testing.T) {
	f := newResultsFixture()
	f.deadLetters.entries["job-9"] = domain.DeadLetterEntry{OriginalJobID: "job-9"}

	job, err := f.svc.ResolveDeadLetter(context.Background(), "job-9", false)
	if err != nil {
		t.Fatalf("разрешение без повтора: %v", err)
	}
	if job.ID != "" || len(f.jobs.created) != 0 {
		t.Fatalf("без повтора задача не создаётся")
	}
	if len(f.deadLetters.resolved) != 1 {
		t.Fatalf("запись должна быть разрешена")
	}
}

func TestResolveDeadLetterBadPayload(t *testing.T) {
	f := newResultsFixture()
	f.deadLetters.entries["job-9"] = domain.DeadLetterEntry{OriginalJobID: "job-9", Payload: []byte("{")}

	if _, err := f.svc.ResolveDeadLetter(context.Background(), "job-9", true); err == nil {
		t.Fatalf("неразбираемый payload нельзя ставить повторно")
	}
	if len(f.jobs.created) != 0 || len(f.deadLetters.resolved) != 0 {
		t.Fatalf("при ошибке payload запись остаётся как была")
	}
}

func TestResolveDeadLetterNotFound(t *testing.T) {
	f := newResultsFixture()
	if _, err := f.svc.ResolveDeadLetter(context.Background(), "missing", false); !errors.Is(err, domain.ErrDeadLetterNotFound) {
		t.Fatalf("ожидали ErrDeadLetterNotFound, получили %v", err)
	}
}

func TestMetricsWindowDefaultsToDay(t *testing.T) {
	f := newResultsFixture()
	f.samples.samples = []domain.MetricSample{{Name: domain.MetricJobsEnqueued, Value: 1}}

	samples, err := f.svc.MetricsWindow(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("чтение окна метрик: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("ожидали одну точку, получили %d", len(samples))
	}
	if !f.samples.since.Equal(testNow.Add(-24 * time.Hour)) {
		t.Fatalf("окно по умолчанию — сутки, получили %v", f.samples.since)
	}
}
