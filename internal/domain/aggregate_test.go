package domain

import (
	"math"
	"strconv"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestFoldObservationBlend(t *testing.T) {
	now := time.Now().UTC()
	first := FoldObservation(ConstituencyPrediction{}, Observation{Score: 0.4, Confidence: 0.8}, "vid-1", now)
	if !almostEqual(first.SentimentScore, 0.4) {
		t.Fatalf("первое наблюдение должно задать оценку 0.4, получили %v", first.SentimentScore)
	}
	if !almostEqual(first.ConfidenceWeight, 0.8) {
		t.Fatalf("ожидали массу уверенности 0.8, получили %v", first.ConfidenceWeight)
	}

	second := FoldObservation(first, Observation{Score: -0.2, Confidence: 0.2}, "vid-2", now)
	if !almostEqual(second.SentimentScore, 0.28) {
		t.Fatalf("ожидали оценку 0.28, получили %v", second.SentimentScore)
	}
	if !almostEqual(second.ConfidenceWeight, 1.0) {
		t.Fatalf("ожидали массу уверенности 1.0, получили %v", second.ConfidenceWeight)
	}
	if second.SourceCount != 2 {
		t.Fatalf("ожидали 2 источника, получили %d", second.SourceCount)
	}
	if len(second.SourceIDs) != 2 {
		t.Fatalf("ожидали 2 идентификатора источников, получили %d", len(second.SourceIDs))
	}
}

func TestFoldObservationConvergesToMean(t *testing.T) {
	scores := []float64{0.9, -0.3, 0.6, 0.2}
	want := 0.0
	for _, s := range scores {
		want += s
	}
	want /= float64(len(scores))

	now := time.Now().UTC()
	permutations := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{1, 3, 0, 2},
		{2, 0, 3, 1},
	}
	for _, order := range permutations {
		pred := ConstituencyPrediction{}
		for i, idx := range order {
			pred = FoldObservation(pred, Observation{Score: scores[idx], Confidence: 0.5}, "src-"+strconv.Itoa(idx), now)
			if pred.SourceCount != i+1 {
				t.Fatalf("счётчик источников должен расти на каждое наблюдение")
			}
		}
		if !almostEqual(pred.SentimentScore, want) {
			t.Fatalf("порядок %v: ожидали среднее %v, получили %v", order, want, pred.SentimentScore)
		}
	}
}

func TestFoldObservationRepeatedContentID(t *testing.T) {
	now := time.Now().UTC()
	first := FoldObservation(ConstituencyPrediction{}, Observation{Score: 0.4, Confidence: 0.8}, "vid-1", now)
	again := FoldObservation(first, Observation{Score: -0.9, Confidence: 1}, "vid-1", now.Add(time.Hour))
	if !almostEqual(again.SentimentScore, first.SentimentScore) {
		t.Fatalf("повторный контент не должен двигать оценку: %v != %v", again.SentimentScore, first.SentimentScore)
	}
	if again.SourceCount != first.SourceCount {
		t.Fatalf("повторный контент не должен увеличивать счётчик источников")
	}
	if !again.LastUpdated.Equal(first.LastUpdated) {
		t.Fatalf("повторный контент не должен обновлять метку времени")
	}
}

func TestFoldObservationZeroConfidence(t *testing.T) {
	now := time.Now().UTC()
	prev := ConstituencyPrediction{SentimentScore: 0.5, ConfidenceWeight: 0.6, SourceCount: 3}
	next := FoldObservation(prev, Observation{Score: -0.9, Confidence: 0}, "c1", now)
	if !almostEqual(next.SentimentScore, 0.5) {
		t.Fatalf("наблюдение с нулевой уверенностью не должно двигать оценку, получили %v", next.SentimentScore)
	}
	if next.SourceCount != 4 {
		t.Fatalf("счётчик источников должен увеличиться")
	}
}

func TestFoldObservationClampsInput(t *testing.T) {
	now := time.Now().UTC()
	pred := FoldObservation(ConstituencyPrediction{}, Observation{Score: 7, Confidence: 3}, "c1", now)
	if pred.SentimentScore > 1 || pred.SentimentScore < -1 {
		t.Fatalf("оценка вышла за [-1,1]: %v", pred.SentimentScore)
	}
	if pred.ConfidenceWeight > 1 {
		t.Fatalf("уверенность наблюдения должна быть урезана до 1, получили %v", pred.ConfidenceWeight)
	}
}

func TestAppendSourceIDSetSemantics(t *testing.T) {
	ids := AppendSourceID(nil, "a")
	ids = AppendSourceID(ids, "b")
	ids = AppendSourceID(ids, "a")
	if len(ids) != 2 {
		t.Fatalf("повторный идентификатор не должен добавляться, получили %v", ids)
	}
}

func TestAppendSourceIDCap(t *testing.T) {
	var ids []string
	for i := 0; i < MaxSourceIDs+20; i++ {
		ids = AppendSourceID(ids, "id-"+strconv.Itoa(i))
	}
	if len(ids) > MaxSourceIDs {
		t.Fatalf("список источников превысил предел: %d", len(ids))
	}
}

func TestCapScoreShift(t *testing.T) {
	if got := CapScoreShift(0, 0.02, 0.05); !almostEqual(got, 0.02) {
		t.Fatalf("малый сдвиг не должен ограничиваться, получили %v", got)
	}
	if got := CapScoreShift(0, 0.10, 0.05); !almostEqual(got, 0.05) {
		t.Fatalf("большой положительный сдвиг должен урезаться до 0.05, получили %v", got)
	}
	if got := CapScoreShift(0, -0.10, 0.05); !almostEqual(got, -0.05) {
		t.Fatalf("большой отрицательный сдвиг должен урезаться до -0.05, получили %v", got)
	}
	if got := CapScoreShift(0.5, 0.9, 0); !almostEqual(got, 0.9) {
		t.Fatalf("нулевой предел означает отсутствие ограничения, получили %v", got)
	}
}

func TestAdjustedConfidenceDecay(t *testing.T) {
	now := time.Now().UTC()
	fresh := AdjustedConfidence(0.8, now, now, DecayRatePerDay)
	if !almostEqual(fresh, 0.8) {
		t.Fatalf("свежий прогноз не должен дисконтироваться, получили %v", fresh)
	}

	prev := fresh
	for days := 1; days <= 120; days++ {
		cur := AdjustedConfidence(0.8, now.AddDate(0, 0, -days), now, DecayRatePerDay)
		if cur < 0 {
			t.Fatalf("уверенность не может быть отрицательной: %v на %d день", cur, days)
		}
		if cur >= prev {
			t.Fatalf("затухание должно строго убывать: день %d, %v >= %v", days, cur, prev)
		}
		prev = cur
	}
	if prev > 0.01 {
		t.Fatalf("после 120 дней уверенность должна стремиться к нулю, получили %v", prev)
	}
}

func TestAdjustedConfidenceClampsAccumulator(t *testing.T) {
	now := time.Now().UTC()
	got := AdjustedConfidence(3.4, now, now, DecayRatePerDay)
	if !almostEqual(got, 1.0) {
		t.Fatalf("накопленная масса выше единицы должна приводиться к 1.0, получили %v", got)
	}
}

func TestNormalizeAlliance(t *testing.T) {
	if NormalizeAlliance("DMK_Front") != NormalizeAlliance("dmk front") {
		t.Fatalf("подчёркивания и регистр не должны влиять на сравнение")
	}
	if NormalizeAlliance("  ADMK  Front ") != "admk front" {
		t.Fatalf("лишние пробелы должны схлопываться, получили %q", NormalizeAlliance("  ADMK  Front "))
	}
	if NormalizeAlliance("TVK_Front") == NormalizeAlliance("NTK") {
		t.Fatalf("разные альянсы не должны совпадать после нормализации")
	}
}
