package domain

import (
	"math"
	"strings"
	"time"
)

const (
	// DecayRatePerDay — суточный коэффициент затухания уверенности на чтении.
	DecayRatePerDay = 0.95
	// FreshnessHorizonDays — горизонт свежести: более старые прогнозы не
	// попадают в текущие результаты.
	FreshnessHorizonDays = 90
	// MaxSourceIDs ограничивает список источников в строке прогноза,
	// полный счётчик хранится в SourceCount.
	MaxSourceIDs = 100
)

// FoldObservation вливает наблюдение в прогноз по формуле скользящего
// среднего, взвешенного уверенностью: каждое наблюдение сдвигает оценку
// пропорционально своей доле в накопленной массе уверенности.
//
//	C' = C + c
//	w  = c / (C + c)
//	S' = S*(1-w) + s*w
//	n' = n + 1
//
// Первое наблюдение проходит той же формулой: при C = 0 вес w равен 1 и
// оценка принимает значение наблюдения. Наблюдение с нулевой уверенностью
// увеличивает счётчик источников, но не двигает оценку. Повторное вливание
// уже учтённого идентификатора контента возвращает прогноз без изменений.
func FoldObservation(prev ConstituencyPrediction, obs Observation, contentID string, now time.Time) ConstituencyPrediction {
	if contentID != "" {
		for _, seen := range prev.SourceIDs {
			if seen == contentID {
				return prev
			}
		}
	}
	next := prev
	score := clamp(obs.Score, -1, 1)
	confidence := clamp(obs.Confidence, 0, 1)

	total := prev.ConfidenceWeight + confidence
	if total > 0 {
		w := confidence / total
		next.SentimentScore = clamp(prev.SentimentScore*(1-w)+score*w, -1, 1)
	}
	next.ConfidenceWeight = total
	next.SourceCount = prev.SourceCount + 1
	next.SourceIDs = AppendSourceID(prev.SourceIDs, contentID)
	if obs.ModelVersion != "" {
		next.ModelVersion = obs.ModelVersion
	}
	next.LastUpdated = now
	return next
}

// CapScoreShift ограничивает сдвиг оценки одним наблюдением. Применяется
// только при включённом ограничении влияния, по умолчанию сдвиг не ограничен.
func CapScoreShift(prevScore, nextScore, maxShift float64) float64 {
	if maxShift <= 0 {
		return nextScore
	}
	delta := nextScore - prevScore
	if delta > maxShift {
		return clamp(prevScore+maxShift, -1, 1)
	}
	if delta < -maxShift {
		return clamp(prevScore-maxShift, -1, 1)
	}
	return nextScore
}

// AppendSourceID добавляет идентификатор источника с семантикой множества,
// сохраняя не более MaxSourceIDs последних значений.
func AppendSourceID(ids []string, id string) []string {
	if id == "" {
		return ids
	}
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	out := append(append([]string(nil), ids...), id)
	if len(out) > MaxSourceIDs {
		out = out[len(out)-MaxSourceIDs:]
	}
	return out
}

// AdjustedConfidence применяет затухание свежести: уверенность, приведённая
// к [0,1], дисконтируется за каждые прошедшие сутки. Значение строго убывает
// с возрастом, стремится к нулю и не бывает отрицательным.
func AdjustedConfidence(confidenceWeight float64, lastUpdated, now time.Time, ratePerDay float64) float64 {
	base := confidenceWeight
	if base > 1 {
		base = 1
	}
	if base < 0 {
		base = 0
	}
	if ratePerDay <= 0 || ratePerDay > 1 {
		ratePerDay = DecayRatePerDay
	}
	days := now.Sub(lastUpdated).Hours() / 24
	if days <= 0 {
		return base
	}
	return base * math.Pow(ratePerDay, days)
}

// NormalizeAlliance приводит название альянса к сравнимому виду: регистр,
// подчёркивания и лишние пробелы не влияют на сравнение.
func NormalizeAlliance(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, "_", " ")
	return strings.Join(strings.Fields(s), " ")
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
