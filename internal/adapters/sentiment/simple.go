package sentiment

import (
	"context"
	"math"
	"strings"
	"unicode"

	"election-pulse/internal/domain"
)

// SimpleScorer — резервный скоринг по ключевым словам, когда внешняя
// модель не сконфигурирована. Заголовок, описание и транскрипт весят
// втрое больше комментариев; комментарии усиливаются вовлечённостью.
type SimpleScorer struct {
	ModelVersion string
}

var _ domain.SentimentScorer = (*SimpleScorer)(nil)

const (
	authoritativeWeight = 3.0
	commentBaseWeight   = 1.0
	minCommentQuality   = 0.4
)

var positiveTokens = tokenSet(
	"good", "great", "excellent", "best", "win", "wins", "victory",
	"support", "develop", "development", "welfare", "progress", "growth",
	"strong", "success", "successful", "super", "massive", "popular",
	"vetri", "nalla", "sirappu", "thalaiva", "magizhchi",
)

var negativeTokens = tokenSet(
	"bad", "worst", "corrupt", "corruption", "scam", "fraud", "fail",
	"fails", "failure", "defeat", "lose", "loses", "useless", "betrayal",
	"scandal", "waste", "flop", "shame", "liar",
	"mosam", "dhrogam", "mosadi", "thookkam",
)

func tokenSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// NewSimple создаёт резервный скоринг.
func NewSimple(modelVersion string) *SimpleScorer {
	return &SimpleScorer{ModelVersion: modelVersion}
}

// Score оценивает элемент контента по ключевым словам.
func (s *SimpleScorer) Score(_ context.Context, item domain.ContentItem) (domain.Observation, error) {
	type segment struct {
		text   string
		weight float64
	}

	segments := []segment{
		{item.Title, authoritativeWeight},
		{item.Description, authoritativeWeight},
		{item.Transcript, authoritativeWeight},
	}
	for _, c := range item.Comments {
		quality := commentQuality(c.Text)
		if quality < minCommentQuality {
			continue
		}
		weight := commentBaseWeight * engagementWeight(c.Likes) * quality
		segments = append(segments, segment{c.Text, weight})
	}

	var posWeight, negWeight, totalWeight float64
	matchedSegments := 0
	for _, seg := range segments {
		if strings.TrimSpace(seg.text) == "" {
			continue
		}
		pos, neg := countMatches(seg.text)
		if pos == 0 && neg == 0 {
			continue
		}
		matchedSegments++
		posWeight += seg.weight * float64(pos)
		negWeight += seg.weight * float64(neg)
		totalWeight += seg.weight * float64(pos+neg)
	}

	if totalWeight == 0 {
		return domain.Observation{Score: 0, Confidence: 0, ModelVersion: s.ModelVersion}, nil
	}

	score := (posWeight - negWeight) / totalWeight
	score = math.Round(score*10000) / 10000

	confidence := 0.3 + 0.1*float64(matchedSegments)
	if confidence > 0.7 {
		confidence = 0.7
	}

	return domain.Observation{
		Score:        score,
		Confidence:   confidence,
		ModelVersion: s.ModelVersion,
	}, nil
}

func countMatches(text string) (pos, neg int) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		if _, ok := positiveTokens[w]; ok {
			pos++
		}
		if _, ok := negativeTokens[w]; ok {
			neg++
		}
	}
	return pos, neg
}

// engagementWeight усиливает комментарий логарифмом лайков.
func engagementWeight(likes int) float64 {
	if likes < 0 {
		likes = 0
	}
	return 1 + math.Log10(1+float64(likes))
}

// commentQuality оценивает пригодность комментария в [0,1]: штрафуются
// короткие реплики, сплошной верхний регистр, повторы символов и ссылки.
func commentQuality(text string) float64 {
	trimmed := strings.TrimSpace(text)
	runes := []rune(trimmed)
	if len(runes) < 3 {
		return 0
	}

	quality := 1.0
	if len(runes) < 10 {
		quality -= 0.3
	}

	letters, upper := 0, 0
	maxRun, run := 1, 1
	var prev rune
	for i, r := range runes {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
		if i > 0 && r == prev {
			run++
			if run > maxRun {
				maxRun = run
			}
		} else {
			run = 1
		}
		prev = r
	}

	if letters == 0 {
		return 0
	}
	if float64(upper)/float64(letters) > 0.7 {
		quality -= 0.3
	}
	if maxRun >= 4 {
		quality -= 0.3
	}
	if strings.Contains(trimmed, "http://") || strings.Contains(trimmed, "https://") {
		quality -= 0.2
	}

	if quality < 0 {
		return 0
	}
	return quality
}
