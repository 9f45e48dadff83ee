package ingest

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"election-pulse/internal/domain"
)

// Gate — входной контроль качества. Непройденный контент отклоняется до
// постановки задачи и не тратит инференс.
type Gate struct {
	MinVideoViews  int64
	MinDurationSec int
	MaxDurationSec int
}

// Темы, не несущие электорального сигнала.
var blockedTitleTokens = []string{
	"astrology", "horoscope", "rasi palan", "numerology",
	"movie review", "trailer", "teaser", "box office", "first look",
	"gossip", "recipe", "unboxing",
}

// Check возвращает причину отбраковки или пустую строку.
func (g Gate) Check(item domain.ContentItem) string {
	if strings.TrimSpace(item.Title) == "" &&
		strings.TrimSpace(item.Description) == "" &&
		strings.TrimSpace(item.Transcript) == "" &&
		len(item.Comments) == 0 {
		return "empty_content"
	}

	title := strings.ToLower(item.Title)
	for _, token := range blockedTitleTokens {
		if strings.Contains(title, token) {
			return "blocked_keyword"
		}
	}

	if item.ContentType == domain.ContentTypeVideo {
		if item.Views < g.MinVideoViews {
			return "low_views"
		}
		if item.DurationSec > 0 {
			if g.MinDurationSec > 0 && item.DurationSec < g.MinDurationSec {
				return "too_short"
			}
			if g.MaxDurationSec > 0 && item.DurationSec > g.MaxDurationSec {
				return "too_long"
			}
		}
	}
	return ""
}

// DeriveContentID строит стабильный идентификатор: заданный производителем,
// иначе хэш URL, иначе хэш метаданных.
func DeriveContentID(item domain.ContentItem) string {
	if id := strings.TrimSpace(item.ContentID); id != "" {
		return id
	}
	if url := strings.TrimSpace(item.URL); url != "" {
		sum := md5.Sum([]byte(url))
		return hex.EncodeToString(sum[:])[:16]
	}
	seed := fmt.Sprintf("%s|%s|%s|%d", item.ContentType, item.Title, item.Source, item.PublishedAt.Unix())
	sum := md5.Sum([]byte(seed))
	return hex.EncodeToString(sum[:])[:16]
}

// InferContentType определяет вид контента, когда производитель его не задал.
func InferContentType(item domain.ContentItem) domain.ContentType {
	switch item.ContentType {
	case domain.ContentTypeVideo, domain.ContentTypeNews:
		return item.ContentType
	}
	if item.DurationSec > 0 || item.Transcript != "" || len(item.Comments) > 0 {
		return domain.ContentTypeVideo
	}
	return domain.ContentTypeNews
}
