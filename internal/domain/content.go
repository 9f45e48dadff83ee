package domain

import "time"

// ContentType различает виды контента, поступающего из нормализатора.
type ContentType string

const (
	// ContentTypeVideo — ролик видеоплатформы с транскриптом и комментариями.
	ContentTypeVideo ContentType = "video"
	// ContentTypeNews — новостная статья.
	ContentTypeNews ContentType = "news"
)

// CommentSegment — пользовательский комментарий, участвующий в резервном скоринге.
type CommentSegment struct {
	Text  string `json:"text"`
	Likes int    `json:"likes,omitempty"`
}

// ContentItem — канонический элемент контента от внешнего нормализатора.
// После создания не изменяется; поля Constituencies и District заполняет
// приёмный слой при постановке задачи.
type ContentItem struct {
	ContentID        string           `json:"content_id"`
	ContentType      ContentType      `json:"content_type"`
	TargetAlliance   string           `json:"target_alliance"`
	Source           string           `json:"source,omitempty"`
	Title            string           `json:"title,omitempty"`
	Description      string           `json:"description,omitempty"`
	URL              string           `json:"url,omitempty"`
	PublishedAt      time.Time        `json:"published_at,omitempty"`
	Views            int64            `json:"views,omitempty"`
	DurationSec      int              `json:"duration_sec,omitempty"`
	Keywords         []string         `json:"keywords,omitempty"`
	LocationOverride string           `json:"location_override,omitempty"`
	Constituencies   []string         `json:"constituencies,omitempty"`
	Transcript       string           `json:"transcript,omitempty"`
	Comments         []CommentSegment `json:"comments,omitempty"`
	FilePath         string           `json:"file_path,omitempty"`
}

// Observation — результат модели тональности для одного элемента контента.
type Observation struct {
	Score        float64 `json:"score"`
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"model_version,omitempty"`
}

// ProcessedContentRecord фиксирует факт обработки пары (content_id, alliance).
// Запись создаётся ровно один раз при допуске и никогда не изменяется.
type ProcessedContentRecord struct {
	ContentID      string
	ContentType    ContentType
	Alliance       string
	FilePath       string
	SentimentScore float64
	ProcessedAt    time.Time
}
