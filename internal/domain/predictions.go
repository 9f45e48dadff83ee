package domain

import "time"

// ConstituencyPrediction — агрегированная оценка по паре (округ, альянс).
// ConfidenceWeight — накопленная масса уверенности, используемая формулой
// скользящего среднего; на чтении она приводится к [0,1].
type ConstituencyPrediction struct {
	ConstituencyName string
	District         string
	Alliance         string
	SentimentScore   float64
	ConfidenceWeight float64
	ModelVersion     string
	SourceIDs        []string
	SourceCount      int
	LastUpdated      time.Time
	CreatedAt        time.Time
}

// ConstituencyWinner — строка витрины победителей: лидирующий альянс округа
// после применения затухания свежести.
type ConstituencyWinner struct {
	ConstituencyName   string    `json:"constituency_name"`
	District           string    `json:"district,omitempty"`
	Alliance           string    `json:"alliance"`
	SentimentScore     float64   `json:"sentiment_score"`
	AdjustedConfidence float64   `json:"adjusted_confidence"`
	SourceCount        int       `json:"source_count"`
	Incumbent          string    `json:"incumbent,omitempty"`
	Flip               bool      `json:"flip"`
	LastUpdated        time.Time `json:"last_updated"`
}

// AllianceRollup — сводка по альянсу поверх свежих прогнозов.
type AllianceRollup struct {
	Alliance       string  `json:"alliance"`
	AvgSentiment   float64 `json:"avg_sentiment"`
	TotalSources   int     `json:"total_sources"`
	Constituencies int     `json:"constituencies"`
	Districts      int     `json:"districts"`
}
