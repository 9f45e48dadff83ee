package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"election-pulse/internal/domain"
	"election-pulse/internal/infra/metrics"
	"election-pulse/internal/infra/resilience"
)

// HTTPScorer вызывает внешнюю модель тональности по HTTP. Сбои
// классифицируются по видам: транспорт и 5xx — сетевые, отказ по входу
// и некорректный ответ — инференс.
type HTTPScorer struct {
	http         *http.Client
	baseURL      string
	token        string
	modelVersion string
	breaker      *resilience.CircuitBreaker
}

var _ domain.SentimentScorer = (*HTTPScorer)(nil)

// NewHTTPScorer создаёт клиента модели.
func NewHTTPScorer(baseURL, token string, timeout time.Duration, modelVersion string, breaker *resilience.CircuitBreaker) *HTTPScorer {
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPScorer{
		http:         &http.Client{Timeout: timeout + 5*time.Second},
		baseURL:      baseURL,
		token:        token,
		modelVersion: modelVersion,
		breaker:      breaker,
	}
}

type scoreRequest struct {
	ContentID   string   `json:"content_id"`
	Alliance    string   `json:"alliance"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Transcript  string   `json:"transcript,omitempty"`
	Comments    []string `json:"comments,omitempty"`
}

type scoreResponse struct {
	Score        float64 `json:"score"`
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"model_version,omitempty"`
}

type apiErrorResponse struct {
	Error string `json:"error"`
}

// Score оценивает элемент контента внешней моделью.
func (s *HTTPScorer) Score(ctx context.Context, item domain.ContentItem) (domain.Observation, error) {
	if s.baseURL == "" {
		return domain.Observation{}, domain.NewProcessingError(domain.FailureNetwork, fmt.Errorf("sentiment: базовый URL не задан"))
	}
	if err := s.breaker.Allow(); err != nil {
		return domain.Observation{}, domain.NewProcessingError(domain.FailureNetwork, fmt.Errorf("%w: %v", domain.ErrScorerUnavailable, err))
	}

	comments := make([]string, 0, len(item.Comments))
	for _, c := range item.Comments {
		if strings.TrimSpace(c.Text) != "" {
			comments = append(comments, c.Text)
		}
	}
	body, err := json.Marshal(scoreRequest{
		ContentID:   item.ContentID,
		Alliance:    item.TargetAlliance,
		Title:       item.Title,
		Description: item.Description,
		Transcript:  item.Transcript,
		Comments:    comments,
	})
	if err != nil {
		return domain.Observation{}, domain.NewProcessingError(domain.FailureParse, fmt.Errorf("sentiment: marshal request: %w", err))
	}

	endpoint := s.baseURL + "/score"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Observation{}, domain.NewProcessingError(domain.FailureNetwork, fmt.Errorf("sentiment: build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	start := time.Now()
	resp, err := s.http.Do(httpReq)
	if err != nil {
		metrics.ObserveNetworkRequest("sentiment", "score", s.modelVersion, start, err)
		s.breaker.Failure()
		return domain.Observation{}, domain.NewProcessingError(domain.FailureNetwork, fmt.Errorf("sentiment: do request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.ObserveNetworkRequest("sentiment", "score", s.modelVersion, start, err)
		s.breaker.Failure()
		return domain.Observation{}, domain.NewProcessingError(domain.FailureNetwork, fmt.Errorf("sentiment: read response: %w", err))
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		err = fmt.Errorf("sentiment: unexpected status %d", resp.StatusCode)
		metrics.ObserveNetworkRequest("sentiment", "score", s.modelVersion, start, err)
		s.breaker.Failure()
		return domain.Observation{}, domain.NewProcessingError(domain.FailureNetwork, err)
	}
	if resp.StatusCode >= 400 {
		var apiErr apiErrorResponse
		if jsonErr := json.Unmarshal(respBody, &apiErr); jsonErr == nil && apiErr.Error != "" {
			err = fmt.Errorf("sentiment: %s", apiErr.Error)
		} else {
			err = fmt.Errorf("sentiment: unexpected status %d", resp.StatusCode)
		}
		metrics.ObserveNetworkRequest("sentiment", "score", s.modelVersion, start, err)
		s.breaker.Success()
		return domain.Observation{}, domain.NewProcessingError(domain.FailureInference, err)
	}

	var parsed scoreResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		metrics.ObserveNetworkRequest("sentiment", "score", s.modelVersion, start, err)
		s.breaker.Success()
		return domain.Observation{}, domain.NewProcessingError(domain.FailureInference, fmt.Errorf("sentiment: decode response: %w", err))
	}
	if parsed.Score < -1 || parsed.Score > 1 || parsed.Confidence < 0 || parsed.Confidence > 1 {
		err = fmt.Errorf("sentiment: оценка вне диапазона: score=%f confidence=%f", parsed.Score, parsed.Confidence)
		metrics.ObserveNetworkRequest("sentiment", "score", s.modelVersion, start, err)
		s.breaker.Success()
		return domain.Observation{}, domain.NewProcessingError(domain.FailureInference, err)
	}

	metrics.ObserveNetworkRequest("sentiment", "score", s.modelVersion, start, nil)
	s.breaker.Success()

	version := parsed.ModelVersion
	if version == "" {
		version = s.modelVersion
	}
	return domain.Observation{
		Score:        parsed.Score,
		Confidence:   parsed.Confidence,
		ModelVersion: version,
	}, nil
}
