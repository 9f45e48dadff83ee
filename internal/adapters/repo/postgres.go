package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"election-pulse/internal/domain"
	"election-pulse/internal/infra/metrics"
)

// Postgres реализует репозитории конвейера на основе pgxpool.
type Postgres struct {
	pool         *pgxpool.Pool
	influenceCap float64
}

var (
	_ domain.JobRepo              = (*Postgres)(nil)
	_ domain.ProcessedContentRepo = (*Postgres)(nil)
	_ domain.PredictionRepo       = (*Postgres)(nil)
	_ domain.DeadLetterRepo       = (*Postgres)(nil)
	_ domain.MetricSampleRepo     = (*Postgres)(nil)
)

const (
	deadLetterMessageLimit = 1000
	defaultListLimit       = 100
	defaultSamplesLimit    = 500
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// SetInfluenceCap ограничивает сдвиг оценки одним наблюдением.
// Ноль отключает ограничение.
func (p *Postgres) SetInfluenceCap(maxShift float64) {
	p.influenceCap = maxShift
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var (
		job     domain.Job
		payload []byte
		retryOf sql.NullString
		claimed sql.NullString
		lease   sql.NullTime
	)
	err := scan(&job.ID, &job.Status, &job.FilePath, &payload, &retryOf, &job.Attempts, &claimed, &lease, &job.FencingToken, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Item); err != nil {
			return domain.Job{}, fmt.Errorf("декодирование payload задачи %s: %w", job.ID, err)
		}
	}
	if retryOf.Valid {
		job.RetryOf = retryOf.String
	}
	if claimed.Valid {
		job.ClaimedBy = claimed.String
	}
	if lease.Valid {
		ts := lease.Time
		job.LeaseExpiresAt = &ts
	}
	return job, nil
}

// CreateJob сохраняет задачу в состоянии pending.
func (p *Postgres) CreateJob(ctx context.Context, job domain.Job) (domain.Job, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = domain.JobStatusPending

	payload, err := json.Marshal(job.Item)
	if err != nil {
		return domain.Job{}, fmt.Errorf("кодирование payload задачи: %w", err)
	}

	start := time.Now()
	err = p.pool.QueryRow(ctx, `
INSERT INTO jobs (id, status, file_path, payload, retry_of, attempts, fencing_token, created_at, updated_at)
VALUES ($1, $2, $3, $4, NULLIF($5,''), 0, 0, now(), now())
RETURNING created_at, updated_at
`, job.ID, job.Status, job.FilePath, payload, job.RetryOf).Scan(&job.CreatedAt, &job.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "jobs_insert", "jobs", start, err)
	if err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// ClaimJob атомарно захватывает старейшую pending-задачу. SKIP LOCKED
// гарантирует, что конкурентные воркеры не столкнутся на одной строке.
func (p *Postgres) ClaimJob(ctx context.Context, workerID string, lease time.Duration) (domain.Job, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
UPDATE jobs SET
	status = 'processing',
	claimed_by = $1,
	lease_expires_at = now() + make_interval(secs => $2),
	attempts = attempts + 1,
	fencing_token = fencing_token + 1,
	updated_at = now()
WHERE id = (
	SELECT id FROM jobs
	WHERE status = 'pending'
	ORDER BY created_at
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING id, status, file_path, payload, retry_of, attempts, claimed_by, lease_expires_at, fencing_token, created_at, updated_at
`, workerID, lease.Seconds())
	job, err := scanJob(row.Scan)
	metrics.ObserveNetworkRequest("postgres", "jobs_claim", "jobs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	metrics.JobsClaimed.Inc()
	return job, true, nil
}

func (p *Postgres) finishJob(ctx context.Context, jobID string, fencingToken int64, status domain.JobStatus, operation string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE jobs SET status = $3, claimed_by = NULL, lease_expires_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'processing' AND fencing_token = $2
`, jobID, fencingToken, status)
	metrics.ObserveNetworkRequest("postgres", operation, "jobs", start, err)
	if err != nil {
		return err
	}
	if res.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	start = time.Now()
	err = p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "jobs_exists", "jobs", start, err)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrJobNotFound
	}
	return domain.ErrLeaseLost
}

// CompleteJob помечает задачу done при совпадении токена ограждения.
func (p *Postgres) CompleteJob(ctx context.Context, jobID string, fencingToken int64) error {
	return p.finishJob(ctx, jobID, fencingToken, domain.JobStatusDone, "jobs_complete")
}

// FailJob помечает задачу failed при совпадении токена ограждения.
func (p *Postgres) FailJob(ctx context.Context, jobID string, fencingToken int64) error {
	return p.finishJob(ctx, jobID, fencingToken, domain.JobStatusFailed, "jobs_fail")
}

// ReclaimExpired возвращает просроченные processing-задачи в очередь,
// а исчерпавшие попытки переводит в failed и отдаёт на карантин.
func (p *Postgres) ReclaimExpired(ctx context.Context, maxAttempts int) (domain.ReclaimResult, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var result domain.ReclaimResult

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "jobs", start, err)
	if err != nil {
		return result, err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	rows, err := tx.Query(ctx, `
UPDATE jobs SET status = 'failed', claimed_by = NULL, lease_expires_at = NULL, updated_at = now()
WHERE status = 'processing' AND lease_expires_at < now() AND attempts >= $1
RETURNING id, status, file_path, payload, retry_of, attempts, claimed_by, lease_expires_at, fencing_token, created_at, updated_at
`, maxAttempts)
	metrics.ObserveNetworkRequest("postgres", "jobs_reclaim_exhausted", "jobs", start, err)
	if err != nil {
		return result, err
	}
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			rows.Close()
			return result, err
		}
		result.Exhausted = append(result.Exhausted, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return result, err
	}

	start = time.Now()
	res, err := tx.Exec(ctx, `
UPDATE jobs SET status = 'pending', claimed_by = NULL, lease_expires_at = NULL, updated_at = now()
WHERE status = 'processing' AND lease_expires_at < now() AND attempts < $1
`, maxAttempts)
	metrics.ObserveNetworkRequest("postgres", "jobs_reclaim_requeue", "jobs", start, err)
	if err != nil {
		return result, err
	}
	result.Requeued = int(res.RowsAffected())

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit_tx", "jobs", start, err)
	if err != nil {
		return result, err
	}
	return result, nil
}

// CountJobsByStatus возвращает глубину очереди по состояниям.
func (p *Postgres) CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	metrics.ObserveNetworkRequest("postgres", "jobs_count_by_status", "jobs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int64)
	for rows.Next() {
		var (
			status domain.JobStatus
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// GetJob возвращает задачу по идентификатору.
func (p *Postgres) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, status, file_path, payload, retry_of, attempts, claimed_by, lease_expires_at, fencing_token, created_at, updated_at
FROM jobs WHERE id = $1
`, jobID)
	job, err := scanJob(row.Scan)
	metrics.ObserveNetworkRequest("postgres", "jobs_get", "jobs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// Admit допускает пару (content_id, alliance) к обработке. Ровно один из
// конкурентных вызовов получает true, остальные false без ошибки.
func (p *Postgres) Admit(ctx context.Context, rec domain.ProcessedContentRecord) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now().UTC()
	}

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
INSERT INTO processed_content (content_id, content_type, alliance, file_path, sentiment_score, processed_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (content_id, alliance) DO NOTHING
`, rec.ContentID, rec.ContentType, rec.Alliance, rec.FilePath, rec.SentimentScore, rec.ProcessedAt)
	metrics.ObserveNetworkRequest("postgres", "processed_content_admit", "processed_content", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// AlreadyProcessed проверяет, была ли пара обработана раньше.
func (p *Postgres) AlreadyProcessed(ctx context.Context, contentID, alliance string) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var exists bool
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM processed_content WHERE content_id = $1 AND alliance = $2)
`, contentID, alliance).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "processed_content_exists", "processed_content", start, err)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func scanPrediction(scan func(dest ...any) error) (domain.ConstituencyPrediction, error) {
	var (
		pred      domain.ConstituencyPrediction
		district  sql.NullString
		sourceIDs []byte
	)
	err := scan(&pred.ConstituencyName, &district, &pred.Alliance, &pred.SentimentScore, &pred.ConfidenceWeight, &pred.ModelVersion, &sourceIDs, &pred.SourceCount, &pred.LastUpdated, &pred.CreatedAt)
	if err != nil {
		return domain.ConstituencyPrediction{}, err
	}
	if district.Valid {
		pred.District = district.String
	}
	if len(sourceIDs) > 0 {
		if err := json.Unmarshal(sourceIDs, &pred.SourceIDs); err != nil {
			return domain.ConstituencyPrediction{}, fmt.Errorf("декодирование source_ids: %w", err)
		}
	}
	return pred, nil
}

// ApplyObservation вливает наблюдение в прогноз пары (округ, альянс).
// Строка блокируется на время пересчёта, поэтому конкурентные вливания
// сериализуются и потерянных обновлений не бывает.
func (p *Postgres) ApplyObservation(ctx context.Context, constituency, district, alliance string, obs domain.Observation, contentID string) (domain.ConstituencyPrediction, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "constituency_predictions", start, err)
	if err != nil {
		return domain.ConstituencyPrediction{}, err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	_, err = tx.Exec(ctx, `
INSERT INTO constituency_predictions (constituency_name, district, alliance, sentiment_score, confidence_weight, model_version, source_ids, source_count, last_updated, created_at)
VALUES ($1, NULLIF($2,''), $3, 0, 0, $4, '[]'::jsonb, 0, now(), now())
ON CONFLICT (constituency_name, alliance) DO NOTHING
`, constituency, district, alliance, obs.ModelVersion)
	metrics.ObserveNetworkRequest("postgres", "predictions_seed", "constituency_predictions", start, err)
	if err != nil {
		return domain.ConstituencyPrediction{}, err
	}

	start = time.Now()
	row := tx.QueryRow(ctx, `
SELECT constituency_name, district, alliance, sentiment_score, confidence_weight, model_version, source_ids, source_count, last_updated, created_at
FROM constituency_predictions
WHERE constituency_name = $1 AND alliance = $2
FOR UPDATE
`, constituency, alliance)
	prev, err := scanPrediction(row.Scan)
	metrics.ObserveNetworkRequest("postgres", "predictions_get_for_update", "constituency_predictions", start, err)
	if err != nil {
		return domain.ConstituencyPrediction{}, err
	}

	next := domain.FoldObservation(prev, obs, contentID, time.Now().UTC())
	if p.influenceCap > 0 {
		next.SentimentScore = domain.CapScoreShift(prev.SentimentScore, next.SentimentScore, p.influenceCap)
	}
	if next.District == "" {
		next.District = district
	}

	sourceIDs, err := json.Marshal(next.SourceIDs)
	if err != nil {
		return domain.ConstituencyPrediction{}, fmt.Errorf("кодирование source_ids: %w", err)
	}

	start = time.Now()
	_, err = tx.Exec(ctx, `
UPDATE constituency_predictions SET
	district = COALESCE(NULLIF($3,''), district),
	sentiment_score = $4,
	confidence_weight = $5,
	model_version = $6,
	source_ids = $7,
	source_count = $8,
	last_updated = $9
WHERE constituency_name = $1 AND alliance = $2
`, constituency, alliance, next.District, next.SentimentScore, next.ConfidenceWeight, next.ModelVersion, sourceIDs, next.SourceCount, next.LastUpdated)
	metrics.ObserveNetworkRequest("postgres", "predictions_update", "constituency_predictions", start, err)
	if err != nil {
		return domain.ConstituencyPrediction{}, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit_tx", "constituency_predictions", start, err)
	if err != nil {
		return domain.ConstituencyPrediction{}, err
	}
	return next, nil
}

// GetPrediction возвращает прогноз пары (округ, альянс).
func (p *Postgres) GetPrediction(ctx context.Context, constituency, alliance string) (domain.ConstituencyPrediction, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT constituency_name, district, alliance, sentiment_score, confidence_weight, model_version, source_ids, source_count, last_updated, created_at
FROM constituency_predictions
WHERE constituency_name = $1 AND alliance = $2
`, constituency, alliance)
	pred, err := scanPrediction(row.Scan)
	metrics.ObserveNetworkRequest("postgres", "predictions_get", "constituency_predictions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ConstituencyPrediction{}, domain.ErrPredictionNotFound
	}
	if err != nil {
		return domain.ConstituencyPrediction{}, err
	}
	return pred, nil
}

func (p *Postgres) listPredictions(ctx context.Context, operation, query string, args ...any) ([]domain.ConstituencyPrediction, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", operation, "constituency_predictions", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var preds []domain.ConstituencyPrediction
	for rows.Next() {
		pred, err := scanPrediction(rows.Scan)
		if err != nil {
			return nil, err
		}
		preds = append(preds, pred)
	}
	return preds, rows.Err()
}

// ListFreshPredictions возвращает прогнозы, обновлённые не раньше since.
func (p *Postgres) ListFreshPredictions(ctx context.Context, since time.Time) ([]domain.ConstituencyPrediction, error) {
	return p.listPredictions(ctx, "predictions_list_fresh", `
SELECT constituency_name, district, alliance, sentiment_score, confidence_weight, model_version, source_ids, source_count, last_updated, created_at
FROM constituency_predictions
WHERE last_updated >= $1
ORDER BY constituency_name, alliance
`, since)
}

// ListConstituencyPredictions возвращает все прогнозы одного округа.
func (p *Postgres) ListConstituencyPredictions(ctx context.Context, constituency string) ([]domain.ConstituencyPrediction, error) {
	return p.listPredictions(ctx, "predictions_list_constituency", `
SELECT constituency_name, district, alliance, sentiment_score, confidence_weight, model_version, source_ids, source_count, last_updated, created_at
FROM constituency_predictions
WHERE constituency_name = $1
ORDER BY alliance
`, constituency)
}

func truncateMessage(message string) string {
	runes := []rune(message)
	if len(runes) <= deadLetterMessageLimit {
		return message
	}
	return string(runes[:deadLetterMessageLimit])
}

func scanDeadLetter(scan func(dest ...any) error) (domain.DeadLetterEntry, error) {
	var (
		entry     domain.DeadLetterEntry
		lastRetry sql.NullTime
		resolved  sql.NullTime
	)
	err := scan(&entry.ID, &entry.OriginalJobID, &entry.FilePath, &entry.ErrorMessage, &entry.ErrorType, &entry.Payload, &entry.FailedAt, &entry.RetryCount, &lastRetry, &resolved)
	if err != nil {
		return domain.DeadLetterEntry{}, err
	}
	if lastRetry.Valid {
		ts := lastRetry.Time
		entry.LastRetryAt = &ts
	}
	if resolved.Valid {
		ts := resolved.Time
		entry.ResolvedAt = &ts
	}
	return entry, nil
}

// RecordFailure создаёт запись карантина или наращивает счётчик повторов
// существующей. Повторный провал переоткрывает разрешённую запись.
func (p *Postgres) RecordFailure(ctx context.Context, entry domain.DeadLetterEntry) (domain.DeadLetterEntry, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}
	entry.ErrorMessage = truncateMessage(entry.ErrorMessage)

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO dead_letter_queue (original_job_id, file_path, error_message, error_type, payload, failed_at, retry_count)
VALUES ($1, $2, $3, $4, $5, $6, 0)
ON CONFLICT (original_job_id) DO UPDATE SET
	file_path = EXCLUDED.file_path,
	error_message = EXCLUDED.error_message,
	error_type = EXCLUDED.error_type,
	payload = EXCLUDED.payload,
	failed_at = EXCLUDED.failed_at,
	retry_count = dead_letter_queue.retry_count + 1,
	resolved_at = NULL
RETURNING id, original_job_id, file_path, error_message, error_type, payload, failed_at, retry_count, last_retry_at, resolved_at
`, entry.OriginalJobID, entry.FilePath, entry.ErrorMessage, entry.ErrorType, entry.Payload, entry.FailedAt)
	stored, err := scanDeadLetter(row.Scan)
	metrics.ObserveNetworkRequest("postgres", "dead_letter_upsert", "dead_letter_queue", start, err)
	if err != nil {
		return domain.DeadLetterEntry{}, err
	}
	return stored, nil
}

// GetDeadLetter возвращает запись карантина по идентификатору исходной задачи.
func (p *Postgres) GetDeadLetter(ctx context.Context, originalJobID string) (domain.DeadLetterEntry, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, original_job_id, file_path, error_message, error_type, payload, failed_at, retry_count, last_retry_at, resolved_at
FROM dead_letter_queue
WHERE original_job_id = $1
`, originalJobID)
	entry, err := scanDeadLetter(row.Scan)
	metrics.ObserveNetworkRequest("postgres", "dead_letter_get", "dead_letter_queue", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DeadLetterEntry{}, domain.ErrDeadLetterNotFound
	}
	if err != nil {
		return domain.DeadLetterEntry{}, err
	}
	return entry, nil
}

// ListUnresolved возвращает неразрешённые записи карантина, свежие сверху.
func (p *Postgres) ListUnresolved(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if limit <= 0 {
		limit = defaultListLimit
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, original_job_id, file_path, error_message, error_type, payload, failed_at, retry_count, last_retry_at, resolved_at
FROM dead_letter_queue
WHERE resolved_at IS NULL
ORDER BY failed_at DESC
LIMIT $1
`, limit)
	metrics.ObserveNetworkRequest("postgres", "dead_letter_list", "dead_letter_queue", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DueForRetry возвращает записи с истёкшим окном экспоненциальной выдержки.
// Ошибки парсинга не повторяются: payload не станет разбираемым сам по себе.
func (p *Postgres) DueForRetry(ctx context.Context, ceiling int, backoffBase time.Duration, now time.Time) ([]domain.DeadLetterEntry, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, original_job_id, file_path, error_message, error_type, payload, failed_at, retry_count, last_retry_at, resolved_at
FROM dead_letter_queue
WHERE resolved_at IS NULL
  AND error_type <> 'parse'
  AND retry_count < $1
  AND COALESCE(last_retry_at, failed_at) + make_interval(secs => $2 * power(2, retry_count)) <= $3
ORDER BY failed_at
`, ceiling, backoffBase.Seconds(), now)
	metrics.ObserveNetworkRequest("postgres", "dead_letter_due", "dead_letter_queue", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkRetry отмечает автоматический повтор записи.
func (p *Postgres) MarkRetry(ctx context.Context, originalJobID string, at time.Time) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE dead_letter_queue SET last_retry_at = $2 WHERE original_job_id = $1
`, originalJobID, at)
	metrics.ObserveNetworkRequest("postgres", "dead_letter_mark_retry", "dead_letter_queue", start, err)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrDeadLetterNotFound
	}
	return nil
}

// Resolve ставит отметку разрешения. Повторное разрешение — no-op.
func (p *Postgres) Resolve(ctx context.Context, originalJobID string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE dead_letter_queue SET resolved_at = COALESCE(resolved_at, now()) WHERE original_job_id = $1
`, originalJobID)
	metrics.ObserveNetworkRequest("postgres", "dead_letter_resolve", "dead_letter_queue", start, err)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrDeadLetterNotFound
	}
	return nil
}

// Summary возвращает количество неразрешённых записей по видам сбоев.
func (p *Postgres) Summary(ctx context.Context) ([]domain.DeadLetterSummary, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT error_type, COUNT(*)
FROM dead_letter_queue
WHERE resolved_at IS NULL
GROUP BY error_type
ORDER BY COUNT(*) DESC
`)
	metrics.ObserveNetworkRequest("postgres", "dead_letter_summary", "dead_letter_queue", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []domain.DeadLetterSummary
	for rows.Next() {
		var s domain.DeadLetterSummary
		if err := rows.Scan(&s.ErrorType, &s.Count); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// RecordSample дописывает точку временного ряда здоровья конвейера.
func (p *Postgres) RecordSample(ctx context.Context, sample domain.MetricSample) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now().UTC()
	}

	var dimensions []byte
	if sample.Dimensions != nil {
		if data, err := json.Marshal(sample.Dimensions); err == nil {
			dimensions = data
		}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO metric_samples (metric_name, metric_value, dimensions, recorded_at)
VALUES ($1, $2, $3, $4)
`, sample.Name, sample.Value, dimensions, sample.RecordedAt)
	metrics.ObserveNetworkRequest("postgres", "metric_samples_insert", "metric_samples", start, err)
	return err
}

// RecentSamples возвращает точки ряда не старше since, новые сверху.
func (p *Postgres) RecentSamples(ctx context.Context, since time.Time, limit int) ([]domain.MetricSample, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if limit <= 0 {
		limit = defaultSamplesLimit
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT metric_name, metric_value, dimensions, recorded_at
FROM metric_samples
WHERE recorded_at >= $1
ORDER BY recorded_at DESC
LIMIT $2
`, since, limit)
	metrics.ObserveNetworkRequest("postgres", "metric_samples_recent", "metric_samples", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []domain.MetricSample
	for rows.Next() {
		var (
			sample     domain.MetricSample
			dimensions []byte
		)
		if err := rows.Scan(&sample.Name, &sample.Value, &dimensions, &sample.RecordedAt); err != nil {
			return nil, err
		}
		if len(dimensions) > 0 {
			if err := json.Unmarshal(dimensions, &sample.Dimensions); err != nil {
				return nil, fmt.Errorf("декодирование dimensions: %w", err)
			}
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// PruneSamples удаляет точки ряда старше порога.
func (p *Postgres) PruneSamples(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `DELETE FROM metric_samples WHERE recorded_at < $1`, olderThan)
	metrics.ObserveNetworkRequest("postgres", "metric_samples_prune", "metric_samples", start, err)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}
