package repo

import (
	"context"
	"time"

	"election-pulse/internal/infra/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    status           TEXT NOT NULL DEFAULT 'pending',
    file_path        TEXT NOT NULL DEFAULT '',
    payload          JSONB NOT NULL DEFAULT '{}'::jsonb,
    retry_of         TEXT,
    attempts         INTEGER NOT NULL DEFAULT 0,
    claimed_by       TEXT,
    lease_expires_at TIMESTAMPTZ,
    fencing_token    BIGINT NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_pending ON jobs (created_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs (lease_expires_at) WHERE status = 'processing';

CREATE TABLE IF NOT EXISTS processed_content (
    content_id      TEXT NOT NULL,
    content_type    TEXT NOT NULL,
    alliance        TEXT NOT NULL,
    file_path       TEXT NOT NULL DEFAULT '',
    sentiment_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    processed_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (content_id, alliance)
);

CREATE TABLE IF NOT EXISTS constituency_predictions (
    constituency_name TEXT NOT NULL,
    district          TEXT,
    alliance          TEXT NOT NULL,
    sentiment_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
    confidence_weight DOUBLE PRECISION NOT NULL DEFAULT 0,
    model_version     TEXT NOT NULL DEFAULT '',
    source_ids        JSONB NOT NULL DEFAULT '[]'::jsonb,
    source_count      INTEGER NOT NULL DEFAULT 0,
    last_updated      TIMESTAMPTZ NOT NULL DEFAULT now(),
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (constituency_name, alliance)
);

CREATE INDEX IF NOT EXISTS idx_predictions_last_updated ON constituency_predictions (last_updated);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
    id              BIGSERIAL PRIMARY KEY,
    original_job_id TEXT NOT NULL UNIQUE,
    file_path       TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    error_type      TEXT NOT NULL DEFAULT 'network',
    payload         JSONB,
    failed_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    retry_count     INTEGER NOT NULL DEFAULT 0,
    last_retry_at   TIMESTAMPTZ,
    resolved_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_dead_letter_open ON dead_letter_queue (failed_at) WHERE resolved_at IS NULL;

CREATE TABLE IF NOT EXISTS metric_samples (
    id           BIGSERIAL PRIMARY KEY,
    metric_name  TEXT NOT NULL,
    metric_value DOUBLE PRECISION NOT NULL,
    dimensions   JSONB,
    recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_metric_samples_recorded ON metric_samples (recorded_at);
`

// EnsureSchema применяет идемпотентный DDL конвейера. Вызывается при
// старте каждого бинаря, конкурентный запуск безопасен.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, schema)
	metrics.ObserveNetworkRequest("postgres", "ensure_schema", "schema", start, err)
	return err
}
