package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type migration struct {
	name  string
	query string
}

var migrations = []migration{
	{name: "create_exams", query: `CREATE TABLE IF NOT EXISTS exams (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    total_marks DOUBLE PRECISION NOT NULL DEFAULT 0,
    positive_marks DOUBLE PRECISION NOT NULL DEFAULT 1,
    negative_marks DOUBLE PRECISION NOT NULL DEFAULT 0,
    normalization_method TEXT NOT NULL DEFAULT 'z_score',
    normalization_config JSONB NOT NULL DEFAULT '{}'::jsonb,
    normalization_enabled BOOLEAN NOT NULL DEFAULT TRUE,
    re_norm_threshold DOUBLE PRECISION NOT NULL DEFAULT 5,
    last_normalized_at TIMESTAMPTZ,
    last_ranked_at TIMESTAMPTZ,
    subs_at_last_normalization INTEGER NOT NULL DEFAULT 0,
    total_submissions INTEGER NOT NULL DEFAULT 0,
    global_count INTEGER NOT NULL DEFAULT 0,
    global_mean DOUBLE PRECISION NOT NULL DEFAULT 0,
    global_std_dev DOUBLE PRECISION NOT NULL DEFAULT 0,
    global_min DOUBLE PRECISION NOT NULL DEFAULT 0,
    global_max DOUBLE PRECISION NOT NULL DEFAULT 0,
    percentile_table JSONB NOT NULL DEFAULT '[]'::jsonb,
    status TEXT NOT NULL DEFAULT 'ACTIVE',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`},
	{name: "create_shifts", query: `CREATE TABLE IF NOT EXISTS shifts (
    id TEXT PRIMARY KEY,
    exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
    shift_date DATE NOT NULL,
    session TEXT NOT NULL,
    candidate_count INTEGER NOT NULL DEFAULT 0,
    score_sum DOUBLE PRECISION NOT NULL DEFAULT 0,
    score_sum_sq DOUBLE PRECISION NOT NULL DEFAULT 0,
    mean_raw_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    std_dev_raw_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    min_raw_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    max_raw_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    stats_updated_at TIMESTAMPTZ
)`},
	{name: "create_submissions", query: `CREATE TABLE IF NOT EXISTS submissions (
    id TEXT PRIMARY KEY,
    exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
    shift_id TEXT NOT NULL REFERENCES shifts(id) ON DELETE CASCADE,
    roll_number TEXT NOT NULL,
    candidate_name TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL,
    state TEXT,
    raw_score DOUBLE PRECISION NOT NULL,
    correct_count INTEGER NOT NULL DEFAULT 0,
    wrong_count INTEGER NOT NULL DEFAULT 0,
    unattempted_count INTEGER NOT NULL DEFAULT 0,
    section_scores JSONB NOT NULL DEFAULT '{}'::jsonb,
    normalized_score DOUBLE PRECISION,
    overall_rank INTEGER,
    category_rank INTEGER,
    shift_rank INTEGER,
    state_rank INTEGER,
    overall_percentile DOUBLE PRECISION,
    category_percentile DOUBLE PRECISION,
    shift_percentile DOUBLE PRECISION,
    normalization_state TEXT NOT NULL DEFAULT 'RAW_ONLY',
    status TEXT NOT NULL DEFAULT 'PROCESSED',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (exam_id, roll_number)
)`},
	{name: "add_submissions_in_shift_stats", query: `ALTER TABLE submissions ADD COLUMN IF NOT EXISTS in_shift_stats BOOLEAN NOT NULL DEFAULT FALSE`},
	{name: "index_submissions_shift_score", query: `CREATE INDEX IF NOT EXISTS idx_submissions_shift_raw ON submissions (shift_id, raw_score DESC, id)`},
	{name: "index_submissions_exam_score", query: `CREATE INDEX IF NOT EXISTS idx_submissions_exam_score ON submissions (exam_id, (COALESCE(normalized_score, raw_score)) DESC)`},
	{name: "create_normalization_jobs", query: `CREATE TABLE IF NOT EXISTS normalization_jobs (
    id TEXT PRIMARY KEY,
    exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
    type TEXT NOT NULL,
    status TEXT NOT NULL,
    total INTEGER NOT NULL DEFAULT 0,
    processed INTEGER NOT NULL DEFAULT 0,
    skipped INTEGER NOT NULL DEFAULT 0,
    errors JSONB NOT NULL DEFAULT '[]'::jsonb,
    error_message TEXT,
    cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ
)`},
	{name: "index_normalization_jobs_active", query: `CREATE UNIQUE INDEX IF NOT EXISTS idx_normalization_jobs_active ON normalization_jobs (exam_id) WHERE status IN ('QUEUED', 'PROCESSING')`},
}

// RunMigrations applies the schema idempotently.
func RunMigrations(ctx context.Context, db *sqlx.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m.query); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		logger.Debug("migration applied", zap.String("name", m.name))
	}
	logger.Info("database migrations completed", zap.Int("count", len(migrations)))
	return nil
}
