package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/exam-normalization-api/internal/models"
)

const examColumns = `id, name, total_marks, positive_marks, negative_marks, normalization_method, normalization_config,
normalization_enabled, re_norm_threshold, last_normalized_at, last_ranked_at, subs_at_last_normalization,
total_submissions, global_count, global_mean, global_std_dev, global_min, global_max, percentile_table,
status, created_at, updated_at`

// ExamRepository persists exams and their normalization bookkeeping.
type ExamRepository struct {
	db *sqlx.DB
}

// NewExamRepository constructs the repository.
func NewExamRepository(db *sqlx.DB) *ExamRepository {
	return &ExamRepository{db: db}
}

// FindByID returns an exam by identifier.
func (r *ExamRepository) FindByID(ctx context.Context, id string) (*models.Exam, error) {
	query := `SELECT ` + examColumns + ` FROM exams WHERE id = $1`
	var exam models.Exam
	if err := r.db.GetContext(ctx, &exam, query, id); err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	return &exam, nil
}

// ListActive returns every exam still accepting submissions.
func (r *ExamRepository) ListActive(ctx context.Context) ([]models.Exam, error) {
	query := `SELECT ` + examColumns + ` FROM exams WHERE status = $1 ORDER BY created_at ASC`
	var exams []models.Exam
	if err := r.db.SelectContext(ctx, &exams, query, models.ExamStatusActive); err != nil {
		return nil, fmt.Errorf("list active exams: %w", err)
	}
	return exams, nil
}

// AdjustSubmissionCount moves the running submission counter by delta.
func (r *ExamRepository) AdjustSubmissionCount(ctx context.Context, examID string, delta int) (int, error) {
	const query = `UPDATE exams SET total_submissions = GREATEST(total_submissions + $2, 0), updated_at = NOW()
WHERE id = $1 RETURNING total_submissions`
	var total int
	if err := r.db.GetContext(ctx, &total, query, examID, delta); err != nil {
		return 0, fmt.Errorf("adjust exam submission count: %w", err)
	}
	return total, nil
}

// UpdateGlobalStats stores the global raw-score aggregate and percentile table.
func (r *ExamRepository) UpdateGlobalStats(ctx context.Context, examID string, update models.ExamStatsUpdate) error {
	const query = `UPDATE exams SET global_count = $2, global_mean = $3, global_std_dev = $4, global_min = $5,
global_max = $6, percentile_table = $7, updated_at = NOW() WHERE id = $1`
	s := update.Summary
	if _, err := r.db.ExecContext(ctx, query, examID, s.Count, s.Mean, s.StdDev, s.Min, s.Max, update.PercentileTable); err != nil {
		return fmt.Errorf("update exam global stats: %w", err)
	}
	return nil
}

// MarkNormalized records a completed batch pass and resets the drift baseline.
func (r *ExamRepository) MarkNormalized(ctx context.Context, examID string, at time.Time, submissions int) error {
	const query = `UPDATE exams SET last_normalized_at = $2, subs_at_last_normalization = $3, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, examID, at, submissions); err != nil {
		return fmt.Errorf("mark exam normalized: %w", err)
	}
	return nil
}

// MarkRanked records the completion time of a full rank pass.
func (r *ExamRepository) MarkRanked(ctx context.Context, examID string, at time.Time) error {
	const query = `UPDATE exams SET last_ranked_at = $2, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, examID, at); err != nil {
		return fmt.Errorf("mark exam ranked: %w", err)
	}
	return nil
}

// ResetDriftBaseline zeroes the drift baseline so every submission counts as new.
func (r *ExamRepository) ResetDriftBaseline(ctx context.Context, examID string) error {
	const query = `UPDATE exams SET subs_at_last_normalization = 0, updated_at = NOW() WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, examID)
	if err != nil {
		return fmt.Errorf("reset exam drift baseline: %w", err)
	}
	return expectAffected(res, "reset exam drift baseline")
}

// UpdateSettings stores the admin-editable normalization settings.
func (r *ExamRepository) UpdateSettings(ctx context.Context, examID string, settings models.NormalizationSettings) error {
	const query = `UPDATE exams SET normalization_method = $2, normalization_config = $3, normalization_enabled = $4,
re_norm_threshold = $5, updated_at = NOW() WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, examID, settings.Method, settings.Config, settings.Enabled, settings.ReNormThreshold)
	if err != nil {
		return fmt.Errorf("update exam settings: %w", err)
	}
	return expectAffected(res, "update exam settings")
}
