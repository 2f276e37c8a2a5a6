package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/exam-normalization-api/internal/models"
)

const shiftColumns = `id, exam_id, shift_date, session, candidate_count, score_sum, score_sum_sq, mean_raw_score,
std_dev_raw_score, min_raw_score, max_raw_score, stats_updated_at`

const qualifiedShiftColumns = `shifts.id, shifts.exam_id, shifts.shift_date, shifts.session, shifts.candidate_count,
shifts.score_sum, shifts.score_sum_sq, shifts.mean_raw_score, shifts.std_dev_raw_score, shifts.min_raw_score,
shifts.max_raw_score, shifts.stats_updated_at`

// finiteScore excludes rows whose stored raw score cannot take part in statistics.
const finiteScore = `raw_score NOT IN ('NaN'::float8, 'Infinity'::float8, '-Infinity'::float8)`

const shiftAggregateQuery = `SELECT sh.id AS shift_id,
    COUNT(s.id) AS count,
    COALESCE(SUM(s.raw_score), 0) AS sum,
    COALESCE(SUM(s.raw_score * s.raw_score), 0) AS sum_sq,
    COALESCE(AVG(s.raw_score), 0) AS mean,
    COALESCE(STDDEV_POP(s.raw_score), 0) AS std_dev,
    COALESCE(MIN(s.raw_score), 0) AS min,
    COALESCE(MAX(s.raw_score), 0) AS max
FROM shifts sh
LEFT JOIN submissions s ON s.shift_id = sh.id AND %ss.` + finiteScore + `
WHERE %s
GROUP BY sh.id
ORDER BY sh.id`

func selectShiftAggregates(ctx context.Context, q sqlx.QueryerContext, where string, arg interface{}) ([]models.ShiftAggregate, error) {
	var aggs []models.ShiftAggregate
	if err := sqlx.SelectContext(ctx, q, &aggs, fmt.Sprintf(shiftAggregateQuery, "", where), arg); err != nil {
		return nil, err
	}
	return aggs, nil
}

// ShiftRepository persists shifts and their cached raw-score aggregates.
type ShiftRepository struct {
	db *sqlx.DB
}

// NewShiftRepository constructs the repository.
func NewShiftRepository(db *sqlx.DB) *ShiftRepository {
	return &ShiftRepository{db: db}
}

// FindByID returns a shift by identifier.
func (r *ShiftRepository) FindByID(ctx context.Context, id string) (*models.Shift, error) {
	query := `SELECT ` + shiftColumns + ` FROM shifts WHERE id = $1`
	var shift models.Shift
	if err := r.db.GetContext(ctx, &shift, query, id); err != nil {
		return nil, fmt.Errorf("get shift: %w", err)
	}
	return &shift, nil
}

// ListByExam returns every shift of an exam ordered by sitting.
func (r *ShiftRepository) ListByExam(ctx context.Context, examID string) ([]models.Shift, error) {
	query := `SELECT ` + shiftColumns + ` FROM shifts WHERE exam_id = $1 ORDER BY shift_date ASC, session ASC`
	var shifts []models.Shift
	if err := r.db.SelectContext(ctx, &shifts, query, examID); err != nil {
		return nil, fmt.Errorf("list shifts: %w", err)
	}
	return shifts, nil
}

// ApplyIncrement folds one submission's raw score into its shift aggregate in
// a single statement and returns the shift row. The submission is marked as
// counted in the same statement, so it is folded in at most once even when a
// recompute claimed it first; in that case the row is returned unchanged.
func (r *ShiftRepository) ApplyIncrement(ctx context.Context, shiftID, submissionID string) (*models.Shift, error) {
	query := `WITH claimed AS (
    UPDATE submissions SET in_shift_stats = TRUE
    WHERE id = $2 AND shift_id = $1 AND NOT in_shift_stats AND ` + finiteScore + `
    RETURNING raw_score
), bumped AS (
    UPDATE shifts SET
        candidate_count = candidate_count + 1,
        score_sum = score_sum + claimed.raw_score,
        score_sum_sq = score_sum_sq + claimed.raw_score * claimed.raw_score,
        mean_raw_score = (score_sum + claimed.raw_score) / (candidate_count + 1),
        std_dev_raw_score = SQRT(GREATEST(
            (score_sum_sq + claimed.raw_score * claimed.raw_score) / (candidate_count + 1)
            - POWER((score_sum + claimed.raw_score) / (candidate_count + 1), 2), 0)),
        min_raw_score = CASE WHEN candidate_count = 0 THEN claimed.raw_score ELSE LEAST(min_raw_score, claimed.raw_score) END,
        max_raw_score = CASE WHEN candidate_count = 0 THEN claimed.raw_score ELSE GREATEST(max_raw_score, claimed.raw_score) END,
        stats_updated_at = NOW()
    FROM claimed
    WHERE shifts.id = $1
    RETURNING ` + qualifiedShiftColumns + `
)
SELECT ` + shiftColumns + ` FROM bumped
UNION ALL
SELECT ` + shiftColumns + ` FROM shifts WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM bumped)`
	var shift models.Shift
	if err := r.db.GetContext(ctx, &shift, query, shiftID, submissionID); err != nil {
		return nil, fmt.Errorf("apply shift increment: %w", err)
	}
	return &shift, nil
}

// RecomputeAggregates rebuilds the cached aggregates of the given shifts from
// live submissions and returns them in id order.
//
// Stray submissions are claimed first, then the shift rows are locked, then
// the aggregate is rewritten. An ApplyIncrement that commits before the lock
// is part of the aggregate; one that waits on the lock is applied on top of
// it afterwards.
func (r *ShiftRepository) RecomputeAggregates(ctx context.Context, shiftIDs []string) ([]models.ShiftAggregate, error) {
	if len(shiftIDs) == 0 {
		return nil, nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin shift recompute tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ids := pq.Array(shiftIDs)
	if _, err := tx.ExecContext(ctx, `UPDATE submissions SET in_shift_stats = TRUE
WHERE shift_id = ANY($1) AND NOT in_shift_stats`, ids); err != nil {
		return nil, fmt.Errorf("claim shift submissions: %w", err)
	}
	var locked []string
	if err := tx.SelectContext(ctx, &locked, `SELECT id FROM shifts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids); err != nil {
		return nil, fmt.Errorf("lock shifts: %w", err)
	}

	query := `UPDATE shifts AS sh SET candidate_count = a.count, score_sum = a.sum, score_sum_sq = a.sum_sq,
    mean_raw_score = a.mean, std_dev_raw_score = a.std_dev, min_raw_score = a.min, max_raw_score = a.max,
    stats_updated_at = NOW()
FROM (` + fmt.Sprintf(shiftAggregateQuery, "s.in_shift_stats AND ", "sh.id = ANY($1)") + `) AS a
WHERE sh.id = a.shift_id
RETURNING a.shift_id, a.count, a.sum, a.sum_sq, a.mean, a.std_dev, a.min, a.max`
	var aggs []models.ShiftAggregate
	if err := tx.SelectContext(ctx, &aggs, query, ids); err != nil {
		return nil, fmt.Errorf("recompute shift aggregates: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit shift recompute: %w", err)
	}
	sort.Slice(aggs, func(i, j int) bool { return aggs[i].ShiftID < aggs[j].ShiftID })
	return aggs, nil
}
