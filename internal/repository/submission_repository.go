package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/exam-normalization-api/internal/models"
	"github.com/noah-isme/exam-normalization-api/pkg/database"
)

const submissionColumns = `id, exam_id, shift_id, roll_number, candidate_name, category, state, raw_score, correct_count,
wrong_count, unattempted_count, section_scores, normalized_score, overall_rank, category_rank, shift_rank, state_rank,
overall_percentile, category_percentile, shift_percentile, normalization_state, status, created_at, updated_at`

// rankingScore is the score ranks are ordered by.
const rankingScore = `COALESCE(normalized_score, raw_score)`

// SubmissionRepository persists submissions and their normalized scores and ranks.
type SubmissionRepository struct {
	db *sqlx.DB
}

// NewSubmissionRepository constructs the repository.
func NewSubmissionRepository(db *sqlx.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// Create inserts a new submission row.
func (r *SubmissionRepository) Create(ctx context.Context, sub *models.Submission) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	if sub.NormalizationState == "" {
		sub.NormalizationState = models.NormalizationStateRawOnly
	}
	if sub.Status == "" {
		sub.Status = models.SubmissionStatusProcessed
	}
	const query = `INSERT INTO submissions (id, exam_id, shift_id, roll_number, candidate_name, category, state, raw_score,
correct_count, wrong_count, unattempted_count, section_scores, normalization_state, status, created_at, updated_at)
VALUES (:id, :exam_id, :shift_id, :roll_number, :candidate_name, :category, :state, :raw_score,
:correct_count, :wrong_count, :unattempted_count, :section_scores, :normalization_state, :status, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, sub); err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("create submission: %w", ErrDuplicateSubmission)
		}
		return fmt.Errorf("create submission: %w", err)
	}
	return nil
}

// FindByID returns a submission by identifier.
func (r *SubmissionRepository) FindByID(ctx context.Context, id string) (*models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`
	var sub models.Submission
	if err := r.db.GetContext(ctx, &sub, query, id); err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return &sub, nil
}

// UpdateRawScore stores a corrected raw score. The stale normalized score is
// cleared until the next normalization pass.
func (r *SubmissionRepository) UpdateRawScore(ctx context.Context, id string, rawScore float64) error {
	const query = `UPDATE submissions SET raw_score = $2, normalized_score = NULL, normalization_state = $3, status = $4,
updated_at = NOW() WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, rawScore, models.NormalizationStateRawOnly, models.SubmissionStatusCorrected)
	if err != nil {
		return fmt.Errorf("update submission raw score: %w", err)
	}
	return expectAffected(res, "update submission raw score")
}

// Delete removes a submission.
func (r *SubmissionRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM submissions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	return expectAffected(res, "delete submission")
}

// SetNormalizedScore stores one normalized score.
func (r *SubmissionRepository) SetNormalizedScore(ctx context.Context, id string, score float64, state models.NormalizationState) error {
	const query = `UPDATE submissions SET normalized_score = $2, normalization_state = $3, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, score, state); err != nil {
		return fmt.Errorf("set normalized score: %w", err)
	}
	return nil
}

// BulkSetNormalized stores a chunk of normalized scores with a single statement.
func (r *SubmissionRepository) BulkSetNormalized(ctx context.Context, updates []models.NormalizedUpdate, state models.NormalizationState) error {
	if len(updates) == 0 {
		return nil
	}
	ids := make([]string, len(updates))
	scores := make([]float64, len(updates))
	for i, u := range updates {
		ids[i] = u.SubmissionID
		scores[i] = u.NormalizedScore
	}
	const query = `UPDATE submissions AS s SET normalized_score = v.score, normalization_state = $3, updated_at = NOW()
FROM (SELECT UNNEST($1::text[]) AS id, UNNEST($2::float8[]) AS score) AS v
WHERE s.id = v.id`
	if _, err := r.db.ExecContext(ctx, query, pq.Array(ids), pq.Array(scores), state); err != nil {
		return fmt.Errorf("bulk set normalized scores: %w", err)
	}
	return nil
}

// CountAboveInShift counts submissions of the shift with a strictly higher raw score.
func (r *SubmissionRepository) CountAboveInShift(ctx context.Context, shiftID string, rawScore float64) (int, error) {
	query := `SELECT COUNT(*) FROM submissions WHERE shift_id = $1 AND raw_score > $2 AND ` + finiteScore
	var count int
	if err := r.db.GetContext(ctx, &count, query, shiftID, rawScore); err != nil {
		return 0, fmt.Errorf("count submissions above: %w", err)
	}
	return count, nil
}

// ExamScores returns the exam's finite scores in ascending order, either raw
// scores of every submission or normalized scores of normalized submissions.
func (r *SubmissionRepository) ExamScores(ctx context.Context, examID string, normalized bool) ([]float64, error) {
	query := `SELECT raw_score FROM submissions WHERE exam_id = $1 AND ` + finiteScore + ` ORDER BY raw_score ASC`
	if normalized {
		query = `SELECT normalized_score FROM submissions WHERE exam_id = $1 AND normalized_score IS NOT NULL
ORDER BY normalized_score ASC`
	}
	var scores []float64
	if err := r.db.SelectContext(ctx, &scores, query, examID); err != nil {
		return nil, fmt.Errorf("list exam scores: %w", err)
	}
	return scores, nil
}

// ScopeCounts counts, for one submission, the submissions ranked strictly
// above it and the population of each ranking scope.
func (r *SubmissionRepository) ScopeCounts(ctx context.Context, submissionID string) (*models.ScopeCounts, error) {
	query := `WITH target AS (
    SELECT exam_id, shift_id, category, state, ` + rankingScore + ` AS score FROM submissions WHERE id = $1
)
SELECT
    COUNT(*) FILTER (WHERE ` + rankingScore + ` > t.score) AS overall_above,
    COUNT(*) AS overall_total,
    COUNT(*) FILTER (WHERE s.category = t.category AND ` + rankingScore + ` > t.score) AS category_above,
    COUNT(*) FILTER (WHERE s.category = t.category) AS category_total,
    COUNT(*) FILTER (WHERE s.shift_id = t.shift_id AND ` + rankingScore + ` > t.score) AS shift_above,
    COUNT(*) FILTER (WHERE s.shift_id = t.shift_id) AS shift_total,
    COUNT(*) FILTER (WHERE s.state = t.state AND ` + rankingScore + ` > t.score) AS state_above,
    COUNT(*) FILTER (WHERE s.state = t.state) AS state_total
FROM submissions s
JOIN target t ON s.exam_id = t.exam_id`
	var counts models.ScopeCounts
	if err := r.db.GetContext(ctx, &counts, query, submissionID); err != nil {
		return nil, fmt.Errorf("count rank scopes: %w", err)
	}
	return &counts, nil
}

// SetRankPosition stores the ranks and percentiles of one submission.
func (r *SubmissionRepository) SetRankPosition(ctx context.Context, id string, pos models.RankPosition) error {
	const query = `UPDATE submissions SET overall_rank = $2, category_rank = $3, shift_rank = $4, state_rank = $5,
overall_percentile = $6, category_percentile = $7, shift_percentile = $8, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, pos.OverallRank, pos.CategoryRank, pos.ShiftRank, pos.StateRank,
		pos.OverallPercentile, pos.CategoryPercentile, pos.ShiftPercentile); err != nil {
		return fmt.Errorf("set rank position: %w", err)
	}
	return nil
}

// ApplyRanks recomputes competition ranks and percentiles of every submission
// of an exam in every scope with one window-function update.
func (r *SubmissionRepository) ApplyRanks(ctx context.Context, examID string) (int64, error) {
	query := `WITH scored AS (
    SELECT id, category, shift_id, state, ` + rankingScore + ` AS score
    FROM submissions WHERE exam_id = $1 AND ` + rankingScore + ` NOT IN ('NaN'::float8, 'Infinity'::float8, '-Infinity'::float8)
), ranked AS (
    SELECT id, state,
        RANK() OVER (ORDER BY score DESC) AS overall_rank,
        COUNT(*) OVER () AS overall_total,
        RANK() OVER (PARTITION BY category ORDER BY score DESC) AS category_rank,
        COUNT(*) OVER (PARTITION BY category) AS category_total,
        RANK() OVER (PARTITION BY shift_id ORDER BY score DESC) AS shift_rank,
        COUNT(*) OVER (PARTITION BY shift_id) AS shift_total,
        RANK() OVER (PARTITION BY state ORDER BY score DESC) AS state_rank
    FROM scored
)
UPDATE submissions AS s SET
    overall_rank = r.overall_rank,
    category_rank = r.category_rank,
    shift_rank = r.shift_rank,
    state_rank = CASE WHEN r.state IS NULL THEN NULL ELSE r.state_rank END,
    overall_percentile = ROUND(((r.overall_total - r.overall_rank + 1)::numeric / r.overall_total) * 100, 2),
    category_percentile = ROUND(((r.category_total - r.category_rank + 1)::numeric / r.category_total) * 100, 2),
    shift_percentile = ROUND(((r.shift_total - r.shift_rank + 1)::numeric / r.shift_total) * 100, 2),
    updated_at = NOW()
FROM ranked AS r
WHERE s.id = r.id`
	res, err := r.db.ExecContext(ctx, query, examID)
	if err != nil {
		return 0, fmt.Errorf("apply ranks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("apply ranks rows: %w", err)
	}
	return affected, nil
}

// List returns ranked submissions for the filter together with the total count.
func (r *SubmissionRepository) List(ctx context.Context, filter models.SubmissionFilter) ([]models.Submission, int, error) {
	conditions := []string{"exam_id = $1"}
	args := []interface{}{filter.ExamID}
	if filter.ShiftID != "" {
		args = append(args, filter.ShiftID)
		conditions = append(conditions, fmt.Sprintf("shift_id = $%d", len(args)))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		conditions = append(conditions, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, filter.State)
		conditions = append(conditions, fmt.Sprintf("state = $%d", len(args)))
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM submissions WHERE "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count submissions: %w", err)
	}

	page, size := normalizePage(filter.Page, filter.PageSize)
	args = append(args, size, (page-1)*size)
	query := fmt.Sprintf(`SELECT %s FROM submissions WHERE %s
ORDER BY overall_rank ASC NULLS LAST, %s DESC, id ASC LIMIT $%d OFFSET $%d`,
		submissionColumns, where, rankingScore, len(args)-1, len(args))
	var subs []models.Submission
	if err := r.db.SelectContext(ctx, &subs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list submissions: %w", err)
	}
	return subs, total, nil
}

// OpenSnapshot starts a read-only repeatable-read view of an exam's submissions.
// The caller must Close the snapshot.
func (r *SubmissionRepository) OpenSnapshot(ctx context.Context, examID string) (Snapshot, error) {
	tx, err := r.db.BeginTxx(ctx, database.SnapshotTxOptions)
	if err != nil {
		return nil, fmt.Errorf("begin submission snapshot: %w", err)
	}
	return &submissionSnapshot{tx: tx, examID: examID}, nil
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 50
	}
	if size > 500 {
		size = 500
	}
	return page, size
}
