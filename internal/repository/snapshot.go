package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/exam-normalization-api/internal/models"
)

// Snapshot is a consistent read view of one exam's submissions. Submissions
// inserted after the snapshot was opened are invisible to it.
type Snapshot interface {
	CountSubmissions(ctx context.Context) (int, error)
	ShiftAggregates(ctx context.Context) ([]models.ShiftAggregate, error)
	ExamScores(ctx context.Context) ([]float64, error)
	ForEachScore(ctx context.Context, shiftID string, fn func(models.ScoreRow) error) error
	Close() error
}

type submissionSnapshot struct {
	tx     *sqlx.Tx
	examID string
}

func (s *submissionSnapshot) CountSubmissions(ctx context.Context) (int, error) {
	var count int
	if err := s.tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM submissions WHERE exam_id = $1`, s.examID); err != nil {
		return 0, fmt.Errorf("snapshot count submissions: %w", err)
	}
	return count, nil
}

func (s *submissionSnapshot) ShiftAggregates(ctx context.Context) ([]models.ShiftAggregate, error) {
	aggs, err := selectShiftAggregates(ctx, s.tx, "sh.exam_id = $1", s.examID)
	if err != nil {
		return nil, fmt.Errorf("snapshot shift aggregates: %w", err)
	}
	return aggs, nil
}

// ExamScores returns every finite raw score of the exam in ascending order.
func (s *submissionSnapshot) ExamScores(ctx context.Context) ([]float64, error) {
	query := `SELECT raw_score FROM submissions WHERE exam_id = $1 AND ` + finiteScore + ` ORDER BY raw_score ASC`
	var scores []float64
	if err := s.tx.SelectContext(ctx, &scores, query, s.examID); err != nil {
		return nil, fmt.Errorf("snapshot exam scores: %w", err)
	}
	return scores, nil
}

// ForEachScore streams the shift's submissions ordered by raw score descending.
// Returning an error from fn stops the scan and is returned unchanged.
func (s *submissionSnapshot) ForEachScore(ctx context.Context, shiftID string, fn func(models.ScoreRow) error) error {
	const query = `SELECT id, shift_id, raw_score FROM submissions WHERE exam_id = $1 AND shift_id = $2
ORDER BY raw_score DESC, id ASC`
	rows, err := s.tx.QueryxContext(ctx, query, s.examID, shiftID)
	if err != nil {
		return fmt.Errorf("snapshot scan shift: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row models.ScoreRow
		if err := rows.StructScan(&row); err != nil {
			return fmt.Errorf("snapshot scan row: %w", err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("snapshot scan shift: %w", err)
	}
	return nil
}

// Close ends the read-only transaction.
func (s *submissionSnapshot) Close() error {
	return s.tx.Rollback()
}
