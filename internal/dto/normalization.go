package dto

import "github.com/noah-isme/exam-normalization-api/internal/models"

// CorrectRawScoreRequest carries an admin correction of a submission's raw score.
type CorrectRawScoreRequest struct {
	RawScore *float64 `json:"rawScore" binding:"required"`
}

// RankingQuery filters the ranked submission listing.
type RankingQuery struct {
	ShiftID  string `form:"shiftId"`
	Category string `form:"category"`
	State    string `form:"state"`
	Page     int    `form:"page"`
	PageSize int    `form:"pageSize"`
}

// Filter converts the query into a repository filter for the exam.
func (q RankingQuery) Filter(examID string) models.SubmissionFilter {
	return models.SubmissionFilter{
		ExamID:   examID,
		ShiftID:  q.ShiftID,
		Category: models.Category(q.Category),
		State:    q.State,
		Page:     q.Page,
		PageSize: q.PageSize,
	}
}

// RankRunResponse reports a completed full rank pass.
type RankRunResponse struct {
	ExamID string `json:"examId"`
	Ranked int64  `json:"ranked"`
}

// ForceRenormalizationResponse reports the drift after a forced reset and the
// batch job queued for it, if any.
type ForceRenormalizationResponse struct {
	Significance models.SignificanceReport `json:"significance"`
	Job          *models.NormalizationJob  `json:"job,omitempty"`
}
