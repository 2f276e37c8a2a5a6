package service

import (
	"strings"

	"github.com/noah-isme/exam-normalization-api/internal/models"
	"github.com/noah-isme/exam-normalization-api/internal/normalization"
)

const defaultSection = "general"

// ScoringService applies an exam's marking scheme to parsed response sheets.
type ScoringService struct{}

// NewScoringService constructs the service.
func NewScoringService() *ScoringService {
	return &ScoringService{}
}

// Score computes raw = correct*positive - wrong*negative with a per-section
// breakdown. Unanswered questions neither add nor subtract marks.
func (s *ScoringService) Score(exam *models.Exam, responses []models.QuestionResponse) models.ScoreBreakdown {
	breakdown := models.ScoreBreakdown{Sections: map[string]models.SectionBreakdown{}}
	for _, q := range responses {
		name := strings.TrimSpace(q.Section)
		if name == "" {
			name = defaultSection
		}
		section := breakdown.Sections[name]
		switch {
		case !q.Attempted():
			section.Unattempted++
			breakdown.Unattempted++
		case q.IsCorrect:
			section.Correct++
			section.Score += exam.PositiveMarks
			breakdown.Correct++
		default:
			section.Wrong++
			section.Score -= exam.NegativeMarks
			breakdown.Wrong++
		}
		breakdown.Sections[name] = section
	}
	for name, section := range breakdown.Sections {
		section.Score = normalization.Round2(section.Score)
		breakdown.Sections[name] = section
	}
	breakdown.RawScore = normalization.Round2(float64(breakdown.Correct)*exam.PositiveMarks - float64(breakdown.Wrong)*exam.NegativeMarks)
	return breakdown
}
