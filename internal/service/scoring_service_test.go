package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/exam-normalization-api/internal/models"
)

func answer(v string) *string { return &v }

func TestScoringAppliesMarkingScheme(t *testing.T) {
	exam := &models.Exam{PositiveMarks: 2, NegativeMarks: 0.5}
	responses := []models.QuestionResponse{
		{QuestionNumber: 1, Section: "Reasoning", SelectedAnswer: answer("A"), CorrectAnswer: "A", IsCorrect: true},
		{QuestionNumber: 2, Section: "Reasoning", SelectedAnswer: answer("B"), CorrectAnswer: "C"},
		{QuestionNumber: 3, Section: "Quant", SelectedAnswer: answer("D"), CorrectAnswer: "D", IsCorrect: true},
		{QuestionNumber: 4, Section: "Quant", SelectedAnswer: nil, CorrectAnswer: "A"},
		{QuestionNumber: 5, Section: "", SelectedAnswer: answer(""), CorrectAnswer: "B"},
	}

	breakdown := NewScoringService().Score(exam, responses)

	assert.Equal(t, 2, breakdown.Correct)
	assert.Equal(t, 1, breakdown.Wrong)
	assert.Equal(t, 2, breakdown.Unattempted)
	assert.Equal(t, 3.5, breakdown.RawScore)
	assert.Equal(t, models.SectionBreakdown{Correct: 1, Wrong: 1, Score: 1.5}, breakdown.Sections["Reasoning"])
	assert.Equal(t, models.SectionBreakdown{Correct: 1, Unattempted: 1, Score: 2}, breakdown.Sections["Quant"])
	assert.Equal(t, 1, breakdown.Sections[defaultSection].Unattempted)
	assert.Equal(t, models.SectionScores{"Reasoning": 1.5, "Quant": 2, defaultSection: 0}, breakdown.SectionScores())
}

func TestScoringIgnoresIsCorrectForUnattempted(t *testing.T) {
	exam := &models.Exam{PositiveMarks: 1, NegativeMarks: 0.25}
	breakdown := NewScoringService().Score(exam, []models.QuestionResponse{
		{QuestionNumber: 1, IsCorrect: true},
		{QuestionNumber: 2, SelectedAnswer: answer("A")},
	})
	assert.Equal(t, 0, breakdown.Correct)
	assert.Equal(t, 1, breakdown.Wrong)
	assert.Equal(t, -0.25, breakdown.RawScore)
}
