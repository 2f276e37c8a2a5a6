package models

// QuestionResponse is one parsed question from a vendor response sheet.
type QuestionResponse struct {
	QuestionNumber int     `json:"questionNumber" validate:"gte=1"`
	Section        string  `json:"section"`
	SelectedAnswer *string `json:"selectedAnswer"`
	CorrectAnswer  string  `json:"correctAnswer"`
	IsCorrect      bool    `json:"isCorrect"`
}

// Attempted reports whether the candidate marked an answer.
func (q QuestionResponse) Attempted() bool {
	return q.SelectedAnswer != nil && *q.SelectedAnswer != ""
}

// ParsedSubmission is what the sheet parser hands over for one candidate.
type ParsedSubmission struct {
	ShiftID       string             `json:"shiftId" validate:"required"`
	RollNumber    string             `json:"rollNumber" validate:"required"`
	CandidateName string             `json:"candidateName"`
	Category      Category           `json:"category" validate:"required,category"`
	State         *string            `json:"state,omitempty"`
	Responses     []QuestionResponse `json:"responses" validate:"required,min=1,dive"`
}

// SectionBreakdown is the per-section tally of a scored sheet.
type SectionBreakdown struct {
	Correct     int     `json:"correct"`
	Wrong       int     `json:"wrong"`
	Unattempted int     `json:"unattempted"`
	Score       float64 `json:"score"`
}

// ScoreBreakdown is the outcome of applying an exam's marking scheme.
type ScoreBreakdown struct {
	RawScore    float64                     `json:"rawScore"`
	Correct     int                         `json:"correct"`
	Wrong       int                         `json:"wrong"`
	Unattempted int                         `json:"unattempted"`
	Sections    map[string]SectionBreakdown `json:"sections"`
}

// SectionScores flattens the breakdown for persistence.
func (b ScoreBreakdown) SectionScores() SectionScores {
	out := make(SectionScores, len(b.Sections))
	for name, section := range b.Sections {
		out[name] = section.Score
	}
	return out
}

// SubmissionReceipt is returned to the sheet parser after intake.
type SubmissionReceipt struct {
	Submission *Submission           `json:"submission"`
	Breakdown  ScoreBreakdown        `json:"breakdown"`
	Result     *PostSubmissionResult `json:"result"`
}
