package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Exam is the catalog entry an attempt runs against. The catalog itself
// (authoring, publishing) is owned by another system; this backend only
// reads what it needs to run and score attempts.
type Exam struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	DurationMinutes int        `json:"duration_minutes"`
	OpensAt         *time.Time `json:"opens_at,omitempty"`
	ClosesAt        *time.Time `json:"closes_at,omitempty"`
	MaxAttempts     int        `json:"max_attempts"`
	QuestionCount   int        `json:"question_count"`
}

// Duration returns the exam duration as a time.Duration.
func (e *Exam) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// OpenAt reports whether the exam accepts new attempts at the given time.
func (e *Exam) OpenAt(now time.Time) bool {
	if e.OpensAt != nil && now.Before(*e.OpensAt) {
		return false
	}
	if e.ClosesAt != nil && !now.Before(*e.ClosesAt) {
		return false
	}
	return true
}

// ExamPaper is the question payload sent to students. Correct answers are
// stripped before it ever leaves the catalog.
type ExamPaper struct {
	ExamID          uuid.UUID       `json:"exam_id"`
	Title           string          `json:"title"`
	DurationMinutes int             `json:"duration_minutes"`
	Questions       []PaperQuestion `json:"questions"`
}

// PaperQuestion is a single question as shown to a student.
type PaperQuestion struct {
	ID           uuid.UUID       `json:"id"`
	QuestionText string          `json:"question_text"`
	Options      json.RawMessage `json:"options"`
	OrderNum     int             `json:"order_num"`
}

// AnswerKey maps question ID to the correct option index for scoring.
type AnswerKey map[uuid.UUID]int
