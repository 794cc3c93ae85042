package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates exam attempt states.
type AttemptStatus string

const (
	AttemptStatusNotStarted AttemptStatus = "not_started"
	AttemptStatusInProgress AttemptStatus = "in_progress"
	AttemptStatusSubmitted  AttemptStatus = "submitted"
	AttemptStatusExpired    AttemptStatus = "expired"
)

// IsTerminal reports whether the status can never change again.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptStatusSubmitted || s == AttemptStatusExpired
}

// IsActive reports whether the attempt still counts against the
// one-active-attempt-per-(student,exam) constraint.
func (s AttemptStatus) IsActive() bool {
	return s == AttemptStatusNotStarted || s == AttemptStatusInProgress
}

// Attempt represents one student's timed run at one exam.
// At most one active attempt may exist per (student_id, exam_id); the
// storage layer enforces this with a partial unique index.
type Attempt struct {
	ID             uuid.UUID     `json:"id"`
	ExamID         uuid.UUID     `json:"exam_id"`
	StudentID      int           `json:"student_id"`
	Status         AttemptStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	DeadlineAt     time.Time     `json:"deadline_at"`
	SubmittedAt    *time.Time    `json:"submitted_at,omitempty"`
	SubmitReason   *string       `json:"submit_reason,omitempty"`
	ViolationCount int           `json:"violation_count"`
	FinalScore     *float64      `json:"final_score,omitempty"`
}

// RemainingSeconds returns the seconds left until the deadline, never
// negative. The server-assigned deadline is authoritative; clients derive
// their countdown from this value instead of a local relative timer.
func (a *Attempt) RemainingSeconds(now time.Time) float64 {
	remaining := a.DeadlineAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining.Seconds()
}

// AnswerRecord is a student's per-question response inside an attempt.
// Each upsert is a full replacement, so re-applying a stale retry is safe.
type AnswerRecord struct {
	QuestionID          uuid.UUID `json:"question_id"`
	SelectedOptionIndex *int      `json:"selected_option_index"`
	IsFlagged           bool      `json:"is_flagged"`
	LastModifiedAt      time.Time `json:"last_modified_at"`
}

// AttemptState is the reload payload for a running attempt: everything a
// client needs to rebuild its session after a refresh or device switch.
type AttemptState struct {
	AttemptID        uuid.UUID               `json:"attempt_id"`
	ExamID           uuid.UUID               `json:"exam_id"`
	Status           AttemptStatus           `json:"status"`
	Answers          map[string]AnswerRecord `json:"answers"`
	ViolationCount   int                     `json:"violation_count"`
	RemainingSeconds float64                 `json:"remaining_seconds"`
}

// SubmitResult is the idempotent outcome of finalizing an attempt.
// Repeated submits for the same attempt return the same result.
type SubmitResult struct {
	AttemptID   uuid.UUID     `json:"attempt_id"`
	FinalStatus AttemptStatus `json:"final_status"`
	Score       float64       `json:"score"`
}

// Submit reasons carried on the finalization request.
const (
	SubmitReasonManual      = "manual"
	SubmitReasonTimeExpired = "time_expired"
)

// StartAttemptRequest is the payload for starting (or resuming) an attempt.
type StartAttemptRequest struct {
	ExamID uuid.UUID `json:"exam_id" binding:"required"`
}

// UpsertAnswerRequest is the payload for saving a single answer.
type UpsertAnswerRequest struct {
	QuestionID          uuid.UUID `json:"question_id" binding:"required"`
	SelectedOptionIndex *int      `json:"selected_option_index" binding:"omitempty,min=0,max=25"`
	IsFlagged           bool      `json:"is_flagged"`
}

// SubmitAttemptRequest is the payload for finalizing an attempt.
type SubmitAttemptRequest struct {
	Reason string `json:"reason" binding:"required,min=1,max=40"`
}
