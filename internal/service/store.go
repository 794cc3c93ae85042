package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/proctorly/proctorly-backend/internal/model"
)

// AttemptStore is the durable record of attempts and their answers. All
// implementations must make the documented operations atomic at the
// storage level: the uniqueness of active attempts, the in_progress
// guards on writes, and the compare-and-set finalization cannot be
// emulated with read-then-write logic without reintroducing the races
// this engine exists to prevent.
type AttemptStore interface {
	GetByID(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error)
	GetActive(ctx context.Context, studentID int, examID uuid.UUID) (*model.Attempt, error)

	// CountByStudentAndExam counts the student's terminal attempts for
	// the exam. Active attempts are excluded so losing a concurrent
	// create race leads to a resume, never a spurious limit rejection.
	CountByStudentAndExam(ctx context.Context, studentID int, examID uuid.UUID) (int, error)

	// CreateActive inserts an in_progress attempt, failing with
	// model.ErrActiveAttemptExists when another active attempt for the
	// same (student, exam) won the race.
	CreateActive(ctx context.Context, a *model.Attempt) error

	// UpsertAnswer fully replaces one question's answer while the
	// attempt is in_progress; model.ErrAttemptClosed otherwise.
	UpsertAnswer(ctx context.Context, attemptID, questionID uuid.UUID, selectedOptionIndex *int, isFlagged bool) error

	// IncrementViolation atomically bumps the violation counter while
	// the attempt is in_progress and returns the new count.
	IncrementViolation(ctx context.Context, attemptID uuid.UUID) (int, error)

	// Finalize atomically moves an in_progress attempt to its terminal
	// status (expired when now >= deadline, submitted otherwise).
	// won=false means another caller already finalized it.
	Finalize(ctx context.Context, attemptID uuid.UUID, reason string, now time.Time) (*model.Attempt, bool, error)

	// PersistScore stores the score unless one is already persisted.
	PersistScore(ctx context.Context, attemptID uuid.UUID, score float64) error

	ListAnswers(ctx context.Context, attemptID uuid.UUID) ([]model.AnswerRecord, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// ExamCatalog resolves exam metadata, papers and answer keys. The
// catalog itself is owned by the authoring system; this engine only
// consumes it.
type ExamCatalog interface {
	GetExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error)
	GetPaper(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error)
	GetAnswerKey(ctx context.Context, examID uuid.UUID) (model.AnswerKey, error)
}
