package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/proctorly/proctorly-backend/internal/model"
)

const attemptColumns = `id, exam_id, student_id, status, started_at, deadline_at,
	submitted_at, submit_reason, violation_count, final_score`

// AttemptRepository handles attempt data access. Every mutation is a
// single conditional statement so that concurrent requests for the same
// attempt cannot race past an application-level check:
//   - create relies on the partial unique index over active attempts
//   - answer/violation writes are guarded by status = 'in_progress'
//   - finalization is a compare-and-set on the current status
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

func scanAttempt(row pgx.Row) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := row.Scan(
		&a.ID, &a.ExamID, &a.StudentID, &a.Status, &a.StartedAt, &a.DeadlineAt,
		&a.SubmittedAt, &a.SubmitReason, &a.ViolationCount, &a.FinalScore,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetByID retrieves an attempt by its ID.
func (r *AttemptRepository) GetByID(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, attemptID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

// GetActive retrieves the active (not_started or in_progress) attempt for
// a student-exam pair. The partial unique index guarantees at most one.
func (r *AttemptRepository) GetActive(ctx context.Context, studentID int, examID uuid.UUID) (*model.Attempt, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+`
		 FROM attempts
		 WHERE student_id = $1 AND exam_id = $2
		   AND status IN ('not_started', 'in_progress')`, studentID, examID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active attempt: %w", err)
	}
	return a, nil
}

// CountByStudentAndExam returns how many finished attempts the student
// has made for the exam. Active attempts are excluded on purpose: a
// concurrent starter that loses the create race must fall through to
// the resume path, not bounce off the attempt limit.
func (r *AttemptRepository) CountByStudentAndExam(ctx context.Context, studentID int, examID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attempts
		 WHERE student_id = $1 AND exam_id = $2 AND status IN ('submitted', 'expired')`,
		studentID, examID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

// CreateActive inserts a new in_progress attempt. The insert races
// against concurrent starts on the partial unique index; the loser gets
// model.ErrActiveAttemptExists and should re-read the winner's attempt.
func (r *AttemptRepository) CreateActive(ctx context.Context, a *model.Attempt) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO attempts (id, exam_id, student_id, status, started_at, deadline_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (student_id, exam_id)
		   WHERE status IN ('not_started', 'in_progress')
		   DO NOTHING
		 RETURNING started_at`,
		a.ID, a.ExamID, a.StudentID, model.AttemptStatusInProgress, a.StartedAt, a.DeadlineAt,
	).Scan(&a.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrActiveAttemptExists
	}
	if err != nil {
		return fmt.Errorf("create attempt: %w", err)
	}
	a.Status = model.AttemptStatusInProgress
	return nil
}

// UpsertAnswer replaces the answer record for one question, but only
// while the parent attempt is in_progress. Last write wins per question;
// there is no cross-question ordering.
func (r *AttemptRepository) UpsertAnswer(ctx context.Context, attemptID, questionID uuid.UUID, selectedOptionIndex *int, isFlagged bool) error {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_answers (attempt_id, question_id, selected_option_index, is_flagged, last_modified_at)
		 SELECT $1, $2, $3, $4, NOW()
		 FROM attempts WHERE id = $1 AND status = 'in_progress'
		 ON CONFLICT (attempt_id, question_id) DO UPDATE
		 SET selected_option_index = EXCLUDED.selected_option_index,
		     is_flagged = EXCLUDED.is_flagged,
		     last_modified_at = EXCLUDED.last_modified_at`,
		attemptID, questionID, selectedOptionIndex, isFlagged,
	)
	if err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.closedOrMissing(ctx, attemptID)
	}
	return nil
}

// IncrementViolation bumps the attempt's violation counter atomically,
// but only while the attempt is in_progress. Returns the new count.
func (r *AttemptRepository) IncrementViolation(ctx context.Context, attemptID uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`UPDATE attempts
		 SET violation_count = violation_count + 1
		 WHERE id = $1 AND status = 'in_progress'
		 RETURNING violation_count`, attemptID,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, r.closedOrMissing(ctx, attemptID)
	}
	if err != nil {
		return 0, fmt.Errorf("increment violation: %w", err)
	}
	return count, nil
}

// InsertViolations bulk-appends ledger events. Used by the persistence
// worker; events are never updated or deleted afterwards.
func (r *AttemptRepository) InsertViolations(ctx context.Context, events []model.ViolationEvent) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		rows = append(rows, []interface{}{
			e.AttemptID, string(e.Type), e.Detail, e.OccurredAt, e.IsAutoSubmitTrigger,
		})
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"attempt_violations"},
		[]string{"attempt_id", "type", "detail", "occurred_at", "is_auto_submit_trigger"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// InsertViolation appends a single ledger event. Fallback path when a
// bulk insert fails part-way.
func (r *AttemptRepository) InsertViolation(ctx context.Context, e *model.ViolationEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_violations (attempt_id, type, detail, occurred_at, is_auto_submit_trigger)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.AttemptID, string(e.Type), e.Detail, e.OccurredAt, e.IsAutoSubmitTrigger,
	)
	return err
}

// Finalize is the compare-and-set terminal transition. Exactly one caller
// can move the attempt out of in_progress; it becomes expired when the
// deadline already passed, submitted otherwise. The losing caller gets
// won=false and must read the winner's terminal record instead.
func (r *AttemptRepository) Finalize(ctx context.Context, attemptID uuid.UUID, reason string, now time.Time) (*model.Attempt, bool, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx,
		`UPDATE attempts
		 SET status = CASE WHEN $3 >= deadline_at THEN 'expired' ELSE 'submitted' END,
		     submitted_at = $3,
		     submit_reason = $2
		 WHERE id = $1 AND status = 'in_progress'
		 RETURNING `+attemptColumns,
		attemptID, reason, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("finalize attempt: %w", err)
	}
	return a, true, nil
}

// PersistScore stores the computed score exactly once. A retry after a
// crash between the CAS and the score write recomputes and lands here
// again; the IS NULL guard keeps the first persisted score authoritative.
func (r *AttemptRepository) PersistScore(ctx context.Context, attemptID uuid.UUID, score float64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE attempts SET final_score = $2
		 WHERE id = $1 AND final_score IS NULL`, attemptID, score)
	if err != nil {
		return fmt.Errorf("persist score: %w", err)
	}
	return nil
}

// ListAnswers returns the attempt's answer records.
func (r *AttemptRepository) ListAnswers(ctx context.Context, attemptID uuid.UUID) ([]model.AnswerRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, selected_option_index, is_flagged, last_modified_at
		 FROM attempt_answers
		 WHERE attempt_id = $1`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	var answers []model.AnswerRecord
	for rows.Next() {
		var rec model.AnswerRecord
		if err := rows.Scan(&rec.QuestionID, &rec.SelectedOptionIndex, &rec.IsFlagged, &rec.LastModifiedAt); err != nil {
			return nil, err
		}
		answers = append(answers, rec)
	}
	return answers, rows.Err()
}

// ListOverdue returns IDs of in_progress attempts whose deadline has
// passed. The deadline worker feeds these through the submission
// coordinator, which handles the race against client-side submits.
func (r *AttemptRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM attempts
		 WHERE status = 'in_progress' AND deadline_at <= $1
		 ORDER BY deadline_at
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// closedOrMissing distinguishes a write rejected because the attempt is
// terminal from one against an unknown attempt.
func (r *AttemptRepository) closedOrMissing(ctx context.Context, attemptID uuid.UUID) error {
	a, err := r.GetByID(ctx, attemptID)
	if err != nil {
		return err
	}
	if a.Status.IsTerminal() {
		return model.ErrAttemptClosed
	}
	// Not terminal and yet the guarded write matched nothing: the status
	// flipped between the two statements. Treat as closed; the caller
	// re-reads if it cares.
	return model.ErrAttemptClosed
}
