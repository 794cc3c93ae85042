package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/proctorly/proctorly-backend/internal/config"
	"github.com/proctorly/proctorly-backend/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// AttemptLifecycleService governs attempt creation and resumption. The
// at-most-one-active-attempt invariant is enforced by the store's
// conditional insert, not here: two concurrent starts can both pass any
// check this service makes, so the loser recovers by resuming the
// winner's attempt.
type AttemptLifecycleService struct {
	store   AttemptStore
	catalog ExamCatalog
	rdb     *redis.Client
	log     zerolog.Logger
}

// NewAttemptLifecycleService creates a new AttemptLifecycleService.
func NewAttemptLifecycleService(store AttemptStore, catalog ExamCatalog, rdb *redis.Client, log zerolog.Logger) *AttemptLifecycleService {
	return &AttemptLifecycleService{
		store:   store,
		catalog: catalog,
		rdb:     rdb,
		log:     log.With().Str("component", "attempt_lifecycle").Logger(),
	}
}

// StartOrResume returns the student's active attempt for the exam,
// creating one when none exists. resumed=true means an existing attempt
// was returned. New attempts go straight to in_progress with a
// server-assigned deadline of started_at + exam duration.
func (s *AttemptLifecycleService) StartOrResume(ctx context.Context, studentID int, examID uuid.UUID) (*model.Attempt, bool, error) {
	existing, err := s.store.GetActive(ctx, studentID, examID)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, model.ErrAttemptNotFound) {
		return nil, false, fmt.Errorf("check active attempt: %w", err)
	}

	exam, err := s.catalog.GetExam(ctx, examID)
	if err != nil {
		return nil, false, err
	}

	now := time.Now()
	if !exam.OpenAt(now) {
		return nil, false, model.ErrExamNotOpen
	}

	if exam.MaxAttempts > 0 {
		used, err := s.store.CountByStudentAndExam(ctx, studentID, examID)
		if err != nil {
			return nil, false, fmt.Errorf("count prior attempts: %w", err)
		}
		if used >= exam.MaxAttempts {
			return nil, false, model.ErrAttemptLimitReached
		}
	}

	attempt := &model.Attempt{
		ID:         uuid.New(),
		ExamID:     examID,
		StudentID:  studentID,
		StartedAt:  now,
		DeadlineAt: now.Add(exam.Duration()),
	}

	if err := s.store.CreateActive(ctx, attempt); err != nil {
		if errors.Is(err, model.ErrActiveAttemptExists) {
			// Lost the create race; the winner's attempt is the one to
			// resume. Never surfaced to the caller as a failure.
			winner, fetchErr := s.store.GetActive(ctx, studentID, examID)
			if fetchErr != nil {
				return nil, false, fmt.Errorf("concurrent start detected, but fetch failed: %w", fetchErr)
			}
			return winner, true, nil
		}
		return nil, false, fmt.Errorf("create attempt: %w", err)
	}

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("exam_id", examID.String()).
		Int("student_id", studentID).
		Time("deadline_at", attempt.DeadlineAt).
		Msg("Attempt started")

	return attempt, false, nil
}

// GetActive returns the student's active attempt for the exam, or
// model.ErrAttemptNotFound.
func (s *AttemptLifecycleService) GetActive(ctx context.Context, studentID int, examID uuid.UUID) (*model.Attempt, error) {
	return s.store.GetActive(ctx, studentID, examID)
}

// GetOwned returns the attempt only if it belongs to the student.
// Unknown and foreign attempts are indistinguishable to the caller.
func (s *AttemptLifecycleService) GetOwned(ctx context.Context, studentID int, attemptID uuid.UUID) (*model.Attempt, error) {
	attempt, err := s.store.GetByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.StudentID != studentID {
		return nil, model.ErrAttemptNotFound
	}
	return attempt, nil
}

// GetState rebuilds a client session after a reload: saved answers, the
// violation count and the remaining seconds derived from the
// server-assigned deadline. Answers are served from the Redis autosave
// hash and fall back to the store, self-healing the cache.
func (s *AttemptLifecycleService) GetState(ctx context.Context, studentID int, attemptID uuid.UUID) (*model.AttemptState, error) {
	attempt, err := s.GetOwned(ctx, studentID, attemptID)
	if err != nil {
		return nil, err
	}

	answers, err := s.cachedAnswers(ctx, attemptID)
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Answer cache unavailable, using store")
		answers = nil
	}
	if answers == nil {
		records, err := s.store.ListAnswers(ctx, attemptID)
		if err != nil {
			return nil, fmt.Errorf("list answers: %w", err)
		}
		answers = make(map[string]model.AnswerRecord, len(records))
		cacheFields := make(map[string]interface{}, len(records))
		for _, rec := range records {
			answers[rec.QuestionID.String()] = rec
			if data, err := json.Marshal(rec); err == nil {
				cacheFields[rec.QuestionID.String()] = data
			}
		}
		if len(cacheFields) > 0 {
			key := config.CacheKey.AttemptAnswersKey(attemptID.String())
			_ = s.rdb.HSet(ctx, key, cacheFields).Err()
		}
	}

	return &model.AttemptState{
		AttemptID:        attempt.ID,
		ExamID:           attempt.ExamID,
		Status:           attempt.Status,
		Answers:          answers,
		ViolationCount:   attempt.ViolationCount,
		RemainingSeconds: attempt.RemainingSeconds(time.Now()),
	}, nil
}

// cachedAnswers loads the autosave hash; nil map means cache miss.
func (s *AttemptLifecycleService) cachedAnswers(ctx context.Context, attemptID uuid.UUID) (map[string]model.AnswerRecord, error) {
	key := config.CacheKey.AttemptAnswersKey(attemptID.String())
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	answers := make(map[string]model.AnswerRecord, len(fields))
	for qid, raw := range fields {
		var rec model.AnswerRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			// One corrupt field invalidates the cache; the store copy
			// is authoritative.
			return nil, nil
		}
		answers[qid] = rec
	}
	return answers, nil
}
