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
	"github.com/proctorly/proctorly-backend/internal/scoring"
	"github.com/proctorly/proctorly-backend/internal/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// SubmissionService finalizes attempts exactly once. Any number of
// callers — the student, a timer expiry, a violation escalation, the
// deadline sweeper, or a retry after a timeout — may submit the same
// attempt; one wins the compare-and-set and every other caller gets the
// winner's result back instead of an error.
type SubmissionService struct {
	store   AttemptStore
	catalog ExamCatalog
	rdb     *redis.Client
	log     zerolog.Logger
}

// NewSubmissionService creates a new SubmissionService.
func NewSubmissionService(store AttemptStore, catalog ExamCatalog, rdb *redis.Client, log zerolog.Logger) *SubmissionService {
	return &SubmissionService{
		store:   store,
		catalog: catalog,
		rdb:     rdb,
		log:     log.With().Str("component", "submission").Logger(),
	}
}

// SubmitAs finalizes an attempt on behalf of a student, rejecting
// attempts that are not theirs.
func (s *SubmissionService) SubmitAs(ctx context.Context, studentID int, attemptID uuid.UUID, reason string) (*model.SubmitResult, error) {
	attempt, err := s.store.GetByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.StudentID != studentID {
		return nil, model.ErrAttemptNotFound
	}
	return s.Submit(ctx, attemptID, reason)
}

// Submit transitions the attempt to its terminal status and scores it.
//
// The transition is a storage-level compare-and-set: the terminal status
// is submitted, or expired when the deadline has already passed at the
// moment of the transition. The loser of a concurrent submit observes
// the already-terminal attempt and returns the winner's result — being
// second is success, never an error. Scoring happens after the CAS from
// the then-frozen answers; the score write is guarded so a crashed
// winner's retry cannot double-score.
func (s *SubmissionService) Submit(ctx context.Context, attemptID uuid.UUID, reason string) (*model.SubmitResult, error) {
	attempt, won, err := s.store.Finalize(ctx, attemptID, reason, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTransient, err)
	}

	if !won {
		existing, err := s.store.GetByID(ctx, attemptID)
		if err != nil {
			return nil, err
		}
		if !existing.Status.IsTerminal() {
			// Finalize matched nothing yet the attempt is not terminal:
			// only possible if it never reached in_progress.
			return nil, model.ErrAttemptNotFound
		}
		if existing.FinalScore != nil {
			return &model.SubmitResult{
				AttemptID:   existing.ID,
				FinalStatus: existing.Status,
				Score:       *existing.FinalScore,
			}, nil
		}
		// The winner crashed between the CAS and the score write. The
		// answers are frozen, so recomputing is deterministic and the
		// guarded persist below keeps it single-effect.
		attempt = existing
	}

	result, err := s.scoreAndPersist(ctx, attempt)
	if err != nil {
		return nil, err
	}

	if won {
		s.log.Info().
			Str("attempt_id", attemptID.String()).
			Str("reason", reason).
			Str("final_status", string(result.FinalStatus)).
			Float64("score", result.Score).
			Msg("Attempt finalized")

		s.publishFinalized(ctx, attempt, result, reason)
	}

	// The autosave cache is dead weight once the attempt is terminal.
	_ = s.rdb.Del(ctx, config.CacheKey.AttemptAnswersKey(attemptID.String())).Err()

	return result, nil
}

func (s *SubmissionService) scoreAndPersist(ctx context.Context, attempt *model.Attempt) (*model.SubmitResult, error) {
	answers, err := s.store.ListAnswers(ctx, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTransient, err)
	}

	key, err := s.catalog.GetAnswerKey(ctx, attempt.ExamID)
	if err != nil {
		if errors.Is(err, model.ErrExamNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", model.ErrTransient, err)
	}

	score := scoring.Score(answers, key)

	if err := s.store.PersistScore(ctx, attempt.ID, score); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTransient, err)
	}

	// Re-read so concurrent recoveries all report the persisted score,
	// not their own computation.
	final, err := s.store.GetByID(ctx, attempt.ID)
	if err != nil {
		return nil, err
	}
	if final.FinalScore != nil {
		score = *final.FinalScore
	}

	return &model.SubmitResult{
		AttemptID:   final.ID,
		FinalStatus: final.Status,
		Score:       score,
	}, nil
}

func (s *SubmissionService) publishFinalized(ctx context.Context, attempt *model.Attempt, result *model.SubmitResult, reason string) {
	msg, _ := json.Marshal(websocket.NewFinalizedEvent(
		attempt.ID.String(), attempt.StudentID, string(result.FinalStatus), result.Score, reason,
	))
	channel := config.CacheKey.ExamMonitorChannel(attempt.ExamID.String())
	if err := s.rdb.Publish(ctx, channel, msg).Err(); err != nil {
		s.log.Debug().Err(err).Msg("Monitor publish failed")
	}
}
