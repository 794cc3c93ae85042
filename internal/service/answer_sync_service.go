package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/proctorly/proctorly-backend/internal/config"
	"github.com/proctorly/proctorly-backend/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// AnswerSyncService applies incremental answer updates. Each upsert is a
// full replacement of one question's record, so re-applying a stale
// network retry is harmless; ties between concurrent writes to the same
// question are broken by server receipt order, never by client
// timestamps.
type AnswerSyncService struct {
	store AttemptStore
	rdb   *redis.Client
	log   zerolog.Logger
}

// NewAnswerSyncService creates a new AnswerSyncService.
func NewAnswerSyncService(store AttemptStore, rdb *redis.Client, log zerolog.Logger) *AnswerSyncService {
	return &AnswerSyncService{
		store: store,
		rdb:   rdb,
		log:   log.With().Str("component", "answer_sync").Logger(),
	}
}

// Upsert saves one answer for the student's attempt. Fails with
// model.ErrAttemptClosed once the attempt is terminal; clients drop that
// silently because closed attempts are immutable by design of the
// lifecycle, not an error the user can act on.
func (s *AnswerSyncService) Upsert(ctx context.Context, studentID int, attemptID, questionID uuid.UUID, selectedOptionIndex *int, isFlagged bool) error {
	attempt, err := s.store.GetByID(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt.StudentID != studentID {
		return model.ErrAttemptNotFound
	}
	if attempt.Status.IsTerminal() {
		return model.ErrAttemptClosed
	}

	// The store re-checks in_progress inside the same statement; the
	// check above only short-circuits the common closed case.
	if err := s.store.UpsertAnswer(ctx, attemptID, questionID, selectedOptionIndex, isFlagged); err != nil {
		return err
	}

	// Write-through cache so state reloads skip the database. Cache
	// failures are logged and ignored; the store copy is authoritative.
	rec := model.AnswerRecord{
		QuestionID:          questionID,
		SelectedOptionIndex: selectedOptionIndex,
		IsFlagged:           isFlagged,
		LastModifiedAt:      time.Now(),
	}
	if data, err := json.Marshal(rec); err == nil {
		key := config.CacheKey.AttemptAnswersKey(attemptID.String())
		if err := s.rdb.HSet(ctx, key, questionID.String(), data).Err(); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Answer cache write failed")
		}
	}

	return nil
}
