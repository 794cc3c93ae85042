package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/proctorly/proctorly-backend/internal/config"
	"github.com/proctorly/proctorly-backend/internal/model"
	"github.com/proctorly/proctorly-backend/internal/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// EscalationPolicy decides whether a violation forces submission. It is
// a pure function of the violation type and the running count; all other
// state lives in the ledger itself.
type EscalationPolicy struct {
	// ForceSubmitOnFirst lists types that force submission on their
	// first occurrence.
	ForceSubmitOnFirst map[model.ViolationType]bool
}

// ZeroTolerancePolicy is the default: any focus-loss or inspection
// signal ends the attempt immediately; copy and drag attempts are
// recorded but never force submission.
func ZeroTolerancePolicy() EscalationPolicy {
	return EscalationPolicy{
		ForceSubmitOnFirst: map[model.ViolationType]bool{
			model.ViolationTabSwitch:  true,
			model.ViolationDevtools:   true,
			model.ViolationScreenshot: true,
			model.ViolationAltTab:     true,
			model.ViolationWindowBlur: true,
		},
	}
}

// ShouldForceSubmit reports whether recording this violation must
// trigger a forced submission.
func (p EscalationPolicy) ShouldForceSubmit(t model.ViolationType, count int) bool {
	return p.ForceSubmitOnFirst[t]
}

// ViolationService is the append-only integrity ledger. It records
// events and answers the escalation question; it never performs the
// submission itself — that stays with the submission coordinator so the
// decision and the side effect are testable apart.
type ViolationService struct {
	store  AttemptStore
	policy EscalationPolicy
	rdb    *redis.Client
	log    zerolog.Logger
}

// NewViolationService creates a new ViolationService.
func NewViolationService(store AttemptStore, policy EscalationPolicy, rdb *redis.Client, log zerolog.Logger) *ViolationService {
	return &ViolationService{
		store:  store,
		policy: policy,
		rdb:    rdb,
		log:    log.With().Str("component", "violation_ledger").Logger(),
	}
}

// queuedViolation is the wire form pushed onto the persistence queue.
type queuedViolation struct {
	AttemptID           string `json:"attempt_id"`
	Type                string `json:"type"`
	Detail              string `json:"detail"`
	OccurredAt          int64  `json:"occurred_at"`
	IsAutoSubmitTrigger bool   `json:"is_auto_submit_trigger"`
}

// Record appends a violation to the student's attempt and returns the
// new count plus the escalation decision. Terminal attempts reject the
// write with model.ErrAttemptClosed; the counter increment is the
// atomic authority, so two racing reports get distinct counts.
func (s *ViolationService) Record(ctx context.Context, studentID int, attemptID uuid.UUID, vtype model.ViolationType, detail string) (*model.ViolationResult, error) {
	attempt, err := s.store.GetByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.StudentID != studentID {
		return nil, model.ErrAttemptNotFound
	}
	if attempt.Status.IsTerminal() {
		return nil, model.ErrAttemptClosed
	}

	count, err := s.store.IncrementViolation(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	force := s.policy.ShouldForceSubmit(vtype, count)

	now := time.Now()
	queued := queuedViolation{
		AttemptID:           attemptID.String(),
		Type:                string(vtype),
		Detail:              detail,
		OccurredAt:          now.Unix(),
		IsAutoSubmitTrigger: force,
	}
	payload, _ := json.Marshal(queued)

	// Queue order is server receipt order; the worker preserves it, so
	// the durable ledger stays totally ordered.
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, payload).Err(); err != nil {
		s.log.Error().Err(err).
			Str("attempt_id", attemptID.String()).
			Str("type", string(vtype)).
			Msg("Violation enqueue failed; counter is persisted but event detail is lost")
	}

	// Live proctor feed, best effort.
	monitorMsg, _ := json.Marshal(websocket.NewViolationEvent(
		attemptID.String(), studentID, string(vtype), count, force, now.Unix(),
	))
	if err := s.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(attempt.ExamID.String()), monitorMsg).Err(); err != nil {
		s.log.Debug().Err(err).Msg("Monitor publish failed")
	}

	if force {
		s.log.Warn().
			Str("attempt_id", attemptID.String()).
			Str("type", string(vtype)).
			Int("violation_count", count).
			Msg("Violation triggers forced submission")
	}

	return &model.ViolationResult{
		ViolationCount:    count,
		ShouldForceSubmit: force,
	}, nil
}
