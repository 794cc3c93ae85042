package worker

import (
	"context"
	"time"

	"github.com/proctorly/proctorly-backend/internal/model"
	"github.com/proctorly/proctorly-backend/internal/service"
	"github.com/rs/zerolog"
)

const overdueBatchLimit = 100

// DeadlineWorker force-expires attempts whose deadline passed without a
// client submit (crashed browser, network loss). It routes every
// overdue attempt through the submission coordinator, whose
// compare-and-set makes the sweep safe against a client submit racing
// in at the same moment.
type DeadlineWorker struct {
	store      service.AttemptStore
	submission *service.SubmissionService
	interval   time.Duration
	log        zerolog.Logger
}

// NewDeadlineWorker creates a new DeadlineWorker.
func NewDeadlineWorker(store service.AttemptStore, submission *service.SubmissionService, interval time.Duration, log zerolog.Logger) *DeadlineWorker {
	return &DeadlineWorker{
		store:      store,
		submission: submission,
		interval:   interval,
		log:        log.With().Str("component", "deadline_worker").Logger(),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (w *DeadlineWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("DeadlineWorker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("DeadlineWorker stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *DeadlineWorker) sweep(ctx context.Context) {
	ids, err := w.store.ListOverdue(ctx, time.Now(), overdueBatchLimit)
	if err != nil {
		w.log.Error().Err(err).Msg("Overdue scan failed")
		return
	}

	for _, id := range ids {
		result, err := w.submission.Submit(ctx, id, model.SubmitReasonTimeExpired)
		if err != nil {
			// Transient failures retry on the next sweep; the CAS keeps
			// retries single-effect.
			w.log.Error().Err(err).Str("attempt_id", id.String()).Msg("Forced expiry failed")
			continue
		}
		w.log.Info().
			Str("attempt_id", id.String()).
			Str("final_status", string(result.FinalStatus)).
			Msg("Overdue attempt finalized")
	}
}
