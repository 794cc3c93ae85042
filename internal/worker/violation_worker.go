package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/proctorly/proctorly-backend/internal/config"
	"github.com/proctorly/proctorly-backend/internal/model"
	"github.com/proctorly/proctorly-backend/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ViolationWorker drains persist_violations_queue into PostgreSQL.
// The queue preserves server receipt order, so the durable ledger stays
// totally ordered even though the insert is asynchronous; the counter
// on the attempt row was already incremented synchronously.
type ViolationWorker struct {
	attempts *repository.AttemptRepository
	rdb      *redis.Client
	log      zerolog.Logger
}

// NewViolationWorker creates a new ViolationWorker.
func NewViolationWorker(attempts *repository.AttemptRepository, rdb *redis.Client, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		attempts: attempts,
		rdb:      rdb,
		log:      log.With().Str("component", "violation_worker").Logger(),
	}
}

type violationPayload struct {
	AttemptID           string `json:"attempt_id"`
	Type                string `json:"type"`
	Detail              string `json:"detail"`
	OccurredAt          int64  `json:"occurred_at"`
	IsAutoSubmitTrigger bool   `json:"is_auto_submit_trigger"`
}

// Start begins the worker loop. Call in a goroutine.
func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ViolationWorker started")

	buffer := make([]*violationPayload, 0, BatchSize)
	lastFlush := time.Now()

	for {
		// Flush on size or age.
		if len(buffer) > 0 &&
			(len(buffer) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistViolationsQueue).Result()
		if err != nil {
			if err == redis.Nil {
				continue // Queue empty; loop back to check the flush timer.
			}
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}

		if len(result) < 2 {
			continue
		}

		var payload violationPayload
		if err := json.Unmarshal([]byte(result[1]), &payload); err != nil {
			// Malformed JSON can never succeed on retry. Log and discard.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed violation")
			continue
		}

		buffer = append(buffer, &payload)
	}
}

// flushSafe attempts bulk insert, then row-by-row fallback, then requeue.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []*violationPayload) {
	events, bad := w.toEvents(batch)
	for _, b := range bad {
		w.log.Error().Str("attempt_id", b.AttemptID).Msg("Dropping violation with invalid attempt ID")
	}
	if len(events) == 0 {
		return
	}

	if err := w.attempts.InsertViolations(ctx, events); err != nil {
		w.log.Warn().Err(err).Int("count", len(events)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, events)
	}
}

func (w *ViolationWorker) toEvents(batch []*violationPayload) ([]model.ViolationEvent, []*violationPayload) {
	events := make([]model.ViolationEvent, 0, len(batch))
	var bad []*violationPayload
	for _, p := range batch {
		attemptID, err := uuid.Parse(p.AttemptID)
		if err != nil {
			bad = append(bad, p)
			continue
		}
		events = append(events, model.ViolationEvent{
			AttemptID:           attemptID,
			Type:                model.ViolationType(p.Type),
			Detail:              p.Detail,
			OccurredAt:          time.Unix(p.OccurredAt, 0),
			IsAutoSubmitTrigger: p.IsAutoSubmitTrigger,
		})
	}
	return events, bad
}

func (w *ViolationWorker) fallbackInsert(ctx context.Context, events []model.ViolationEvent) {
	var requeue []model.ViolationEvent

	for i := range events {
		if err := w.attempts.InsertViolation(ctx, &events[i]); err != nil {
			w.log.Error().Err(err).Str("attempt_id", events[i].AttemptID.String()).Msg("Insert failed, requeueing")
			requeue = append(requeue, events[i])
		}
	}

	// DB was down; push survivors back so nothing is lost.
	if len(requeue) > 0 {
		w.requeue(ctx, requeue)
	}
}

func (w *ViolationWorker) requeue(ctx context.Context, events []model.ViolationEvent) {
	pipe := w.rdb.Pipeline()
	for _, e := range events {
		data, _ := json.Marshal(violationPayload{
			AttemptID:           e.AttemptID.String(),
			Type:                string(e.Type),
			Detail:              e.Detail,
			OccurredAt:          e.OccurredAt.Unix(),
			IsAutoSubmitTrigger: e.IsAutoSubmitTrigger,
		})
		pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue violations. Data loss occurred.")
		return
	}

	w.log.Info().Int("count", len(events)).Msg("Requeued failed violations")
	// Avoid thrashing while the DB is down hard.
	time.Sleep(2 * time.Second)
}

func (w *ViolationWorker) shutdown(buffer []*violationPayload) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
