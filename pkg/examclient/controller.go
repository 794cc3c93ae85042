package examclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/proctorly/proctorly-backend/internal/model"
	"github.com/rs/zerolog"
)

// SessionState is the controller's lifecycle phase.
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateLoading    SessionState = "loading"
	StateActive     SessionState = "active"
	StateSubmitting SessionState = "submitting"
	StateTerminated SessionState = "terminated"
)

const (
	defaultAutosaveInterval = 10 * time.Second
	submitRetryBase         = 1 * time.Second
	submitRetryFactor       = 2
	submitMaxAttempts       = 3
)

// pendingAnswer is the most recent unsaved answer for one question.
type pendingAnswer struct {
	selectedOptionIndex *int
	isFlagged           bool
}

// Controller runs one exam session: it starts or resumes the attempt,
// counts down from the server deadline, autosaves dirty answers,
// forwards integrity signals and submits exactly once. All exported
// methods are safe for concurrent use.
type Controller struct {
	api     API
	signals IntegritySignalSource
	log     zerolog.Logger

	autosaveInterval time.Duration
	retryBase        time.Duration

	mu             sync.Mutex
	state          SessionState
	attemptID      uuid.UUID
	deadline       time.Time
	violationCount int
	dirty          map[uuid.UUID]pendingAnswer
	done           chan struct{}
	result         *model.SubmitResult
	submitErr      error

	cancel context.CancelFunc
}

// ControllerOption tweaks controller construction.
type ControllerOption func(*Controller)

// WithAutosaveInterval overrides the autosave tick period.
func WithAutosaveInterval(d time.Duration) ControllerOption {
	return func(c *Controller) { c.autosaveInterval = d }
}

// NewController creates a Controller in the Idle state.
func NewController(api API, signals IntegritySignalSource, log zerolog.Logger, opts ...ControllerOption) *Controller {
	c := &Controller{
		api:              api,
		signals:          signals,
		log:              log,
		autosaveInterval: defaultAutosaveInterval,
		retryBase:        submitRetryBase,
		state:            StateIdle,
		dirty:            make(map[uuid.UUID]pendingAnswer),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle phase.
func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ViolationCount returns the last count reported by the server.
func (c *Controller) ViolationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violationCount
}

// Remaining returns the time left until the server deadline. Zero once
// the deadline has passed or before Start.
func (c *Controller) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deadline.IsZero() {
		return 0
	}
	if d := time.Until(c.deadline); d > 0 {
		return d
	}
	return 0
}

// Done is closed when the session reaches Terminated.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Result returns the final submission outcome once Done is closed. The
// error is non-nil when every submit attempt failed; the server still
// closes the attempt at the deadline in that case.
func (c *Controller) Result() (*model.SubmitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.submitErr
}

// Start begins the session: start-or-resume against the server, then
// run the countdown, autosave and signal loops until termination.
// Start may be called once per Controller.
func (c *Controller) Start(ctx context.Context, examID uuid.UUID) (*StartResult, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, errors.New("session already started")
	}
	c.state = StateLoading
	c.mu.Unlock()

	res, err := c.api.StartAttempt(ctx, examID)
	if err != nil {
		c.mu.Lock()
		c.state = StateTerminated
		c.submitErr = err
		c.mu.Unlock()
		close(c.done)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.attemptID = res.AttemptID
	// Anchor the countdown to the server's remaining time, not a client
	// clock reading of the deadline timestamp.
	c.deadline = time.Now().Add(time.Duration(res.RemainingSeconds * float64(time.Second)))
	c.violationCount = res.ViolationCount
	c.state = StateActive
	c.cancel = cancel
	c.mu.Unlock()

	c.log.Info().
		Str("attempt_id", res.AttemptID.String()).
		Bool("resumed", res.Resumed).
		Float64("remaining_seconds", res.RemainingSeconds).
		Msg("session active")

	go c.run(runCtx)
	return res, nil
}

// SetAnswer records an answer change. The new value is saved
// immediately in the background and also tracked as dirty so the next
// autosave tick re-sends it if the immediate save was lost. Ignored
// once submission has begun.
func (c *Controller) SetAnswer(questionID uuid.UUID, selectedOptionIndex *int, isFlagged bool) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	attemptID := c.attemptID
	c.dirty[questionID] = pendingAnswer{selectedOptionIndex: selectedOptionIndex, isFlagged: isFlagged}
	c.mu.Unlock()

	go c.save(attemptID, questionID, selectedOptionIndex, isFlagged)
}

// Submit finalizes the session on the student's request.
func (c *Controller) Submit() {
	c.beginSubmit(model.SubmitReasonManual)
}

// run owns the countdown timer, the autosave ticker and the signal
// loop. It exits when submission begins or the context is canceled.
func (c *Controller) run(ctx context.Context) {
	deadlineTimer := time.NewTimer(c.Remaining())
	defer deadlineTimer.Stop()

	autosave := time.NewTicker(c.autosaveInterval)
	defer autosave.Stop()

	var sigCh <-chan Signal
	if c.signals != nil {
		sigCh = c.signals.Signals()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-deadlineTimer.C:
			c.log.Info().Msg("deadline reached")
			c.beginSubmit(model.SubmitReasonTimeExpired)
			return

		case <-autosave.C:
			c.flushDirty()

		case sig, ok := <-sigCh:
			if !ok {
				sigCh = nil
				continue
			}
			if c.handleSignal(ctx, sig) {
				return
			}
		}
	}
}

// handleSignal reports one integrity signal and reacts to the server's
// escalation decision. Returns true when the session is ending.
func (c *Controller) handleSignal(ctx context.Context, sig Signal) bool {
	c.mu.Lock()
	attemptID := c.attemptID
	active := c.state == StateActive
	c.mu.Unlock()
	if !active {
		return true
	}

	result, err := c.api.ReportViolation(ctx, attemptID, sig.Type, sig.Detail)
	if err != nil {
		if errors.Is(err, model.ErrAttemptClosed) {
			// Closed server-side (deadline sweep or another tab). Settle
			// locally via the idempotent submit path.
			c.beginSubmit(model.SubmitReasonManual)
			return true
		}
		c.log.Warn().Err(err).Str("type", string(sig.Type)).Msg("violation report failed")
		return false
	}

	c.mu.Lock()
	c.violationCount = result.ViolationCount
	c.mu.Unlock()

	if result.ShouldForceSubmit {
		c.log.Info().Str("type", string(sig.Type)).Msg("violation forced submission")
		// The violation type itself is the submit reason the server stores
		// and the proctor feed shows.
		c.beginSubmit(string(sig.Type))
		return true
	}
	return false
}

// flushDirty re-sends every answer changed since the last successful
// save.
func (c *Controller) flushDirty() {
	c.mu.Lock()
	if c.state != StateActive || len(c.dirty) == 0 {
		c.mu.Unlock()
		return
	}
	attemptID := c.attemptID
	batch := c.dirty
	c.dirty = make(map[uuid.UUID]pendingAnswer)
	c.mu.Unlock()

	for questionID, ans := range batch {
		c.save(attemptID, questionID, ans.selectedOptionIndex, ans.isFlagged)
	}
}

// save sends one answer. On failure the answer is marked dirty again so
// the autosave ticker retries it, unless a newer value has replaced it.
func (c *Controller) save(attemptID, questionID uuid.UUID, selectedOptionIndex *int, isFlagged bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.api.SaveAnswer(ctx, attemptID, questionID, selectedOptionIndex, isFlagged)
	if err == nil {
		c.mu.Lock()
		// Only clear the dirty mark if it still holds the value we sent.
		if cur, ok := c.dirty[questionID]; ok && cur.isFlagged == isFlagged && sameOption(cur.selectedOptionIndex, selectedOptionIndex) {
			delete(c.dirty, questionID)
		}
		c.mu.Unlock()
		return
	}
	if errors.Is(err, model.ErrAttemptClosed) {
		// The attempt is already final; dropping the save is correct.
		return
	}

	c.log.Warn().Err(err).Str("question_id", questionID.String()).Msg("answer save failed")
	c.mu.Lock()
	if c.state == StateActive {
		if _, ok := c.dirty[questionID]; !ok {
			c.dirty[questionID] = pendingAnswer{selectedOptionIndex: selectedOptionIndex, isFlagged: isFlagged}
		}
	}
	c.mu.Unlock()
}

func sameOption(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// beginSubmit is the single entry point into submission. The first
// caller wins; every later call is a no-op. The session always ends in
// Terminated, even when all submit attempts fail, because the server
// closes the attempt at the deadline regardless.
func (c *Controller) beginSubmit(reason string) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.state = StateSubmitting
	attemptID := c.attemptID
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	result, err := c.submitWithRetry(attemptID, reason)

	c.mu.Lock()
	c.state = StateTerminated
	c.result = result
	c.submitErr = err
	c.mu.Unlock()
	close(c.done)

	if err != nil {
		c.log.Error().Err(err).Msg("submission failed after retries")
		return
	}
	c.log.Info().
		Str("final_status", string(result.FinalStatus)).
		Float64("score", result.Score).
		Msg("session terminated")
}

// submitWithRetry retries transient failures with exponential backoff.
func (c *Controller) submitWithRetry(attemptID uuid.UUID, reason string) (*model.SubmitResult, error) {
	backoff := c.retryBase
	var lastErr error

	for attempt := 1; attempt <= submitMaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		result, err := c.api.Submit(ctx, attemptID, reason)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, model.ErrTransient) {
			break
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("submit retrying")
		if attempt < submitMaxAttempts {
			time.Sleep(backoff)
			backoff *= submitRetryFactor
		}
	}
	return nil, lastErr
}
