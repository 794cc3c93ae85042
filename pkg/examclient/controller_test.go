package examclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/proctorly/proctorly-backend/internal/model"
	"github.com/rs/zerolog"
)

type savedAnswer struct {
	questionID          uuid.UUID
	selectedOptionIndex *int
	isFlagged           bool
}

type submitCall struct {
	attemptID uuid.UUID
	reason    string
}

// fakeAPI is an in-memory API with scriptable failures.
type fakeAPI struct {
	mu sync.Mutex

	start    StartResult
	startErr error

	saves      []savedAnswer
	saveErr    error
	violations []model.ViolationType
	violation  model.ViolationResult

	submits    []submitCall
	submitErrs []error // consumed one per call; nil entry means success
	result     model.SubmitResult
}

func (f *fakeAPI) StartAttempt(ctx context.Context, examID uuid.UUID) (*StartResult, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	res := f.start
	return &res, nil
}

func (f *fakeAPI) SaveAnswer(ctx context.Context, attemptID, questionID uuid.UUID, selectedOptionIndex *int, isFlagged bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves = append(f.saves, savedAnswer{questionID, selectedOptionIndex, isFlagged})
	return nil
}

func (f *fakeAPI) ReportViolation(ctx context.Context, attemptID uuid.UUID, vtype model.ViolationType, detail string) (*model.ViolationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.violations = append(f.violations, vtype)
	res := f.violation
	res.ViolationCount = len(f.violations)
	return &res, nil
}

func (f *fakeAPI) Submit(ctx context.Context, attemptID uuid.UUID, reason string) (*model.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.submits)
	f.submits = append(f.submits, submitCall{attemptID, reason})
	if call < len(f.submitErrs) && f.submitErrs[call] != nil {
		return nil, f.submitErrs[call]
	}
	res := f.result
	res.AttemptID = attemptID
	return &res, nil
}

func (f *fakeAPI) submitCalls() []submitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submitCall(nil), f.submits...)
}

func (f *fakeAPI) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func newTestController(api *fakeAPI, signals IntegritySignalSource) *Controller {
	c := NewController(api, signals, zerolog.Nop(), WithAutosaveInterval(20*time.Millisecond))
	c.retryBase = time.Millisecond
	return c
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("controller never terminated")
	}
}

func TestControllerDeadlineForcesSingleSubmit(t *testing.T) {
	attemptID := uuid.New()
	api := &fakeAPI{
		start:  StartResult{AttemptID: attemptID, RemainingSeconds: 0.05},
		result: model.SubmitResult{FinalStatus: model.AttemptStatusExpired},
	}
	c := newTestController(api, nil)

	if _, err := c.Start(context.Background(), uuid.New()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, c)

	calls := api.submitCalls()
	if len(calls) != 1 {
		t.Fatalf("submit called %d times, want 1", len(calls))
	}
	if calls[0].reason != model.SubmitReasonTimeExpired {
		t.Fatalf("reason: got %q, want %q", calls[0].reason, model.SubmitReasonTimeExpired)
	}
	if calls[0].attemptID != attemptID {
		t.Fatalf("wrong attempt submitted: %s", calls[0].attemptID)
	}
	if c.State() != StateTerminated {
		t.Fatalf("state: got %s, want terminated", c.State())
	}
	result, err := c.Result()
	if err != nil {
		t.Fatalf("result error: %v", err)
	}
	if result.FinalStatus != model.AttemptStatusExpired {
		t.Fatalf("final status: %s", result.FinalStatus)
	}
}

func TestControllerViolationForcesSubmit(t *testing.T) {
	signals := make(ChannelSignalSource, 1)
	api := &fakeAPI{
		start:     StartResult{AttemptID: uuid.New(), RemainingSeconds: 60},
		violation: model.ViolationResult{ShouldForceSubmit: true},
		result:    model.SubmitResult{FinalStatus: model.AttemptStatusSubmitted, Score: 80},
	}
	c := newTestController(api, signals)

	if _, err := c.Start(context.Background(), uuid.New()); err != nil {
		t.Fatalf("start: %v", err)
	}
	signals <- Signal{Type: model.ViolationTabSwitch, Detail: "visibilitychange"}
	waitDone(t, c)

	calls := api.submitCalls()
	if len(calls) != 1 {
		t.Fatalf("submit called %d times, want 1", len(calls))
	}
	if calls[0].reason != string(model.ViolationTabSwitch) {
		t.Fatalf("reason: got %q, want %q", calls[0].reason, model.ViolationTabSwitch)
	}
	if c.ViolationCount() != 1 {
		t.Fatalf("violation count: got %d, want 1", c.ViolationCount())
	}
}

func TestControllerNonForcingViolationKeepsSessionActive(t *testing.T) {
	signals := make(ChannelSignalSource, 1)
	api := &fakeAPI{
		start:     StartResult{AttemptID: uuid.New(), RemainingSeconds: 60},
		violation: model.ViolationResult{ShouldForceSubmit: false},
	}
	c := newTestController(api, signals)

	if _, err := c.Start(context.Background(), uuid.New()); err != nil {
		t.Fatalf("start: %v", err)
	}
	signals <- Signal{Type: model.ViolationCopyAttempt, Detail: "ctrl+c"}

	deadline := time.Now().Add(2 * time.Second)
	for c.ViolationCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("violation never reported")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.State() != StateActive {
		t.Fatalf("state: got %s, want active", c.State())
	}
	if len(api.submitCalls()) != 0 {
		t.Fatal("copy_attempt must not trigger submission")
	}
	c.Submit()
}

func TestControllerSubmitRetriesTransientErrors(t *testing.T) {
	api := &fakeAPI{
		start:      StartResult{AttemptID: uuid.New(), RemainingSeconds: 60},
		submitErrs: []error{model.ErrTransient, model.ErrTransient, nil},
		result:     model.SubmitResult{FinalStatus: model.AttemptStatusSubmitted, Score: 100},
	}
	c := newTestController(api, nil)

	if _, err := c.Start(context.Background(), uuid.New()); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.Submit()
	waitDone(t, c)

	if n := len(api.submitCalls()); n != 3 {
		t.Fatalf("submit called %d times, want 3", n)
	}
	result, err := c.Result()
	if err != nil {
		t.Fatalf("result error: %v", err)
	}
	if result.Score != 100 {
		t.Fatalf("score: %v", result.Score)
	}
}

func TestControllerRetryExhaustionStillTerminates(t *testing.T) {
	api := &fakeAPI{
		start:      StartResult{AttemptID: uuid.New(), RemainingSeconds: 60},
		submitErrs: []error{model.ErrTransient, model.ErrTransient, model.ErrTransient},
	}
	c := newTestController(api, nil)

	if _, err := c.Start(context.Background(), uuid.New()); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.Submit()
	waitDone(t, c)

	if n := len(api.submitCalls()); n != 3 {
		t.Fatalf("submit called %d times, want 3", n)
	}
	if c.State() != StateTerminated {
		t.Fatalf("state after exhaustion: %s", c.State())
	}
	if _, err := c.Result(); !errors.Is(err, model.ErrTransient) {
		t.Fatalf("expected transient error surfaced, got %v", err)
	}
}

func TestControllerAnswersIgnoredOnceSubmitting(t *testing.T) {
	api := &fakeAPI{
		start:  StartResult{AttemptID: uuid.New(), RemainingSeconds: 60},
		result: model.SubmitResult{FinalStatus: model.AttemptStatusSubmitted},
	}
	c := newTestController(api, nil)

	if _, err := c.Start(context.Background(), uuid.New()); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.Submit()
	waitDone(t, c)

	before := api.saveCount()
	choice := 2
	c.SetAnswer(uuid.New(), &choice, false)
	time.Sleep(50 * time.Millisecond)
	if api.saveCount() != before {
		t.Fatal("answer saved after termination")
	}
}

func TestControllerSavesAnswerImmediately(t *testing.T) {
	api := &fakeAPI{
		start: StartResult{AttemptID: uuid.New(), RemainingSeconds: 60},
	}
	c := newTestController(api, nil)

	if _, err := c.Start(context.Background(), uuid.New()); err != nil {
		t.Fatalf("start: %v", err)
	}
	questionID := uuid.New()
	choice := 3
	c.SetAnswer(questionID, &choice, true)

	deadline := time.Now().Add(2 * time.Second)
	for api.saveCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("answer never saved")
		}
		time.Sleep(5 * time.Millisecond)
	}

	api.mu.Lock()
	saved := api.saves[0]
	api.mu.Unlock()
	if saved.questionID != questionID || saved.selectedOptionIndex == nil || *saved.selectedOptionIndex != 3 || !saved.isFlagged {
		t.Fatalf("unexpected save: %+v", saved)
	}
	c.Submit()
}

func TestControllerAutosaveRetriesFailedSave(t *testing.T) {
	api := &fakeAPI{
		start:   StartResult{AttemptID: uuid.New(), RemainingSeconds: 60},
		saveErr: model.ErrTransient,
	}
	c := newTestController(api, nil)

	if _, err := c.Start(context.Background(), uuid.New()); err != nil {
		t.Fatalf("start: %v", err)
	}
	choice := 1
	c.SetAnswer(uuid.New(), &choice, false)
	time.Sleep(50 * time.Millisecond)

	// Heal the transport; the autosave ticker resends the dirty answer.
	api.mu.Lock()
	api.saveErr = nil
	api.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for api.saveCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dirty answer never resent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Submit()
}

func TestControllerConcurrentSubmitSingleEntry(t *testing.T) {
	api := &fakeAPI{
		start:  StartResult{AttemptID: uuid.New(), RemainingSeconds: 60},
		result: model.SubmitResult{FinalStatus: model.AttemptStatusSubmitted},
	}
	c := newTestController(api, nil)

	if _, err := c.Start(context.Background(), uuid.New()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Submit()
		}()
	}
	wg.Wait()
	waitDone(t, c)

	if n := len(api.submitCalls()); n != 1 {
		t.Fatalf("submit called %d times, want 1", n)
	}
}

func TestControllerStartFailure(t *testing.T) {
	api := &fakeAPI{startErr: model.ErrExamNotOpen}
	c := newTestController(api, nil)

	_, err := c.Start(context.Background(), uuid.New())
	if !errors.Is(err, model.ErrExamNotOpen) {
		t.Fatalf("expected ErrExamNotOpen, got %v", err)
	}
	if c.State() != StateTerminated {
		t.Fatalf("state after failed start: %s", c.State())
	}
}
