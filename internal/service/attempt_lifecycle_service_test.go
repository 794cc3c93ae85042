package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/proctorly/proctorly-backend/internal/model"
)

func newLifecycle(store *memStore, catalog *memCatalog) *AttemptLifecycleService {
	return NewAttemptLifecycleService(store, catalog, deadRedis(), testLogger())
}

func TestStartOrResumeCreatesAttempt(t *testing.T) {
	store := newMemStore()
	catalog := newMemCatalog()
	exam, _, _ := newTestExam(catalog, 1)
	svc := newLifecycle(store, catalog)

	attempt, resumed, err := svc.StartOrResume(context.Background(), 7, exam.ID)
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	if resumed {
		t.Fatal("first start must not be a resume")
	}
	if attempt.Status != model.AttemptStatusInProgress {
		t.Fatalf("expected in_progress, got %s", attempt.Status)
	}
	wantDeadline := attempt.StartedAt.Add(time.Hour)
	if !attempt.DeadlineAt.Equal(wantDeadline) {
		t.Fatalf("deadline %v, want started_at + 60m = %v", attempt.DeadlineAt, wantDeadline)
	}
}

func TestStartOrResumeReturnsActive(t *testing.T) {
	store := newMemStore()
	catalog := newMemCatalog()
	exam, _, _ := newTestExam(catalog, 1)
	svc := newLifecycle(store, catalog)

	first, _, err := svc.StartOrResume(context.Background(), 7, exam.ID)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}

	second, resumed, err := svc.StartOrResume(context.Background(), 7, exam.ID)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !resumed {
		t.Fatal("second start must resume")
	}
	if second.ID != first.ID {
		t.Fatalf("resumed a different attempt: %s vs %s", second.ID, first.ID)
	}
}

func TestStartOrResumeConcurrentStartsCollapse(t *testing.T) {
	store := newMemStore()
	catalog := newMemCatalog()
	exam, _, _ := newTestExam(catalog, 1)
	svc := newLifecycle(store, catalog)

	const callers = 16
	ids := make([]uuid.UUID, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			attempt, _, err := svc.StartOrResume(context.Background(), 7, exam.ID)
			errs[i] = err
			if err == nil {
				ids[i] = attempt.ID
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
	}
	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("callers got different attempts: %s vs %s", ids[i], ids[0])
		}
	}
	store.mu.Lock()
	total := len(store.attempts)
	store.mu.Unlock()
	if total != 1 {
		t.Fatalf("expected exactly 1 attempt in store, got %d", total)
	}
}

func TestStartOrResumeDistinctStudentsDoNotCollide(t *testing.T) {
	store := newMemStore()
	catalog := newMemCatalog()
	exam, _, _ := newTestExam(catalog, 1)
	svc := newLifecycle(store, catalog)

	a1, _, err := svc.StartOrResume(context.Background(), 1, exam.ID)
	if err != nil {
		t.Fatalf("student 1: %v", err)
	}
	a2, _, err := svc.StartOrResume(context.Background(), 2, exam.ID)
	if err != nil {
		t.Fatalf("student 2: %v", err)
	}
	if a1.ID == a2.ID {
		t.Fatal("different students must get different attempts")
	}
}

func TestStartOrResumeExamWindow(t *testing.T) {
	store := newMemStore()
	catalog := newMemCatalog()
	svc := newLifecycle(store, catalog)

	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Hour)

	notYet := &model.Exam{ID: uuid.New(), DurationMinutes: 30, MaxAttempts: 1, OpensAt: &future}
	catalog.addExam(notYet, model.AnswerKey{})
	closed := &model.Exam{ID: uuid.New(), DurationMinutes: 30, MaxAttempts: 1, ClosesAt: &past}
	catalog.addExam(closed, model.AnswerKey{})

	if _, _, err := svc.StartOrResume(context.Background(), 7, notYet.ID); !errors.Is(err, model.ErrExamNotOpen) {
		t.Fatalf("expected ErrExamNotOpen before opens_at, got %v", err)
	}
	if _, _, err := svc.StartOrResume(context.Background(), 7, closed.ID); !errors.Is(err, model.ErrExamNotOpen) {
		t.Fatalf("expected ErrExamNotOpen after closes_at, got %v", err)
	}
}

func TestStartOrResumeAttemptLimit(t *testing.T) {
	store := newMemStore()
	catalog := newMemCatalog()
	exam, _, _ := newTestExam(catalog, 1)
	lifecycle := newLifecycle(store, catalog)
	submission := NewSubmissionService(store, catalog, deadRedis(), testLogger())

	attempt, _, err := lifecycle.StartOrResume(context.Background(), 7, exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := submission.Submit(context.Background(), attempt.ID, model.SubmitReasonManual); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, _, err = lifecycle.StartOrResume(context.Background(), 7, exam.ID)
	if !errors.Is(err, model.ErrAttemptLimitReached) {
		t.Fatalf("expected ErrAttemptLimitReached, got %v", err)
	}
}

func TestStartOrResumeUnknownExam(t *testing.T) {
	svc := newLifecycle(newMemStore(), newMemCatalog())
	_, _, err := svc.StartOrResume(context.Background(), 7, uuid.New())
	if !errors.Is(err, model.ErrExamNotFound) {
		t.Fatalf("expected ErrExamNotFound, got %v", err)
	}
}

func TestGetOwnedRejectsForeignAttempt(t *testing.T) {
	store := newMemStore()
	catalog := newMemCatalog()
	exam, _, _ := newTestExam(catalog, 1)
	svc := newLifecycle(store, catalog)

	attempt, _, err := svc.StartOrResume(context.Background(), 7, exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := svc.GetOwned(context.Background(), 8, attempt.ID); !errors.Is(err, model.ErrAttemptNotFound) {
		t.Fatalf("foreign attempt must look like not found, got %v", err)
	}
}

func TestGetStateFallsBackToStore(t *testing.T) {
	store := newMemStore()
	catalog := newMemCatalog()
	exam, q1, _ := newTestExam(catalog, 1)
	svc := newLifecycle(store, catalog)

	attempt, _, err := svc.StartOrResume(context.Background(), 7, exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	choice := 1
	if err := store.UpsertAnswer(context.Background(), attempt.ID, q1, &choice, true); err != nil {
		t.Fatalf("seed answer: %v", err)
	}

	state, err := svc.GetState(context.Background(), 7, attempt.ID)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.Status != model.AttemptStatusInProgress {
		t.Fatalf("expected in_progress, got %s", state.Status)
	}
	rec, ok := state.Answers[q1.String()]
	if !ok {
		t.Fatal("saved answer missing from state")
	}
	if rec.SelectedOptionIndex == nil || *rec.SelectedOptionIndex != 1 || !rec.IsFlagged {
		t.Fatalf("unexpected answer record: %+v", rec)
	}
	if state.RemainingSeconds <= 0 || state.RemainingSeconds > 3600 {
		t.Fatalf("remaining seconds out of range: %v", state.RemainingSeconds)
	}
}
