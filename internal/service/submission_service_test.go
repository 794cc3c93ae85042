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

func newSubmission(store *memStore, catalog *memCatalog) *SubmissionService {
	return NewSubmissionService(store, catalog, deadRedis(), testLogger())
}

func TestSubmitScoresAndCloses(t *testing.T) {
	store := newMemStore()
	catalog := newMemCatalog()
	exam, q1, q2 := newTestExam(catalog, 1)
	lifecycle := newLifecycle(store, catalog)
	svc := newSubmission(store, catalog)

	attempt, _, err := lifecycle.StartOrResume(context.Background(), 7, exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	right, wrong := 1, 0
	_ = store.UpsertAnswer(context.Background(), attempt.ID, q1, &right, false)
	_ = store.UpsertAnswer(context.Background(), attempt.ID, q2, &wrong, false)

	result, err := svc.Submit(context.Background(), attempt.ID, model.SubmitReasonManual)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.FinalStatus != model.AttemptStatusSubmitted {
		t.Fatalf("status: got %s, want submitted", result.FinalStatus)
	}
	if result.Score != 50 {
		t.Fatalf("score: got %v, want 50", result.Score)
	}

	final, _ := store.GetByID(context.Background(), attempt.ID)
	if final.SubmitReason == nil || *final.SubmitReason != model.SubmitReasonManual {
		t.Fatalf("submit reason not recorded: %+v", final.SubmitReason)
	}
	if final.SubmittedAt == nil {
		t.Fatal("submitted_at not recorded")
	}
}

func TestSubmitPastDeadlineExpires(t *testing.T) {
	store := newMemStore()
	catalog := newMemCatalog()
	exam, _, _ := newTestExam(catalog, 1)
	lifecycle := newLifecycle(store, catalog)
	svc := newSubmission(store, catalog)

	attempt, _, err := lifecycle.StartOrResume(context.Background(), 7, exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	store.mu.Lock()
	store.attempts[attempt.ID].DeadlineAt = time.Now().Add(-time.Minute)
	store.mu.Unlock()

	result, err := svc.Submit(context.Background(), attempt.ID, model.SubmitReasonManual)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.FinalStatus != model.AttemptStatusExpired {
		t.Fatalf("status: got %s, want expired", result.FinalStatus)
	}
}

func TestSubmitIdempotent(t *testing.T) {
	store := newMemStore()
	catalog := newMemCatalog()
	exam, q1, _ := newTestExam(catalog, 1)
	lifecycle := newLifecycle(store, catalog)
	svc := newSubmission(store, catalog)

	attempt, _, err := lifecycle.StartOrResume(context.Background(), 7, exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	right := 1
	_ = store.UpsertAnswer(context.Background(), attempt.ID, q1, &right, false)

	first, err := svc.Submit(context.Background(), attempt.ID, model.SubmitReasonManual)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := svc.Submit(context.Background(), attempt.ID, model.SubmitReasonTimeExpired)
	if err != nil {
		t.Fatalf("repeat submit must succeed, got %v", err)
	}

	if second.FinalStatus != first.FinalStatus || second.Score != first.Score {
		t.Fatalf("repeat submit diverged: %+v vs %+v", second, first)
	}
	if store.scoreWriteCount() != 1 {
		t.Fatalf("score persisted %d times, want 1", store.scoreWriteCount())
	}

	// The first finalization's reason sticks.
	final, _ := store.GetByID(context.Background(), attempt.ID)
	if final.SubmitReason == nil || *final.SubmitReason != model.SubmitReasonManual {
		t.Fatalf("repeat submit overwrote the reason: %+v", final.SubmitReason)
	}
}

func TestSubmitConcurrentSingleWinner(t *testing.T) {
	store := newMemStore()
	catalog := newMemCatalog()
	exam, q1, _ := newTestExam(catalog, 1)
	lifecycle := newLifecycle(store, catalog)
	svc := newSubmission(store, catalog)

	attempt, _, err := lifecycle.StartOrResume(context.Background(), 7, exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	right := 1
	_ = store.UpsertAnswer(context.Background(), attempt.ID, q1, &right, false)

	const callers = 8
	results := make([]*model.SubmitResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Submit(context.Background(), attempt.ID, model.SubmitReasonManual)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i].FinalStatus != model.AttemptStatusSubmitted || results[i].Score != 50 {
			t.Fatalf("caller %d got divergent result: %+v", i, results[i])
		}
	}
	if store.scoreWriteCount() != 1 {
		t.Fatalf("score persisted %d times, want 1", store.scoreWriteCount())
	}
}

func TestSubmitRecoversCrashedWinner(t *testing.T) {
	store := newMemStore()
	catalog := newMemCatalog()
	exam, q1, _ := newTestExam(catalog, 1)
	lifecycle := newLifecycle(store, catalog)
	svc := newSubmission(store, catalog)

	attempt, _, err := lifecycle.StartOrResume(context.Background(), 7, exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	right := 1
	_ = store.UpsertAnswer(context.Background(), attempt.ID, q1, &right, false)

	// A winner that finalized and then died before scoring.
	if _, won, err := store.Finalize(context.Background(), attempt.ID, model.SubmitReasonManual, time.Now()); err != nil || !won {
		t.Fatalf("seed finalize: won=%v err=%v", won, err)
	}

	result, err := svc.Submit(context.Background(), attempt.ID, model.SubmitReasonManual)
	if err != nil {
		t.Fatalf("recovery submit: %v", err)
	}
	if result.FinalStatus != model.AttemptStatusSubmitted || result.Score != 50 {
		t.Fatalf("recovery result: %+v", result)
	}
	if store.scoreWriteCount() != 1 {
		t.Fatalf("score persisted %d times, want 1", store.scoreWriteCount())
	}
}

func TestSubmitUnknownAttempt(t *testing.T) {
	svc := newSubmission(newMemStore(), newMemCatalog())
	_, err := svc.Submit(context.Background(), uuid.New(), model.SubmitReasonManual)
	if !errors.Is(err, model.ErrAttemptNotFound) {
		t.Fatalf("expected ErrAttemptNotFound, got %v", err)
	}
}

func TestSubmitAsRejectsForeignAttempt(t *testing.T) {
	store := newMemStore()
	catalog := newMemCatalog()
	exam, _, _ := newTestExam(catalog, 1)
	lifecycle := newLifecycle(store, catalog)
	svc := newSubmission(store, catalog)

	attempt, _, err := lifecycle.StartOrResume(context.Background(), 7, exam.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err = svc.SubmitAs(context.Background(), 8, attempt.ID, model.SubmitReasonManual)
	if !errors.Is(err, model.ErrAttemptNotFound) {
		t.Fatalf("expected ErrAttemptNotFound, got %v", err)
	}

	cur, _ := store.GetByID(context.Background(), attempt.ID)
	if cur.Status != model.AttemptStatusInProgress {
		t.Fatalf("foreign submit changed status to %s", cur.Status)
	}
}
