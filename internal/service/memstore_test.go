package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/proctorly/proctorly-backend/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// memStore is an in-memory AttemptStore with the same atomicity
// contract as the Postgres implementation: conditional insert for
// active-attempt uniqueness, in_progress guards on writes, and a
// compare-and-set finalization. Everything runs under one mutex.
type memStore struct {
	mu          sync.Mutex
	attempts    map[uuid.UUID]*model.Attempt
	answers     map[uuid.UUID]map[uuid.UUID]model.AnswerRecord
	scoreWrites int
}

func newMemStore() *memStore {
	return &memStore{
		attempts: make(map[uuid.UUID]*model.Attempt),
		answers:  make(map[uuid.UUID]map[uuid.UUID]model.AnswerRecord),
	}
}

func copyAttempt(a *model.Attempt) *model.Attempt {
	cp := *a
	return &cp
}

func (m *memStore) GetByID(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok {
		return nil, model.ErrAttemptNotFound
	}
	return copyAttempt(a), nil
}

func (m *memStore) GetActive(ctx context.Context, studentID int, examID uuid.UUID) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.StudentID == studentID && a.ExamID == examID && a.Status.IsActive() {
			return copyAttempt(a), nil
		}
	}
	return nil, model.ErrAttemptNotFound
}

func (m *memStore) CountByStudentAndExam(ctx context.Context, studentID int, examID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.attempts {
		if a.StudentID == studentID && a.ExamID == examID && a.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreateActive(ctx context.Context, a *model.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.attempts {
		if cur.StudentID == a.StudentID && cur.ExamID == a.ExamID && cur.Status.IsActive() {
			return model.ErrActiveAttemptExists
		}
	}
	a.Status = model.AttemptStatusInProgress
	m.attempts[a.ID] = copyAttempt(a)
	return nil
}

func (m *memStore) closedOrMissing(attemptID uuid.UUID) error {
	if _, ok := m.attempts[attemptID]; !ok {
		return model.ErrAttemptNotFound
	}
	return model.ErrAttemptClosed
}

func (m *memStore) UpsertAnswer(ctx context.Context, attemptID, questionID uuid.UUID, selectedOptionIndex *int, isFlagged bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok || a.Status != model.AttemptStatusInProgress {
		return m.closedOrMissing(attemptID)
	}
	if m.answers[attemptID] == nil {
		m.answers[attemptID] = make(map[uuid.UUID]model.AnswerRecord)
	}
	m.answers[attemptID][questionID] = model.AnswerRecord{
		QuestionID:          questionID,
		SelectedOptionIndex: selectedOptionIndex,
		IsFlagged:           isFlagged,
		LastModifiedAt:      time.Now(),
	}
	return nil
}

func (m *memStore) IncrementViolation(ctx context.Context, attemptID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok || a.Status != model.AttemptStatusInProgress {
		return 0, m.closedOrMissing(attemptID)
	}
	a.ViolationCount++
	return a.ViolationCount, nil
}

func (m *memStore) Finalize(ctx context.Context, attemptID uuid.UUID, reason string, now time.Time) (*model.Attempt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok || a.Status != model.AttemptStatusInProgress {
		return nil, false, nil
	}
	if !now.Before(a.DeadlineAt) {
		a.Status = model.AttemptStatusExpired
	} else {
		a.Status = model.AttemptStatusSubmitted
	}
	a.SubmittedAt = &now
	a.SubmitReason = &reason
	return copyAttempt(a), true, nil
}

func (m *memStore) PersistScore(ctx context.Context, attemptID uuid.UUID, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok {
		return model.ErrAttemptNotFound
	}
	if a.FinalScore == nil {
		a.FinalScore = &score
		m.scoreWrites++
	}
	return nil
}

func (m *memStore) ListAnswers(ctx context.Context, attemptID uuid.UUID) ([]model.AnswerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]model.AnswerRecord, 0, len(m.answers[attemptID]))
	for _, rec := range m.answers[attemptID] {
		records = append(records, rec)
	}
	return records, nil
}

func (m *memStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, a := range m.attempts {
		if a.Status == model.AttemptStatusInProgress && !now.Before(a.DeadlineAt) {
			ids = append(ids, id)
			if len(ids) == limit {
				break
			}
		}
	}
	return ids, nil
}

func (m *memStore) scoreWriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scoreWrites
}

// memCatalog is a fixed in-memory ExamCatalog.
type memCatalog struct {
	exams map[uuid.UUID]*model.Exam
	keys  map[uuid.UUID]model.AnswerKey
}

func newMemCatalog() *memCatalog {
	return &memCatalog{
		exams: make(map[uuid.UUID]*model.Exam),
		keys:  make(map[uuid.UUID]model.AnswerKey),
	}
}

func (m *memCatalog) addExam(exam *model.Exam, key model.AnswerKey) {
	m.exams[exam.ID] = exam
	m.keys[exam.ID] = key
	exam.QuestionCount = len(key)
}

func (m *memCatalog) GetExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error) {
	exam, ok := m.exams[examID]
	if !ok {
		return nil, model.ErrExamNotFound
	}
	cp := *exam
	return &cp, nil
}

func (m *memCatalog) GetPaper(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error) {
	exam, ok := m.exams[examID]
	if !ok {
		return nil, model.ErrExamNotFound
	}
	return &model.ExamPaper{
		ExamID:          exam.ID,
		Title:           exam.Title,
		DurationMinutes: exam.DurationMinutes,
	}, nil
}

func (m *memCatalog) GetAnswerKey(ctx context.Context, examID uuid.UUID) (model.AnswerKey, error) {
	key, ok := m.keys[examID]
	if !ok {
		return nil, model.ErrExamNotFound
	}
	return key, nil
}

// deadRedis returns a client pointed at an unreachable address. The
// services treat every cache and queue failure as non-fatal, so the
// durable-path logic is exercised without a running Redis.
func deadRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  100 * time.Millisecond,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
		MaxRetries:   -1,
	})
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

// newTestExam registers a one-hour exam with a two-question key and
// returns it with the question IDs.
func newTestExam(catalog *memCatalog, maxAttempts int) (*model.Exam, uuid.UUID, uuid.UUID) {
	q1, q2 := uuid.New(), uuid.New()
	exam := &model.Exam{
		ID:              uuid.New(),
		Title:           "Algebra Midterm",
		DurationMinutes: 60,
		MaxAttempts:     maxAttempts,
	}
	catalog.addExam(exam, model.AnswerKey{q1: 1, q2: 2})
	return exam, q1, q2
}
