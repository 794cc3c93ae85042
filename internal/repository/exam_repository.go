package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/proctorly/proctorly-backend/internal/config"
	"github.com/proctorly/proctorly-backend/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ExamRepository reads the exam catalog. Papers, durations and answer
// keys are cached in Redis with PostgreSQL as the source of truth; cache
// misses fall back to the database and self-heal the cache.
type ExamRepository struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ExamRepository {
	return &ExamRepository{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "exam_repository").Logger(),
	}
}

// GetExam retrieves an exam catalog entry by ID, served from Redis when
// possible. Every attempt start reads the exam metadata, so at exam
// start this is the hottest catalog path.
func (r *ExamRepository) GetExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error) {
	key := config.CacheKey.ExamMetaKey(examID.String())

	raw, err := r.rdb.Get(ctx, key).Result()
	if err == nil {
		e := &model.Exam{}
		if err := json.Unmarshal([]byte(raw), e); err == nil {
			return e, nil
		}
		r.log.Warn().Str("exam_id", examID.String()).Msg("Discarding corrupt cached exam metadata")
	} else if !errors.Is(err, redis.Nil) {
		r.log.Warn().Err(err).Msg("Exam metadata cache unavailable, using database")
	}

	e, err := r.loadExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(e); err == nil {
		_ = r.rdb.Set(ctx, key, data, 0).Err()
	}

	return e, nil
}

func (r *ExamRepository) loadExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT e.id, e.title, e.duration_minutes, e.opens_at, e.closes_at, e.max_attempts,
		        (SELECT COUNT(*) FROM exam_questions q WHERE q.exam_id = e.id)
		 FROM exams e
		 WHERE e.id = $1`, examID,
	).Scan(&e.ID, &e.Title, &e.DurationMinutes, &e.OpensAt, &e.ClosesAt, &e.MaxAttempts, &e.QuestionCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrExamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	return e, nil
}

// GetPaper returns the student-facing question payload for an exam,
// served from Redis when possible.
func (r *ExamRepository) GetPaper(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error) {
	key := config.CacheKey.ExamPaperKey(examID.String())

	raw, err := r.rdb.Get(ctx, key).Result()
	if err == nil {
		paper := &model.ExamPaper{}
		if err := json.Unmarshal([]byte(raw), paper); err == nil {
			return paper, nil
		}
		// Corrupt cache entry: rebuild from the database below.
		r.log.Warn().Str("exam_id", examID.String()).Msg("Discarding corrupt cached paper")
	} else if !errors.Is(err, redis.Nil) {
		// Redis being down must not take the paper endpoint with it.
		r.log.Warn().Err(err).Msg("Paper cache unavailable, using database")
	}

	paper, err := r.loadPaper(ctx, examID)
	if err != nil {
		return nil, err
	}

	// Self-heal so the next request is served from cache.
	if data, err := json.Marshal(paper); err == nil {
		_ = r.rdb.Set(ctx, key, data, 0).Err()
	}

	return paper, nil
}

// GetAnswerKey returns the question → correct option mapping used for
// scoring. Cached as a Redis hash, falling back to the database.
func (r *ExamRepository) GetAnswerKey(ctx context.Context, examID uuid.UUID) (model.AnswerKey, error) {
	cacheKey := config.CacheKey.ExamAnswerKeyKey(examID.String())

	cached, err := r.rdb.HGetAll(ctx, cacheKey).Result()
	if err == nil && len(cached) > 0 {
		key := make(model.AnswerKey, len(cached))
		ok := true
		for qid, idx := range cached {
			questionID, qErr := uuid.Parse(qid)
			optIdx, iErr := strconv.Atoi(idx)
			if qErr != nil || iErr != nil {
				ok = false
				break
			}
			key[questionID] = optIdx
		}
		if ok {
			return key, nil
		}
		r.log.Warn().Str("exam_id", examID.String()).Msg("Discarding corrupt cached answer key")
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, correct_option_index FROM exam_questions WHERE exam_id = $1`, examID)
	if err != nil {
		return nil, fmt.Errorf("load answer key: %w", err)
	}
	defer rows.Close()

	key := make(model.AnswerKey)
	fields := make(map[string]interface{})
	for rows.Next() {
		var questionID uuid.UUID
		var correct int
		if err := rows.Scan(&questionID, &correct); err != nil {
			return nil, err
		}
		key[questionID] = correct
		fields[questionID.String()] = correct
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(fields) > 0 {
		_ = r.rdb.HSet(ctx, cacheKey, fields).Err()
	}

	return key, nil
}

// PrewarmCaches loads every exam's metadata, paper and answer key into
// Redis before the server accepts traffic, so a thundering herd at exam
// start never stampedes PostgreSQL through lazy loading.
func (r *ExamRepository) PrewarmCaches(ctx context.Context) error {
	rows, err := r.pool.Query(ctx, `SELECT id FROM exams`)
	if err != nil {
		return fmt.Errorf("list exams: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if _, err := r.GetExam(ctx, id); err != nil {
			r.log.Warn().Err(err).Str("exam_id", id.String()).Msg("Prewarm exam metadata failed")
			continue
		}
		if _, err := r.GetPaper(ctx, id); err != nil {
			r.log.Warn().Err(err).Str("exam_id", id.String()).Msg("Prewarm paper failed")
			continue
		}
		if _, err := r.GetAnswerKey(ctx, id); err != nil {
			r.log.Warn().Err(err).Str("exam_id", id.String()).Msg("Prewarm answer key failed")
			continue
		}
	}

	r.log.Info().Int("exams", len(ids)).Msg("Exam caches prewarmed")
	return nil
}

func (r *ExamRepository) loadPaper(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error) {
	exam, err := r.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, question_text, options, order_num
		 FROM exam_questions
		 WHERE exam_id = $1
		 ORDER BY order_num`, examID)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	defer rows.Close()

	paper := &model.ExamPaper{
		ExamID:          exam.ID,
		Title:           exam.Title,
		DurationMinutes: exam.DurationMinutes,
	}
	for rows.Next() {
		var q model.PaperQuestion
		if err := rows.Scan(&q.ID, &q.QuestionText, &q.Options, &q.OrderNum); err != nil {
			return nil, err
		}
		paper.Questions = append(paper.Questions, q)
	}
	return paper, rows.Err()
}
