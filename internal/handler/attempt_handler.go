package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/proctorly/proctorly-backend/internal/middleware"
	"github.com/proctorly/proctorly-backend/internal/model"
	"github.com/proctorly/proctorly-backend/internal/response"
	"github.com/proctorly/proctorly-backend/internal/service"
	"github.com/proctorly/proctorly-backend/internal/validator"
)

// AttemptHandler handles the student-facing attempt endpoints.
type AttemptHandler struct {
	lifecycle  *service.AttemptLifecycleService
	answerSync *service.AnswerSyncService
	violations *service.ViolationService
	submission *service.SubmissionService
	catalog    service.ExamCatalog
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(
	lifecycle *service.AttemptLifecycleService,
	answerSync *service.AnswerSyncService,
	violations *service.ViolationService,
	submission *service.SubmissionService,
	catalog service.ExamCatalog,
) *AttemptHandler {
	return &AttemptHandler{
		lifecycle:  lifecycle,
		answerSync: answerSync,
		violations: violations,
		submission: submission,
		catalog:    catalog,
	}
}

// StartAttempt godoc
// POST /api/v1/student/attempts/start
// Starts a new attempt or resumes the active one (idempotent under
// concurrent starts from multiple tabs).
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.StartAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	attempt, resumed, err := h.lifecycle.StartOrResume(c.Request.Context(), claims.UserID, req.ExamID)
	if err != nil {
		h.failFromError(c, err)
		return
	}

	paper, err := h.catalog.GetPaper(c.Request.Context(), attempt.ExamID)
	if err != nil {
		h.failFromError(c, err)
		return
	}

	status := http.StatusCreated
	if resumed {
		status = http.StatusOK
	}

	response.Success(c, status, gin.H{
		"attempt":           attempt,
		"resumed":           resumed,
		"remaining_seconds": attempt.RemainingSeconds(time.Now()),
		"paper":             paper,
	})
}

// GetActiveAttempt godoc
// GET /api/v1/student/attempts/active?exam_id=...
func (h *AttemptHandler) GetActiveAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Query("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	attempt, err := h.lifecycle.GetActive(c.Request.Context(), claims.UserID, examID)
	if err != nil {
		h.failFromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"attempt": attempt})
}

// GetAttemptState godoc
// GET /api/v1/student/attempts/:attempt_id/state
// Covers page reloads: saved answers, violation count, remaining time.
func (h *AttemptHandler) GetAttemptState(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	state, err := h.lifecycle.GetState(c.Request.Context(), claims.UserID, attemptID)
	if err != nil {
		h.failFromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, state)
}

// UpsertAnswer godoc
// PUT /api/v1/student/attempts/:attempt_id/answer
// Saves one answer; last write wins per question. Returns 410 once the
// attempt is closed so autosave loops know to stop.
func (h *AttemptHandler) UpsertAnswer(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.UpsertAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	err = h.answerSync.Upsert(c.Request.Context(), claims.UserID, attemptID, req.QuestionID, req.SelectedOptionIndex, req.IsFlagged)
	if err != nil {
		h.failFromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"ack": true})
}

// RecordViolation godoc
// POST /api/v1/student/attempts/:attempt_id/violation
func (h *AttemptHandler) RecordViolation(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.RecordViolationRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if !req.Type.Valid() {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidViolation)
		return
	}

	result, err := h.violations.Record(c.Request.Context(), claims.UserID, attemptID, req.Type, req.Detail)
	if err != nil {
		h.failFromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// SubmitAttempt godoc
// POST /api/v1/student/attempts/:attempt_id/submit
// Idempotent: repeat calls return the stored result. 409 only signals a
// genuinely retryable storage error, never "already submitted".
func (h *AttemptHandler) SubmitAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.SubmitAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.submission.SubmitAs(c.Request.Context(), claims.UserID, attemptID, req.Reason)
	if err != nil {
		h.failFromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"success":      true,
		"final_status": result.FinalStatus,
		"score":        result.Score,
	})
}

// failFromError maps domain errors to API error codes.
func (h *AttemptHandler) failFromError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrAttemptNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, model.ErrExamNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrExamNotFound)
	case errors.Is(err, model.ErrExamNotOpen):
		response.Fail(c, http.StatusConflict, response.ErrExamNotOpen)
	case errors.Is(err, model.ErrAttemptLimitReached):
		response.Fail(c, http.StatusConflict, response.ErrAttemptLimitReached)
	case errors.Is(err, model.ErrAttemptClosed):
		response.Fail(c, http.StatusGone, response.ErrAttemptClosed)
	case errors.Is(err, model.ErrTransient):
		response.Fail(c, http.StatusConflict, response.ErrRetryLater)
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
