// Package examclient drives one student's exam session against the
// attempt API: countdown anchored to the server deadline, periodic
// autosave, integrity signal reporting and a single-entry idempotent
// submission path with retry.
package examclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/proctorly/proctorly-backend/internal/model"
)

// API is the server surface the session controller needs. *Client
// implements it over HTTP; tests substitute fakes.
type API interface {
	StartAttempt(ctx context.Context, examID uuid.UUID) (*StartResult, error)
	SaveAnswer(ctx context.Context, attemptID, questionID uuid.UUID, selectedOptionIndex *int, isFlagged bool) error
	ReportViolation(ctx context.Context, attemptID uuid.UUID, vtype model.ViolationType, detail string) (*model.ViolationResult, error)
	Submit(ctx context.Context, attemptID uuid.UUID, reason string) (*model.SubmitResult, error)
}

// StartResult is the server's answer to a start-or-resume call. The
// deadline is carried as remaining seconds so a skewed client clock
// still counts down the right duration.
type StartResult struct {
	AttemptID        uuid.UUID
	ExamID           uuid.UUID
	Resumed          bool
	RemainingSeconds float64
	ViolationCount   int
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient creates a Client for the given API base URL (e.g.
// "http://localhost:8080") authenticating with the student's JWT.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

// envelope mirrors the server's response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// StartAttempt starts or resumes the attempt for an exam.
func (c *Client) StartAttempt(ctx context.Context, examID uuid.UUID) (*StartResult, error) {
	var data struct {
		Attempt          model.Attempt `json:"attempt"`
		Resumed          bool          `json:"resumed"`
		RemainingSeconds float64       `json:"remaining_seconds"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/student/attempts/start",
		map[string]interface{}{"exam_id": examID}, &data)
	if err != nil {
		return nil, err
	}
	return &StartResult{
		AttemptID:        data.Attempt.ID,
		ExamID:           data.Attempt.ExamID,
		Resumed:          data.Resumed,
		RemainingSeconds: data.RemainingSeconds,
		ViolationCount:   data.Attempt.ViolationCount,
	}, nil
}

// SaveAnswer replaces one question's answer.
func (c *Client) SaveAnswer(ctx context.Context, attemptID, questionID uuid.UUID, selectedOptionIndex *int, isFlagged bool) error {
	path := fmt.Sprintf("/api/v1/student/attempts/%s/answer", attemptID)
	return c.do(ctx, http.MethodPut, path, map[string]interface{}{
		"question_id":           questionID,
		"selected_option_index": selectedOptionIndex,
		"is_flagged":            isFlagged,
	}, nil)
}

// ReportViolation records an integrity signal and returns the server's
// escalation decision.
func (c *Client) ReportViolation(ctx context.Context, attemptID uuid.UUID, vtype model.ViolationType, detail string) (*model.ViolationResult, error) {
	path := fmt.Sprintf("/api/v1/student/attempts/%s/violation", attemptID)
	result := &model.ViolationResult{}
	err := c.do(ctx, http.MethodPost, path, map[string]interface{}{
		"type":   vtype,
		"detail": detail,
	}, result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Submit finalizes the attempt. Safe to retry: the server returns the
// stored result for an already-finalized attempt.
func (c *Client) Submit(ctx context.Context, attemptID uuid.UUID, reason string) (*model.SubmitResult, error) {
	path := fmt.Sprintf("/api/v1/student/attempts/%s/submit", attemptID)
	var data struct {
		FinalStatus model.AttemptStatus `json:"final_status"`
		Score       float64             `json:"score"`
	}
	err := c.do(ctx, http.MethodPost, path, map[string]interface{}{"reason": reason}, &data)
	if err != nil {
		return nil, err
	}
	return &model.SubmitResult{
		AttemptID:   attemptID,
		FinalStatus: data.FinalStatus,
		Score:       data.Score,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		// Network failures are retryable; the server-side operations
		// are conditional updates, so a blind retry cannot double-apply.
		return fmt.Errorf("%w: %v", model.ErrTransient, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: decode response: %v", model.ErrTransient, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && env.Data != nil {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return fmt.Errorf("decode data: %w", err)
			}
		}
		return nil
	}

	code := ""
	if env.Error != nil {
		code = env.Error.Code
	}

	switch {
	case resp.StatusCode == http.StatusGone || code == "ATTEMPT_CLOSED":
		return model.ErrAttemptClosed
	case code == "RETRY_LATER" || resp.StatusCode >= 500:
		return fmt.Errorf("%w: server returned %d", model.ErrTransient, resp.StatusCode)
	case code == "EXAM_NOT_OPEN":
		return model.ErrExamNotOpen
	case code == "ATTEMPT_LIMIT_REACHED":
		return model.ErrAttemptLimitReached
	case code == "EXAM_NOT_FOUND":
		return model.ErrExamNotFound
	case resp.StatusCode == http.StatusNotFound:
		return model.ErrAttemptNotFound
	default:
		return fmt.Errorf("api error %d (%s)", resp.StatusCode, code)
	}
}
