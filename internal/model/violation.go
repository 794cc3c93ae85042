package model

import (
	"time"

	"github.com/google/uuid"
)

// ViolationType enumerates integrity signals a client can report.
type ViolationType string

const (
	ViolationTabSwitch   ViolationType = "tab_switch"
	ViolationDevtools    ViolationType = "devtools"
	ViolationScreenshot  ViolationType = "screenshot"
	ViolationAltTab      ViolationType = "alt_tab"
	ViolationWindowBlur  ViolationType = "window_blur"
	ViolationCopyAttempt ViolationType = "copy_attempt"
	ViolationDragAttempt ViolationType = "drag_attempt"
	ViolationOther       ViolationType = "other"
)

// Valid reports whether the type is one of the known enum values.
func (t ViolationType) Valid() bool {
	switch t {
	case ViolationTabSwitch, ViolationDevtools, ViolationScreenshot,
		ViolationAltTab, ViolationWindowBlur, ViolationCopyAttempt,
		ViolationDragAttempt, ViolationOther:
		return true
	}
	return false
}

// ViolationEvent is an append-only ledger entry recorded against an
// attempt. Events are never mutated or removed.
type ViolationEvent struct {
	ID                  int64         `json:"id"`
	AttemptID           uuid.UUID     `json:"attempt_id"`
	Type                ViolationType `json:"type"`
	Detail              string        `json:"detail"`
	OccurredAt          time.Time     `json:"occurred_at"`
	IsAutoSubmitTrigger bool          `json:"is_auto_submit_trigger"`
}

// ViolationResult is the synchronous response to recording a violation.
// shouldForceSubmit instructs the client to finalize the attempt through
// the regular submission path; the ledger itself never submits.
type ViolationResult struct {
	ViolationCount    int  `json:"violation_count"`
	ShouldForceSubmit bool `json:"should_force_submit"`
}

// RecordViolationRequest is the payload for reporting an integrity signal.
type RecordViolationRequest struct {
	Type   ViolationType `json:"type" binding:"required"`
	Detail string        `json:"detail" binding:"max=500"`
}
