// Package websocket defines the wire schema of the proctor monitor
// stream. Attempt services publish these events to the exam's Redis
// channel; the monitor handler relays them verbatim, so publisher and
// consumer share one source of truth for the payload shape.
package websocket

// Kind discriminates monitor events.
type Kind string

const (
	KindViolation Kind = "violation"
	KindFinalized Kind = "finalized"
)

// ViolationEvent is broadcast when a student's integrity violation is
// recorded.
type ViolationEvent struct {
	Kind              Kind   `json:"kind"`
	AttemptID         string `json:"attempt_id"`
	StudentID         int    `json:"student_id"`
	Type              string `json:"type"`
	ViolationCount    int    `json:"violation_count"`
	ShouldForceSubmit bool   `json:"should_force_submit"`
	OccurredAt        int64  `json:"occurred_at"`
}

// NewViolationEvent fills in the discriminator.
func NewViolationEvent(attemptID string, studentID int, vtype string, count int, force bool, occurredAt int64) ViolationEvent {
	return ViolationEvent{
		Kind:              KindViolation,
		AttemptID:         attemptID,
		StudentID:         studentID,
		Type:              vtype,
		ViolationCount:    count,
		ShouldForceSubmit: force,
		OccurredAt:        occurredAt,
	}
}

// FinalizedEvent is broadcast when an attempt reaches a terminal status.
type FinalizedEvent struct {
	Kind        Kind    `json:"kind"`
	AttemptID   string  `json:"attempt_id"`
	StudentID   int     `json:"student_id"`
	FinalStatus string  `json:"final_status"`
	Score       float64 `json:"score"`
	Reason      string  `json:"reason"`
}

// NewFinalizedEvent fills in the discriminator.
func NewFinalizedEvent(attemptID string, studentID int, finalStatus string, score float64, reason string) FinalizedEvent {
	return FinalizedEvent{
		Kind:        KindFinalized,
		AttemptID:   attemptID,
		StudentID:   studentID,
		FinalStatus: finalStatus,
		Score:       score,
		Reason:      reason,
	}
}
