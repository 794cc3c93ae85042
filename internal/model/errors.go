package model

import "errors"

// Domain errors for the attempt lifecycle. Handlers translate these into
// API error codes; the storage layer never returns them directly.
var (
	// ErrAttemptNotFound means no attempt matched the lookup.
	ErrAttemptNotFound = errors.New("attempt not found")

	// ErrAttemptClosed means the attempt is already terminal. Answer and
	// violation writes against a closed attempt are rejected with this;
	// clients drop it silently.
	ErrAttemptClosed = errors.New("attempt is closed")

	// ErrActiveAttemptExists means a concurrent create lost the race
	// against another active attempt for the same (student, exam). The
	// caller recovers by re-reading the existing attempt.
	ErrActiveAttemptExists = errors.New("an active attempt already exists")

	// ErrExamNotOpen means the exam window has not started or has ended.
	ErrExamNotOpen = errors.New("exam is not open")

	// ErrAttemptLimitReached means prior attempts exhaust the exam's
	// attempt allowance.
	ErrAttemptLimitReached = errors.New("attempt limit reached")

	// ErrExamNotFound means the exam is unknown to the catalog.
	ErrExamNotFound = errors.New("exam not found")

	// ErrTransient marks a storage hiccup that is safe to retry; the
	// conditional updates underneath guarantee no double effect.
	ErrTransient = errors.New("transient storage error")
)
