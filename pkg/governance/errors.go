package governance

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidState   = errors.New("invalid proposal state")
	ErrDeadline       = errors.New("voting deadline passed")
	ErrTimelock       = errors.New("timelock active")
	ErrExecution      = errors.New("action execution failed")
	ErrNotFound       = errors.New("proposal not found")
	ErrNotInitialized = &StateError{Op: "load", Reason: "council not initialized"}
)

// ValidationError reports malformed or out-of-bound input. Required and
// Actual carry the violated bound when one applies.
type ValidationError struct {
	Field    string `json:"field"`
	Reason   string `json:"reason"`
	Required int    `json:"required,omitempty"`
	Actual   int    `json:"actual,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Required != 0 || e.Actual != 0 {
		return fmt.Sprintf("invalid %s: %s (required %d, actual %d)", e.Field, e.Reason, e.Required, e.Actual)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// AuthorizationError reports a caller lacking the role an operation needs.
type AuthorizationError struct {
	Actor    Address `json:"actor"`
	Required string  `json:"required"`
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s is not authorized: requires %s", e.Actor, e.Required)
}

func (e *AuthorizationError) Is(target error) bool { return target == ErrUnauthorized }

// StateError reports an operation that is invalid for the current state.
type StateError struct {
	ProposalID uint64 `json:"proposal_id,omitempty"`
	Status     Status `json:"status,omitempty"`
	Op         string `json:"op"`
	Reason     string `json:"reason"`
}

func (e *StateError) Error() string {
	if e.ProposalID == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s proposal %d (%s): %s", e.Op, e.ProposalID, e.Status, e.Reason)
}

func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

// DeadlineError reports a vote cast after the voting deadline.
type DeadlineError struct {
	ProposalID uint64    `json:"proposal_id"`
	Deadline   time.Time `json:"deadline"`
	Now        time.Time `json:"now"`
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("proposal %d: voting closed at %s", e.ProposalID, e.Deadline.Format(time.RFC3339))
}

func (e *DeadlineError) Is(target error) bool { return target == ErrDeadline }

// TimelockError reports an execution attempt before ExecutableAt.
type TimelockError struct {
	ProposalID       uint64    `json:"proposal_id"`
	ExecutableAt     time.Time `json:"executable_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

func (e *TimelockError) Error() string {
	return fmt.Sprintf("proposal %d: timelock active for %ds (executable at %s)",
		e.ProposalID, e.RemainingSeconds, e.ExecutableAt.Format(time.RFC3339))
}

func (e *TimelockError) Is(target error) bool { return target == ErrTimelock }

func newTimelockError(id uint64, executableAt, now time.Time) *TimelockError {
	remaining := executableAt.Sub(now)
	secs := int64(remaining / time.Second)
	if remaining%time.Second != 0 {
		secs++
	}
	return &TimelockError{ProposalID: id, ExecutableAt: executableAt, RemainingSeconds: secs}
}

// ExecutionError wraps an ActionExecutor failure. The proposal stays
// approved and Execute may be retried.
type ExecutionError struct {
	ProposalID uint64 `json:"proposal_id"`
	Err        error  `json:"-"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute proposal %d: %v", e.ProposalID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }

// NotFoundError reports an unknown proposal id.
type NotFoundError struct {
	ProposalID uint64 `json:"proposal_id"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("proposal %d not found", e.ProposalID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
