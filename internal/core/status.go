package core

import "fmt"

// Status is the lifecycle state shared by executions and node executions.
// The string forms are the persisted and wire representation.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusSuccess
	StatusFailed
	StatusCancelled
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailed:
		return "FAILED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the status machine permits s -> next.
// PENDING -> RUNNING | CANCELLED, RUNNING -> any terminal; terminal states
// are final.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	case StatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// ParseStatus converts the persisted string form back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "PENDING":
		return StatusPending, nil
	case "RUNNING":
		return StatusRunning, nil
	case "SUCCESS":
		return StatusSuccess, nil
	case "FAILED":
		return StatusFailed, nil
	case "CANCELLED":
		return StatusCancelled, nil
	case "TIMEOUT":
		return StatusTimeout, nil
	default:
		return StatusPending, fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

// EdgeCondition gates whether a successor may run given its predecessor's
// terminal status.
type EdgeCondition int

const (
	OnSuccess EdgeCondition = iota
	OnFailure
	Always
)

func (c EdgeCondition) String() string {
	switch c {
	case OnSuccess:
		return "ON_SUCCESS"
	case OnFailure:
		return "ON_FAILURE"
	case Always:
		return "ALWAYS"
	default:
		return "UNKNOWN"
	}
}

// ParseEdgeCondition accepts both the wire form (ON_SUCCESS) and the
// lowercase form used in graph definition files (on_success).
func ParseEdgeCondition(s string) (EdgeCondition, error) {
	switch s {
	case "ON_SUCCESS", "on_success":
		return OnSuccess, nil
	case "ON_FAILURE", "on_failure":
		return OnFailure, nil
	case "ALWAYS", "always":
		return Always, nil
	default:
		return OnSuccess, fmt.Errorf("%w: %q", ErrUnknownCondition, s)
	}
}

// Satisfied reports whether a predecessor terminal status satisfies the
// condition. TIMEOUT is deliberately distinct from FAILED here: an
// ON_FAILURE successor of a timed-out predecessor is not runnable.
func (c EdgeCondition) Satisfied(pred Status) bool {
	switch c {
	case OnSuccess:
		return pred == StatusSuccess
	case OnFailure:
		return pred == StatusFailed
	case Always:
		return true
	default:
		return false
	}
}
