package core

import "errors"

var (
	// ErrNotFound is returned when a graph, execution or node execution
	// does not exist in the repository.
	ErrNotFound = errors.New("not found")

	// ErrGraphInactive is returned when submitting an execution for a
	// graph that has been soft-deleted.
	ErrGraphInactive = errors.New("graph is inactive")

	// ErrBusy is returned by the engine when the concurrent execution
	// cap is reached. No execution record is touched.
	ErrBusy = errors.New("engine at capacity")

	// ErrAlreadyTerminal is returned when cancelling an execution that
	// has already reached a terminal status.
	ErrAlreadyTerminal = errors.New("execution already terminal")

	// ErrInvalidTransition is returned by the repository when a status
	// update would move backwards or away from a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrGraphMalformed is returned by the analyzer when the graph
	// structure cannot be scheduled.
	ErrGraphMalformed = errors.New("graph malformed")

	// ErrCycleDetected is returned when the edge set induces a cycle.
	ErrCycleDetected = errors.New("cycle detected")

	ErrUnknownStatus    = errors.New("unknown status")
	ErrUnknownCondition = errors.New("unknown edge condition")
)
