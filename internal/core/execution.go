package core

import (
	"time"

	"github.com/google/uuid"
)

// Execution is one run of a graph. Created PENDING by the caller; the
// engine owns every transition after that.
type Execution struct {
	ID           uuid.UUID
	GraphID      uuid.UUID
	Status       Status
	Context      Value
	StartedAt    time.Time
	CompletedAt  time.Time
	ErrorMessage string
}

// NodeExecution is the per-node trace row of an execution. Exactly one
// exists per node of the executed graph.
type NodeExecution struct {
	ID           uuid.UUID
	ExecutionID  uuid.UUID
	NodeID       uuid.UUID
	Status       Status
	InputData    Value
	OutputData   Value
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  time.Time
	RunnerTaskID string
}
