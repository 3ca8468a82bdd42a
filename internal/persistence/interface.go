// Package persistence defines the repository the engine writes its durable
// trace through. Implementations must make every status update an atomic
// compare-and-swap on the current status; illegal transitions fail with
// core.ErrInvalidTransition and leave the row untouched.
package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/skein-dev/skein/internal/core"
)

// ExecutionBundle is an execution with its graph eagerly expanded, as the
// scheduler needs it at dispatch time.
type ExecutionBundle struct {
	Execution *core.Execution
	Graph     *core.Graph
}

// Repository is the durable store for graphs, executions and
// node-executions.
type Repository interface {
	// CreateGraph persists a graph with its nodes and edges.
	CreateGraph(ctx context.Context, g *core.Graph) error
	// GetGraph retrieves a graph with nodes and edges in declared order.
	GetGraph(ctx context.Context, id uuid.UUID) (*core.Graph, error)
	// SetGraphActive toggles the soft-delete flag. Inactive graphs cannot
	// start new executions; in-flight ones run to completion.
	SetGraphActive(ctx context.Context, id uuid.UUID, active bool) error

	// CreateExecution persists a fresh PENDING execution.
	CreateExecution(ctx context.Context, e *core.Execution) error
	// GetExecution retrieves a single execution row.
	GetExecution(ctx context.Context, id uuid.UUID) (*core.Execution, error)
	// ListExecutions returns all executions of a graph, newest first.
	ListExecutions(ctx context.Context, graphID uuid.UUID) ([]*core.Execution, error)
	// LoadExecutionForRun returns the execution with its graph expanded.
	LoadExecutionForRun(ctx context.Context, id uuid.UUID) (*ExecutionBundle, error)
	// SetExecutionStatus transitions the execution status. started_at is
	// recorded on the transition to RUNNING, completed_at on any terminal
	// status, and errMsg on FAILED/CANCELLED/TIMEOUT.
	SetExecutionStatus(ctx context.Context, id uuid.UUID, status core.Status, at time.Time, errMsg string) error

	// CreateNodeExecutions bulk-inserts one PENDING row per node and
	// returns node_key -> NodeExecID.
	CreateNodeExecutions(ctx context.Context, executionID uuid.UUID, nodes []core.Node) (map[string]uuid.UUID, error)
	// StartNodeExecution transitions PENDING -> RUNNING, recording the
	// runner task id and the assembled input bundle.
	StartNodeExecution(ctx context.Context, id uuid.UUID, taskID string, input core.Value, at time.Time) error
	// CompleteNodeExecution transitions RUNNING -> SUCCESS|FAILED|TIMEOUT,
	// or PENDING -> CANCELLED for gate-cancelled and never-dispatched nodes.
	CompleteNodeExecution(ctx context.Context, id uuid.UUID, status core.Status, output *core.Value, errMsg string, at time.Time) error
	// ListNodeExecutions returns all node-execution rows of an execution
	// in node declared order.
	ListNodeExecutions(ctx context.Context, executionID uuid.UUID) ([]*core.NodeExecution, error)
	// TerminalStatusesByExecution returns node_key -> status for every
	// node execution that has reached a terminal status.
	TerminalStatusesByExecution(ctx context.Context, executionID uuid.UUID) (map[string]core.Status, error)
}
