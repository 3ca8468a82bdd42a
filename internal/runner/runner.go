// Package runner defines the boundary between the engine and node business
// logic. The engine treats node work as opaque: it hands the runner a
// payload, constants and the assembled input bundle, and gets back an output
// value or an error.
package runner

import (
	"context"

	"github.com/google/uuid"

	"github.com/skein-dev/skein/internal/core"
)

// Input is everything a runner needs to execute one node.
type Input struct {
	ExecutionID      uuid.UUID
	NodeExecutionID  uuid.UUID
	NodeKey          string
	Payload          string
	Constants        core.Value
	Inputs           core.Value // predecessor node_key -> output_data
	ExecutionContext core.Value
}

// Runner executes a node's work. The context carries the node timeout as a
// deadline; a return of context.DeadlineExceeded (wrapped or not) is
// recorded as TIMEOUT rather than FAILED.
type Runner interface {
	Run(ctx context.Context, in Input) (core.Value, error)
}

// Func adapts a plain function to the Runner interface.
type Func func(ctx context.Context, in Input) (core.Value, error)

func (f Func) Run(ctx context.Context, in Input) (core.Value, error) {
	return f(ctx, in)
}
