// Package engine is the front door of the orchestrator: it owns graph and
// execution lifecycle, enforces the global concurrency cap and hands
// accepted executions to the scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skein-dev/skein/internal/core"
	"github.com/skein-dev/skein/internal/digraph"
	"github.com/skein-dev/skein/internal/logger"
	"github.com/skein-dev/skein/internal/persistence"
	"github.com/skein-dev/skein/internal/runner"
	"github.com/skein-dev/skein/internal/scheduler"
	"github.com/skein-dev/skein/internal/state"
	"github.com/skein-dev/skein/internal/telemetry"
)

// DefaultMaxConcurrentExecutions caps how many executions run at once
// before submissions are rejected with core.ErrBusy.
const DefaultMaxConcurrentExecutions = 64

// Config tunes one engine instance.
type Config struct {
	// MaxConcurrentExecutions caps in-flight executions. Defaults to
	// DefaultMaxConcurrentExecutions.
	MaxConcurrentExecutions int
	// Workers is the per-execution worker pool size.
	Workers int
	// StateTTL bounds how long ephemeral execution state is kept.
	StateTTL time.Duration
}

// Engine coordinates executions. Safe for concurrent use.
type Engine struct {
	repo    persistence.Repository
	states  state.Store
	sched   *scheduler.Scheduler
	metrics *telemetry.Metrics
	slots   chan struct{}

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	wg       sync.WaitGroup
}

// New wires an engine. metrics may be nil to run without instrumentation.
func New(repo persistence.Repository, states state.Store, run runner.Runner, metrics *telemetry.Metrics, cfg Config) *Engine {
	maxExec := cfg.MaxConcurrentExecutions
	if maxExec <= 0 {
		maxExec = DefaultMaxConcurrentExecutions
	}
	if metrics != nil {
		run = telemetry.InstrumentRunner(metrics, run)
	}
	return &Engine{
		repo:     repo,
		states:   states,
		sched:    scheduler.New(repo, states, run, scheduler.Config{Workers: cfg.Workers, StateTTL: cfg.StateTTL}),
		metrics:  metrics,
		slots:    make(chan struct{}, maxExec),
		inflight: make(map[uuid.UUID]struct{}),
	}
}

// CreateGraph validates and persists a graph definition.
func (e *Engine) CreateGraph(ctx context.Context, g *core.Graph) error {
	if err := digraph.FromGraph(g).Validate(); err != nil {
		return err
	}
	if err := e.repo.CreateGraph(ctx, g); err != nil {
		return fmt.Errorf("failed to persist graph: %w", err)
	}
	logger.Info(ctx, "graph created", "graph", g.Name, "id", g.ID.String(), "nodes", len(g.Nodes))
	return nil
}

// CreateExecution records a new PENDING execution of an active graph.
func (e *Engine) CreateExecution(ctx context.Context, graphID uuid.UUID, execCtx core.Value) (*core.Execution, error) {
	g, err := e.repo.GetGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}
	if !g.IsActive {
		return nil, fmt.Errorf("graph %s: %w", graphID, core.ErrGraphInactive)
	}
	exec := &core.Execution{
		ID:      uuid.New(),
		GraphID: graphID,
		Status:  core.StatusPending,
		Context: execCtx,
	}
	if err := e.repo.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to persist execution: %w", err)
	}
	return exec, nil
}

// SubmitExecution starts a PENDING execution asynchronously. The call never
// blocks: when all concurrency slots are taken it returns core.ErrBusy and
// the execution stays PENDING for a later resubmit. A deactivated graph is
// rejected with core.ErrGraphInactive. Submitting an execution that is
// already in flight or already decided is a no-op.
func (e *Engine) SubmitExecution(ctx context.Context, executionID uuid.UUID) error {
	e.mu.Lock()
	if _, running := e.inflight[executionID]; running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	bundle, err := e.repo.LoadExecutionForRun(ctx, executionID)
	if err != nil {
		return err
	}
	if bundle.Execution.Status != core.StatusPending {
		return nil
	}
	// The graph may have been deactivated after the execution was created.
	if !bundle.Graph.IsActive {
		return fmt.Errorf("graph %s: %w", bundle.Execution.GraphID, core.ErrGraphInactive)
	}

	select {
	case e.slots <- struct{}{}:
	default:
		return fmt.Errorf("execution %s: %w", executionID, core.ErrBusy)
	}

	e.mu.Lock()
	if _, running := e.inflight[executionID]; running {
		e.mu.Unlock()
		<-e.slots
		return nil
	}
	e.inflight[executionID] = struct{}{}
	e.wg.Add(1)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ExecutionStarted()
	}

	// The run outlives the submit call; only cancellation via the state
	// store stops it.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer e.wg.Done()
		status, err := e.sched.Execute(runCtx, bundle)
		if err != nil {
			logger.Error(runCtx, "execution aborted", "execution", executionID.String(), "err", err)
		}
		if e.metrics != nil {
			e.metrics.ExecutionFinished(status)
		}
		e.mu.Lock()
		delete(e.inflight, executionID)
		e.mu.Unlock()
		<-e.slots
	}()
	return nil
}

// CancelExecution requests cooperative cancellation. A PENDING execution
// that never started is cancelled directly; a running one is flagged and
// stops at its next checkpoint. Cancelling a decided execution returns
// core.ErrAlreadyTerminal.
func (e *Engine) CancelExecution(ctx context.Context, executionID uuid.UUID) error {
	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return fmt.Errorf("execution %s: %w", executionID, core.ErrAlreadyTerminal)
	}

	e.mu.Lock()
	_, running := e.inflight[executionID]
	e.mu.Unlock()

	if exec.Status == core.StatusPending && !running {
		return e.repo.SetExecutionStatus(ctx, executionID, core.StatusCancelled, time.Now(), "cancelled before start")
	}

	err = e.states.SetStatusFlag(ctx, executionID, state.FlagCancelRequested)
	if errors.Is(err, core.ErrNotFound) {
		// The scheduler has not initialized state yet; create it flagged so
		// the first checkpoint sees the request.
		if err = e.states.Init(ctx, executionID, state.DefaultTTL); err == nil {
			err = e.states.SetStatusFlag(ctx, executionID, state.FlagCancelRequested)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to flag cancellation: %w", err)
	}
	logger.Info(ctx, "cancellation requested", "execution", executionID.String())
	return nil
}

// ExecutionState is the combined durable and live view of one execution.
type ExecutionState struct {
	Execution *core.Execution
	Nodes     []*core.NodeExecution
	Live      *state.Snapshot
}

// ExecutionState returns the repository rows plus, when still available,
// the ephemeral state snapshot.
func (e *Engine) ExecutionState(ctx context.Context, executionID uuid.UUID) (*ExecutionState, error) {
	exec, err := e.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	nodes, err := e.repo.ListNodeExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}
	out := &ExecutionState{Execution: exec, Nodes: nodes}
	if snap, err := e.states.Snapshot(ctx, executionID); err == nil {
		out.Live = snap
	}
	return out, nil
}

// Shutdown waits for in-flight executions to finish or the context to
// expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
