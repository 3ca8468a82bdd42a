// Package scheduler drives one execution through its graph level by level.
// Every node of a level must reach a terminal status before the next level
// starts; conditional edges decide per node whether it runs or is cancelled
// without running.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/skein-dev/skein/internal/core"
	"github.com/skein-dev/skein/internal/logger"
	"github.com/skein-dev/skein/internal/persistence"
	"github.com/skein-dev/skein/internal/runner"
	"github.com/skein-dev/skein/internal/state"
)

// DefaultWorkers caps how many nodes of one execution run concurrently.
const DefaultWorkers = 16

// Config tunes one scheduler instance.
type Config struct {
	// Workers is the per-execution worker pool size. Defaults to
	// DefaultWorkers.
	Workers int
	// StateTTL is passed to the state store on Init. Defaults to
	// state.DefaultTTL.
	StateTTL time.Duration
}

// Scheduler executes one graph run at a time. A single instance is safe to
// use for many executions concurrently; all per-run data lives on the
// stack of Execute.
type Scheduler struct {
	repo    persistence.Repository
	states  state.Store
	runner  runner.Runner
	workers int
	ttl     time.Duration
	now     func() time.Time
}

func New(repo persistence.Repository, states state.Store, run runner.Runner, cfg Config) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ttl := cfg.StateTTL
	if ttl <= 0 {
		ttl = state.DefaultTTL
	}
	return &Scheduler{
		repo:    repo,
		states:  states,
		runner:  run,
		workers: workers,
		ttl:     ttl,
		now:     time.Now,
	}
}

// run is the mutable state of one execution in flight.
type run struct {
	plan     *Plan
	execID   uuid.UUID
	execCtx  core.Value
	neIDs    map[string]uuid.UUID
	mu       sync.Mutex
	statuses map[string]core.Status
	outputs  map[string]core.Value
}

func (r *run) setResult(key string, st core.Status, out core.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[key] = st
	if st == core.StatusSuccess {
		r.outputs[key] = out
	}
}

func (r *run) status(key string) core.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[key]
}

// Execute drives the execution to a terminal status and returns it. The
// returned error covers infrastructure failures only; a FAILED execution
// with a clean repository trail returns a nil error.
func (s *Scheduler) Execute(ctx context.Context, bundle *persistence.ExecutionBundle) (core.Status, error) {
	execID := bundle.Execution.ID
	ctx = logger.WithValues(ctx, "execution", execID.String(), "graph", bundle.Graph.Name)

	plan, err := NewPlan(bundle.Graph)
	if err != nil {
		msg := err.Error()
		_ = s.persist(ctx, "mark malformed execution failed", func() error {
			return s.repo.SetExecutionStatus(ctx, execID, core.StatusFailed, s.now(), msg)
		})
		return core.StatusFailed, err
	}

	if err := s.start(ctx, execID); err != nil {
		if errors.Is(err, core.ErrInvalidTransition) {
			// A cancel won the race to the row before we started; the
			// persisted state is authoritative, so run nothing.
			if cur, readErr := s.repo.GetExecution(ctx, execID); readErr == nil && cur.Status.IsTerminal() {
				logger.Info(ctx, "execution already decided, not running", "status", cur.Status.String())
				return cur.Status, nil
			}
		}
		return core.StatusFailed, err
	}
	if err := s.states.Init(ctx, execID, s.ttl); err != nil {
		logger.Warn(ctx, "failed to initialize execution state", "err", err)
	}

	neIDs, err := s.createNodeExecutions(ctx, execID, plan)
	if err != nil {
		return s.finish(ctx, execID, core.StatusFailed, err.Error())
	}

	r := &run{
		plan:     plan,
		execID:   execID,
		execCtx:  bundle.Execution.Context,
		neIDs:    neIDs,
		statuses: make(map[string]core.Status, len(plan.Keys())),
		outputs:  make(map[string]core.Value),
	}

	logger.Info(ctx, "execution started", "levels", len(plan.Levels()), "nodes", len(plan.Keys()))

	cancelled := false
	for i, level := range plan.Levels() {
		if s.cancelRequested(ctx, execID) {
			cancelled = true
			break
		}
		if err := s.runLevel(ctx, r, level); err != nil {
			s.cancelRemaining(ctx, r)
			return s.finish(ctx, execID, core.StatusFailed, err.Error())
		}
		logger.Debug(ctx, "level complete", "level", i)
	}
	// A cancel during the last level leaves no next iteration to observe
	// it, so look once more before deciding the final status.
	if !cancelled && s.cancelRequested(ctx, execID) {
		cancelled = true
	}
	if cancelled {
		s.cancelRemaining(ctx, r)
	}

	final, msg := s.aggregate(r, cancelled)
	return s.finish(ctx, execID, final, msg)
}

// start claims the execution with the PENDING -> RUNNING transition. Unlike
// persist, a rejected transition is surfaced to the caller: here it means
// the row was decided by someone else and the run must not proceed.
func (s *Scheduler) start(ctx context.Context, execID uuid.UUID) error {
	err := s.repo.SetExecutionStatus(ctx, execID, core.StatusRunning, s.now(), "")
	if err == nil || errors.Is(err, core.ErrInvalidTransition) {
		return err
	}
	logger.Warn(ctx, "repository write failed, retrying", "op", "transition execution to running", "err", err)
	err = s.repo.SetExecutionStatus(ctx, execID, core.StatusRunning, s.now(), "")
	if err == nil || errors.Is(err, core.ErrInvalidTransition) {
		return err
	}
	return fmt.Errorf("repository unavailable: transition execution to running: %w", err)
}

func (s *Scheduler) createNodeExecutions(ctx context.Context, execID uuid.UUID, plan *Plan) (map[string]uuid.UUID, error) {
	var neIDs map[string]uuid.UUID
	err := s.persist(ctx, "create node executions", func() error {
		ids, err := s.repo.CreateNodeExecutions(ctx, execID, plan.graph.Nodes)
		if err != nil {
			return err
		}
		neIDs = ids
		return nil
	})
	return neIDs, err
}

// runLevel dispatches every runnable node of the level to the worker pool
// and blocks until all of them are terminal.
func (s *Scheduler) runLevel(ctx context.Context, r *run, level []string) error {
	runnable := make([]string, 0, len(level))
	for _, key := range level {
		if blockedBy, ok := s.gate(r, key); !ok {
			if err := s.skipNode(ctx, r, key, blockedBy); err != nil {
				return err
			}
			continue
		}
		runnable = append(runnable, key)
	}
	if len(runnable) == 0 {
		return nil
	}

	workers := s.workers
	if workers > len(runnable) {
		workers = len(runnable)
	}
	keys := make(chan string)
	errs := make(chan error, len(runnable))
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range keys {
				// Honor a cancel between dispatches; the node stays
				// PENDING and is swept up by cancelRemaining.
				if s.cancelRequested(ctx, r.execID) {
					errs <- nil
					continue
				}
				errs <- s.runNode(ctx, r, key)
			}
		}()
	}
	for _, key := range runnable {
		keys <- key
	}
	close(keys)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// gate decides whether a node may run given its predecessors' terminal
// statuses. Every incoming edge condition must hold; the first violated
// edge's source is returned for the skip message.
func (s *Scheduler) gate(r *run, key string) (string, bool) {
	for _, pred := range r.plan.Predecessors(key) {
		for _, cond := range r.plan.Conditions(pred, key) {
			if !cond.Satisfied(r.status(pred)) {
				return pred, false
			}
		}
	}
	return "", true
}

func (s *Scheduler) skipNode(ctx context.Context, r *run, key, blockedBy string) error {
	msg := fmt.Sprintf("skipped: condition on edge from %q not met", blockedBy)
	err := s.persist(ctx, "cancel gated node", func() error {
		return s.repo.CompleteNodeExecution(ctx, r.neIDs[key], core.StatusCancelled, nil, msg, s.now())
	})
	if err != nil {
		return err
	}
	r.setResult(key, core.StatusCancelled, core.Null())
	logger.Info(ctx, "node skipped", "node", key, "blocked_by", blockedBy)
	return nil
}

func (s *Scheduler) runNode(ctx context.Context, r *run, key string) error {
	node := r.plan.Node(key)
	neID := r.neIDs[key]
	taskID := uuid.NewString()
	input := s.inputBundle(r, key)

	if err := s.persist(ctx, "transition node to running", func() error {
		return s.repo.StartNodeExecution(ctx, neID, taskID, input, s.now())
	}); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, node.Timeout())
	output, runErr := s.invoke(runCtx, runner.Input{
		ExecutionID:      r.execID,
		NodeExecutionID:  neID,
		NodeKey:          key,
		Payload:          node.Payload,
		Constants:        node.Constants,
		Inputs:           input,
		ExecutionContext: r.execCtx,
	})
	cancel()

	status, errMsg := classify(ctx, runErr)
	if err := s.persist(ctx, "complete node execution", func() error {
		return s.repo.CompleteNodeExecution(ctx, neID, status, &output, errMsg, s.now())
	}); err != nil {
		return err
	}
	r.setResult(key, status, output)
	s.trackNode(ctx, r.execID, key, status)

	if status == core.StatusSuccess {
		logger.Info(ctx, "node finished", "node", key, "status", status.String())
	} else {
		logger.Warn(ctx, "node finished", "node", key, "status", status.String(), "err", errMsg)
	}
	return nil
}

// invoke runs the node work with panic containment.
func (s *Scheduler) invoke(ctx context.Context, in runner.Input) (out core.Value, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = core.Null()
			err = fmt.Errorf("runner panicked: %v", rec)
		}
	}()
	return s.runner.Run(ctx, in)
}

// classify maps a runner error to the node's terminal status. The outer
// context is consulted so an engine-wide cancel mid-run records CANCELLED
// rather than FAILED.
func classify(outer context.Context, err error) (core.Status, string) {
	switch {
	case err == nil:
		return core.StatusSuccess, ""
	case errors.Is(err, context.DeadlineExceeded):
		return core.StatusTimeout, "node timed out"
	case errors.Is(err, context.Canceled) && outer.Err() != nil:
		return core.StatusCancelled, "cancelled"
	default:
		return core.StatusFailed, err.Error()
	}
}

// inputBundle assembles the predecessor outputs a node receives. Only
// SUCCESS predecessors contribute; an ALWAYS successor of a failed node
// runs with that predecessor absent from the bundle.
func (s *Scheduler) inputBundle(r *run, key string) core.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	bundle := make(map[string]core.Value)
	for _, pred := range r.plan.Predecessors(key) {
		if r.statuses[pred] == core.StatusSuccess {
			bundle[pred] = r.outputs[pred].Clone()
		}
	}
	return core.Map(bundle)
}

func (s *Scheduler) cancelRequested(ctx context.Context, execID uuid.UUID) bool {
	if ctx.Err() != nil {
		return true
	}
	flag, err := s.states.StatusFlag(ctx, execID)
	if err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			logger.Warn(ctx, "failed to read cancellation flag", "err", err)
		}
		return false
	}
	return flag == state.FlagCancelRequested
}

// cancelRemaining marks every node that has not reached a terminal status
// as CANCELLED.
func (s *Scheduler) cancelRemaining(ctx context.Context, r *run) {
	for _, key := range r.plan.Keys() {
		if r.status(key).IsTerminal() {
			continue
		}
		err := s.persist(ctx, "cancel pending node", func() error {
			return s.repo.CompleteNodeExecution(ctx, r.neIDs[key], core.StatusCancelled, nil, "cancelled", s.now())
		})
		if err != nil {
			logger.Error(ctx, "failed to cancel node", "node", key, "err", err)
		}
		r.setResult(key, core.StatusCancelled, core.Null())
	}
}

// aggregate derives the execution's terminal status from its node results.
// Cancellation wins over failures; otherwise any FAILED or TIMEOUT node
// fails the execution, and a run where gating cancelled some nodes but
// nothing failed is a SUCCESS.
func (s *Scheduler) aggregate(r *run, cancelled bool) (core.Status, string) {
	if cancelled {
		return core.StatusCancelled, "cancelled by request"
	}
	failed := lo.Filter(r.plan.Keys(), func(key string, _ int) bool {
		st := r.status(key)
		return st == core.StatusFailed || st == core.StatusTimeout
	})
	if len(failed) > 0 {
		return core.StatusFailed, fmt.Sprintf("nodes failed: %s", strings.Join(failed, ", "))
	}
	return core.StatusSuccess, ""
}

func (s *Scheduler) finish(ctx context.Context, execID uuid.UUID, final core.Status, msg string) (core.Status, error) {
	err := s.persist(ctx, "finalize execution", func() error {
		return s.repo.SetExecutionStatus(ctx, execID, final, s.now(), msg)
	})
	if flagErr := s.states.SetStatusFlag(ctx, execID, final.String()); flagErr != nil && !errors.Is(flagErr, core.ErrNotFound) {
		logger.Warn(ctx, "failed to publish final status flag", "err", flagErr)
	}
	if err != nil {
		return core.StatusFailed, err
	}
	logger.Info(ctx, "execution finished", "status", final.String(), "message", msg)
	return final, nil
}

func (s *Scheduler) trackNode(ctx context.Context, execID uuid.UUID, key string, status core.Status) {
	var err error
	switch status {
	case core.StatusSuccess:
		err = s.states.AddCompleted(ctx, execID, key)
	case core.StatusFailed, core.StatusTimeout:
		err = s.states.AddFailed(ctx, execID, key)
	default:
		return
	}
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		logger.Warn(ctx, "failed to track node in state store", "node", key, "err", err)
	}
}

// persist applies a repository write with one retry. An out-of-order
// transition is logged and dropped; the persisted state stays
// authoritative. Anything else failing twice aborts the execution.
func (s *Scheduler) persist(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrInvalidTransition) {
		logger.Warn(ctx, "dropping out-of-order status write", "op", op, "err", err)
		return nil
	}
	logger.Warn(ctx, "repository write failed, retrying", "op", op, "err", err)
	if err = fn(); err == nil {
		return nil
	}
	if errors.Is(err, core.ErrInvalidTransition) {
		return nil
	}
	return fmt.Errorf("repository unavailable: %s: %w", op, err)
}
