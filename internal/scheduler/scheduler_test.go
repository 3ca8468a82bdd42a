package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/internal/core"
	"github.com/skein-dev/skein/internal/persistence"
	persistencemem "github.com/skein-dev/skein/internal/persistence/memory"
	"github.com/skein-dev/skein/internal/runner"
	"github.com/skein-dev/skein/internal/state"
	statemem "github.com/skein-dev/skein/internal/state/memory"
)

type testEdge struct {
	from, to string
	cond     core.EdgeCondition
}

func buildGraph(t *testing.T, keys []string, edges []testEdge) *core.Graph {
	t.Helper()
	g := &core.Graph{
		ID:        uuid.New(),
		Name:      "test-graph",
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	for _, key := range keys {
		g.Nodes = append(g.Nodes, core.Node{
			ID:        uuid.New(),
			GraphID:   g.ID,
			Key:       key,
			Name:      key,
			Constants: core.Null(),
		})
	}
	for _, e := range edges {
		g.Edges = append(g.Edges, core.Edge{
			ID:        uuid.New(),
			GraphID:   g.ID,
			Source:    g.NodeByKey(e.from).ID,
			Target:    g.NodeByKey(e.to).ID,
			Condition: e.cond,
		})
	}
	return g
}

type harness struct {
	repo   *persistencemem.Store
	states *statemem.Store
	execID uuid.UUID
	bundle *persistence.ExecutionBundle
}

func newHarness(t *testing.T, g *core.Graph) *harness {
	t.Helper()
	ctx := context.Background()
	repo := persistencemem.New()
	require.NoError(t, repo.CreateGraph(ctx, g))
	exec := &core.Execution{
		ID:      uuid.New(),
		GraphID: g.ID,
		Status:  core.StatusPending,
		Context: core.Null(),
	}
	require.NoError(t, repo.CreateExecution(ctx, exec))
	bundle, err := repo.LoadExecutionForRun(ctx, exec.ID)
	require.NoError(t, err)
	return &harness{
		repo:   repo,
		states: statemem.New(),
		execID: exec.ID,
		bundle: bundle,
	}
}

func (h *harness) execute(t *testing.T, run runner.Runner, cfg Config) core.Status {
	t.Helper()
	status, err := New(h.repo, h.states, run, cfg).Execute(context.Background(), h.bundle)
	require.NoError(t, err)
	return status
}

// nodeStatuses reads the persisted per-node trail keyed by node key.
func (h *harness) nodeStatuses(t *testing.T) map[string]core.Status {
	t.Helper()
	out, err := h.repo.TerminalStatusesByExecution(context.Background(), h.execID)
	require.NoError(t, err)
	return out
}

func (h *harness) execution(t *testing.T) *core.Execution {
	t.Helper()
	e, err := h.repo.GetExecution(context.Background(), h.execID)
	require.NoError(t, err)
	return e
}

// byKey routes each node to its own function; unrouted nodes succeed with a
// null output.
func byKey(fns map[string]runner.Func) runner.Runner {
	return runner.Func(func(ctx context.Context, in runner.Input) (core.Value, error) {
		if fn, ok := fns[in.NodeKey]; ok {
			return fn(ctx, in)
		}
		return core.Null(), nil
	})
}

func succeedWith(v core.Value) runner.Func {
	return func(context.Context, runner.Input) (core.Value, error) {
		return v, nil
	}
}

func fail(msg string) runner.Func {
	return func(context.Context, runner.Input) (core.Value, error) {
		return core.Null(), errors.New(msg)
	}
}

func TestLinearChainPropagatesOutputs(t *testing.T) {
	t.Parallel()
	g := buildGraph(t, []string{"a", "b", "c"}, []testEdge{
		{"a", "b", core.OnSuccess},
		{"b", "c", core.OnSuccess},
	})
	h := newHarness(t, g)

	var gotB, gotC core.Value
	status := h.execute(t, byKey(map[string]runner.Func{
		"a": succeedWith(core.String("from-a")),
		"b": func(_ context.Context, in runner.Input) (core.Value, error) {
			gotB = in.Inputs
			return core.String("from-b"), nil
		},
		"c": func(_ context.Context, in runner.Input) (core.Value, error) {
			gotC = in.Inputs
			return core.Null(), nil
		},
	}), Config{})

	assert.Equal(t, core.StatusSuccess, status)
	assert.Equal(t, "from-a", gotB.MapVal()["a"].StringVal())
	assert.Equal(t, "from-b", gotC.MapVal()["b"].StringVal())
	assert.NotContains(t, gotC.MapVal(), "a")

	assert.Equal(t, map[string]core.Status{
		"a": core.StatusSuccess, "b": core.StatusSuccess, "c": core.StatusSuccess,
	}, h.nodeStatuses(t))
	assert.Equal(t, core.StatusSuccess, h.execution(t).Status)

	snap, err := h.states.Snapshot(context.Background(), h.execID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess.String(), snap.StatusFlag)
	assert.Equal(t, []string{"a", "b", "c"}, snap.Completed)
	assert.Empty(t, snap.Failed)
}

func TestDiamondRunsLevelInParallelWithBarrier(t *testing.T) {
	t.Parallel()
	g := buildGraph(t, []string{"start", "left", "right", "join"}, []testEdge{
		{"start", "left", core.OnSuccess},
		{"start", "right", core.OnSuccess},
		{"left", "join", core.OnSuccess},
		{"right", "join", core.OnSuccess},
	})
	h := newHarness(t, g)

	// left blocks until right has started, proving the level runs in
	// parallel; join observes both outputs, proving the barrier held.
	rightStarted := make(chan struct{})
	var joinInput core.Value
	status := h.execute(t, byKey(map[string]runner.Func{
		"left": func(ctx context.Context, _ runner.Input) (core.Value, error) {
			select {
			case <-rightStarted:
			case <-time.After(5 * time.Second):
				return core.Null(), errors.New("right never started")
			}
			return core.String("L"), nil
		},
		"right": func(context.Context, runner.Input) (core.Value, error) {
			close(rightStarted)
			return core.String("R"), nil
		},
		"join": func(_ context.Context, in runner.Input) (core.Value, error) {
			joinInput = in.Inputs
			return core.Null(), nil
		},
	}), Config{})

	assert.Equal(t, core.StatusSuccess, status)
	assert.Equal(t, "L", joinInput.MapVal()["left"].StringVal())
	assert.Equal(t, "R", joinInput.MapVal()["right"].StringVal())
}

func TestFailureCascadesThroughOnSuccessEdges(t *testing.T) {
	t.Parallel()
	g := buildGraph(t, []string{"a", "b", "c"}, []testEdge{
		{"a", "b", core.OnSuccess},
		{"b", "c", core.OnSuccess},
	})
	h := newHarness(t, g)

	ran := make(map[string]bool)
	var mu sync.Mutex
	track := func(key string) runner.Func {
		return func(context.Context, runner.Input) (core.Value, error) {
			mu.Lock()
			ran[key] = true
			mu.Unlock()
			return core.Null(), nil
		}
	}
	status := h.execute(t, byKey(map[string]runner.Func{
		"a": fail("boom"),
		"b": track("b"),
		"c": track("c"),
	}), Config{})

	assert.Equal(t, core.StatusFailed, status)
	assert.False(t, ran["b"])
	assert.False(t, ran["c"])
	assert.Equal(t, map[string]core.Status{
		"a": core.StatusFailed, "b": core.StatusCancelled, "c": core.StatusCancelled,
	}, h.nodeStatuses(t))

	e := h.execution(t)
	assert.Equal(t, core.StatusFailed, e.Status)
	assert.Equal(t, "nodes failed: a", e.ErrorMessage)
}

func TestOnFailureBranchRunsWhenPredecessorFails(t *testing.T) {
	t.Parallel()
	g := buildGraph(t, []string{"a", "ok_path", "err_path"}, []testEdge{
		{"a", "ok_path", core.OnSuccess},
		{"a", "err_path", core.OnFailure},
	})
	h := newHarness(t, g)

	var handlerInput core.Value
	handlerRan := false
	status := h.execute(t, byKey(map[string]runner.Func{
		"a": fail("boom"),
		"err_path": func(_ context.Context, in runner.Input) (core.Value, error) {
			handlerRan = true
			handlerInput = in.Inputs
			return core.Null(), nil
		},
	}), Config{})

	assert.Equal(t, core.StatusFailed, status)
	assert.True(t, handlerRan)
	// Failed predecessors contribute nothing to the bundle.
	assert.Empty(t, handlerInput.MapVal())
	assert.Equal(t, map[string]core.Status{
		"a": core.StatusFailed, "ok_path": core.StatusCancelled, "err_path": core.StatusSuccess,
	}, h.nodeStatuses(t))
	assert.Equal(t, "nodes failed: a", h.execution(t).ErrorMessage)
}

func TestAlwaysEdgeRunsRegardlessOfOutcome(t *testing.T) {
	t.Parallel()
	g := buildGraph(t, []string{"a", "cleanup"}, []testEdge{
		{"a", "cleanup", core.Always},
	})
	h := newHarness(t, g)

	cleanupRan := false
	status := h.execute(t, byKey(map[string]runner.Func{
		"a": fail("boom"),
		"cleanup": func(context.Context, runner.Input) (core.Value, error) {
			cleanupRan = true
			return core.Null(), nil
		},
	}), Config{})

	assert.Equal(t, core.StatusFailed, status)
	assert.True(t, cleanupRan)
	assert.Equal(t, core.StatusSuccess, h.nodeStatuses(t)["cleanup"])
}

func TestSkippedBranchWithoutFailureIsSuccess(t *testing.T) {
	t.Parallel()
	g := buildGraph(t, []string{"a", "on_err"}, []testEdge{
		{"a", "on_err", core.OnFailure},
	})
	h := newHarness(t, g)

	status := h.execute(t, byKey(nil), Config{})

	// The failure handler was gated out, but nothing failed.
	assert.Equal(t, core.StatusSuccess, status)
	assert.Equal(t, map[string]core.Status{
		"a": core.StatusSuccess, "on_err": core.StatusCancelled,
	}, h.nodeStatuses(t))
	assert.Equal(t, core.StatusSuccess, h.execution(t).Status)
}

func TestTimeoutIsDistinctFromFailure(t *testing.T) {
	t.Parallel()
	g := buildGraph(t, []string{"slow", "on_err", "always"}, []testEdge{
		{"slow", "on_err", core.OnFailure},
		{"slow", "always", core.Always},
	})
	g.Nodes[0].TimeoutSeconds = 1
	h := newHarness(t, g)

	handlerRan := false
	status := h.execute(t, byKey(map[string]runner.Func{
		"slow": func(ctx context.Context, _ runner.Input) (core.Value, error) {
			<-ctx.Done()
			return core.Null(), ctx.Err()
		},
		"on_err": func(context.Context, runner.Input) (core.Value, error) {
			handlerRan = true
			return core.Null(), nil
		},
	}), Config{})

	assert.Equal(t, core.StatusFailed, status)
	// A timed-out node does not satisfy ON_FAILURE, only ALWAYS.
	assert.False(t, handlerRan)
	assert.Equal(t, map[string]core.Status{
		"slow": core.StatusTimeout, "on_err": core.StatusCancelled, "always": core.StatusSuccess,
	}, h.nodeStatuses(t))
	assert.Equal(t, "nodes failed: slow", h.execution(t).ErrorMessage)

	snap, err := h.states.Snapshot(context.Background(), h.execID)
	require.NoError(t, err)
	assert.Equal(t, []string{"slow"}, snap.Failed)
}

func TestCancellationStopsAtLevelBoundary(t *testing.T) {
	t.Parallel()
	g := buildGraph(t, []string{"a", "b", "c"}, []testEdge{
		{"a", "b", core.OnSuccess},
		{"b", "c", core.OnSuccess},
	})
	h := newHarness(t, g)

	ranAfterCancel := false
	status := h.execute(t, byKey(map[string]runner.Func{
		"a": func(ctx context.Context, in runner.Input) (core.Value, error) {
			// Request cancellation while the first level is still running.
			require.NoError(t, h.states.SetStatusFlag(ctx, in.ExecutionID, state.FlagCancelRequested))
			return core.String("done"), nil
		},
		"b": func(context.Context, runner.Input) (core.Value, error) {
			ranAfterCancel = true
			return core.Null(), nil
		},
	}), Config{})

	assert.Equal(t, core.StatusCancelled, status)
	assert.False(t, ranAfterCancel)
	assert.Equal(t, map[string]core.Status{
		"a": core.StatusSuccess, "b": core.StatusCancelled, "c": core.StatusCancelled,
	}, h.nodeStatuses(t))

	e := h.execution(t)
	assert.Equal(t, core.StatusCancelled, e.Status)
	assert.Equal(t, "cancelled by request", e.ErrorMessage)
}

func TestCancellationHonoredBetweenDispatchesInFinalLevel(t *testing.T) {
	t.Parallel()
	// Single-level graph: there is no next level boundary, so the cancel
	// must be seen between worker dispatches.
	keys := make([]string, 6)
	for i := range keys {
		keys[i] = fmt.Sprintf("n%d", i)
	}
	g := buildGraph(t, keys, nil)
	h := newHarness(t, g)

	var mu sync.Mutex
	ran := make(map[string]bool)
	status := h.execute(t, runner.Func(func(ctx context.Context, in runner.Input) (core.Value, error) {
		mu.Lock()
		ran[in.NodeKey] = true
		mu.Unlock()
		if in.NodeKey == "n0" {
			require.NoError(t, h.states.SetStatusFlag(ctx, in.ExecutionID, state.FlagCancelRequested))
		}
		return core.Null(), nil
	}), Config{Workers: 1})

	assert.Equal(t, core.StatusCancelled, status)
	assert.Equal(t, map[string]bool{"n0": true}, ran)

	statuses := h.nodeStatuses(t)
	assert.Equal(t, core.StatusSuccess, statuses["n0"])
	for _, key := range keys[1:] {
		assert.Equal(t, core.StatusCancelled, statuses[key], key)
	}

	e := h.execution(t)
	assert.Equal(t, core.StatusCancelled, e.Status)
	assert.Equal(t, "cancelled by request", e.ErrorMessage)

	flag, err := h.states.StatusFlag(context.Background(), h.execID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled.String(), flag)
}

func TestExecutionDecidedBeforeStartDoesNotRun(t *testing.T) {
	t.Parallel()
	g := buildGraph(t, []string{"a", "b"}, []testEdge{
		{"a", "b", core.OnSuccess},
	})
	h := newHarness(t, g)

	// A cancel can reach the row between load and dispatch.
	require.NoError(t, h.repo.SetExecutionStatus(
		context.Background(), h.execID, core.StatusCancelled, time.Now(), "cancelled before start"))

	var mu sync.Mutex
	ran := make(map[string]bool)
	status := h.execute(t, runner.Func(func(_ context.Context, in runner.Input) (core.Value, error) {
		mu.Lock()
		ran[in.NodeKey] = true
		mu.Unlock()
		return core.Null(), nil
	}), Config{})

	assert.Equal(t, core.StatusCancelled, status)
	assert.Empty(t, ran)

	e := h.execution(t)
	assert.Equal(t, core.StatusCancelled, e.Status)
	assert.Equal(t, "cancelled before start", e.ErrorMessage)

	list, err := h.repo.ListNodeExecutions(context.Background(), h.execID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestWorkerPoolBoundsLevelConcurrency(t *testing.T) {
	t.Parallel()
	const nodes = 8
	keys := make([]string, nodes)
	for i := range keys {
		keys[i] = fmt.Sprintf("n%d", i)
	}
	g := buildGraph(t, keys, nil)
	h := newHarness(t, g)

	var mu sync.Mutex
	running, peak := 0, 0
	status := h.execute(t, runner.Func(func(context.Context, runner.Input) (core.Value, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return core.Null(), nil
	}), Config{Workers: 2})

	assert.Equal(t, core.StatusSuccess, status)
	assert.LessOrEqual(t, peak, 2)
	assert.GreaterOrEqual(t, peak, 1)
}

func TestRunnerPanicRecordsFailedNode(t *testing.T) {
	t.Parallel()
	g := buildGraph(t, []string{"a"}, nil)
	h := newHarness(t, g)

	status := h.execute(t, runner.Func(func(context.Context, runner.Input) (core.Value, error) {
		panic("kaboom")
	}), Config{})

	assert.Equal(t, core.StatusFailed, status)
	assert.Equal(t, core.StatusFailed, h.nodeStatuses(t)["a"])

	list, err := h.repo.ListNodeExecutions(context.Background(), h.execID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Contains(t, list[0].ErrorMessage, "kaboom")
}

func TestMultipleFailuresReportedInDeclaredOrder(t *testing.T) {
	t.Parallel()
	g := buildGraph(t, []string{"x", "y", "z"}, nil)
	h := newHarness(t, g)

	status := h.execute(t, byKey(map[string]runner.Func{
		"z": fail("z broke"),
		"x": fail("x broke"),
	}), Config{})

	assert.Equal(t, core.StatusFailed, status)
	assert.Equal(t, "nodes failed: x, z", h.execution(t).ErrorMessage)
}

func TestMalformedGraphFailsExecution(t *testing.T) {
	t.Parallel()
	g := buildGraph(t, []string{"a", "b"}, []testEdge{
		{"a", "b", core.OnSuccess},
		{"b", "a", core.OnSuccess},
	})
	h := newHarness(t, g)

	status, err := New(h.repo, h.states, byKey(nil), Config{}).Execute(context.Background(), h.bundle)
	assert.Equal(t, core.StatusFailed, status)
	assert.ErrorIs(t, err, core.ErrGraphMalformed)
	assert.Equal(t, core.StatusFailed, h.execution(t).Status)
}

func TestEveryNodeExecutionReachesTerminalStatus(t *testing.T) {
	t.Parallel()
	g := buildGraph(t, []string{"a", "b", "c", "d"}, []testEdge{
		{"a", "b", core.OnSuccess},
		{"a", "c", core.OnFailure},
		{"b", "d", core.OnSuccess},
	})
	h := newHarness(t, g)

	status := h.execute(t, byKey(map[string]runner.Func{"b": fail("boom")}), Config{})
	assert.Equal(t, core.StatusFailed, status)

	list, err := h.repo.ListNodeExecutions(context.Background(), h.execID)
	require.NoError(t, err)
	require.Len(t, list, 4)
	for _, ne := range list {
		assert.True(t, ne.Status.IsTerminal(), "node %s left in %s", ne.NodeID, ne.Status)
	}
}
