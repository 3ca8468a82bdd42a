package digraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/internal/core"
)

func refs(keys ...string) []NodeRef {
	out := make([]NodeRef, len(keys))
	for i, k := range keys {
		out[i] = NodeRef{Key: k}
	}
	return out
}

func edge(src, dst string) EdgeRef {
	return EdgeRef{Source: src, Target: dst, Condition: core.OnSuccess}
}

func TestValidateRejectsMalformedGraphs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		nodes []NodeRef
		edges []EdgeRef
	}{
		{name: "empty graph"},
		{name: "duplicate keys", nodes: refs("a", "a")},
		{name: "unknown source", nodes: refs("a"), edges: []EdgeRef{edge("ghost", "a")}},
		{name: "unknown target", nodes: refs("a"), edges: []EdgeRef{edge("a", "ghost")}},
		{name: "self loop", nodes: refs("a"), edges: []EdgeRef{edge("a", "a")}},
		{
			name:  "duplicate edge",
			nodes: refs("a", "b"),
			edges: []EdgeRef{edge("a", "b"), edge("a", "b")},
		},
		{
			name:  "two cycle",
			nodes: refs("a", "b"),
			edges: []EdgeRef{edge("a", "b"), edge("b", "a")},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := New(tc.nodes, tc.edges).Validate()
			assert.ErrorIs(t, err, core.ErrGraphMalformed)
		})
	}
}

func TestValidateAllowsParallelEdgesWithDistinctConditions(t *testing.T) {
	t.Parallel()

	a := New(refs("a", "b"), []EdgeRef{
		{Source: "a", Target: "b", Condition: core.OnSuccess},
		{Source: "a", Target: "b", Condition: core.Always},
	})
	assert.NoError(t, a.Validate())
}

func TestTopologicalOrderIsStable(t *testing.T) {
	t.Parallel()

	a := New(refs("c", "a", "b"), []EdgeRef{edge("a", "b")})
	order, err := a.TopologicalOrder()
	require.NoError(t, err)
	// Roots keep declared order; b waits on a.
	assert.Equal(t, []string{"c", "a", "b"}, order)
}

func TestLevelsDiamond(t *testing.T) {
	t.Parallel()

	a := New(refs("start", "left", "right", "join"), []EdgeRef{
		edge("start", "left"),
		edge("start", "right"),
		edge("left", "join"),
		edge("right", "join"),
	})
	require.NoError(t, a.Validate())

	levels, err := a.Levels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"start"}, {"left", "right"}, {"join"}}, levels)
}

func TestLevelsUseLongestPath(t *testing.T) {
	t.Parallel()

	// shortcut has a direct edge start -> join as well as via mid, so join
	// must sit at level 2.
	a := New(refs("start", "mid", "join"), []EdgeRef{
		edge("start", "mid"),
		edge("start", "join"),
		edge("mid", "join"),
	})
	levels, err := a.Levels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"start"}, {"mid"}, {"join"}}, levels)
}

func TestLevelsDetectCycle(t *testing.T) {
	t.Parallel()

	a := New(refs("a", "b", "c"), []EdgeRef{
		edge("a", "b"), edge("b", "c"), edge("c", "a"),
	})
	_, err := a.Levels()
	assert.ErrorIs(t, err, core.ErrCycleDetected)
}

func TestDependencyLookups(t *testing.T) {
	t.Parallel()

	a := New(refs("a", "b", "c"), []EdgeRef{
		{Source: "a", Target: "c", Condition: core.OnFailure},
		{Source: "b", Target: "c", Condition: core.Always},
	})
	assert.Equal(t, []string{"a", "b"}, a.Predecessors("c"))
	assert.Equal(t, []string{"c"}, a.Successors("a"))
	assert.Empty(t, a.Predecessors("a"))

	require.Equal(t, []core.EdgeCondition{core.OnFailure}, a.EdgeConditions("a", "c"))
	assert.Empty(t, a.EdgeConditions("c", "a"))
}
