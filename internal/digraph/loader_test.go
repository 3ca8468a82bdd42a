package digraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-dev/skein/internal/core"
)

const sampleDef = `
name: etl
description: extract, transform, load
nodes:
  - key: extract
    payload: "curl -s https://example.com/data"
    constants:
      retries: 3
      source: upstream
  - key: transform
    payload: "jq .items"
    timeout_seconds: 30
  - key: load
    payload: "psql -c 'copy ...'"
  - key: alert
    payload: "notify-team"
edges:
  - from: extract
    to: transform
  - from: transform
    to: load
  - from: transform
    to: alert
    condition: on_failure
`

func TestLoadBuildsValidatedGraph(t *testing.T) {
	t.Parallel()

	g, err := Load([]byte(sampleDef))
	require.NoError(t, err)

	assert.Equal(t, "etl", g.Name)
	assert.True(t, g.IsActive)
	require.Len(t, g.Nodes, 4)
	require.Len(t, g.Edges, 3)

	extract := g.NodeByKey("extract")
	require.NotNil(t, extract)
	assert.Equal(t, "extract", extract.Name)
	assert.Equal(t, int64(3), extract.Constants.MapVal()["retries"].IntVal())

	transform := g.NodeByKey("transform")
	require.NotNil(t, transform)
	assert.Equal(t, 30, transform.TimeoutSeconds)
	assert.Equal(t, core.DefaultNodeTimeout, extract.Timeout())

	alertEdge := g.Edges[2]
	assert.Equal(t, core.OnFailure, alertEdge.Condition)
	assert.Equal(t, transform.ID, alertEdge.Source)
}

func TestLoadRejectsBrokenDefinitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		def  string
	}{
		{"missing name", "nodes:\n  - key: a\n"},
		{"missing node key", "name: x\nnodes:\n  - payload: p\n"},
		{"unknown edge endpoint", "name: x\nnodes:\n  - key: a\nedges:\n  - from: a\n    to: ghost\n"},
		{"bad condition", "name: x\nnodes:\n  - key: a\n  - key: b\nedges:\n  - from: a\n    to: b\n    condition: maybe\n"},
		{"cycle", "name: x\nnodes:\n  - key: a\n  - key: b\nedges:\n  - {from: a, to: b}\n  - {from: b, to: a}\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load([]byte(tc.def))
			assert.Error(t, err)
		})
	}
}
