package scheduler

import (
	"fmt"

	"github.com/skein-dev/skein/internal/core"
	"github.com/skein-dev/skein/internal/digraph"
)

// Plan is the precomputed execution shape of one graph: validated structure,
// level partitioning and dependency lookups. Building a plan never touches
// storage.
type Plan struct {
	graph    *core.Graph
	analyzer *digraph.Analyzer
	levels   [][]string
}

// NewPlan validates the graph and partitions it into levels.
func NewPlan(g *core.Graph) (*Plan, error) {
	a := digraph.FromGraph(g)
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("graph %s: %w", g.ID, err)
	}
	levels, err := a.Levels()
	if err != nil {
		return nil, fmt.Errorf("graph %s: %w", g.ID, err)
	}
	return &Plan{graph: g, analyzer: a, levels: levels}, nil
}

// Levels returns the node keys partitioned into dependency levels.
func (p *Plan) Levels() [][]string {
	return p.levels
}

// Node returns the graph node for a key. Keys come from the plan itself, so
// a miss is a programming error.
func (p *Plan) Node(key string) *core.Node {
	return p.graph.NodeByKey(key)
}

// Predecessors returns the keys with an edge into key.
func (p *Plan) Predecessors(key string) []string {
	return p.analyzer.Predecessors(key)
}

// Conditions returns the conditions on the edges src -> dst.
func (p *Plan) Conditions(src, dst string) []core.EdgeCondition {
	return p.analyzer.EdgeConditions(src, dst)
}

// Keys returns all node keys in declared order.
func (p *Plan) Keys() []string {
	return p.analyzer.Keys()
}
