// Package digraph provides the static analysis of a stored graph:
// validation, cycle detection, topological ordering, level partitioning and
// dependency lookup. The analyzer is pure; it never touches storage.
package digraph

import (
	"fmt"
	"sort"

	"github.com/skein-dev/skein/internal/core"
)

// NodeRef identifies a node by its graph-scoped key.
type NodeRef struct {
	Key string
}

// EdgeRef is a directed conditional edge between two node keys.
type EdgeRef struct {
	Source    string
	Target    string
	Condition core.EdgeCondition
}

type edgeKey struct {
	src string
	dst string
}

// Analyzer holds the adjacency indexes of one graph. Construct with New,
// then Validate before relying on order-dependent queries.
type Analyzer struct {
	keys  []string // declared order
	index map[string]int
	from  map[string][]string // successors, edge declaration order
	to    map[string][]string // predecessors, edge declaration order
	conds map[edgeKey][]core.EdgeCondition
	edges []EdgeRef
	dups  []string
}

// New builds the adjacency indexes. Structural problems are reported by
// Validate, not here, so a malformed graph still yields an inspectable
// analyzer.
func New(nodes []NodeRef, edges []EdgeRef) *Analyzer {
	a := &Analyzer{
		index: make(map[string]int, len(nodes)),
		from:  make(map[string][]string),
		to:    make(map[string][]string),
		conds: make(map[edgeKey][]core.EdgeCondition, len(edges)),
		edges: edges,
	}
	for _, n := range nodes {
		if _, ok := a.index[n.Key]; ok {
			a.dups = append(a.dups, n.Key)
			continue
		}
		a.index[n.Key] = len(a.keys)
		a.keys = append(a.keys, n.Key)
	}
	for _, e := range edges {
		k := edgeKey{e.Source, e.Target}
		if len(a.conds[k]) == 0 {
			a.from[e.Source] = append(a.from[e.Source], e.Target)
			a.to[e.Target] = append(a.to[e.Target], e.Source)
		}
		a.conds[k] = append(a.conds[k], e.Condition)
	}
	return a
}

// Validate checks the graph structure: non-empty node set, unique keys,
// edges between known nodes, no self-loops, no duplicate
// (source, target, condition) edges, and acyclicity.
func (a *Analyzer) Validate() error {
	if len(a.keys) == 0 {
		return fmt.Errorf("%w: graph has no nodes", core.ErrGraphMalformed)
	}
	if len(a.dups) > 0 {
		return fmt.Errorf("%w: duplicate node key %q", core.ErrGraphMalformed, a.dups[0])
	}
	dupEdges := make(map[string]struct{}, len(a.edges))
	for _, e := range a.edges {
		if _, ok := a.index[e.Source]; !ok {
			return fmt.Errorf("%w: edge references unknown source node %q", core.ErrGraphMalformed, e.Source)
		}
		if _, ok := a.index[e.Target]; !ok {
			return fmt.Errorf("%w: edge references unknown target node %q", core.ErrGraphMalformed, e.Target)
		}
		if e.Source == e.Target {
			return fmt.Errorf("%w: self-loop on node %q", core.ErrGraphMalformed, e.Source)
		}
		id := e.Source + "\x00" + e.Target + "\x00" + e.Condition.String()
		if _, ok := dupEdges[id]; ok {
			return fmt.Errorf("%w: duplicate edge %s -> %s (%s)", core.ErrGraphMalformed, e.Source, e.Target, e.Condition)
		}
		dupEdges[id] = struct{}{}
	}
	if a.hasCycle() {
		return fmt.Errorf("%w: %s", core.ErrGraphMalformed, core.ErrCycleDetected)
	}
	return nil
}

// TopologicalOrder returns the node keys in a stable topological order
// (Kahn's algorithm, ties broken by declared node order).
func (a *Analyzer) TopologicalOrder() ([]string, error) {
	inDegree := a.inDegrees()

	var queue []string
	for _, k := range a.keys {
		if inDegree[k] == 0 {
			queue = append(queue, k)
		}
	}

	order := make([]string, 0, len(a.keys))
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		order = append(order, k)
		for _, succ := range a.from[k] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(order) != len(a.keys) {
		return nil, core.ErrCycleDetected
	}
	return order, nil
}

// Levels partitions the nodes into longest-path layers: level 0 holds the
// roots, and each node sits at the length of the longest root path to it.
// Within a level, nodes keep their declared order.
func (a *Analyzer) Levels() ([][]string, error) {
	inDegree := a.inDegrees()

	var current []string
	for _, k := range a.keys {
		if inDegree[k] == 0 {
			current = append(current, k)
		}
	}

	var levels [][]string
	visited := 0
	for len(current) > 0 {
		levels = append(levels, current)
		visited += len(current)

		var next []string
		for _, k := range current {
			for _, succ := range a.from[k] {
				inDegree[succ]--
				if inDegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool {
			return a.index[next[i]] < a.index[next[j]]
		})
		current = next
	}

	if visited != len(a.keys) {
		return nil, core.ErrCycleDetected
	}
	return levels, nil
}

// Predecessors returns the keys of nodes with an edge into k.
func (a *Analyzer) Predecessors(k string) []string {
	return a.to[k]
}

// Successors returns the keys of nodes k has an edge into.
func (a *Analyzer) Successors(k string) []string {
	return a.from[k]
}

// EdgeConditions returns the declared conditions of the edges src -> dst.
// Parallel edges with distinct conditions are all returned; a runnable
// target must satisfy every one of them.
func (a *Analyzer) EdgeConditions(src, dst string) []core.EdgeCondition {
	return a.conds[edgeKey{src, dst}]
}

// Keys returns the node keys in declared order.
func (a *Analyzer) Keys() []string {
	return a.keys
}

func (a *Analyzer) inDegrees() map[string]int {
	inDegree := make(map[string]int, len(a.keys))
	for _, k := range a.keys {
		inDegree[k] = 0
	}
	for _, k := range a.keys {
		for _, succ := range a.from[k] {
			inDegree[succ]++
		}
	}
	return inDegree
}

func (a *Analyzer) hasCycle() bool {
	_, err := a.TopologicalOrder()
	return err != nil
}
