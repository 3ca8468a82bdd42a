package core

import (
	"time"

	"github.com/google/uuid"
)

// Graph is a stored DAG definition. Immutable for the purposes of
// execution; deactivating a graph stops new submissions while in-flight
// executions run to completion.
type Graph struct {
	ID          uuid.UUID
	Name        string
	Description string
	IsActive    bool
	CreatedAt   time.Time

	// Nodes are kept in declared order; the order is the tie-break for
	// level partitioning and failure reporting.
	Nodes []Node
	Edges []Edge
}

// NodeByKey returns the node with the given key, or nil.
func (g *Graph) NodeByKey(key string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].Key == key {
			return &g.Nodes[i]
		}
	}
	return nil
}

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id uuid.UUID) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Node carries one unit of user computation. Payload is opaque to the
// engine and handed verbatim to the runner.
type Node struct {
	ID             uuid.UUID
	GraphID        uuid.UUID
	Key            string
	Name           string
	Payload        string
	Constants      Value
	TimeoutSeconds int
}

// DefaultNodeTimeout applies when a node declares no timeout of its own.
const DefaultNodeTimeout = 300 * time.Second

// Timeout returns the node's run deadline as a duration.
func (n *Node) Timeout() time.Duration {
	if n.TimeoutSeconds <= 0 {
		return DefaultNodeTimeout
	}
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// Edge is a directed, conditional precedence constraint between two nodes
// of the same graph.
type Edge struct {
	ID        uuid.UUID
	GraphID   uuid.UUID
	Source    uuid.UUID
	Target    uuid.UUID
	Condition EdgeCondition
}
