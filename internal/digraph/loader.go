package digraph

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	"github.com/skein-dev/skein/internal/core"
)

type graphDef struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Nodes       []nodeDef `yaml:"nodes"`
	Edges       []edgeDef `yaml:"edges"`
}

type nodeDef struct {
	Key            string `yaml:"key"`
	Name           string `yaml:"name"`
	Payload        string `yaml:"payload"`
	Constants      any    `yaml:"constants"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type edgeDef struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Condition string `yaml:"condition"`
}

// LoadFile reads a graph definition from a YAML file and returns a
// validated Graph ready to be persisted.
func LoadFile(path string) (*core.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph definition: %w", err)
	}
	return Load(data)
}

// Load parses and validates a YAML graph definition.
func Load(data []byte) (*core.Graph, error) {
	var def graphDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse graph definition: %w", err)
	}
	return build(&def)
}

func build(def *graphDef) (*core.Graph, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("%w: graph name is required", core.ErrGraphMalformed)
	}

	graph := &core.Graph{
		ID:          uuid.New(),
		Name:        def.Name,
		Description: def.Description,
		IsActive:    true,
		CreatedAt:   time.Now(),
	}

	byKey := make(map[string]uuid.UUID, len(def.Nodes))
	for _, nd := range def.Nodes {
		if nd.Key == "" {
			return nil, fmt.Errorf("%w: node key is required", core.ErrGraphMalformed)
		}
		constants := core.Null()
		if nd.Constants != nil {
			v, err := core.FromAny(nd.Constants)
			if err != nil {
				return nil, fmt.Errorf("node %q: invalid constants: %w", nd.Key, err)
			}
			constants = v
		}
		name := nd.Name
		if name == "" {
			name = nd.Key
		}
		node := core.Node{
			ID:             uuid.New(),
			GraphID:        graph.ID,
			Key:            nd.Key,
			Name:           name,
			Payload:        nd.Payload,
			Constants:      constants,
			TimeoutSeconds: nd.TimeoutSeconds,
		}
		graph.Nodes = append(graph.Nodes, node)
		byKey[nd.Key] = node.ID
	}

	for _, ed := range def.Edges {
		cond := core.OnSuccess
		if ed.Condition != "" {
			c, err := core.ParseEdgeCondition(ed.Condition)
			if err != nil {
				return nil, fmt.Errorf("edge %s -> %s: %w", ed.From, ed.To, err)
			}
			cond = c
		}
		src, ok := byKey[ed.From]
		if !ok {
			return nil, fmt.Errorf("%w: edge references unknown source node %q", core.ErrGraphMalformed, ed.From)
		}
		dst, ok := byKey[ed.To]
		if !ok {
			return nil, fmt.Errorf("%w: edge references unknown target node %q", core.ErrGraphMalformed, ed.To)
		}
		graph.Edges = append(graph.Edges, core.Edge{
			ID:        uuid.New(),
			GraphID:   graph.ID,
			Source:    src,
			Target:    dst,
			Condition: cond,
		})
	}

	if err := FromGraph(graph).Validate(); err != nil {
		return nil, err
	}
	return graph, nil
}

// FromGraph builds an analyzer over a stored graph.
func FromGraph(g *core.Graph) *Analyzer {
	nodes := make([]NodeRef, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, NodeRef{Key: n.Key})
	}
	edges := make([]EdgeRef, 0, len(g.Edges))
	for _, e := range g.Edges {
		src := g.NodeByID(e.Source)
		dst := g.NodeByID(e.Target)
		if src == nil || dst == nil {
			// Dangling edge; surface through Validate via an unknown key.
			edges = append(edges, EdgeRef{Source: e.Source.String(), Target: e.Target.String(), Condition: e.Condition})
			continue
		}
		edges = append(edges, EdgeRef{Source: src.Key, Target: dst.Key, Condition: e.Condition})
	}
	return New(nodes, edges)
}
