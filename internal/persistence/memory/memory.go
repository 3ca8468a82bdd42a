// Package memory provides an in-process Repository used by tests and by
// the CLI when no database is configured. It enforces the same status
// machine as the sqlite store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skein-dev/skein/internal/core"
	"github.com/skein-dev/skein/internal/persistence"
)

var _ persistence.Repository = (*Store)(nil)

// Store is a mutex-guarded in-memory repository.
type Store struct {
	mu         sync.RWMutex
	graphs     map[uuid.UUID]*core.Graph
	executions map[uuid.UUID]*core.Execution
	nodeExecs  map[uuid.UUID]*core.NodeExecution
	byExec     map[uuid.UUID][]uuid.UUID // executionID -> nodeExec ids, node declared order
}

func New() *Store {
	return &Store{
		graphs:     make(map[uuid.UUID]*core.Graph),
		executions: make(map[uuid.UUID]*core.Execution),
		nodeExecs:  make(map[uuid.UUID]*core.NodeExecution),
		byExec:     make(map[uuid.UUID][]uuid.UUID),
	}
}

func (s *Store) CreateGraph(_ context.Context, g *core.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.graphs[g.ID]; ok {
		return fmt.Errorf("graph %s already exists", g.ID)
	}
	cp := cloneGraph(g)
	s.graphs[g.ID] = cp
	return nil
}

func (s *Store) GetGraph(_ context.Context, id uuid.UUID) (*core.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graphs[id]
	if !ok {
		return nil, fmt.Errorf("graph %s: %w", id, core.ErrNotFound)
	}
	return cloneGraph(g), nil
}

func (s *Store) SetGraphActive(_ context.Context, id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.graphs[id]
	if !ok {
		return fmt.Errorf("graph %s: %w", id, core.ErrNotFound)
	}
	g.IsActive = active
	return nil
}

func (s *Store) CreateExecution(_ context.Context, e *core.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.graphs[e.GraphID]; !ok {
		return fmt.Errorf("graph %s: %w", e.GraphID, core.ErrNotFound)
	}
	if _, ok := s.executions[e.ID]; ok {
		return fmt.Errorf("execution %s already exists", e.ID)
	}
	cp := *e
	s.executions[e.ID] = &cp
	return nil
}

func (s *Store) GetExecution(_ context.Context, id uuid.UUID) (*core.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, core.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ListExecutions(_ context.Context, graphID uuid.UUID) ([]*core.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Execution
	for _, e := range s.executions {
		if e.GraphID == graphID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (s *Store) LoadExecutionForRun(_ context.Context, id uuid.UUID) (*persistence.ExecutionBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, core.ErrNotFound)
	}
	g, ok := s.graphs[e.GraphID]
	if !ok {
		return nil, fmt.Errorf("graph %s: %w", e.GraphID, core.ErrNotFound)
	}
	cp := *e
	return &persistence.ExecutionBundle{Execution: &cp, Graph: cloneGraph(g)}, nil
}

func (s *Store) SetExecutionStatus(_ context.Context, id uuid.UUID, status core.Status, at time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return fmt.Errorf("execution %s: %w", id, core.ErrNotFound)
	}
	if !e.Status.CanTransition(status) {
		return fmt.Errorf("execution %s: %s -> %s: %w", id, e.Status, status, core.ErrInvalidTransition)
	}
	e.Status = status
	if status == core.StatusRunning {
		e.StartedAt = at
	}
	if status.IsTerminal() {
		e.CompletedAt = at
		e.ErrorMessage = errMsg
	}
	return nil
}

func (s *Store) CreateNodeExecutions(_ context.Context, executionID uuid.UUID, nodes []core.Node) (map[string]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[executionID]; !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, core.ErrNotFound)
	}
	ids := make(map[string]uuid.UUID, len(nodes))
	for _, n := range nodes {
		ne := &core.NodeExecution{
			ID:          uuid.New(),
			ExecutionID: executionID,
			NodeID:      n.ID,
			Status:      core.StatusPending,
		}
		s.nodeExecs[ne.ID] = ne
		s.byExec[executionID] = append(s.byExec[executionID], ne.ID)
		ids[n.Key] = ne.ID
	}
	return ids, nil
}

func (s *Store) StartNodeExecution(_ context.Context, id uuid.UUID, taskID string, input core.Value, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ne, ok := s.nodeExecs[id]
	if !ok {
		return fmt.Errorf("node execution %s: %w", id, core.ErrNotFound)
	}
	if !ne.Status.CanTransition(core.StatusRunning) {
		return fmt.Errorf("node execution %s: %s -> RUNNING: %w", id, ne.Status, core.ErrInvalidTransition)
	}
	ne.Status = core.StatusRunning
	ne.RunnerTaskID = taskID
	ne.InputData = input.Clone()
	ne.StartedAt = at
	return nil
}

func (s *Store) CompleteNodeExecution(_ context.Context, id uuid.UUID, status core.Status, output *core.Value, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ne, ok := s.nodeExecs[id]
	if !ok {
		return fmt.Errorf("node execution %s: %w", id, core.ErrNotFound)
	}
	if !status.IsTerminal() {
		return fmt.Errorf("node execution %s: %s is not terminal: %w", id, status, core.ErrInvalidTransition)
	}
	if !ne.Status.CanTransition(status) {
		return fmt.Errorf("node execution %s: %s -> %s: %w", id, ne.Status, status, core.ErrInvalidTransition)
	}
	ne.Status = status
	if output != nil && status == core.StatusSuccess {
		ne.OutputData = output.Clone()
	}
	ne.ErrorMessage = errMsg
	ne.CompletedAt = at
	return nil
}

func (s *Store) ListNodeExecutions(_ context.Context, executionID uuid.UUID) ([]*core.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, ok := s.byExec[executionID]
	if !ok {
		if _, exists := s.executions[executionID]; !exists {
			return nil, fmt.Errorf("execution %s: %w", executionID, core.ErrNotFound)
		}
		return nil, nil
	}
	out := make([]*core.NodeExecution, 0, len(ids))
	for _, id := range ids {
		cp := *s.nodeExecs[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) TerminalStatusesByExecution(_ context.Context, executionID uuid.UUID) (map[string]core.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, core.ErrNotFound)
	}
	g, ok := s.graphs[e.GraphID]
	if !ok {
		return nil, fmt.Errorf("graph %s: %w", e.GraphID, core.ErrNotFound)
	}
	out := make(map[string]core.Status)
	for _, id := range s.byExec[executionID] {
		ne := s.nodeExecs[id]
		if !ne.Status.IsTerminal() {
			continue
		}
		if node := g.NodeByID(ne.NodeID); node != nil {
			out[node.Key] = ne.Status
		}
	}
	return out, nil
}

func cloneGraph(g *core.Graph) *core.Graph {
	cp := *g
	cp.Nodes = make([]core.Node, len(g.Nodes))
	for i, n := range g.Nodes {
		cp.Nodes[i] = n
		cp.Nodes[i].Constants = n.Constants.Clone()
	}
	cp.Edges = append([]core.Edge(nil), g.Edges...)
	return &cp
}
