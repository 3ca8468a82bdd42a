// Package sqlite implements the repository on a SQLite database using the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/skein-dev/skein/internal/core"
	"github.com/skein-dev/skein/internal/persistence"
)

var _ persistence.Repository = (*Store)(nil)

// Store is a sqlite-backed repository. Safe for concurrent use; the
// connection is opened with WAL and busy-timeout so writers from different
// schedulers serialize instead of failing.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS graphs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	is_active   INTEGER NOT NULL DEFAULT 1,
	created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS nodes (
	id              TEXT PRIMARY KEY,
	graph_id        TEXT NOT NULL REFERENCES graphs(id) ON DELETE CASCADE,
	node_key        TEXT NOT NULL,
	name            TEXT NOT NULL,
	payload         TEXT NOT NULL DEFAULT '',
	constants       TEXT,
	timeout_seconds INTEGER NOT NULL DEFAULT 300,
	sort_order      INTEGER NOT NULL,
	UNIQUE (graph_id, node_key)
);
CREATE TABLE IF NOT EXISTS edges (
	id             TEXT PRIMARY KEY,
	graph_id       TEXT NOT NULL REFERENCES graphs(id) ON DELETE CASCADE,
	source_node_id TEXT NOT NULL REFERENCES nodes(id),
	target_node_id TEXT NOT NULL REFERENCES nodes(id),
	condition      TEXT NOT NULL,
	UNIQUE (graph_id, source_node_id, target_node_id, condition)
);
CREATE TABLE IF NOT EXISTS executions (
	id            TEXT PRIMARY KEY,
	graph_id      TEXT NOT NULL REFERENCES graphs(id),
	status        TEXT NOT NULL,
	context       TEXT,
	started_at    INTEGER NOT NULL DEFAULT 0,
	completed_at  INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS node_executions (
	id             TEXT PRIMARY KEY,
	execution_id   TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	node_id        TEXT NOT NULL REFERENCES nodes(id),
	status         TEXT NOT NULL,
	input_data     TEXT,
	output_data    TEXT,
	error_message  TEXT NOT NULL DEFAULT '',
	started_at     INTEGER NOT NULL DEFAULT 0,
	completed_at   INTEGER NOT NULL DEFAULT 0,
	runner_task_id TEXT NOT NULL DEFAULT '',
	UNIQUE (execution_id, node_id)
);
CREATE INDEX IF NOT EXISTS idx_executions_graph ON executions(graph_id);
CREATE INDEX IF NOT EXISTS idx_node_executions_execution ON node_executions(execution_id);
`

// Open opens (and if needed initialises) the database at path. Use
// ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateGraph(ctx context.Context, g *core.Graph) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO graphs (id, name, description, is_active, created_at) VALUES (?, ?, ?, ?, ?)`,
		g.ID.String(), g.Name, g.Description, boolInt(g.IsActive), g.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert graph: %w", err)
	}
	for i, n := range g.Nodes {
		constants, err := marshalValue(n.Constants)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO nodes (id, graph_id, node_key, name, payload, constants, timeout_seconds, sort_order)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID.String(), g.ID.String(), n.Key, n.Name, n.Payload, constants, n.TimeoutSeconds, i,
		)
		if err != nil {
			return fmt.Errorf("failed to insert node %q: %w", n.Key, err)
		}
	}
	for _, e := range g.Edges {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO edges (id, graph_id, source_node_id, target_node_id, condition) VALUES (?, ?, ?, ?, ?)`,
			e.ID.String(), g.ID.String(), e.Source.String(), e.Target.String(), e.Condition.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert edge: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetGraph(ctx context.Context, id uuid.UUID) (*core.Graph, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, is_active, created_at FROM graphs WHERE id = ?`, id.String())
	g, err := scanGraph(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadGraphParts(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Store) SetGraphActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE graphs SET is_active = ? WHERE id = ?`, boolInt(active), id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("graph %s: %w", id, core.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateExecution(ctx context.Context, e *core.Execution) error {
	execCtx, err := marshalValue(e.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, graph_id, status, context, started_at, completed_at, error_message)
		 VALUES (?, ?, ?, ?, 0, 0, '')`,
		e.ID.String(), e.GraphID.String(), e.Status.String(), execCtx,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*core.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, graph_id, status, context, started_at, completed_at, error_message
		 FROM executions WHERE id = ?`, id.String())
	return scanExecution(row)
}

func (s *Store) ListExecutions(ctx context.Context, graphID uuid.UUID) ([]*core.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, graph_id, status, context, started_at, completed_at, error_message
		 FROM executions WHERE graph_id = ? ORDER BY started_at DESC`, graphID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) LoadExecutionForRun(ctx context.Context, id uuid.UUID) (*persistence.ExecutionBundle, error) {
	e, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	g, err := s.GetGraph(ctx, e.GraphID)
	if err != nil {
		return nil, err
	}
	return &persistence.ExecutionBundle{Execution: e, Graph: g}, nil
}

func (s *Store) SetExecutionStatus(ctx context.Context, id uuid.UUID, status core.Status, at time.Time, errMsg string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id.String()).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("execution %s: %w", id, core.ErrNotFound)
		}
		if err != nil {
			return err
		}
		curStatus, err := core.ParseStatus(cur)
		if err != nil {
			return err
		}
		if !curStatus.CanTransition(status) {
			return fmt.Errorf("execution %s: %s -> %s: %w", id, curStatus, status, core.ErrInvalidTransition)
		}
		ts := at.UnixNano()
		switch {
		case status == core.StatusRunning:
			_, err = tx.ExecContext(ctx,
				`UPDATE executions SET status = ?, started_at = ? WHERE id = ?`,
				status.String(), ts, id.String())
		case status.IsTerminal():
			_, err = tx.ExecContext(ctx,
				`UPDATE executions SET status = ?, completed_at = ?, error_message = ? WHERE id = ?`,
				status.String(), ts, errMsg, id.String())
		default:
			_, err = tx.ExecContext(ctx,
				`UPDATE executions SET status = ? WHERE id = ?`, status.String(), id.String())
		}
		return err
	})
}

func (s *Store) CreateNodeExecutions(ctx context.Context, executionID uuid.UUID, nodes []core.Node) (map[string]uuid.UUID, error) {
	ids := make(map[string]uuid.UUID, len(nodes))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, n := range nodes {
			neID := uuid.New()
			_, err := tx.ExecContext(ctx,
				`INSERT INTO node_executions (id, execution_id, node_id, status) VALUES (?, ?, ?, ?)`,
				neID.String(), executionID.String(), n.ID.String(), core.StatusPending.String(),
			)
			if err != nil {
				return fmt.Errorf("failed to insert node execution for %q: %w", n.Key, err)
			}
			ids[n.Key] = neID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) StartNodeExecution(ctx context.Context, id uuid.UUID, taskID string, input core.Value, at time.Time) error {
	inputJSON, err := marshalValue(input)
	if err != nil {
		return err
	}
	return s.casNodeExecution(ctx, id, core.StatusRunning, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE node_executions SET status = ?, runner_task_id = ?, input_data = ?, started_at = ? WHERE id = ?`,
			core.StatusRunning.String(), taskID, inputJSON, at.UnixNano(), id.String())
		return err
	})
}

func (s *Store) CompleteNodeExecution(ctx context.Context, id uuid.UUID, status core.Status, output *core.Value, errMsg string, at time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("node execution %s: %s is not terminal: %w", id, status, core.ErrInvalidTransition)
	}
	var outputJSON any
	if output != nil && status == core.StatusSuccess {
		v, err := marshalValue(*output)
		if err != nil {
			return err
		}
		outputJSON = v
	}
	return s.casNodeExecution(ctx, id, status, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE node_executions SET status = ?, output_data = ?, error_message = ?, completed_at = ? WHERE id = ?`,
			status.String(), outputJSON, errMsg, at.UnixNano(), id.String())
		return err
	})
}

func (s *Store) ListNodeExecutions(ctx context.Context, executionID uuid.UUID) ([]*core.NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ne.id, ne.execution_id, ne.node_id, ne.status, ne.input_data, ne.output_data,
		        ne.error_message, ne.started_at, ne.completed_at, ne.runner_task_id
		 FROM node_executions ne
		 JOIN nodes n ON n.id = ne.node_id
		 WHERE ne.execution_id = ?
		 ORDER BY n.sort_order`, executionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.NodeExecution
	for rows.Next() {
		ne, err := scanNodeExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ne)
	}
	return out, rows.Err()
}

func (s *Store) TerminalStatusesByExecution(ctx context.Context, executionID uuid.UUID) (map[string]core.Status, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT n.node_key, ne.status
		 FROM node_executions ne
		 JOIN nodes n ON n.id = ne.node_id
		 WHERE ne.execution_id = ?`, executionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]core.Status)
	for rows.Next() {
		var key, status string
		if err := rows.Scan(&key, &status); err != nil {
			return nil, err
		}
		st, err := core.ParseStatus(status)
		if err != nil {
			return nil, err
		}
		if st.IsTerminal() {
			out[key] = st
		}
	}
	return out, rows.Err()
}

// casNodeExecution reads the current status under a transaction and applies
// the update only when the transition is legal.
func (s *Store) casNodeExecution(ctx context.Context, id uuid.UUID, next core.Status, update func(tx *sql.Tx) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT status FROM node_executions WHERE id = ?`, id.String()).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("node execution %s: %w", id, core.ErrNotFound)
		}
		if err != nil {
			return err
		}
		curStatus, err := core.ParseStatus(cur)
		if err != nil {
			return err
		}
		if !curStatus.CanTransition(next) {
			return fmt.Errorf("node execution %s: %s -> %s: %w", id, curStatus, next, core.ErrInvalidTransition)
		}
		return update(tx)
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) loadGraphParts(ctx context.Context, g *core.Graph) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, node_key, name, payload, constants, timeout_seconds
		 FROM nodes WHERE graph_id = ? ORDER BY sort_order`, g.ID.String())
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, key, name, payload string
			constants              sql.NullString
			timeout                int
		)
		if err := rows.Scan(&id, &key, &name, &payload, &constants, &timeout); err != nil {
			return err
		}
		nodeID, err := uuid.Parse(id)
		if err != nil {
			return err
		}
		constantsVal, err := unmarshalValue(constants)
		if err != nil {
			return err
		}
		g.Nodes = append(g.Nodes, core.Node{
			ID:             nodeID,
			GraphID:        g.ID,
			Key:            key,
			Name:           name,
			Payload:        payload,
			Constants:      constantsVal,
			TimeoutSeconds: timeout,
		})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	edgeRows, err := s.db.QueryContext(ctx,
		`SELECT id, source_node_id, target_node_id, condition FROM edges WHERE graph_id = ?`, g.ID.String())
	if err != nil {
		return err
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var id, src, dst, cond string
		if err := edgeRows.Scan(&id, &src, &dst, &cond); err != nil {
			return err
		}
		edgeID, err := uuid.Parse(id)
		if err != nil {
			return err
		}
		srcID, err := uuid.Parse(src)
		if err != nil {
			return err
		}
		dstID, err := uuid.Parse(dst)
		if err != nil {
			return err
		}
		condition, err := core.ParseEdgeCondition(cond)
		if err != nil {
			return err
		}
		g.Edges = append(g.Edges, core.Edge{
			ID:        edgeID,
			GraphID:   g.ID,
			Source:    srcID,
			Target:    dstID,
			Condition: condition,
		})
	}
	return edgeRows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGraph(row scanner) (*core.Graph, error) {
	var (
		id, name, description string
		isActive              int
		createdAt             int64
	)
	err := row.Scan(&id, &name, &description, &isActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("graph: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	graphID, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	return &core.Graph{
		ID:          graphID,
		Name:        name,
		Description: description,
		IsActive:    isActive != 0,
		CreatedAt:   time.Unix(0, createdAt),
	}, nil
}

func scanExecution(row scanner) (*core.Execution, error) {
	var (
		id, graphID, status, errMsg string
		contextJSON                 sql.NullString
		startedAt, completedAt      int64
	)
	err := row.Scan(&id, &graphID, &status, &contextJSON, &startedAt, &completedAt, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	execID, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	gID, err := uuid.Parse(graphID)
	if err != nil {
		return nil, err
	}
	st, err := core.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	contextVal, err := unmarshalValue(contextJSON)
	if err != nil {
		return nil, err
	}
	return &core.Execution{
		ID:           execID,
		GraphID:      gID,
		Status:       st,
		Context:      contextVal,
		StartedAt:    fromNanos(startedAt),
		CompletedAt:  fromNanos(completedAt),
		ErrorMessage: errMsg,
	}, nil
}

func scanNodeExecution(row scanner) (*core.NodeExecution, error) {
	var (
		id, execID, nodeID, status, errMsg, taskID string
		inputJSON, outputJSON                      sql.NullString
		startedAt, completedAt                     int64
	)
	err := row.Scan(&id, &execID, &nodeID, &status, &inputJSON, &outputJSON, &errMsg, &startedAt, &completedAt, &taskID)
	if err != nil {
		return nil, err
	}
	neID, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	eID, err := uuid.Parse(execID)
	if err != nil {
		return nil, err
	}
	nID, err := uuid.Parse(nodeID)
	if err != nil {
		return nil, err
	}
	st, err := core.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	input, err := unmarshalValue(inputJSON)
	if err != nil {
		return nil, err
	}
	output, err := unmarshalValue(outputJSON)
	if err != nil {
		return nil, err
	}
	return &core.NodeExecution{
		ID:           neID,
		ExecutionID:  eID,
		NodeID:       nID,
		Status:       st,
		InputData:    input,
		OutputData:   output,
		ErrorMessage: errMsg,
		StartedAt:    fromNanos(startedAt),
		CompletedAt:  fromNanos(completedAt),
		RunnerTaskID: taskID,
	}, nil
}

func marshalValue(v core.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return string(b), nil
}

func unmarshalValue(s sql.NullString) (core.Value, error) {
	if !s.Valid || s.String == "" {
		return core.Null(), nil
	}
	var v core.Value
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return core.Null(), fmt.Errorf("failed to decode value: %w", err)
	}
	return v, nil
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
