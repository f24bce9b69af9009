package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// NodeInput describes a node to create as part of an operation.
type NodeInput struct {
	ParentID     *string
	Type         NodeType
	Content      string
	SummaryRatio float64 // 0 disables summarization; otherwise must be in (0,1]
	Score        float64
}

// StatusChange moves an existing node to a new status.
type StatusChange struct {
	NodeID string
	Status NodeStatus
}

// ScoreChange records a quality score for an existing node.
type ScoreChange struct {
	NodeID string
	Score  float64
}

// ContentChange rewrites a node's content (refine transitions).
type ContentChange struct {
	NodeID  string
	Content string
}

// OperationInput is one graph transition. Node creations and mutations
// commit atomically with the operation-log entry, or not at all.
type OperationInput struct {
	Type           OpType
	InputNodes     []string
	Params         any
	Result         any
	NewNodes       []NodeInput
	StatusChanges  []StatusChange
	ScoreChanges   []ScoreChange
	ContentChanges []ContentChange
	MarkExecuted   []string
}

// ApplyOperation validates and applies a graph transition in a single
// transaction, returning the logged operation and any created nodes.
func (s *Store) ApplyOperation(sessionID string, in OperationInput) (*Operation, []Node, error) {
	if !validOpType(in.Type) {
		return nil, nil, preconditionf("apply operation", "unknown operation type %q", in.Type)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("applying operation: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(`SELECT 1 FROM research_sessions WHERE session_id = ?`, sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, preconditionf("apply operation", "session %s does not exist", sessionID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("applying operation: %w", err)
	}

	now := nowMillis()

	created, err := insertNodes(tx, sessionID, in.NewNodes, now)
	if err != nil {
		return nil, nil, err
	}
	if err := applyStatusChanges(tx, sessionID, in.StatusChanges, now); err != nil {
		return nil, nil, err
	}
	if err := applyScoreChanges(tx, sessionID, in.ScoreChanges, now); err != nil {
		return nil, nil, err
	}
	if err := applyContentChanges(tx, sessionID, in.ContentChanges, now); err != nil {
		return nil, nil, err
	}
	for _, id := range in.MarkExecuted {
		if err := requireSessionNode(tx, sessionID, id); err != nil {
			return nil, nil, err
		}
		if _, err := tx.Exec(`UPDATE graph_nodes SET executed = 1, updated_at = ? WHERE node_id = ?`, now, id); err != nil {
			return nil, nil, fmt.Errorf("marking node executed: %w", err)
		}
	}

	op, err := insertOperation(tx, sessionID, in, created, now)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing operation: %w", err)
	}
	return op, created, nil
}

func insertNodes(tx *sql.Tx, sessionID string, inputs []NodeInput, now int64) ([]Node, error) {
	var created []Node
	for _, in := range inputs {
		if !validNodeType(in.Type) {
			return nil, preconditionf("create node", "unknown node type %q", in.Type)
		}
		if in.Score < 0 || in.Score > 10 {
			return nil, preconditionf("create node", "quality score %.2f outside [0,10]", in.Score)
		}

		depth := 0
		if in.ParentID != nil {
			if in.Type == NodeRoot {
				return nil, preconditionf("create node", "root node cannot have a parent")
			}
			var parentSession string
			var parentDepth int
			err := tx.QueryRow(`SELECT session_id, depth FROM graph_nodes WHERE node_id = ?`, *in.ParentID).
				Scan(&parentSession, &parentDepth)
			if errors.Is(err, sql.ErrNoRows) {
				return nil, preconditionf("create node", "parent node %s does not exist", *in.ParentID)
			}
			if err != nil {
				return nil, fmt.Errorf("creating node: %w", err)
			}
			if parentSession != sessionID {
				return nil, preconditionf("create node", "parent node %s belongs to session %s", *in.ParentID, parentSession)
			}
			depth = parentDepth + 1
		}

		node := Node{
			ID:           uuid.New().String(),
			SessionID:    sessionID,
			ParentID:     in.ParentID,
			Type:         in.Type,
			Content:      in.Content,
			QualityScore: in.Score,
			Depth:        depth,
			Status:       NodeActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if in.SummaryRatio != 0 {
			summary, err := Summarize(in.Content, in.SummaryRatio)
			if err != nil {
				return nil, preconditionf("create node", "%v", err)
			}
			ratio := in.SummaryRatio
			node.Summary = &summary
			node.SummaryRatio = &ratio
		}

		_, err := tx.Exec(`
			INSERT INTO graph_nodes
				(node_id, session_id, parent_id, node_type, content, summary, summary_ratio,
				 quality_score, depth, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'active', ?, ?)
		`, node.ID, node.SessionID, node.ParentID, string(node.Type), node.Content,
			node.Summary, node.SummaryRatio, node.QualityScore, node.Depth, now, now)
		if err != nil {
			return nil, fmt.Errorf("creating node: %w", err)
		}
		created = append(created, node)
	}
	return created, nil
}

func applyStatusChanges(tx *sql.Tx, sessionID string, changes []StatusChange, now int64) error {
	for _, ch := range changes {
		if !validNodeStatus(ch.Status) {
			return preconditionf("update node status", "unknown status %q", ch.Status)
		}
		var current NodeStatus
		err := tx.QueryRow(`
			SELECT status FROM graph_nodes WHERE node_id = ? AND session_id = ?
		`, ch.NodeID, sessionID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return preconditionf("update node status", "node %s not found in session %s", ch.NodeID, sessionID)
		}
		if err != nil {
			return fmt.Errorf("updating node status: %w", err)
		}
		if terminalNodeStatus(current) {
			return preconditionf("update node status", "node %s is %s and cannot transition to %s",
				ch.NodeID, current, ch.Status)
		}
		if _, err := tx.Exec(`
			UPDATE graph_nodes SET status = ?, updated_at = ? WHERE node_id = ?
		`, string(ch.Status), now, ch.NodeID); err != nil {
			return fmt.Errorf("updating node status: %w", err)
		}
	}
	return nil
}

func applyScoreChanges(tx *sql.Tx, sessionID string, changes []ScoreChange, now int64) error {
	for _, ch := range changes {
		if ch.Score < 0 || ch.Score > 10 {
			return preconditionf("score node", "quality score %.2f outside [0,10]", ch.Score)
		}
		if err := requireSessionNode(tx, sessionID, ch.NodeID); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			UPDATE graph_nodes SET quality_score = ?, scored = 1, updated_at = ? WHERE node_id = ?
		`, ch.Score, now, ch.NodeID); err != nil {
			return fmt.Errorf("scoring node: %w", err)
		}
	}
	return nil
}

func applyContentChanges(tx *sql.Tx, sessionID string, changes []ContentChange, now int64) error {
	for _, ch := range changes {
		if err := requireSessionNode(tx, sessionID, ch.NodeID); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			UPDATE graph_nodes SET content = ?, updated_at = ? WHERE node_id = ?
		`, ch.Content, now, ch.NodeID); err != nil {
			return fmt.Errorf("updating node content: %w", err)
		}
	}
	return nil
}

func requireSessionNode(tx *sql.Tx, sessionID, nodeID string) error {
	var one int
	err := tx.QueryRow(`
		SELECT 1 FROM graph_nodes WHERE node_id = ? AND session_id = ?
	`, nodeID, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return preconditionf("apply operation", "node %s not found in session %s", nodeID, sessionID)
	}
	if err != nil {
		return fmt.Errorf("looking up node %s: %w", nodeID, err)
	}
	return nil
}

func insertOperation(tx *sql.Tx, sessionID string, in OperationInput, created []Node, now int64) (*Operation, error) {
	outputIDs := make([]string, len(created))
	for i, n := range created {
		outputIDs[i] = n.ID
	}
	inputJSON, err := json.Marshal(orEmpty(in.InputNodes))
	if err != nil {
		return nil, fmt.Errorf("serializing operation inputs: %w", err)
	}
	outputJSON, err := json.Marshal(orEmpty(outputIDs))
	if err != nil {
		return nil, fmt.Errorf("serializing operation outputs: %w", err)
	}
	paramsJSON, err := marshalOr(in.Params, "{}")
	if err != nil {
		return nil, fmt.Errorf("serializing operation params: %w", err)
	}
	resultJSON, err := marshalOr(in.Result, "{}")
	if err != nil {
		return nil, fmt.Errorf("serializing operation result: %w", err)
	}

	op := &Operation{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Type:        in.Type,
		InputNodes:  in.InputNodes,
		OutputNodes: outputIDs,
		Params:      paramsJSON,
		Result:      resultJSON,
		CreatedAt:   now,
	}
	_, err = tx.Exec(`
		INSERT INTO graph_operations
			(operation_id, session_id, op_type, input_nodes, output_nodes, params, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, sessionID, string(op.Type), string(inputJSON), string(outputJSON),
		paramsJSON, resultJSON, now)
	if err != nil {
		return nil, fmt.Errorf("logging operation: %w", err)
	}
	return op, nil
}

func orEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func marshalOr(v any, fallback string) (string, error) {
	if v == nil {
		return fallback, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

const nodeColumns = `node_id, session_id, parent_id, node_type, content, summary, summary_ratio,
	quality_score, depth, executed, scored, status, created_at, updated_at`

func scanNode(scanner interface{ Scan(dest ...any) error }) (Node, error) {
	var n Node
	var executed, scored int
	err := scanner.Scan(
		&n.ID, &n.SessionID, &n.ParentID, &n.Type, &n.Content, &n.Summary, &n.SummaryRatio,
		&n.QualityScore, &n.Depth, &executed, &scored, &n.Status, &n.CreatedAt, &n.UpdatedAt,
	)
	n.Executed = executed != 0
	n.Scored = scored != 0
	return n, err
}

// GetNode returns a single node by ID.
func (s *Store) GetNode(id string) (*Node, error) {
	row := s.db.QueryRow(`SELECT `+nodeColumns+` FROM graph_nodes WHERE node_id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting node %s: %w", id, err)
	}
	return &n, nil
}

func (s *Store) queryNodes(query string, args ...any) ([]Node, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// SessionNodes returns all nodes for a session, oldest first.
func (s *Store) SessionNodes(sessionID string) ([]Node, error) {
	return s.queryNodes(`
		SELECT `+nodeColumns+` FROM graph_nodes
		WHERE session_id = ? ORDER BY created_at ASC, node_id ASC
	`, sessionID)
}

// ActiveNodes returns the session's live nodes (active or refined), oldest
// first. Pruned and aggregated nodes are excluded.
func (s *Store) ActiveNodes(sessionID string) ([]Node, error) {
	return s.queryNodes(`
		SELECT `+nodeColumns+` FROM graph_nodes
		WHERE session_id = ? AND status IN ('active', 'refined')
		ORDER BY created_at ASC, node_id ASC
	`, sessionID)
}

// TopNodesByQuality returns the session's n best live nodes by quality
// score, highest first.
func (s *Store) TopNodesByQuality(sessionID string, n int) ([]Node, error) {
	return s.queryNodes(`
		SELECT `+nodeColumns+` FROM graph_nodes
		WHERE session_id = ? AND status IN ('active', 'refined')
		ORDER BY quality_score DESC, created_at ASC LIMIT ?
	`, sessionID, n)
}
