package store

import (
	"encoding/json"
	"fmt"
)

// Operations returns the session's full operation history in commit order.
// Entries are immutable once written; replaying them in order reconstructs
// the session's exploration.
func (s *Store) Operations(sessionID string) ([]Operation, error) {
	rows, err := s.db.Query(`
		SELECT operation_id, session_id, op_type, input_nodes, output_nodes, params, result, created_at
		FROM graph_operations
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var op Operation
		var inputRaw, outputRaw string
		if err := rows.Scan(&op.ID, &op.SessionID, &op.Type, &inputRaw, &outputRaw,
			&op.Params, &op.Result, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		if err := json.Unmarshal([]byte(inputRaw), &op.InputNodes); err != nil {
			return nil, fmt.Errorf("parsing operation inputs: %w", err)
		}
		if err := json.Unmarshal([]byte(outputRaw), &op.OutputNodes); err != nil {
			return nil, fmt.Errorf("parsing operation outputs: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
