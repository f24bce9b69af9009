package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateWorkerOpts holds optional fields for worker registration.
type CreateWorkerOpts struct {
	Focus   string
	Queries []string
}

// CreateWorker registers a dispatched unit of work in the deploying state.
func (s *Store) CreateWorker(sessionID, role string, opts CreateWorkerOpts) (*Worker, error) {
	if role == "" {
		return nil, preconditionf("create worker", "role is required")
	}
	if _, err := s.GetSession(sessionID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, preconditionf("create worker", "session %s does not exist", sessionID)
		}
		return nil, err
	}

	queriesJSON, err := json.Marshal(orEmpty(opts.Queries))
	if err != nil {
		return nil, fmt.Errorf("serializing worker queries: %w", err)
	}
	var focus any
	if opts.Focus != "" {
		focus = opts.Focus
	}

	id := uuid.New().String()
	now := nowMillis()
	_, err = s.db.Exec(`
		INSERT INTO workers (worker_id, session_id, role, status, focus, queries, created_at, updated_at)
		VALUES (?, ?, ?, 'deploying', ?, ?, ?, ?)
	`, id, sessionID, role, focus, string(queriesJSON), now, now)
	if err != nil {
		return nil, fmt.Errorf("creating worker: %w", err)
	}
	return s.GetWorker(id)
}

const workerColumns = `worker_id, session_id, role, status, focus, queries,
	token_usage, error_message, output_ref, created_at, updated_at, completed_at`

func scanWorker(scanner interface{ Scan(dest ...any) error }) (Worker, error) {
	var w Worker
	var queriesRaw string
	err := scanner.Scan(
		&w.ID, &w.SessionID, &w.Role, &w.Status, &w.Focus, &queriesRaw,
		&w.TokenUsage, &w.ErrorMessage, &w.OutputRef, &w.CreatedAt, &w.UpdatedAt, &w.CompletedAt,
	)
	if err != nil {
		return w, err
	}
	if err := json.Unmarshal([]byte(queriesRaw), &w.Queries); err != nil {
		return w, fmt.Errorf("parsing worker queries: %w", err)
	}
	return w, nil
}

// GetWorker retrieves a worker by ID.
func (s *Store) GetWorker(id string) (*Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE worker_id = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting worker %s: %w", id, err)
	}
	return &w, nil
}

// SessionWorkers returns all workers for a session, oldest first.
func (s *Store) SessionWorkers(sessionID string) ([]Worker, error) {
	rows, err := s.db.Query(`
		SELECT `+workerColumns+` FROM workers WHERE session_id = ? ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	defer rows.Close()

	var workers []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// WorkerUpdate carries completion fields for UpdateWorker.
type WorkerUpdate struct {
	Status       WorkerStatus
	TokenUsage   int64 // added to the worker's counter
	ErrorMessage string
	OutputRef    string
}

// UpdateWorker records a worker's progress or completion. Completed, failed
// and timeout statuses also stamp completed_at.
func (s *Store) UpdateWorker(id string, up WorkerUpdate) error {
	if !validWorkerStatus(up.Status) {
		return preconditionf("update worker", "unknown status %q", up.Status)
	}

	now := nowMillis()
	var completedAt any
	if up.Status == WorkerCompleted || up.Status == WorkerFailed || up.Status == WorkerTimeout {
		completedAt = now
	}
	var errMsg, outputRef any
	if up.ErrorMessage != "" {
		errMsg = up.ErrorMessage
	}
	if up.OutputRef != "" {
		outputRef = up.OutputRef
	}

	res, err := s.db.Exec(`
		UPDATE workers
		SET status = ?,
		    token_usage = token_usage + ?,
		    error_message = COALESCE(?, error_message),
		    output_ref = COALESCE(?, output_ref),
		    completed_at = COALESCE(?, completed_at),
		    updated_at = ?
		WHERE worker_id = ?
	`, string(up.Status), up.TokenUsage, errMsg, outputRef, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("updating worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return nil
}
