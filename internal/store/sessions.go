package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSessionOpts holds optional fields for session creation.
type CreateSessionOpts struct {
	Kind       SessionKind
	TokenLimit int64 // 0 means "use the guard's default"
}

// CreateSession creates a new session in the initializing state.
func (s *Store) CreateSession(topic string, opts CreateSessionOpts) (*Session, error) {
	if topic == "" {
		return nil, preconditionf("create session", "topic is required")
	}
	kind := opts.Kind
	if kind == "" {
		kind = KindDeep
	}
	if !validSessionKind(kind) {
		return nil, preconditionf("create session", "unknown kind %q", kind)
	}

	id := uuid.New().String()
	now := nowMillis()
	meta, err := marshalMeta(SessionMeta{
		Phase: PhaseState{Phase: SessionInitializing, Iteration: 0, EnteredAt: now},
	})
	if err != nil {
		return nil, fmt.Errorf("serializing session metadata: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO research_sessions
			(session_id, topic, kind, status, token_limit, metadata, created_at, updated_at)
		VALUES (?, ?, ?, 'initializing', ?, ?, ?, ?)
	`, id, topic, string(kind), opts.TokenLimit, meta, now, now)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return s.GetSession(id)
}

const sessionColumns = `session_id, topic, kind, status, token_usage, token_limit,
	metadata, error_log, archived, locked_at, locked_by, created_at, updated_at, completed_at`

func scanSession(scanner interface{ Scan(dest ...any) error }) (Session, error) {
	var (
		sess     Session
		metaRaw  string
		errsRaw  string
		archived int
	)
	err := scanner.Scan(
		&sess.ID, &sess.Topic, &sess.Kind, &sess.Status, &sess.TokenUsage, &sess.TokenLimit,
		&metaRaw, &errsRaw, &archived, &sess.LockedAt, &sess.LockedBy,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.CompletedAt,
	)
	if err != nil {
		return sess, err
	}
	sess.Archived = archived != 0
	if sess.Meta, err = unmarshalMeta(metaRaw); err != nil {
		return sess, fmt.Errorf("parsing session metadata: %w", err)
	}
	if errsRaw != "" {
		if err := json.Unmarshal([]byte(errsRaw), &sess.ErrorLog); err != nil {
			return sess, fmt.Errorf("parsing session error log: %w", err)
		}
	}
	return sess, nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM research_sessions WHERE session_id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return &sess, nil
}

// ListSessions returns sessions newest first, skipping archived ones unless
// includeArchived is set.
func (s *Store) ListSessions(includeArchived bool) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM research_sessions`
	if !includeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus advances a session's status. Transitions are monotonic
// along initializing -> planning -> executing -> synthesizing -> validating
// -> completed; failed is reachable from any non-terminal status. Anything
// else is a precondition violation.
func (s *Store) UpdateSessionStatus(id string, status SessionStatus) error {
	if !validSessionStatus(status) {
		return preconditionf("update session status", "unknown status %q", status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	defer tx.Rollback()

	var current SessionStatus
	var metaRaw string
	err = tx.QueryRow(`SELECT status, metadata FROM research_sessions WHERE session_id = ?`, id).Scan(&current, &metaRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}

	if err := checkSessionTransition(current, status); err != nil {
		return err
	}

	now := nowMillis()

	// Keep the metadata phase pointer in lockstep with the status column so
	// CurrentPhase reads never go stale.
	meta, err := unmarshalMeta(metaRaw)
	if err != nil {
		return fmt.Errorf("parsing session metadata: %w", err)
	}
	if meta.Phase.Phase != status {
		meta.Phase.Phase = status
		meta.Phase.EnteredAt = now
	}
	newMeta, err := marshalMeta(meta)
	if err != nil {
		return fmt.Errorf("serializing session metadata: %w", err)
	}

	var completedAt any
	if status == SessionCompleted || status == SessionFailed {
		completedAt = now
	}
	if _, err := tx.Exec(`
		UPDATE research_sessions
		SET status = ?, metadata = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
		WHERE session_id = ?
	`, string(status), newMeta, now, completedAt, id); err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	return tx.Commit()
}

func checkSessionTransition(from, to SessionStatus) error {
	if from == SessionCompleted || from == SessionFailed {
		return preconditionf("update session status", "session is terminal (%s)", from)
	}
	if to == SessionFailed {
		return nil
	}
	if sessionStatusOrder[to] < sessionStatusOrder[from] {
		return preconditionf("update session status", "cannot move backwards from %s to %s", from, to)
	}
	return nil
}

// FailSession transitions a session to failed and appends the error to its
// error log. Committed graph and operation history is retained for
// post-mortem inspection.
func (s *Store) FailSession(id string, cause error) error {
	if err := s.AppendSessionError(id, cause.Error()); err != nil {
		return err
	}
	return s.UpdateSessionStatus(id, SessionFailed)
}

// AppendSessionError appends a message to the session's error log.
func (s *Store) AppendSessionError(id, msg string) error {
	res, err := s.db.Exec(`
		UPDATE research_sessions
		SET error_log = json_insert(error_log, '$[#]', ?), updated_at = ?
		WHERE session_id = ?
	`, msg, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("appending session error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetSessionMeta replaces the session's typed metadata blob.
func (s *Store) SetSessionMeta(id string, meta SessionMeta) error {
	raw, err := marshalMeta(meta)
	if err != nil {
		return fmt.Errorf("serializing session metadata: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE research_sessions SET metadata = ?, updated_at = ? WHERE session_id = ?
	`, raw, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("updating session metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// CurrentPhase returns the session's phase pointer.
func (s *Store) CurrentPhase(id string) (PhaseState, error) {
	sess, err := s.GetSession(id)
	if err != nil {
		return PhaseState{}, err
	}
	return sess.Meta.Phase, nil
}

// ArchiveSession marks a session archived. Sessions are never deleted as
// part of the normal lifecycle.
func (s *Store) ArchiveSession(id string) error {
	res, err := s.db.Exec(`
		UPDATE research_sessions SET archived = 1, updated_at = ? WHERE session_id = ?
	`, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("archiving session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteSession removes a session and cascades to all rows it owns: nodes,
// operations, workers, and artifact tables.
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM research_sessions WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// AddTokenUsage adds tokens to the session's cumulative counter. The update
// is additive inside the database so concurrent workers cannot lose updates.
// Call exactly once per completed unit of work, never before completion.
func (s *Store) AddTokenUsage(id string, tokens int64) error {
	if tokens < 0 {
		return preconditionf("add token usage", "negative token count %d", tokens)
	}
	res, err := s.db.Exec(`
		UPDATE research_sessions
		SET token_usage = token_usage + ?, updated_at = ?
		WHERE session_id = ?
	`, tokens, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("adding token usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// TokenUsage returns the session's cumulative token usage and its limit.
func (s *Store) TokenUsage(id string) (used, limit int64, err error) {
	row := s.db.QueryRow(`SELECT token_usage, token_limit FROM research_sessions WHERE session_id = ?`, id)
	err = row.Scan(&used, &limit)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("getting token usage: %w", err)
	}
	return used, limit, nil
}

// lockTTL is how long a session lock is honored before it is considered
// stale and may be taken over.
const lockTTL = 5 * time.Minute

// LockError reports that a session is held by another planner.
type LockError struct {
	SessionID string
	LockedBy  string
	LockedAt  int64
}

func (e *LockError) Error() string {
	return fmt.Sprintf("session %s is locked by %s since %s",
		e.SessionID, e.LockedBy, time.UnixMilli(e.LockedAt).Format(time.RFC3339))
}

// AcquireLock takes the session's advisory lock. A lock older than lockTTL
// is stale and may be stolen.
func (s *Store) AcquireLock(id, holder string) error {
	sess, err := s.GetSession(id)
	if err != nil {
		return err
	}
	if sess.LockedBy != nil && *sess.LockedBy != "" && *sess.LockedBy != holder {
		if sess.LockedAt != nil && time.Since(time.UnixMilli(*sess.LockedAt)) < lockTTL {
			return &LockError{SessionID: id, LockedBy: *sess.LockedBy, LockedAt: *sess.LockedAt}
		}
		// Stale lock, take it over.
	}
	_, err = s.db.Exec(`
		UPDATE research_sessions SET locked_at = ?, locked_by = ?, updated_at = ?
		WHERE session_id = ?
	`, nowMillis(), holder, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("acquiring session lock: %w", err)
	}
	return nil
}

// ReleaseLock releases the session lock if held by holder.
func (s *Store) ReleaseLock(id, holder string) error {
	_, err := s.db.Exec(`
		UPDATE research_sessions SET locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE session_id = ? AND (locked_by = ? OR locked_by IS NULL)
	`, nowMillis(), id, holder)
	if err != nil {
		return fmt.Errorf("releasing session lock: %w", err)
	}
	return nil
}

// LogActivity appends a structured event to the session's activity log.
func (s *Store) LogActivity(sessionID, eventType, message string, workerID string, details any) error {
	detailsJSON := "{}"
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("serializing activity details: %w", err)
		}
		detailsJSON = string(raw)
	}
	var worker any
	if workerID != "" {
		worker = workerID
	}
	_, err := s.db.Exec(`
		INSERT INTO activity_log (session_id, event_type, message, worker_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, eventType, message, worker, detailsJSON, nowMillis())
	if err != nil {
		return fmt.Errorf("logging activity: %w", err)
	}
	return nil
}
