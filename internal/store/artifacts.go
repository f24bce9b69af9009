package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Artifact records (facts, conflicts, entities, citations) are produced by
// external collaborators but persisted and queried here. Every artifact
// must reference a valid, existing session.

func (s *Store) requireSession(op, sessionID string) error {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM research_sessions WHERE session_id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return preconditionf(op, "session %s does not exist", sessionID)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// AddFactOpts holds optional fields for fact creation.
type AddFactOpts struct {
	WorkerID  string
	SourceURL string
}

// AddFact persists a fact with a confidence level and an A-E source grade.
func (s *Store) AddFact(sessionID, claim string, confidence float64, grade string, opts AddFactOpts) (*Fact, error) {
	if claim == "" {
		return nil, preconditionf("add fact", "claim is required")
	}
	if !validSourceGrade(grade) {
		return nil, preconditionf("add fact", "source grade %q outside A-E", grade)
	}
	if err := s.requireSession("add fact", sessionID); err != nil {
		return nil, err
	}

	f := Fact{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Claim:       claim,
		Confidence:  confidence,
		SourceGrade: grade,
		CreatedAt:   nowMillis(),
	}
	if opts.WorkerID != "" {
		f.WorkerID = &opts.WorkerID
	}
	if opts.SourceURL != "" {
		f.SourceURL = &opts.SourceURL
	}

	_, err := s.db.Exec(`
		INSERT INTO facts (fact_id, session_id, worker_id, claim, confidence, source_url, source_grade, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.SessionID, f.WorkerID, f.Claim, f.Confidence, f.SourceURL, f.SourceGrade, f.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("adding fact: %w", err)
	}
	return &f, nil
}

// SessionFacts returns all facts for a session, oldest first.
func (s *Store) SessionFacts(sessionID string) ([]Fact, error) {
	rows, err := s.db.Query(`
		SELECT fact_id, session_id, worker_id, claim, confidence, source_url, source_grade, created_at
		FROM facts WHERE session_id = ? ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.SessionID, &f.WorkerID, &f.Claim,
			&f.Confidence, &f.SourceURL, &f.SourceGrade, &f.CreatedAt); err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// AddConflict records a set of facts in tension.
func (s *Store) AddConflict(sessionID string, factIDs []string, severity, detail string) (*Conflict, error) {
	if len(factIDs) < 2 {
		return nil, preconditionf("add conflict", "a conflict needs at least two facts")
	}
	if !validSeverity(severity) {
		return nil, preconditionf("add conflict", "unknown severity %q", severity)
	}
	if err := s.requireSession("add conflict", sessionID); err != nil {
		return nil, err
	}

	idsJSON, err := json.Marshal(factIDs)
	if err != nil {
		return nil, fmt.Errorf("serializing conflict fact ids: %w", err)
	}
	c := Conflict{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		FactIDs:   factIDs,
		Severity:  severity,
		CreatedAt: nowMillis(),
	}
	if detail != "" {
		c.Detail = &detail
	}

	_, err = s.db.Exec(`
		INSERT INTO conflicts (conflict_id, session_id, fact_ids, severity, resolved, detail, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`, c.ID, c.SessionID, string(idsJSON), c.Severity, c.Detail, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("adding conflict: %w", err)
	}
	return &c, nil
}

// ResolveConflict marks a conflict resolved.
func (s *Store) ResolveConflict(id string) error {
	res, err := s.db.Exec(`UPDATE conflicts SET resolved = 1 WHERE conflict_id = ?`, id)
	if err != nil {
		return fmt.Errorf("resolving conflict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return nil
}

// SessionConflicts returns all conflicts for a session, oldest first.
func (s *Store) SessionConflicts(sessionID string) ([]Conflict, error) {
	rows, err := s.db.Query(`
		SELECT conflict_id, session_id, fact_ids, severity, resolved, detail, created_at
		FROM conflicts WHERE session_id = ? ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []Conflict
	for rows.Next() {
		var c Conflict
		var idsRaw string
		var resolved int
		if err := rows.Scan(&c.ID, &c.SessionID, &idsRaw, &c.Severity, &resolved, &c.Detail, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(idsRaw), &c.FactIDs); err != nil {
			return nil, fmt.Errorf("parsing conflict fact ids: %w", err)
		}
		c.Resolved = resolved != 0
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// AddEntity persists a named entity.
func (s *Store) AddEntity(sessionID, name, entityType, workerID string) (*Entity, error) {
	if name == "" {
		return nil, preconditionf("add entity", "name is required")
	}
	if err := s.requireSession("add entity", sessionID); err != nil {
		return nil, err
	}

	e := Entity{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Name:      name,
		CreatedAt: nowMillis(),
	}
	if entityType != "" {
		e.EntityType = &entityType
	}
	if workerID != "" {
		e.WorkerID = &workerID
	}

	_, err := s.db.Exec(`
		INSERT INTO entities (entity_id, session_id, worker_id, name, entity_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.SessionID, e.WorkerID, e.Name, e.EntityType, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("adding entity: %w", err)
	}
	return &e, nil
}

// AddEntityRelation links two entities within a session.
func (s *Store) AddEntityRelation(sessionID, sourceEntity, targetEntity, relation string) (*EntityRelation, error) {
	if relation == "" {
		return nil, preconditionf("add entity relation", "relation is required")
	}
	if err := s.requireSession("add entity relation", sessionID); err != nil {
		return nil, err
	}

	r := EntityRelation{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		SourceEntity: sourceEntity,
		TargetEntity: targetEntity,
		Relation:     relation,
		CreatedAt:    nowMillis(),
	}
	_, err := s.db.Exec(`
		INSERT INTO entity_relations (relation_id, session_id, source_entity, target_entity, relation, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.SessionID, r.SourceEntity, r.TargetEntity, r.Relation, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("adding entity relation: %w", err)
	}
	return &r, nil
}

// AddCitationOpts holds optional fields for citation creation.
type AddCitationOpts struct {
	WorkerID  string
	Title     string
	Author    string
	Published string
}

// AddCitation persists a source reference.
func (s *Store) AddCitation(sessionID, url string, opts AddCitationOpts) (*Citation, error) {
	if url == "" {
		return nil, preconditionf("add citation", "url is required")
	}
	if err := s.requireSession("add citation", sessionID); err != nil {
		return nil, err
	}

	c := Citation{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		URL:       url,
		CreatedAt: nowMillis(),
	}
	if opts.WorkerID != "" {
		c.WorkerID = &opts.WorkerID
	}
	if opts.Title != "" {
		c.Title = &opts.Title
	}
	if opts.Author != "" {
		c.Author = &opts.Author
	}
	if opts.Published != "" {
		c.Published = &opts.Published
	}

	_, err := s.db.Exec(`
		INSERT INTO citations (citation_id, session_id, worker_id, url, title, author, published, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.SessionID, c.WorkerID, c.URL, c.Title, c.Author, c.Published, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("adding citation: %w", err)
	}
	return &c, nil
}

// SessionCitations returns all citations for a session, oldest first.
func (s *Store) SessionCitations(sessionID string) ([]Citation, error) {
	rows, err := s.db.Query(`
		SELECT citation_id, session_id, worker_id, url, title, author, published, created_at
		FROM citations WHERE session_id = ? ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing citations: %w", err)
	}
	defer rows.Close()

	var citations []Citation
	for rows.Next() {
		var c Citation
		if err := rows.Scan(&c.ID, &c.SessionID, &c.WorkerID, &c.URL,
			&c.Title, &c.Author, &c.Published, &c.CreatedAt); err != nil {
			return nil, err
		}
		citations = append(citations, c)
	}
	return citations, rows.Err()
}
