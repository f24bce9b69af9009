package store

import "encoding/json"

// SessionMeta is the typed session metadata blob. It replaces an open-ended
// map with a closed set of fields so phase and checkpoint tracking stay
// compile-checked while remaining a single JSON column on disk.
type SessionMeta struct {
	Phase       PhaseState   `json:"phase"`
	Checkpoints []Checkpoint `json:"checkpoints,omitempty"`
}

// PhaseState is the current-phase pointer for a session.
type PhaseState struct {
	Phase     SessionStatus `json:"phase"`
	Iteration int           `json:"iteration"`
	EnteredAt int64         `json:"entered_at"` // Unix millis
}

// Checkpoint marks a named point in a session's history, anchored to an
// operation-log entry so it can be replayed.
type Checkpoint struct {
	Label       string `json:"label"`
	OperationID string `json:"operation_id"`
	CreatedAt   int64  `json:"created_at"`
}

func marshalMeta(m SessionMeta) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalMeta(raw string) (SessionMeta, error) {
	var m SessionMeta
	if raw == "" {
		return m, nil
	}
	err := json.Unmarshal([]byte(raw), &m)
	return m, err
}
