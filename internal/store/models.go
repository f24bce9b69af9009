package store

// SessionStatus is the lifecycle phase of a research session. Transitions
// are monotonic along the listed order; Failed is reachable from any
// non-terminal status.
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionPlanning     SessionStatus = "planning"
	SessionExecuting    SessionStatus = "executing"
	SessionSynthesizing SessionStatus = "synthesizing"
	SessionValidating   SessionStatus = "validating"
	SessionCompleted    SessionStatus = "completed"
	SessionFailed       SessionStatus = "failed"
)

// sessionStatusOrder maps each status to its rank in the monotonic sequence.
// Failed is handled separately.
var sessionStatusOrder = map[SessionStatus]int{
	SessionInitializing: 0,
	SessionPlanning:     1,
	SessionExecuting:    2,
	SessionSynthesizing: 3,
	SessionValidating:   4,
	SessionCompleted:    5,
}

// StatusRank returns a status's position in the monotonic lifecycle, or -1
// for failed. Callers use it to skip no-op backwards transitions.
func StatusRank(s SessionStatus) int {
	if s == SessionFailed {
		return -1
	}
	return sessionStatusOrder[s]
}

// SessionKind selects default planner settings.
type SessionKind string

const (
	KindDeep   SessionKind = "deep"
	KindQuick  SessionKind = "quick"
	KindCustom SessionKind = "custom"
)

// NodeType positions a node in the exploration graph.
type NodeType string

const (
	NodeRoot   NodeType = "root"
	NodeBranch NodeType = "branch"
	NodeLeaf   NodeType = "leaf"
)

// NodeStatus is one-directional: once a node is pruned or aggregated it
// never returns to active.
type NodeStatus string

const (
	NodeActive     NodeStatus = "active"
	NodePruned     NodeStatus = "pruned"
	NodeAggregated NodeStatus = "aggregated"
	NodeRefined    NodeStatus = "refined"
)

// OpType identifies a graph transition in the append-only operation log.
type OpType string

const (
	OpGenerate   OpType = "generate"
	OpExecute    OpType = "execute"
	OpScore      OpType = "score"
	OpPrune      OpType = "prune"
	OpAggregate  OpType = "aggregate"
	OpRefine     OpType = "refine"
	OpSynthesize OpType = "synthesize"
)

// WorkerStatus tracks one dispatched unit of concurrent work.
type WorkerStatus string

const (
	WorkerDeploying WorkerStatus = "deploying"
	WorkerRunning   WorkerStatus = "running"
	WorkerCompleted WorkerStatus = "completed"
	WorkerFailed    WorkerStatus = "failed"
	WorkerTimeout   WorkerStatus = "timeout"
)

// Session is one research run.
type Session struct {
	ID          string        `json:"session_id"`
	Topic       string        `json:"topic"`
	Kind        SessionKind   `json:"kind"`
	Status      SessionStatus `json:"status"`
	TokenUsage  int64         `json:"token_usage"`
	TokenLimit  int64         `json:"token_limit"`
	Meta        SessionMeta   `json:"metadata"`
	ErrorLog    []string      `json:"error_log"`
	Archived    bool          `json:"archived"`
	LockedAt    *int64        `json:"locked_at,omitempty"`
	LockedBy    *string       `json:"locked_by,omitempty"`
	CreatedAt   int64         `json:"created_at"` // Unix millis
	UpdatedAt   int64         `json:"updated_at"`
	CompletedAt *int64        `json:"completed_at,omitempty"`
}

// Node is one unit of research exploration. A node is exclusively owned by
// its session; ParentID is a back-reference for ancestry queries, never an
// ownership link.
type Node struct {
	ID           string     `json:"node_id"`
	SessionID    string     `json:"session_id"`
	ParentID     *string    `json:"parent_id,omitempty"`
	Type         NodeType   `json:"node_type"`
	Content      string     `json:"content"`
	Summary      *string    `json:"summary,omitempty"`
	SummaryRatio *float64   `json:"summary_ratio,omitempty"`
	QualityScore float64    `json:"quality_score"`
	Depth        int        `json:"depth"`
	Executed     bool       `json:"executed"`
	Scored       bool       `json:"scored"`
	Status       NodeStatus `json:"status"`
	CreatedAt    int64      `json:"created_at"`
	UpdatedAt    int64      `json:"updated_at"`
}

// Operation is one immutable entry in the audit log. Ordering by CreatedAt
// (then insertion order) reconstructs a session's full history.
type Operation struct {
	ID          string   `json:"operation_id"`
	SessionID   string   `json:"session_id"`
	Type        OpType   `json:"op_type"`
	InputNodes  []string `json:"input_nodes"`
	OutputNodes []string `json:"output_nodes"`
	Params      string   `json:"params"` // JSON
	Result      string   `json:"result"` // JSON
	CreatedAt   int64    `json:"created_at"`
}

// Worker records one dispatched unit of concurrent work, retained for the
// life of the session for audit.
type Worker struct {
	ID           string       `json:"worker_id"`
	SessionID    string       `json:"session_id"`
	Role         string       `json:"role"`
	Status       WorkerStatus `json:"status"`
	Focus        *string      `json:"focus,omitempty"`
	Queries      []string     `json:"queries"`
	TokenUsage   int64        `json:"token_usage"`
	ErrorMessage *string      `json:"error_message,omitempty"`
	OutputRef    *string      `json:"output_ref,omitempty"`
	CreatedAt    int64        `json:"created_at"`
	UpdatedAt    int64        `json:"updated_at"`
	CompletedAt  *int64       `json:"completed_at,omitempty"`
}

// Fact is a structured claim attributed to a session and optionally a worker.
type Fact struct {
	ID          string  `json:"fact_id"`
	SessionID   string  `json:"session_id"`
	WorkerID    *string `json:"worker_id,omitempty"`
	Claim       string  `json:"claim"`
	Confidence  float64 `json:"confidence"`
	SourceURL   *string `json:"source_url,omitempty"`
	SourceGrade string  `json:"source_grade"` // A-E
	CreatedAt   int64   `json:"created_at"`
}

// Conflict references a set of facts in tension.
type Conflict struct {
	ID        string   `json:"conflict_id"`
	SessionID string   `json:"session_id"`
	FactIDs   []string `json:"fact_ids"`
	Severity  string   `json:"severity"` // low, medium, high
	Resolved  bool     `json:"resolved"`
	Detail    *string  `json:"detail,omitempty"`
	CreatedAt int64    `json:"created_at"`
}

// Entity is a named thing extracted by a worker.
type Entity struct {
	ID         string  `json:"entity_id"`
	SessionID  string  `json:"session_id"`
	WorkerID   *string `json:"worker_id,omitempty"`
	Name       string  `json:"name"`
	EntityType *string `json:"entity_type,omitempty"`
	CreatedAt  int64   `json:"created_at"`
}

// EntityRelation links two entities within a session.
type EntityRelation struct {
	ID           string `json:"relation_id"`
	SessionID    string `json:"session_id"`
	SourceEntity string `json:"source_entity"`
	TargetEntity string `json:"target_entity"`
	Relation     string `json:"relation"`
	CreatedAt    int64  `json:"created_at"`
}

// Citation is a source reference attributed to a session.
type Citation struct {
	ID        string  `json:"citation_id"`
	SessionID string  `json:"session_id"`
	WorkerID  *string `json:"worker_id,omitempty"`
	URL       string  `json:"url"`
	Title     *string `json:"title,omitempty"`
	Author    *string `json:"author,omitempty"`
	Published *string `json:"published,omitempty"`
	CreatedAt int64   `json:"created_at"`
}

func validSessionStatus(s SessionStatus) bool {
	_, ok := sessionStatusOrder[s]
	return ok || s == SessionFailed
}

func validSessionKind(k SessionKind) bool {
	switch k {
	case KindDeep, KindQuick, KindCustom:
		return true
	}
	return false
}

func validNodeType(t NodeType) bool {
	switch t {
	case NodeRoot, NodeBranch, NodeLeaf:
		return true
	}
	return false
}

func validNodeStatus(s NodeStatus) bool {
	switch s {
	case NodeActive, NodePruned, NodeAggregated, NodeRefined:
		return true
	}
	return false
}

func validOpType(t OpType) bool {
	switch t {
	case OpGenerate, OpExecute, OpScore, OpPrune, OpAggregate, OpRefine, OpSynthesize:
		return true
	}
	return false
}

func validWorkerStatus(s WorkerStatus) bool {
	switch s {
	case WorkerDeploying, WorkerRunning, WorkerCompleted, WorkerFailed, WorkerTimeout:
		return true
	}
	return false
}

func validSourceGrade(g string) bool {
	switch g {
	case "A", "B", "C", "D", "E":
		return true
	}
	return false
}

func validSeverity(s string) bool {
	switch s {
	case "low", "medium", "high":
		return true
	}
	return false
}

// terminalNodeStatus reports whether a node status permits no further
// transitions.
func terminalNodeStatus(s NodeStatus) bool {
	return s == NodePruned || s == NodeAggregated
}
