// Package budget enforces per-session token ceilings. The guard gates
// expensive operations once a session's cumulative usage crosses its hard
// limit, while lightweight operations stay allowed so the session can still
// terminate gracefully via synthesis.
package budget

import (
	"fmt"
	"os"
	"strconv"

	"weave/loom/internal/store"
)

// EnvTokenBudget overrides the default per-session token ceiling.
const EnvTokenBudget = "LOOM_TOKEN_BUDGET"

// Config holds the guard's thresholds.
type Config struct {
	DefaultLimit int64   // used when a session has no explicit limit
	SoftFraction float64 // warn above this fraction of the limit
	HardFraction float64 // deny expensive operations at or above this fraction
}

// DefaultConfig returns production defaults, honoring the LOOM_TOKEN_BUDGET
// environment override.
func DefaultConfig() Config {
	cfg := Config{
		DefaultLimit: 200_000,
		SoftFraction: 0.8,
		HardFraction: 1.0,
	}
	if v := os.Getenv(EnvTokenBudget); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.DefaultLimit = n
		}
	}
	return cfg
}

// Decision is the structured outcome of a budget check. A denial is not an
// error: callers must handle it by switching to a cheaper action.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Warning bool   `json:"warning"`
	Reason  string `json:"reason,omitempty"`
}

// expensiveOps is the closed set of operations the guard treats as
// expensive. Everything else is lightweight.
var expensiveOps = map[string]bool{
	"generate":     true,
	"execute":      true,
	"aggregate":    true,
	"refine":       true,
	"bulk_fetch":   true,
	"bulk_extract": true,
}

// Expensive reports whether an operation counts against the hard limit.
func Expensive(operation string) bool {
	return expensiveOps[operation]
}

// Guard is the per-session token ledger. All usage mutation funnels through
// AddUsage; callers never write the counter directly.
type Guard struct {
	store *store.Store
	cfg   Config
}

// New creates a guard over the given store.
func New(s *store.Store, cfg Config) *Guard {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultConfig().DefaultLimit
	}
	if cfg.SoftFraction <= 0 {
		cfg.SoftFraction = 0.8
	}
	if cfg.HardFraction <= 0 {
		cfg.HardFraction = 1.0
	}
	return &Guard{store: s, cfg: cfg}
}

// Limit returns the effective token ceiling for a session: its explicit
// override if set, else the configured default.
func (g *Guard) Limit(sess *store.Session) int64 {
	if sess.TokenLimit > 0 {
		return sess.TokenLimit
	}
	return g.cfg.DefaultLimit
}

// Check decides whether a session may run the named operation. Below the
// soft limit everything is allowed; between soft and hard the decision
// carries a warning; at or above the hard limit expensive operations are
// denied.
func (g *Guard) Check(sessionID, operation string) (Decision, error) {
	sess, err := g.store.GetSession(sessionID)
	if err != nil {
		return Decision{}, err
	}
	return g.Decide(sess, operation), nil
}

// Decide is the pure policy over an already-loaded session.
func (g *Guard) Decide(sess *store.Session, operation string) Decision {
	limit := g.Limit(sess)
	util := float64(sess.TokenUsage) / float64(limit)

	switch {
	case util < g.cfg.SoftFraction:
		return Decision{Allowed: true}
	case util < g.cfg.HardFraction:
		return Decision{
			Allowed: true,
			Warning: true,
			Reason:  fmt.Sprintf("usage %d/%d tokens (%.0f%%) over soft limit", sess.TokenUsage, limit, util*100),
		}
	}

	if Expensive(operation) {
		return Decision{
			Allowed: false,
			Warning: true,
			Reason: fmt.Sprintf("hard limit reached: %d/%d tokens, %q is an expensive operation",
				sess.TokenUsage, limit, operation),
		}
	}
	return Decision{
		Allowed: true,
		Warning: true,
		Reason:  fmt.Sprintf("hard limit reached: %d/%d tokens, allowing lightweight %q", sess.TokenUsage, limit, operation),
	}
}

// Utilization returns the session's fraction of budget consumed.
func (g *Guard) Utilization(sess *store.Session) float64 {
	return float64(sess.TokenUsage) / float64(g.Limit(sess))
}

// State is a snapshot of a session's budget pressure, consumed by the
// planner's pure decision function. It carries the guard's configured
// fractions so downstream pressure math uses the same thresholds.
type State struct {
	Utilization  float64 `json:"utilization"`
	SoftFraction float64 `json:"soft_fraction"`
	HardFraction float64 `json:"hard_fraction"`
	SoftExceeded bool    `json:"soft_exceeded"`
	HardExceeded bool    `json:"hard_exceeded"`
}

// State computes the budget snapshot for an already-loaded session.
func (g *Guard) State(sess *store.Session) State {
	util := g.Utilization(sess)
	return State{
		Utilization:  util,
		SoftFraction: g.cfg.SoftFraction,
		HardFraction: g.cfg.HardFraction,
		SoftExceeded: util >= g.cfg.SoftFraction,
		HardExceeded: util >= g.cfg.HardFraction,
	}
}

// AddUsage adds completed-work tokens to the session counter. The store
// applies the increment additively and atomically, so concurrent workers
// cannot lose updates. Call exactly once per completed unit of work, never
// speculatively before completion.
func (g *Guard) AddUsage(sessionID string, tokens int64) error {
	return g.store.AddTokenUsage(sessionID, tokens)
}
