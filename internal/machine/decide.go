// Package machine turns a graph + budget snapshot into exactly one next
// instruction. Decide is a pure function so the same snapshot always yields
// the same instruction; Planner wraps it with locking, logging, and phase
// bookkeeping.
package machine

import (
	"sort"

	"weave/loom/internal/budget"
	"weave/loom/internal/store"
)

// Kind enumerates the five instructions the planner can emit.
type Kind string

const (
	Generate   Kind = "generate"
	Execute    Kind = "execute"
	Score      Kind = "score"
	Aggregate  Kind = "aggregate"
	Synthesize Kind = "synthesize"
)

// Instruction is a tagged instruction with its parameters. Only the fields
// relevant to Kind are populated.
type Instruction struct {
	Kind      Kind     `json:"kind"`
	Count     int      `json:"count,omitempty"`       // generate
	Strategy  string   `json:"strategy,omitempty"`    // generate, aggregate
	NodeIDs   []string `json:"node_ids,omitempty"`    // execute, aggregate
	Threshold float64  `json:"threshold,omitempty"`   // score
	KeepTopN  int      `json:"keep_top_n,omitempty"`  // score
	Reason    string   `json:"reason,omitempty"`
}

// Config holds the planner thresholds. Kinds select different defaults; a
// config file can override any field.
type Config struct {
	MinWidth         int     `yaml:"min_width"`
	MaxWidth         int     `yaml:"max_width"`
	GenerateCount    int     `yaml:"generate_count"`
	GenerateStrategy string  `yaml:"generate_strategy"`
	QualityThreshold float64 `yaml:"quality_threshold"`
	QualityFloor     float64 `yaml:"quality_floor"`
	VarianceBand     float64 `yaml:"variance_band"`
	MaxDepth         int     `yaml:"max_depth"`
	KeepTopN         int     `yaml:"keep_top_n"`
}

// ConfigForKind returns the default thresholds for a session kind.
func ConfigForKind(kind store.SessionKind) Config {
	switch kind {
	case store.KindQuick:
		return Config{
			MinWidth:         2,
			MaxWidth:         3,
			GenerateCount:    2,
			GenerateStrategy: "breadth",
			QualityThreshold: 7.5,
			QualityFloor:     6.5,
			VarianceBand:     1.0,
			MaxDepth:         3,
			KeepTopN:         2,
		}
	default: // deep, custom
		return Config{
			MinWidth:         3,
			MaxWidth:         5,
			GenerateCount:    3,
			GenerateStrategy: "breadth",
			QualityThreshold: 8.0,
			QualityFloor:     7.0,
			VarianceBand:     1.5,
			MaxDepth:         5,
			KeepTopN:         3,
		}
	}
}

// Decide maps an active-node snapshot and budget state to the single next
// instruction. When several instructions are eligible at once the order is
// synthesize > score > aggregate > execute > generate; termination and cost
// control dominate exploration. With no other eligible instruction the
// machine generates.
func Decide(nodes []store.Node, b budget.State, cfg Config) Instruction {
	snap := summarize(nodes)

	if inst, ok := synthesizeEligible(snap, b, cfg); ok {
		return inst
	}
	if inst, ok := scoreEligible(snap, b, cfg); ok {
		return inst
	}
	if inst, ok := aggregateEligible(snap, cfg); ok {
		return inst
	}
	if len(snap.unexecuted) > 0 {
		return Instruction{Kind: Execute, NodeIDs: snap.unexecuted, Reason: "active nodes pending execution"}
	}

	count := cfg.GenerateCount
	reason := "expanding exploration"
	if snap.leafCount < cfg.MinWidth {
		if deficit := cfg.MinWidth - snap.leafCount; deficit > count {
			count = deficit
		}
		reason = "active width below minimum"
	}
	return Instruction{
		Kind:     Generate,
		Count:    count,
		Strategy: cfg.GenerateStrategy,
		Reason:   reason,
	}
}

// snapshot is the digest Decide works from.
type snapshot struct {
	leafCount       int
	scoredLeafCount int
	deepest         int
	unexecuted      []string // executed=false, creation order
	unscored        []string // executed=true, scored=false
	scored          []store.Node
	bestScore       float64
	hasBest         bool
}

func summarize(nodes []store.Node) snapshot {
	hasActiveChild := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.ParentID != nil {
			hasActiveChild[*n.ParentID] = true
		}
	}

	var snap snapshot
	for _, n := range nodes {
		if !hasActiveChild[n.ID] {
			snap.leafCount++
			if n.Scored {
				snap.scoredLeafCount++
			}
		}
		if n.Depth > snap.deepest {
			snap.deepest = n.Depth
		}
		switch {
		case !n.Executed:
			snap.unexecuted = append(snap.unexecuted, n.ID)
		case !n.Scored:
			snap.unscored = append(snap.unscored, n.ID)
		default:
			snap.scored = append(snap.scored, n)
			if !snap.hasBest || n.QualityScore > snap.bestScore {
				snap.bestScore = n.QualityScore
				snap.hasBest = true
			}
		}
	}
	return snap
}

func synthesizeEligible(snap snapshot, b budget.State, cfg Config) (Instruction, bool) {
	switch {
	case snap.hasBest && snap.bestScore >= cfg.QualityThreshold:
		return Instruction{Kind: Synthesize, Reason: "quality threshold met"}, true
	case b.HardExceeded:
		return Instruction{Kind: Synthesize, Reason: "token budget exhausted"}, true
	case cfg.MaxDepth > 0 && snap.deepest >= cfg.MaxDepth:
		return Instruction{Kind: Synthesize, Reason: "maximum depth reached"}, true
	}
	return Instruction{}, false
}

func scoreEligible(snap snapshot, b budget.State, cfg Config) (Instruction, bool) {
	keep := keepUnderPressure(cfg.KeepTopN, b)
	inst := Instruction{Kind: Score, Threshold: cfg.QualityFloor, KeepTopN: keep}

	if len(snap.unscored) > 0 {
		inst.Reason = "scoring executed nodes"
		return inst, true
	}
	// With everything scored, a score instruction is pure pruning; only
	// emit one when the frontier has scored leaves to retire, or the
	// machine would spin on a no-op.
	if cfg.MaxWidth > 0 && snap.scoredLeafCount > cfg.MaxWidth {
		inst.Reason = "active width over maximum"
		return inst, true
	}
	if b.SoftExceeded && snap.scoredLeafCount > keep {
		inst.Reason = "budget pressure, tightening frontier"
		return inst, true
	}
	return Instruction{}, false
}

// keepUnderPressure tightens keep_top_n linearly between the soft and hard
// fractions, never below 1.
func keepUnderPressure(keep int, b budget.State) int {
	if keep < 1 {
		keep = 1
	}
	if !b.SoftExceeded {
		return keep
	}

	soft, hard := b.SoftFraction, b.HardFraction
	if soft <= 0 {
		soft = 0.8
	}
	if hard <= soft {
		hard = soft + 0.2
	}
	pressure := (b.Utilization - soft) / (hard - soft)
	if pressure < 0 {
		pressure = 0
	}
	if pressure > 1 {
		pressure = 1
	}
	tightened := keep - int(pressure*float64(keep-1)+0.5)
	if tightened < 1 {
		tightened = 1
	}
	return tightened
}

func aggregateEligible(snap snapshot, cfg Config) (Instruction, bool) {
	// Candidates: scored nodes above the floor, within the variance band of
	// the best candidate.
	var above []store.Node
	for _, n := range snap.scored {
		if n.QualityScore >= cfg.QualityFloor {
			above = append(above, n)
		}
	}
	if len(above) < 2 {
		return Instruction{}, false
	}
	sort.Slice(above, func(i, j int) bool { return above[i].QualityScore > above[j].QualityScore })

	best := above[0].QualityScore
	ids := []string{above[0].ID}
	for _, n := range above[1:] {
		if best-n.QualityScore <= cfg.VarianceBand {
			ids = append(ids, n.ID)
		}
	}
	if len(ids) < 2 {
		return Instruction{}, false
	}
	return Instruction{
		Kind:     Aggregate,
		NodeIDs:  ids,
		Strategy: "merge",
		Reason:   "converging high-quality branches",
	}, true
}
