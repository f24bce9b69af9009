package machine

import (
	"context"
	"fmt"
	"os"
	"time"

	"weave/loom/internal/budget"
	"weave/loom/internal/observe"
	"weave/loom/internal/store"
)

// Planner is the stateful face of the machine. NextAction loads the session
// under an advisory lock, runs the pure decision, records it in the
// operation log, and advances the session phase.
type Planner struct {
	store    *store.Store
	guard    *budget.Guard
	obs      *observe.Observer
	override *Config
	holder   string
}

// NewPlanner wires a planner over the store and budget guard.
func NewPlanner(s *store.Store, g *budget.Guard, obs *observe.Observer) *Planner {
	host, _ := os.Hostname()
	return &Planner{
		store:  s,
		guard:  g,
		obs:    obs,
		holder: fmt.Sprintf("planner-%s-%d", host, os.Getpid()),
	}
}

// SetConfig overrides the per-kind default thresholds, typically from a
// config file for custom sessions.
func (p *Planner) SetConfig(cfg Config) {
	p.override = &cfg
}

func (p *Planner) configFor(sess *store.Session) Config {
	if p.override != nil {
		return *p.override
	}
	return ConfigForKind(sess.Kind)
}

// NextAction returns the single next instruction for a session. Every call
// appends one entry to the session's operation log before returning, so the
// decision history replays exactly. Replaying against an unmodified graph
// snapshot yields the same instruction.
func (p *Planner) NextAction(ctx context.Context, sessionID string) (*Instruction, error) {
	_, span := p.obs.StartSpan(ctx, "planner.next_action")
	defer span.End()

	if err := p.store.AcquireLock(sessionID, p.holder); err != nil {
		return nil, err
	}
	defer p.store.ReleaseLock(sessionID, p.holder)

	sess, err := p.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == store.SessionCompleted || sess.Status == store.SessionFailed {
		return nil, &store.PreconditionError{
			Op:     "next_action",
			Detail: fmt.Sprintf("session %s is %s", sessionID, sess.Status),
		}
	}

	nodes, err := p.store.ActiveNodes(sessionID)
	if err != nil {
		return nil, err
	}

	cfg := p.configFor(sess)
	bstate := p.guard.State(sess)
	inst := Decide(nodes, bstate, cfg)

	// A denial is structured, not an error: fall back to synthesis, which
	// stays lightweight and lets the session terminate gracefully.
	if d := p.guard.Decide(sess, string(inst.Kind)); !d.Allowed {
		inst = Instruction{Kind: Synthesize, Reason: d.Reason}
	}

	if err := p.recordDecision(sessionID, sess, inst, bstate); err != nil {
		return nil, err
	}

	p.obs.Session(sessionID).Info().
		Str("instruction", string(inst.Kind)).
		Str("reason", inst.Reason).
		Int("active_nodes", len(nodes)).
		Msg("planned next action")
	return &inst, nil
}

// recordDecision appends the operation-log entry, bumps the metadata phase
// pointer's iteration, and advances the session phase. Phase moves are
// monotonic; a decision that maps to an earlier phase leaves the status
// alone. Each phase transition is checkpointed against the operation that
// triggered it.
func (p *Planner) recordDecision(sessionID string, sess *store.Session, inst Instruction, bstate budget.State) error {
	op, _, err := p.store.ApplyOperation(sessionID, store.OperationInput{
		Type:       opTypeFor(inst.Kind),
		InputNodes: inst.NodeIDs,
		Params:     inst,
		Result:     map[string]any{"budget": bstate},
	})
	if err != nil {
		return fmt.Errorf("logging decision: %w", err)
	}

	next := phaseFor(inst.Kind)
	advance := store.StatusRank(next) > store.StatusRank(sess.Status)

	meta := sess.Meta
	meta.Phase.Iteration++
	if advance {
		meta.Checkpoints = append(meta.Checkpoints, store.Checkpoint{
			Label:       "enter " + string(next),
			OperationID: op.ID,
			CreatedAt:   time.Now().UnixMilli(),
		})
	}
	if err := p.store.SetSessionMeta(sessionID, meta); err != nil {
		return err
	}
	if advance {
		// Also moves the metadata phase pointer to the new status.
		if err := p.store.UpdateSessionStatus(sessionID, next); err != nil {
			return err
		}
	}

	if err := p.store.LogActivity(sessionID, "next_action", string(inst.Kind)+": "+inst.Reason, "", inst); err != nil {
		return err
	}
	return nil
}

func opTypeFor(k Kind) store.OpType {
	switch k {
	case Generate:
		return store.OpGenerate
	case Execute:
		return store.OpExecute
	case Score:
		return store.OpScore
	case Aggregate:
		return store.OpAggregate
	default:
		return store.OpSynthesize
	}
}

func phaseFor(k Kind) store.SessionStatus {
	switch k {
	case Execute:
		return store.SessionExecuting
	case Synthesize:
		return store.SessionSynthesizing
	default:
		return store.SessionPlanning
	}
}
