package machine

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"weave/loom/internal/budget"
	"weave/loom/internal/observe"
	"weave/loom/internal/store"
)

func newTestPlanner(t *testing.T) (*Planner, *store.Store, *store.Session) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sess, err := s.CreateSession("planner topic", store.CreateSessionOpts{TokenLimit: 1000})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	g := budget.New(s, budget.Config{DefaultLimit: 1000, SoftFraction: 0.8, HardFraction: 1.0})
	p := NewPlanner(s, g, observe.New(io.Discard, false))
	return p, s, sess
}

func TestNextAction_LogsEveryDecision(t *testing.T) {
	p, s, sess := newTestPlanner(t)

	inst, err := p.NextAction(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("next action: %v", err)
	}
	if inst.Kind != Generate {
		t.Errorf("kind = %s, want generate on empty graph", inst.Kind)
	}

	ops, err := s.Operations(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 {
		t.Fatalf("got %d operations, want 1", len(ops))
	}
	if ops[0].Type != store.OpGenerate {
		t.Errorf("logged type = %s, want generate", ops[0].Type)
	}
}

func TestNextAction_AdvancesPhase(t *testing.T) {
	p, s, sess := newTestPlanner(t)

	if _, err := p.NextAction(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.SessionPlanning {
		t.Errorf("status = %s, want planning", got.Status)
	}
}

func TestNextAction_TracksPhasePointer(t *testing.T) {
	p, s, sess := newTestPlanner(t)

	if _, err := p.NextAction(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}

	phase, err := s.CurrentPhase(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if phase.Phase != store.SessionPlanning {
		t.Errorf("phase pointer = %s, want planning", phase.Phase)
	}
	if phase.Iteration != 1 {
		t.Errorf("iteration = %d, want 1", phase.Iteration)
	}

	// The transition is checkpointed against the decision that caused it.
	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Meta.Checkpoints) != 1 {
		t.Fatalf("checkpoints = %+v, want one for the phase transition", got.Meta.Checkpoints)
	}
	ops, err := s.Operations(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Checkpoints[0].OperationID != ops[0].ID {
		t.Errorf("checkpoint anchored to %s, want %s", got.Meta.Checkpoints[0].OperationID, ops[0].ID)
	}

	// A second decision in the same phase bumps the iteration only.
	if _, err := p.NextAction(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}
	phase, err = s.CurrentPhase(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if phase.Phase != store.SessionPlanning || phase.Iteration != 2 {
		t.Errorf("phase = %s iteration = %d, want planning/2", phase.Phase, phase.Iteration)
	}
	got, err = s.GetSession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Meta.Checkpoints) != 1 {
		t.Errorf("checkpoints = %d, want still 1 without a transition", len(got.Meta.Checkpoints))
	}
}

func TestNextAction_ReleasesLock(t *testing.T) {
	p, s, sess := newTestPlanner(t)

	if _, err := p.NextAction(context.Background(), sess.ID); err != nil {
		t.Fatal(err)
	}
	// A different holder can lock immediately afterwards.
	if err := s.AcquireLock(sess.ID, "someone-else"); err != nil {
		t.Fatalf("lock held after next action: %v", err)
	}
}

func TestNextAction_TerminalSessionRejected(t *testing.T) {
	p, s, sess := newTestPlanner(t)

	for _, status := range []store.SessionStatus{
		store.SessionPlanning, store.SessionExecuting, store.SessionSynthesizing,
		store.SessionValidating, store.SessionCompleted,
	} {
		if err := s.UpdateSessionStatus(sess.ID, status); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := p.NextAction(context.Background(), sess.ID); !store.IsPrecondition(err) {
		t.Fatalf("err = %v, want precondition violation", err)
	}
}

func TestNextAction_HardLimitForcesSynthesize(t *testing.T) {
	p, s, sess := newTestPlanner(t)

	if err := s.AddTokenUsage(sess.ID, 1000); err != nil {
		t.Fatal(err)
	}
	inst, err := p.NextAction(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Kind != Synthesize {
		t.Errorf("kind = %s, want synthesize over hard limit", inst.Kind)
	}
}
