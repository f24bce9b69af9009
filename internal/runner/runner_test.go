package runner

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"weave/loom/internal/budget"
	"weave/loom/internal/machine"
	"weave/loom/internal/observe"
	"weave/loom/internal/resilience"
	"weave/loom/internal/store"
)

func newTestRunner(t *testing.T, exec Executor) (*Runner, *store.Store, *store.Session) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sess, err := s.CreateSession("runner topic", store.CreateSessionOpts{
		Kind:       store.KindQuick,
		TokenLimit: 100_000,
	})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}

	obs := observe.New(io.Discard, false)
	g := budget.New(s, budget.Config{DefaultLimit: 100_000, SoftFraction: 0.8, HardFraction: 1.0})
	p := machine.NewPlanner(s, g, obs)
	cfg := DefaultConfig()
	cfg.Retry = resilience.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2.0}
	cfg.Timeout = 5 * time.Second
	r := New(s, g, p, exec, nil, obs, cfg)
	return r, s, sess
}

func TestRun_CompletesWithStubExecutor(t *testing.T) {
	r, s, sess := newTestRunner(t, nil)

	if err := r.Run(context.Background(), sess.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.SessionCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.TokenUsage == 0 {
		t.Error("no token usage recorded")
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}

	ops, err := s.Operations(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) < 3 {
		t.Errorf("only %d operations logged", len(ops))
	}
	last := ops[len(ops)-1]
	if last.Type != store.OpSynthesize {
		t.Errorf("final operation = %s, want synthesize", last.Type)
	}

	nodes, err := s.SessionNodes(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) == 0 {
		t.Fatal("no nodes created")
	}
	byID := make(map[string]store.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	for _, n := range nodes {
		if n.ParentID == nil {
			if n.Depth != 0 {
				t.Errorf("parentless node %s depth = %d, want 0", n.ID, n.Depth)
			}
			continue
		}
		parent, ok := byID[*n.ParentID]
		if !ok {
			t.Errorf("node %s has unknown parent", n.ID)
			continue
		}
		if n.Depth != parent.Depth+1 {
			t.Errorf("node %s depth = %d, parent depth = %d", n.ID, n.Depth, parent.Depth)
		}
	}
}

func TestRun_RecordsWorkers(t *testing.T) {
	r, s, sess := newTestRunner(t, nil)

	if err := r.Run(context.Background(), sess.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	workers, err := s.SessionWorkers(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) == 0 {
		t.Fatal("no workers recorded")
	}
	for _, w := range workers {
		if w.Status != store.WorkerCompleted {
			t.Errorf("worker %s status = %s", w.ID, w.Status)
		}
		if w.TokenUsage == 0 {
			t.Errorf("worker %s has no token usage", w.ID)
		}
	}
}

// brokenExecutor fails every execute call.
type brokenExecutor struct {
	StubExecutor
}

func (brokenExecutor) Execute(context.Context, store.Node) (Output, error) {
	return Output{}, errors.New("tool unreachable")
}

func TestRun_FailureKeepsHistory(t *testing.T) {
	r, s, sess := newTestRunner(t, brokenExecutor{})

	err := r.Run(context.Background(), sess.ID)
	if err == nil {
		t.Fatal("expected run to fail")
	}

	got, getErr := s.GetSession(sess.ID)
	if getErr != nil {
		t.Fatal(getErr)
	}
	if got.Status != store.SessionFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if len(got.ErrorLog) == 0 {
		t.Error("no error recorded in session error log")
	}

	// Committed history survives for post-mortem.
	ops, opErr := s.Operations(sess.ID)
	if opErr != nil {
		t.Fatal(opErr)
	}
	if len(ops) == 0 {
		t.Error("operation history lost on failure")
	}
	nodes, nodeErr := s.SessionNodes(sess.ID)
	if nodeErr != nil {
		t.Fatal(nodeErr)
	}
	if len(nodes) == 0 {
		t.Error("graph lost on failure")
	}
	workers, wErr := s.SessionWorkers(sess.ID)
	if wErr != nil {
		t.Fatal(wErr)
	}
	failed := 0
	for _, w := range workers {
		if w.Status == store.WorkerFailed {
			failed++
		}
	}
	if failed == 0 {
		t.Error("no failed workers recorded")
	}
}

func TestRun_HaltedBatchLeavesNoRunningWorkers(t *testing.T) {
	r, s, sess := newTestRunner(t, brokenExecutor{})
	r.cfg.StopOnError = true
	r.cfg.BatchWidth = 1

	if err := r.Run(context.Background(), sess.ID); err == nil {
		t.Fatal("expected run to fail")
	}

	workers, err := s.SessionWorkers(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) < 2 {
		t.Fatalf("workers = %d, want at least 2", len(workers))
	}
	for _, w := range workers {
		if w.Status == store.WorkerRunning || w.Status == store.WorkerDeploying {
			t.Errorf("worker %s left at %s after halted batch", w.ID, w.Status)
		}
	}
}

// slowExecutor blocks until its context is cancelled.
type slowExecutor struct {
	StubExecutor
}

func (slowExecutor) Execute(ctx context.Context, _ store.Node) (Output, error) {
	<-ctx.Done()
	return Output{}, ctx.Err()
}

func TestRun_TimeoutMarksWorkers(t *testing.T) {
	r, s, sess := newTestRunner(t, slowExecutor{})
	r.cfg.Timeout = 10 * time.Millisecond

	if err := r.Run(context.Background(), sess.ID); err == nil {
		t.Fatal("expected run to fail")
	}

	workers, err := s.SessionWorkers(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	timedOut := 0
	for _, w := range workers {
		if w.Status == store.WorkerTimeout {
			timedOut++
		}
	}
	if timedOut == 0 {
		t.Error("no workers marked as timed out")
	}
}

func TestHeuristicScorer_Deterministic(t *testing.T) {
	sc := HeuristicScorer{}
	content := "findings with evidence [1] and more [2]"
	first := sc.Score(content)
	if first != sc.Score(content) {
		t.Error("scores differ across calls")
	}
	if first < 0 || first > 10 {
		t.Errorf("score = %v outside [0,10]", first)
	}
	plain := sc.Score("short")
	if plain >= first {
		t.Errorf("plain %v >= cited %v", plain, first)
	}
}

func TestStubExecutor_Deterministic(t *testing.T) {
	e := StubExecutor{}
	node := store.Node{ID: "n", Content: "angle"}
	a, err := e.Execute(context.Background(), node)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Execute(context.Background(), node)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("outputs differ: %+v vs %+v", a, b)
	}
	if a.Tokens <= 0 {
		t.Errorf("tokens = %d", a.Tokens)
	}
}
