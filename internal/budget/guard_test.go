package budget

import (
	"path/filepath"
	"testing"

	"weave/loom/internal/store"
)

func newTestGuard(t *testing.T, limit int64) (*Guard, *store.Store, *store.Session) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sess, err := s.CreateSession("budget topic", store.CreateSessionOpts{TokenLimit: limit})
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	g := New(s, Config{DefaultLimit: 1000, SoftFraction: 0.8, HardFraction: 1.0})
	return g, s, sess
}

func usageAt(t *testing.T, g *Guard, s *store.Store, sess *store.Session, tokens int64) *store.Session {
	t.Helper()
	if err := g.AddUsage(sess.ID, tokens); err != nil {
		t.Fatalf("adding usage: %v", err)
	}
	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestDecide_BelowSoftLimit(t *testing.T) {
	g, s, sess := newTestGuard(t, 1000)
	sess = usageAt(t, g, s, sess, 500)

	d := g.Decide(sess, "generate")
	if !d.Allowed || d.Warning {
		t.Errorf("decision = %+v, want allowed without warning", d)
	}
}

func TestDecide_BetweenSoftAndHard(t *testing.T) {
	g, s, sess := newTestGuard(t, 1000)
	sess = usageAt(t, g, s, sess, 850)

	for _, op := range []string{"generate", "status_query"} {
		d := g.Decide(sess, op)
		if !d.Allowed {
			t.Errorf("%s: allowed = false, want true", op)
		}
		if !d.Warning {
			t.Errorf("%s: warning = false, want true", op)
		}
	}
}

func TestDecide_AtHardLimit(t *testing.T) {
	g, s, sess := newTestGuard(t, 1000)
	sess = usageAt(t, g, s, sess, 1000)

	if d := g.Decide(sess, "execute"); d.Allowed {
		t.Errorf("expensive op allowed at hard limit: %+v", d)
	}
	if d := g.Decide(sess, "status_query"); !d.Allowed {
		t.Errorf("lightweight op denied at hard limit: %+v", d)
	}
	// Synthesis must stay available so the session can terminate.
	if d := g.Decide(sess, "synthesize"); !d.Allowed {
		t.Errorf("synthesize denied at hard limit: %+v", d)
	}
}

func TestCheck_LoadsSession(t *testing.T) {
	g, _, sess := newTestGuard(t, 1000)
	d, err := g.Check(sess.ID, "generate")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Errorf("decision = %+v, want allowed", d)
	}
	if _, err := g.Check("no-such-session", "generate"); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestLimit_SessionOverride(t *testing.T) {
	g, _, sess := newTestGuard(t, 5000)
	if got := g.Limit(sess); got != 5000 {
		t.Errorf("limit = %d, want session override 5000", got)
	}
	sess.TokenLimit = 0
	if got := g.Limit(sess); got != 1000 {
		t.Errorf("limit = %d, want default 1000", got)
	}
}

func TestDefaultConfig_EnvOverride(t *testing.T) {
	t.Setenv(EnvTokenBudget, "42000")
	cfg := DefaultConfig()
	if cfg.DefaultLimit != 42000 {
		t.Errorf("default limit = %d, want 42000", cfg.DefaultLimit)
	}

	t.Setenv(EnvTokenBudget, "not-a-number")
	cfg = DefaultConfig()
	if cfg.DefaultLimit != 200_000 {
		t.Errorf("default limit = %d, want 200000 for invalid override", cfg.DefaultLimit)
	}
}

func TestExpensive_Classification(t *testing.T) {
	for _, op := range []string{"generate", "execute", "aggregate", "bulk_fetch"} {
		if !Expensive(op) {
			t.Errorf("%s should be expensive", op)
		}
	}
	for _, op := range []string{"synthesize", "score", "status_query"} {
		if Expensive(op) {
			t.Errorf("%s should be lightweight", op)
		}
	}
}

func TestState_Flags(t *testing.T) {
	g, s, sess := newTestGuard(t, 1000)

	st := g.State(sess)
	if st.SoftExceeded || st.HardExceeded {
		t.Errorf("fresh session state = %+v", st)
	}
	if st.SoftFraction != 0.8 || st.HardFraction != 1.0 {
		t.Errorf("state fractions = %v/%v, want the guard's config", st.SoftFraction, st.HardFraction)
	}

	sess = usageAt(t, g, s, sess, 900)
	st = g.State(sess)
	if !st.SoftExceeded || st.HardExceeded {
		t.Errorf("state at 90%% = %+v", st)
	}

	sess = usageAt(t, g, s, sess, 100)
	st = g.State(sess)
	if !st.HardExceeded {
		t.Errorf("state at 100%% = %+v", st)
	}
}
