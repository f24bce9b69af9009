package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"weave/loom/internal/batch"
	"weave/loom/internal/budget"
	"weave/loom/internal/machine"
	"weave/loom/internal/observe"
	"weave/loom/internal/resilience"
	"weave/loom/internal/store"
)

// Config tunes one runner.
type Config struct {
	MaxSteps     int                     // loop ceiling; 0 means DefaultMaxSteps
	BatchWidth   int                     // concurrency window for execute batches
	StopOnError  bool                    // halt dispatch of further windows on first failure
	SummaryRatio float64                 // compression ratio for persisted node summaries
	Timeout      time.Duration           // per-unit deadline
	Retry        resilience.RetryConfig  // per-unit backoff schedule
}

// DefaultMaxSteps bounds a runaway loop independently of the budget.
const DefaultMaxSteps = 50

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSteps:     DefaultMaxSteps,
		BatchWidth:   5,
		SummaryRatio: 0.3,
		Timeout:      2 * time.Minute,
		Retry:        resilience.DefaultRetryConfig(),
	}
}

// Runner applies planner instructions to a session until it synthesizes,
// fails, or hits the step ceiling.
type Runner struct {
	store   *store.Store
	guard   *budget.Guard
	planner *machine.Planner
	exec    Executor
	scorer  Scorer
	obs     *observe.Observer
	cfg     Config
}

// New wires a runner. A nil executor gets the deterministic stub; a nil
// scorer gets the heuristic default.
func New(s *store.Store, g *budget.Guard, p *machine.Planner, exec Executor, scorer Scorer, obs *observe.Observer, cfg Config) *Runner {
	if exec == nil {
		exec = StubExecutor{}
	}
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.SummaryRatio <= 0 || cfg.SummaryRatio > 1 {
		cfg.SummaryRatio = 0.3
	}
	return &Runner{store: s, guard: g, planner: p, exec: exec, scorer: scorer, obs: obs, cfg: cfg}
}

// Run drives the session loop to completion. Unrecoverable errors move the
// session to failed with the error recorded; the committed graph and
// operation history stay queryable for post-mortem.
func (r *Runner) Run(ctx context.Context, sessionID string) error {
	ctx, span := r.obs.StartSpan(ctx, "runner.run")
	defer span.End()

	log := r.obs.Session(sessionID)
	for step := 0; step < r.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := r.Step(ctx, sessionID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.Error().Err(err).Int("step", step).Msg("session step failed")
			if failErr := r.store.FailSession(sessionID, err); failErr != nil {
				return fmt.Errorf("recording failure: %v (original: %w)", failErr, err)
			}
			return err
		}
		if done {
			log.Info().Int("steps", step+1).Msg("session completed")
			return nil
		}
	}
	return fmt.Errorf("session %s: step limit %d reached before synthesis", sessionID, r.cfg.MaxSteps)
}

// Step performs one plan-and-apply cycle. It reports done=true once the
// synthesis instruction has been applied and the session completed.
func (r *Runner) Step(ctx context.Context, sessionID string) (bool, error) {
	inst, err := r.planner.NextAction(ctx, sessionID)
	if err != nil {
		return false, err
	}

	sess, err := r.store.GetSession(sessionID)
	if err != nil {
		return false, err
	}

	switch inst.Kind {
	case machine.Generate:
		return false, r.applyGenerate(ctx, sess, inst)
	case machine.Execute:
		return false, r.applyExecute(ctx, sess, inst)
	case machine.Score:
		return false, r.applyScore(sess, inst)
	case machine.Aggregate:
		return false, r.applyAggregate(ctx, sess, inst)
	case machine.Synthesize:
		if err := r.applySynthesize(ctx, sess, inst); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown instruction kind %q", inst.Kind)
	}
}

// applyGenerate expands the graph under the best live node. An empty graph
// first gets a root carrying the session topic.
func (r *Runner) applyGenerate(ctx context.Context, sess *store.Session, inst *machine.Instruction) error {
	nodes, err := r.store.ActiveNodes(sess.ID)
	if err != nil {
		return err
	}

	var parent *store.Node
	if len(nodes) == 0 {
		// Seed the graph with a root carrying the topic, then expand
		// under it.
		_, created, err := r.store.ApplyOperation(sess.ID, store.OperationInput{
			Type:   store.OpGenerate,
			Result: map[string]any{"seeded": true},
			NewNodes: []store.NodeInput{{
				Type:         store.NodeRoot,
				Content:      sess.Topic,
				SummaryRatio: r.cfg.SummaryRatio,
			}},
		})
		if err != nil {
			return err
		}
		parent = &created[0]
	} else {
		parent = bestNode(nodes)
	}

	outs, err := runUnit(r.cfg, ctx, func(ctx context.Context) ([]Output, error) {
		return r.exec.Generate(ctx, sess.Topic, parent, inst.Count, inst.Strategy)
	})
	if err != nil {
		return fmt.Errorf("generating paths: %w", err)
	}

	var tokens int64
	newNodes := make([]store.NodeInput, 0, len(outs))
	for _, out := range outs {
		tokens += out.Tokens
		newNodes = append(newNodes, store.NodeInput{
			ParentID:     &parent.ID,
			Type:         store.NodeLeaf,
			Content:      out.Content,
			SummaryRatio: r.cfg.SummaryRatio,
		})
	}

	op, created, err := r.store.ApplyOperation(sess.ID, store.OperationInput{
		Type:     store.OpGenerate,
		Params:   inst,
		Result:   map[string]any{"created": len(newNodes), "tokens": tokens},
		NewNodes: newNodes,
	})
	if err != nil {
		return err
	}
	if err := r.guard.AddUsage(sess.ID, tokens); err != nil {
		return err
	}
	return r.store.LogActivity(sess.ID, "generate", fmt.Sprintf("created %d nodes", len(created)), "", op.ID)
}

// applyExecute fans the instruction's nodes out through the batch engine,
// one worker record per node. Findings and executed flags for all surviving
// items commit in a single operation.
func (r *Runner) applyExecute(ctx context.Context, sess *store.Session, inst *machine.Instruction) error {
	items := make([]batch.Item, 0, len(inst.NodeIDs))
	workers := make(map[string]string, len(inst.NodeIDs)) // node id -> worker id
	for _, nodeID := range inst.NodeIDs {
		node, err := r.store.GetNode(nodeID)
		if err != nil {
			return err
		}
		w, err := r.store.CreateWorker(sess.ID, "researcher", store.CreateWorkerOpts{
			Focus: clip(node.Content, 120),
		})
		if err != nil {
			return err
		}
		if err := r.store.UpdateWorker(w.ID, store.WorkerUpdate{Status: store.WorkerRunning}); err != nil {
			return err
		}
		workers[nodeID] = w.ID
		items = append(items, batch.Item{ID: nodeID, Input: *node})
	}

	results, summary := batch.Run(ctx, items, func(ctx context.Context, item batch.Item) (any, error) {
		node := item.Input.(store.Node)
		return runUnit(r.cfg, ctx, func(ctx context.Context) (Output, error) {
			return r.exec.Execute(ctx, node)
		})
	}, batch.Options{MaxConcurrency: r.cfg.BatchWidth, StopOnError: r.cfg.StopOnError})

	var contentChanges []store.ContentChange
	var executed []string
	var tokens int64
	dispatched := make(map[string]bool, len(results))
	for _, res := range results {
		dispatched[res.ID] = true
		workerID := workers[res.ID]
		if !res.Success {
			if err := r.store.UpdateWorker(workerID, store.WorkerUpdate{
				Status:       workerStatusFor(res.Error),
				ErrorMessage: res.Error,
			}); err != nil {
				return err
			}
			continue
		}
		out := res.Value.(Output)
		if err := r.store.UpdateWorker(workerID, store.WorkerUpdate{
			Status:     store.WorkerCompleted,
			TokenUsage: out.Tokens,
			OutputRef:  res.ID,
		}); err != nil {
			return err
		}
		contentChanges = append(contentChanges, store.ContentChange{NodeID: res.ID, Content: out.Content})
		executed = append(executed, res.ID)
		tokens += out.Tokens
	}

	// A halted batch (stop-on-error, cancellation) never dispatches the
	// remaining items; their workers must not stay running in the audit
	// trail.
	for _, nodeID := range inst.NodeIDs {
		if dispatched[nodeID] {
			continue
		}
		if err := r.store.UpdateWorker(workers[nodeID], store.WorkerUpdate{
			Status:       store.WorkerFailed,
			ErrorMessage: "not dispatched: batch halted",
		}); err != nil {
			return err
		}
	}

	if summary.Failed > 0 && summary.Succeeded == 0 {
		return fmt.Errorf("executing nodes: no items succeeded, %d of %d failed", summary.Failed, summary.Total)
	}

	_, _, err := r.store.ApplyOperation(sess.ID, store.OperationInput{
		Type:           store.OpExecute,
		InputNodes:     executed,
		Params:         inst,
		Result:         summary,
		ContentChanges: contentChanges,
		MarkExecuted:   executed,
	})
	if err != nil {
		return err
	}
	if err := r.guard.AddUsage(sess.ID, tokens); err != nil {
		return err
	}
	return r.store.LogActivity(sess.ID, "execute",
		fmt.Sprintf("executed %d/%d nodes", summary.Succeeded, summary.Total), "", summary)
}

// applyScore scores executed-but-unscored nodes, then prunes live leaves
// beyond keep_top_n or below the threshold. Scoring is pure, so no tokens
// are charged.
func (r *Runner) applyScore(sess *store.Session, inst *machine.Instruction) error {
	nodes, err := r.store.ActiveNodes(sess.ID)
	if err != nil {
		return err
	}

	var changes []store.ScoreChange
	for _, n := range nodes {
		if n.Executed && !n.Scored {
			changes = append(changes, store.ScoreChange{NodeID: n.ID, Score: r.scorer.Score(n.Content)})
		}
	}
	if len(changes) > 0 {
		if _, _, err := r.store.ApplyOperation(sess.ID, store.OperationInput{
			Type:         store.OpScore,
			Params:       inst,
			Result:       map[string]any{"scored": len(changes)},
			ScoreChanges: changes,
		}); err != nil {
			return err
		}
		nodes, err = r.store.ActiveNodes(sess.ID)
		if err != nil {
			return err
		}
	}

	prune := pruneCandidates(nodes, inst.KeepTopN, inst.Threshold)
	if len(prune) == 0 {
		return nil
	}
	statusChanges := make([]store.StatusChange, 0, len(prune))
	for _, id := range prune {
		statusChanges = append(statusChanges, store.StatusChange{NodeID: id, Status: store.NodePruned})
	}
	if _, _, err := r.store.ApplyOperation(sess.ID, store.OperationInput{
		Type:          store.OpPrune,
		InputNodes:    prune,
		Params:        inst,
		Result:        map[string]any{"pruned": len(prune)},
		StatusChanges: statusChanges,
	}); err != nil {
		return err
	}
	return r.store.LogActivity(sess.ID, "score",
		fmt.Sprintf("scored %d nodes, pruned %d", len(changes), len(prune)), "", nil)
}

// applyAggregate merges the instruction's nodes into one new branch and
// retires the inputs. The merged node starts unexecuted so the next cycle
// deepens it like any other path.
func (r *Runner) applyAggregate(ctx context.Context, sess *store.Session, inst *machine.Instruction) error {
	inputs := make([]store.Node, 0, len(inst.NodeIDs))
	for _, id := range inst.NodeIDs {
		n, err := r.store.GetNode(id)
		if err != nil {
			return err
		}
		inputs = append(inputs, *n)
	}

	out, err := runUnit(r.cfg, ctx, func(ctx context.Context) (Output, error) {
		return r.exec.Aggregate(ctx, inputs, inst.Strategy)
	})
	if err != nil {
		return fmt.Errorf("aggregating nodes: %w", err)
	}

	statusChanges := make([]store.StatusChange, 0, len(inst.NodeIDs))
	for _, id := range inst.NodeIDs {
		statusChanges = append(statusChanges, store.StatusChange{NodeID: id, Status: store.NodeAggregated})
	}
	_, created, err := r.store.ApplyOperation(sess.ID, store.OperationInput{
		Type:       store.OpAggregate,
		InputNodes: inst.NodeIDs,
		Params:     inst,
		Result:     map[string]any{"tokens": out.Tokens},
		NewNodes: []store.NodeInput{{
			Type:         store.NodeBranch,
			Content:      out.Content,
			SummaryRatio: r.cfg.SummaryRatio,
		}},
		StatusChanges: statusChanges,
	})
	if err != nil {
		return err
	}
	if err := r.guard.AddUsage(sess.ID, out.Tokens); err != nil {
		return err
	}
	return r.store.LogActivity(sess.ID, "aggregate",
		fmt.Sprintf("merged %d nodes into %s", len(inputs), created[0].ID), "", nil)
}

// applySynthesize produces the final report from the best live nodes and
// completes the session.
func (r *Runner) applySynthesize(ctx context.Context, sess *store.Session, inst *machine.Instruction) error {
	top, err := r.store.TopNodesByQuality(sess.ID, 3)
	if err != nil {
		return err
	}

	out, err := runUnit(r.cfg, ctx, func(ctx context.Context) (Output, error) {
		return r.exec.Synthesize(ctx, sess.Topic, top)
	})
	if err != nil {
		return fmt.Errorf("synthesizing: %w", err)
	}

	inputIDs := make([]string, 0, len(top))
	for _, n := range top {
		inputIDs = append(inputIDs, n.ID)
	}
	_, _, err = r.store.ApplyOperation(sess.ID, store.OperationInput{
		Type:       store.OpSynthesize,
		InputNodes: inputIDs,
		Params:     inst,
		Result:     map[string]any{"tokens": out.Tokens, "length": len(out.Content)},
		NewNodes: []store.NodeInput{{
			Type:         store.NodeLeaf,
			Content:      out.Content,
			SummaryRatio: r.cfg.SummaryRatio,
		}},
	})
	if err != nil {
		return err
	}
	if err := r.guard.AddUsage(sess.ID, out.Tokens); err != nil {
		return err
	}

	if err := r.store.UpdateSessionStatus(sess.ID, store.SessionValidating); err != nil {
		return err
	}
	if out.Content == "" {
		return fmt.Errorf("synthesis produced empty report")
	}
	if err := r.store.UpdateSessionStatus(sess.ID, store.SessionCompleted); err != nil {
		return err
	}
	return r.store.LogActivity(sess.ID, "synthesize", "session completed", "", nil)
}

// runUnit applies the retry and timeout decorators around one unit of work.
// Precondition violations are never retried.
func runUnit[T any](cfg Config, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	retry := cfg.Retry
	if retry.RetryIf == nil {
		retry.RetryIf = func(err error) bool { return !store.IsPrecondition(err) }
	}
	return resilience.Retry(ctx, retry, func(ctx context.Context) (T, error) {
		return resilience.WithTimeout(ctx, cfg.Timeout, fn)
	})
}

// workerStatusFor distinguishes deadline losses so timeouts are counted
// separately in diagnostics. Batch results carry error text, not values, so
// this matches on the resilience layer's timeout message.
func workerStatusFor(errText string) store.WorkerStatus {
	if strings.Contains(errText, resilience.ErrTimeout.Error()) {
		return store.WorkerTimeout
	}
	return store.WorkerFailed
}

// bestNode prefers the highest-scored node, falling back to the deepest.
func bestNode(nodes []store.Node) *store.Node {
	best := &nodes[0]
	for i := range nodes[1:] {
		n := &nodes[i+1]
		switch {
		case n.Scored && (!best.Scored || n.QualityScore > best.QualityScore):
			best = n
		case !best.Scored && n.Depth > best.Depth:
			best = n
		}
	}
	return best
}

// pruneCandidates picks live leaves to retire: scored leaves below the
// threshold, plus scored leaves beyond the top keep. Nodes with live
// children never prune.
func pruneCandidates(nodes []store.Node, keep int, threshold float64) []string {
	if keep < 1 {
		keep = 1
	}
	hasActiveChild := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.ParentID != nil {
			hasActiveChild[*n.ParentID] = true
		}
	}

	var leaves []store.Node
	for _, n := range nodes {
		if !hasActiveChild[n.ID] && n.Scored {
			leaves = append(leaves, n)
		}
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].QualityScore > leaves[j].QualityScore })

	var prune []string
	for i, n := range leaves {
		if i >= keep || n.QualityScore < threshold {
			// Never retire the sole survivor.
			if len(leaves)-len(prune) <= 1 {
				break
			}
			prune = append(prune, n.ID)
		}
	}
	return prune
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
