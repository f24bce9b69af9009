// Package runner drives a session loop: ask the planner for the next
// instruction, apply it through the batch engine and the store, charge the
// budget, and repeat until synthesis. The actual research work is behind the
// Executor interface; content stays opaque to the substrate.
package runner

import (
	"context"
	"fmt"
	"strings"

	"weave/loom/internal/store"
)

// Output is one completed piece of work: the produced content and the
// tokens it consumed. Tokens are charged to the session budget exactly once,
// after completion.
type Output struct {
	Content string
	Tokens  int64
}

// Executor performs the research work behind each instruction kind.
// Implementations must honor ctx cancellation; the runner wraps calls in
// retry and timeout decorators, so transient failures may be re-invoked.
type Executor interface {
	// Generate proposes count new research paths under a parent node.
	Generate(ctx context.Context, topic string, parent *store.Node, count int, strategy string) ([]Output, error)
	// Execute researches a single node and returns its findings.
	Execute(ctx context.Context, node store.Node) (Output, error)
	// Aggregate merges several nodes' findings into one.
	Aggregate(ctx context.Context, inputs []store.Node, strategy string) (Output, error)
	// Synthesize produces the session's final report from the best nodes.
	Synthesize(ctx context.Context, topic string, inputs []store.Node) (Output, error)
}

// StubExecutor is a deterministic executor for tests and dry runs. Its
// output depends only on its inputs, so replaying a session reproduces the
// same graph.
type StubExecutor struct{}

func (StubExecutor) Generate(_ context.Context, topic string, parent *store.Node, count int, strategy string) ([]Output, error) {
	base := topic
	if parent != nil {
		base = parent.Content
	}
	outs := make([]Output, 0, count)
	for i := 0; i < count; i++ {
		content := fmt.Sprintf("%s -- angle %d (%s)", base, i+1, strategy)
		outs = append(outs, Output{Content: content, Tokens: estimateTokens(content)})
	}
	return outs, nil
}

func (StubExecutor) Execute(_ context.Context, node store.Node) (Output, error) {
	content := fmt.Sprintf("findings for %q: placeholder evidence [1] and analysis [2]", node.Content)
	return Output{Content: content, Tokens: estimateTokens(content)}, nil
}

func (StubExecutor) Aggregate(_ context.Context, inputs []store.Node, strategy string) (Output, error) {
	parts := make([]string, 0, len(inputs))
	for _, n := range inputs {
		parts = append(parts, n.Content)
	}
	content := fmt.Sprintf("merged (%s): %s", strategy, strings.Join(parts, " | "))
	return Output{Content: content, Tokens: estimateTokens(content)}, nil
}

func (StubExecutor) Synthesize(_ context.Context, topic string, inputs []store.Node) (Output, error) {
	parts := make([]string, 0, len(inputs))
	for _, n := range inputs {
		parts = append(parts, n.Content)
	}
	content := fmt.Sprintf("report on %q\n\n%s", topic, strings.Join(parts, "\n\n"))
	return Output{Content: content, Tokens: estimateTokens(content)}, nil
}

// estimateTokens approximates usage at four characters per token.
func estimateTokens(content string) int64 {
	t := int64(len(content) / 4)
	if t < 1 {
		t = 1
	}
	return t
}
