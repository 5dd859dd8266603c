package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vdsquery/agent/internal/graph"
)

// ErrorHandler is the Runtime's terminal node, reached when either retry
// budget (MaxBuild or MaxExec) is exhausted without a valid, executed query.
// It composes a human-readable message from attempt counts, the last
// recorded errors, and any accumulated validation suggestions (§4.10).
type ErrorHandler struct {
	MaxBuild int
	MaxExec  int
}

// Run implements flow.Node[*graph.State, *graph.State].
func (h *ErrorHandler) Run(_ context.Context, state *graph.State) (*graph.State, error) {
	next := state.Clone()

	var b strings.Builder
	b.WriteString("I wasn't able to complete this query. ")

	switch {
	case len(next.ExecutionErrors) > 0:
		fmt.Fprintf(&b, "Execution failed after %d attempt(s): %s.", next.ExecutionAttempt, strings.Join(next.ExecutionErrors, "; "))
	case len(next.ValidationErrors) > 0:
		fmt.Fprintf(&b, "The query couldn't be validated after %d build attempt(s): %s.", next.BuildAttempt, strings.Join(next.ValidationErrors, "; "))
	case next.Error != "":
		fmt.Fprintf(&b, "%s.", next.Error)
	default:
		b.WriteString("The retry budget was exhausted without a usable query.")
	}

	if len(next.ValidationSuggestions) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(next.ValidationSuggestions, " "))
	}

	next.FinalAnswer = b.String()
	next.AppendStep(graph.ReasoningStep{
		Node: "error_handler", Timestamp: time.Now(),
		Thought: fmt.Sprintf("exhausted retry budget (build=%d/%d, exec=%d/%d)", next.BuildAttempt, h.MaxBuild, next.ExecutionAttempt, h.MaxExec),
		Action:  "error_handler", Error: next.Error,
	})
	return next, nil
}
