package graph

import (
	"context"
	"time"

	"github.com/vdsquery/agent/internal/llm"
	"github.com/vdsquery/agent/internal/tableau"
)

// VDSClient is the subset of the BI-Client Facade the Executor Node needs.
// Kept narrow and interface-typed (rather than *tableau.Client) so the
// Executor Node can be unit-tested against a stub.
type VDSClient interface {
	ExecuteVDS(ctx context.Context, query *tableau.VDSQuery) (*tableau.QueryResult, error)
}

// RunContext carries the non-serializable resources a graph run needs —
// the BI client, the LLM facade, the caller's identity, and the run's
// deadline — outside of State, per §9: "Non-serializable resources MUST
// live outside state, passed via a per-run context; otherwise checkpointing
// or log-shipping state will fail." Node functions that need one of these
// resolve it from the context with RunContextFrom, never from State.
type RunContext struct {
	UserID    string
	RequestID string
	BIClient  VDSClient
	LLM       llm.Client
	Deadline  time.Time
}

type runContextKey struct{}

// WithRunContext attaches rc to ctx for downstream node Run calls to recover
// with RunContextFrom.
func WithRunContext(ctx context.Context, rc *RunContext) context.Context {
	return context.WithValue(ctx, runContextKey{}, rc)
}

// RunContextFrom recovers the RunContext attached by WithRunContext, or nil
// if none was attached (e.g. in a node unit test that doesn't need one).
func RunContextFrom(ctx context.Context) *RunContext {
	rc, _ := ctx.Value(runContextKey{}).(*RunContext)
	return rc
}
