package flow

import (
	"context"
	"errors"

	"github.com/vdsquery/agent/pkg/sync"
)

// AsyncConfig contains the configuration for creating an Async node.
type AsyncConfig[I any, O any] struct {
	// Node is executed in the background.
	Node Node[I, O]
	// Pool submits the background execution. Defaults to sync.PoolOfNoPool() when nil.
	Pool sync.Pool
}

// validate ensures the AsyncConfig has a node and fills in a default pool when absent.
func (cfg *AsyncConfig[I, O]) validate() error {
	if cfg == nil {
		return errors.New("async config cannot be nil")
	}
	if cfg.Node == nil {
		return errors.New("async node cannot be nil")
	}
	if cfg.Pool == nil {
		cfg.Pool = sync.PoolOfNoPool()
	}
	return nil
}

// Async runs a node in the background via a pool and hands back a Future
// rather than blocking the caller until completion.
type Async[I any, O any] struct {
	node Node[I, O]
	pool sync.Pool
}

// NewAsync creates a new Async instance with the provided configuration.
func NewAsync[I any, O any](cfg *AsyncConfig[I, O]) (*Async[I, O], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Async[I, O]{
		node: cfg.Node,
		pool: cfg.Pool,
	}, nil
}

// RunType submits the node for background execution and returns a Future for
// its eventual result. It does not block for the node to finish.
func (a *Async[I, O]) RunType(ctx context.Context, input I) (sync.Future[O], error) {
	task := func(interrupt <-chan struct{}) (O, error) {
		return a.node.Run(ctx, input)
	}
	futureTask, err := sync.NewFutureTaskAndRunWithPool(task, a.pool)
	if err != nil {
		return nil, err
	}
	return futureTask, nil
}

// Run implements the Node interface for Async, returning the Future boxed as any.
func (a *Async[I, O]) Run(ctx context.Context, input I) (any, error) {
	return a.RunType(ctx, input)
}
