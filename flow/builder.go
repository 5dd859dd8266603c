package flow

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/vdsquery/agent/pkg/sync"
)

// buildOnce provides atomic build-once semantics using lock-free operations.
// It ensures that a builder can only be built once, preventing configuration
// modification after the build phase.
type buildOnce struct {
	state atomic.Bool
}

// markBuilt atomically marks as built and returns true if this is the first call.
// Subsequent calls will return false, indicating the builder was already built.
func (b *buildOnce) markBuilt() bool {
	return b.state.CompareAndSwap(false, true)
}

// isBuilt checks if already built without modifying the state.
func (b *buildOnce) isBuilt() bool {
	return b.state.Load()
}

// parentOf returns the given parent builder, or a fresh one if none was given.
// Sub-builders accept an optional parent so they can either extend an existing
// chain (NewLoopBuilder(b)) or start a standalone one (NewLoopBuilder()).
func parentOf(parent []*Builder) *Builder {
	if len(parent) > 0 && parent[0] != nil {
		return parent[0]
	}
	return NewBuilder()
}

// ==================== Builder (Main) ====================

// Builder provides a fluent API for constructing complex workflows.
// It accumulates nodes in a sequential chain and validates the complete flow when built.
// Once Build() is called, the builder becomes immutable.
//
// Builder supports two styles of node configuration:
//  1. Direct node addition via Then(node)
//  2. Scoped sub-builders (Loop(), Branch(), Batch(), Async(), Parallel()) that
//     are configured with their own With* methods and appended back to the
//     parent chain by calling their Then() method.
//
// Example:
//
//	flow, err := NewBuilder().
//	    Then(validateNode).
//	    Loop().
//	        WithNode(processNode).
//	        WithMaxIterations(10).
//	        Then().
//	    Then(finalNode).
//	    Build()
type Builder struct {
	errs  []error          // Accumulated errors from configuration
	nodes []Node[any, any] // Sequential chain of nodes
	once  buildOnce        // Ensures single build
}

// NewBuilder creates a new Builder instance for constructing workflows.
func NewBuilder() *Builder {
	return &Builder{}
}

// validate checks if the builder state is valid and ready to build a flow.
func (b *Builder) validate() error {
	if len(b.errs) != 0 {
		return errors.Join(b.errs...)
	}
	if len(b.nodes) == 0 {
		return errors.New("flow must contain at least one node: current flow is empty")
	}
	return nil
}

// recordError stores an error to be returned during validation.
// Nil errors are silently ignored.
func (b *Builder) recordError(err error) {
	if err == nil {
		return
	}
	b.errs = append(b.errs, err)
}

// Then adds a node to the sequential flow chain.
// Nodes are executed in the order they are added. Nil nodes are ignored.
func (b *Builder) Then(node Node[any, any]) *Builder {
	if b.once.isBuilt() {
		b.recordError(errors.New("cannot modify builder: flow already built"))
		return b
	}
	if node != nil {
		b.nodes = append(b.nodes, node)
	}
	return b
}

// Loop returns a LoopBuilder scoped to this builder. Call Then() on the
// returned builder to append the configured Loop node back to this chain.
func (b *Builder) Loop() *LoopBuilder {
	return NewLoopBuilder(b)
}

// Branch returns a BranchBuilder scoped to this builder.
func (b *Builder) Branch() *BranchBuilder {
	return NewBranchBuilder(b)
}

// Batch returns a BatchBuilder scoped to this builder.
func (b *Builder) Batch() *BatchBuilder {
	return NewBatchBuilder(b)
}

// Async returns an AsyncBuilder scoped to this builder.
func (b *Builder) Async() *AsyncBuilder {
	return NewAsyncBuilder(b)
}

// Parallel returns a ParallelBuilder scoped to this builder.
func (b *Builder) Parallel() *ParallelBuilder {
	return NewParallelBuilder(b)
}

// Build validates the accumulated configuration and constructs the final flow Node.
// This method can only be called once - subsequent calls will return an error.
func (b *Builder) Build() (Node[any, any], error) {
	if !b.once.markBuilt() {
		return nil, errors.New("builder already built: Build() can only be called once")
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return NewFlow(b.nodes...)
}

// ==================== LoopBuilder ====================

// LoopBuilder provides a fluent API for constructing Loop nodes and appending
// them back to a parent Builder's node chain.
type LoopBuilder struct {
	builder *Builder
	config  *LoopConfig[any, any]
	once    buildOnce
}

// NewLoopBuilder creates a LoopBuilder. If a parent Builder is given, the
// configured Loop is appended to it on Then(); otherwise a fresh Builder is
// created to hold it.
func NewLoopBuilder(parent ...*Builder) *LoopBuilder {
	return &LoopBuilder{
		builder: parentOf(parent),
		config:  &LoopConfig[any, any]{},
	}
}

// WithNode sets the node to be executed in each iteration.
func (l *LoopBuilder) WithNode(node Node[any, any]) *LoopBuilder {
	if node != nil {
		l.config.Node = node
	}
	return l
}

// WithMaxIterations sets the maximum number of iterations allowed.
// Values <= 0 are ignored.
func (l *LoopBuilder) WithMaxIterations(maxIterations int) *LoopBuilder {
	if maxIterations > 0 {
		l.config.MaxIterations = maxIterations
	}
	return l
}

// WithTerminator sets the function that determines when to stop looping.
func (l *LoopBuilder) WithTerminator(terminator func(context.Context, int, any, any) (bool, error)) *LoopBuilder {
	if terminator != nil {
		l.config.Terminator = terminator
	}
	return l
}

// Then builds the configured Loop node, appends it to the parent builder's
// chain (recording an error instead if the configuration is invalid), and
// returns the parent builder so the chain can continue.
func (l *LoopBuilder) Then() *Builder {
	if !l.once.markBuilt() {
		l.builder.recordError(errors.New("loop already built: Then() can only be called once"))
		return l.builder
	}
	loop, err := NewLoop(l.config)
	if err != nil {
		l.builder.recordError(err)
		return l.builder
	}
	l.builder.nodes = append(l.builder.nodes, loop)
	return l.builder
}

// ==================== BranchBuilder ====================

// BranchBuilder provides a fluent API for constructing Branch nodes and
// appending them back to a parent Builder's node chain.
type BranchBuilder struct {
	builder *Builder
	config  *BranchConfig
	once    buildOnce
}

// NewBranchBuilder creates a BranchBuilder, optionally scoped to parent.
func NewBranchBuilder(parent ...*Builder) *BranchBuilder {
	return &BranchBuilder{
		builder: parentOf(parent),
		config: &BranchConfig{
			Branches: make(map[string]Node[any, any]),
		},
	}
}

// WithNode sets the main decision node whose output determines which branch to take.
func (b *BranchBuilder) WithNode(node Node[any, any]) *BranchBuilder {
	if node != nil {
		b.config.Node = node
	}
	return b
}

// WithBranch adds a single branch mapping from name to node.
func (b *BranchBuilder) WithBranch(branchName string, node Node[any, any]) *BranchBuilder {
	if node != nil {
		b.config.Branches[branchName] = node
	}
	return b
}

// WithBranches replaces all configured branches at once. A nil map is ignored.
func (b *BranchBuilder) WithBranches(branches map[string]Node[any, any]) *BranchBuilder {
	if branches != nil {
		b.config.Branches = branches
	}
	return b
}

// WithBranchResolver sets the function that determines which branch to execute.
func (b *BranchBuilder) WithBranchResolver(resolver func(context.Context, any, any) (string, error)) *BranchBuilder {
	if resolver != nil {
		b.config.BranchResolver = resolver
	}
	return b
}

// Then builds the configured Branch node, appends it to the parent builder,
// and returns the parent builder.
func (b *BranchBuilder) Then() *Builder {
	if !b.once.markBuilt() {
		b.builder.recordError(errors.New("branch already built: Then() can only be called once"))
		return b.builder
	}
	branch, err := NewBranch(b.config)
	if err != nil {
		b.builder.recordError(err)
		return b.builder
	}
	b.builder.nodes = append(b.builder.nodes, branch)
	return b.builder
}

// ==================== BatchBuilder ====================

// BatchBuilder provides a fluent API for constructing Batch nodes and
// appending them back to a parent Builder's node chain.
type BatchBuilder struct {
	builder *Builder
	config  *BatchConfig[any, any, any, any]
	once    buildOnce
}

// NewBatchBuilder creates a BatchBuilder, optionally scoped to parent.
func NewBatchBuilder(parent ...*Builder) *BatchBuilder {
	return &BatchBuilder{
		builder: parentOf(parent),
		config:  &BatchConfig[any, any, any, any]{},
	}
}

// WithContinueOnError configures the batch to continue processing remaining
// segments even when one segment fails.
func (b *BatchBuilder) WithContinueOnError() *BatchBuilder {
	b.config.ContinueOnError = true
	return b
}

// WithConcurrencyLimit sets the maximum number of concurrent segment processors.
// Non-positive values are ignored.
func (b *BatchBuilder) WithConcurrencyLimit(concurrencyLimit int) *BatchBuilder {
	if concurrencyLimit > 0 {
		b.config.ConcurrencyLimit = concurrencyLimit
	}
	return b
}

// WithNode sets the node that processes each segment.
func (b *BatchBuilder) WithNode(node Node[any, any]) *BatchBuilder {
	if node != nil {
		b.config.Node = node
	}
	return b
}

// WithSegmenter sets the function that splits the input into segments.
func (b *BatchBuilder) WithSegmenter(segmenter func(context.Context, any) ([]any, error)) *BatchBuilder {
	if segmenter != nil {
		b.config.Segmenter = segmenter
	}
	return b
}

// WithAggregator sets the function that combines segment results into a final output.
func (b *BatchBuilder) WithAggregator(aggregator func(context.Context, []any) (any, error)) *BatchBuilder {
	if aggregator != nil {
		b.config.Aggregator = aggregator
	}
	return b
}

// Then builds the configured Batch node, appends it to the parent builder,
// and returns the parent builder.
func (b *BatchBuilder) Then() *Builder {
	if !b.once.markBuilt() {
		b.builder.recordError(errors.New("batch already built: Then() can only be called once"))
		return b.builder
	}
	batch, err := NewBatch(b.config)
	if err != nil {
		b.builder.recordError(err)
		return b.builder
	}
	b.builder.nodes = append(b.builder.nodes, batch)
	return b.builder
}

// ==================== AsyncBuilder ====================

// AsyncBuilder provides a fluent API for constructing Async nodes and
// appending them back to a parent Builder's node chain.
type AsyncBuilder struct {
	builder *Builder
	config  *AsyncConfig[any, any]
	once    buildOnce
}

// NewAsyncBuilder creates an AsyncBuilder, optionally scoped to parent.
func NewAsyncBuilder(parent ...*Builder) *AsyncBuilder {
	return &AsyncBuilder{
		builder: parentOf(parent),
		config:  &AsyncConfig[any, any]{},
	}
}

// WithNode sets the node to be executed asynchronously.
func (a *AsyncBuilder) WithNode(node Node[any, any]) *AsyncBuilder {
	if node != nil {
		a.config.Node = node
	}
	return a
}

// WithPool sets the pool used for async execution. A nil pool is ignored,
// leaving the default (a goroutine-per-call pool) in place.
func (a *AsyncBuilder) WithPool(pool sync.Pool) *AsyncBuilder {
	if pool != nil {
		a.config.Pool = pool
	}
	return a
}

// Then builds the configured Async node, appends it to the parent builder,
// and returns the parent builder.
func (a *AsyncBuilder) Then() *Builder {
	if !a.once.markBuilt() {
		a.builder.recordError(errors.New("async already built: Then() can only be called once"))
		return a.builder
	}
	async, err := NewAsync(a.config)
	if err != nil {
		a.builder.recordError(err)
		return a.builder
	}
	a.builder.nodes = append(a.builder.nodes, async)
	return a.builder
}

// ==================== ParallelBuilder ====================

// ParallelBuilder provides a fluent API for constructing Parallel nodes and
// appending them back to a parent Builder's node chain.
type ParallelBuilder struct {
	builder *Builder
	config  *ParallelConfig[any, any]
	once    buildOnce
}

// NewParallelBuilder creates a ParallelBuilder, optionally scoped to parent.
func NewParallelBuilder(parent ...*Builder) *ParallelBuilder {
	return &ParallelBuilder{
		builder: parentOf(parent),
		config:  &ParallelConfig[any, any]{},
	}
}

// WithWaitCount sets how many node completions to wait for before aggregating.
func (p *ParallelBuilder) WithWaitCount(waitCount int) *ParallelBuilder {
	p.config.WaitCount = waitCount
	return p
}

// WithWaitAny is shorthand for WithWaitCount(1).
func (p *ParallelBuilder) WithWaitAny() *ParallelBuilder {
	p.config.WaitCount = 1
	return p
}

// WithWaitAll is shorthand for WithWaitCount(-1).
func (p *ParallelBuilder) WithWaitAll() *ParallelBuilder {
	p.config.WaitCount = -1
	return p
}

// WithNodes sets the nodes to be executed in parallel. An empty call is ignored.
func (p *ParallelBuilder) WithNodes(nodes ...Node[any, any]) *ParallelBuilder {
	if len(nodes) > 0 {
		p.config.Nodes = nodes
	}
	return p
}

// WithAggregator sets the function that combines parallel results into a final output.
func (p *ParallelBuilder) WithAggregator(aggregator func(context.Context, []any) (any, error)) *ParallelBuilder {
	if aggregator != nil {
		p.config.Aggregator = aggregator
	}
	return p
}

// WithCancelRemaining configures the parallel node to cancel remaining nodes
// once the wait condition is satisfied.
func (p *ParallelBuilder) WithCancelRemaining() *ParallelBuilder {
	p.config.CancelRemaining = true
	return p
}

// WithContinueOnError configures the parallel node to keep waiting for other
// nodes after one fails.
func (p *ParallelBuilder) WithContinueOnError() *ParallelBuilder {
	p.config.ContinueOnError = true
	return p
}

// WithRequiredSuccesses sets the minimum number of successful completions needed.
func (p *ParallelBuilder) WithRequiredSuccesses(requiredSuccesses int) *ParallelBuilder {
	p.config.RequiredSuccesses = requiredSuccesses
	return p
}

// Then builds the configured Parallel node, appends it to the parent builder,
// and returns the parent builder.
func (p *ParallelBuilder) Then() *Builder {
	if !p.once.markBuilt() {
		p.builder.recordError(errors.New("parallel already built: Then() can only be called once"))
		return p.builder
	}
	parallel, err := NewParallel(p.config)
	if err != nil {
		p.builder.recordError(err)
		return p.builder
	}
	p.builder.nodes = append(p.builder.nodes, parallel)
	return p.builder
}
