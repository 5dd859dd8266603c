package flow

import (
	"context"
	"errors"
)

// Node represents a processing unit in the workflow that can transform input to output.
// The generic parameters I and O define the input and output types for the node.
type Node[I any, O any] interface {
	// Run executes the node's processing logic with the provided context and input.
	// Returns the processed output and any error that occurred during processing.
	Run(ctx context.Context, input I) (O, error)
}

// NodeMiddleware is a higher-order function that can modify or enhance the behavior of a Node.
// It takes a Node as input and returns a potentially modified Node with the same input/output types.
type NodeMiddleware[I any, O any] func(node Node[I, O]) Node[I, O]

// sequentialFlow runs a fixed list of any/any nodes one after another, feeding
// each node's output as the next node's input.
type sequentialFlow struct {
	nodes []Node[any, any]
}

func (f *sequentialFlow) Run(ctx context.Context, input any) (any, error) {
	var (
		out any = input
		err error
	)
	for _, node := range f.nodes {
		out, err = node.Run(ctx, out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Join combines multiple nodes into a single flow.
// The nodes are executed in sequence, with each node's output becoming the next node's input.
// Returns the combined flow or an error if no nodes are provided.
func Join(nodes ...Node[any, any]) (Node[any, any], error) {
	if len(nodes) == 0 {
		return nil, errors.New("no nodes provided")
	}
	return &sequentialFlow{nodes: nodes}, nil
}

// NewFlow builds a Node that runs the given nodes in sequence. It is the
// constructor used by Builder.Build() to produce the final compiled flow.
func NewFlow(nodes ...Node[any, any]) (Node[any, any], error) {
	return Join(nodes...)
}

// OfNode wraps a single existing Node so it can be composed with Join/NewFlow.
func OfNode(node Node[any, any]) (Node[any, any], error) {
	return Join(node)
}

// OfProcessor wraps a Processor function as a single-node flow.
func OfProcessor(processor Processor[any, any]) (Node[any, any], error) {
	return Join(processor)
}
