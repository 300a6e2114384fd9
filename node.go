package triageflow

import "fmt"

// NodeHandler is the function signature for node logic.
// It receives a copy of the current state and returns the fields to change.
type NodeHandler func(ctx *NodeContext, state WorkflowState) (StatePatch, error)

// Node is one named unit of work in a definition
type Node struct {
	// Identity
	ID          string
	Name        string
	Description string

	Handler NodeHandler

	// Stage is recorded on completion unless the patch sets its own
	Stage Stage

	// SkipStage is recorded when a router bypasses the node; empty means no checkpoint
	SkipStage Stage

	// Suspend ends the tick after this node's checkpoint is committed
	Suspend bool

	Retry RetryPolicy
}

// NewNode creates a node that advances the instance to stage
func NewNode(id, name string, stage Stage, handler NodeHandler, opts ...NodeOption) *Node {
	n := &Node{
		ID:      id,
		Name:    name,
		Handler: handler,
		Stage:   stage,
		Retry:   DefaultRetryPolicy,
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// NewSuspendNode creates the node an instance parks on until a decision arrives
func NewSuspendNode(id, name string, stage Stage, handler NodeHandler, opts ...NodeOption) *Node {
	n := NewNode(id, name, stage, handler, opts...)
	n.Suspend = true
	return n
}

// Execute runs the handler once and fills in the node's default stage
func (n *Node) Execute(ctx *NodeContext, state WorkflowState) (StatePatch, error) {
	if n.Handler == nil {
		return StatePatch{Stage: n.Stage}, nil
	}

	patch, err := n.Handler(ctx, state)
	if err != nil {
		return StatePatch{}, err
	}

	if patch.Stage == "" {
		patch.Stage = n.Stage
	}
	return patch, nil
}

// Validate checks the node is usable in a definition
func (n *Node) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("node ID cannot be empty")
	}
	if n.Stage == "" {
		return fmt.Errorf("node %s has no completion stage", n.ID)
	}
	if n.Stage.IsDecided() && n.Stage != StageActionExecuted && n.Stage != StageConfirmed {
		return fmt.Errorf("node %s cannot complete into decision stage %s", n.ID, n.Stage)
	}
	return nil
}
