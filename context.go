package triageflow

import (
	"context"

	"github.com/rs/zerolog"
)

// NodeContext provides execution metadata to node handlers
type NodeContext struct {
	context.Context

	// Execution metadata
	InstanceID string
	EmailID    string
	NodeID     string
	Attempt    int

	// Logger (enriched with instance and node context)
	Logger zerolog.Logger
}

// NewNodeContext builds the context passed to a handler for one attempt
func NewNodeContext(ctx context.Context, state *WorkflowState, nodeID string, attempt int, logger zerolog.Logger) *NodeContext {
	return &NodeContext{
		Context:    ctx,
		InstanceID: state.InstanceID,
		EmailID:    state.EmailID,
		NodeID:     nodeID,
		Attempt:    attempt,
		Logger:     NodeLogger(logger, nodeID, attempt),
	}
}
