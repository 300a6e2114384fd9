package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sicko7947/triageflow"
)

// NodeExecutionResult holds the outcome of running one node
type NodeExecutionResult struct {
	NodeID       string
	Patch        triageflow.StatePatch
	DurationMs   int64
	AttemptsMade int
}

// executeNode runs a single node with retry/timeout logic. Only transient
// failures are retried; a panic is converted to a PANIC error and not retried.
func (e *Engine) executeNode(ctx context.Context, r *run, node *triageflow.Node) (*NodeExecutionResult, error) {
	nodeLogger := r.logger.With().Str("node_id", node.ID).Str("node_name", node.Name).Logger()
	triageflow.LogNodeStarted(r.logger, r.state.InstanceID, node.ID)

	var patch triageflow.StatePatch
	startTime := time.Now()

	attempts, err := triageflow.Retry(ctx, node.Retry, nodeLogger, func(execCtx context.Context, attempt int) (err error) {
		// Handlers get a copy; only the returned patch changes state.
		input := r.state
		input.RetryCount = attempt
		nodeCtx := triageflow.NewNodeContext(execCtx, &input, node.ID, attempt, r.logger)

		defer func() {
			if rec := recover(); rec != nil {
				err = triageflow.NewWorkflowError(triageflow.ErrCodePanic, fmt.Sprintf("node panicked: %v", rec)).WithNode(node.ID)
				nodeLogger.Error().Interface("panic", rec).Msg("Node panicked")
			}
		}()

		patch, err = node.Execute(nodeCtx, input)
		if err != nil {
			if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				err = triageflow.WrapError(triageflow.ErrCodeTimeout, err, "node timed out after %s", node.Retry.Timeout)
			}
		}
		return err
	})

	duration := time.Since(startTime)
	r.state.RetryCount = attempts - 1

	if err != nil {
		triageflow.LogNodeFailed(r.logger, r.state.InstanceID, node.ID, err, attempts)
		return nil, fmt.Errorf("node %s failed after %d attempts: %w", node.ID, attempts, err)
	}

	triageflow.LogNodeCompleted(r.logger, r.state.InstanceID, node.ID, patch.Stage, duration.Milliseconds())

	return &NodeExecutionResult{
		NodeID:       node.ID,
		Patch:        patch,
		DurationMs:   duration.Milliseconds(),
		AttemptsMade: attempts,
	}, nil
}
