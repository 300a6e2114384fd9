package engine

import (
	"context"
	"time"

	"github.com/sicko7947/triageflow"
)

// drive runs nodes from nodeID until the suspension point, the end of the
// graph, or a failure. Every completed node is checkpointed before the next
// one starts, so a node with external effects only ever runs on top of a
// committed checkpoint.
func (e *Engine) drive(ctx context.Context, r *run, nodeID string) (*Result, error) {
	graph := e.definition.Graph()

	for nodeID != "" {
		if err := ctx.Err(); err != nil {
			r.logger.Warn().Str("node_id", nodeID).Msg("Tick cancelled; instance resumes from its last checkpoint")
			return nil, triageflow.WrapError(triageflow.ErrCodeTimeout, err, "tick cancelled before %s", nodeID)
		}

		node, err := e.definition.Node(nodeID)
		if err != nil {
			return e.fail(ctx, r, nodeID, triageflow.WrapError(triageflow.ErrCodeInternalError, err, "unknown node"))
		}

		res, err := e.executeNode(ctx, r, node)
		if err != nil {
			if ctx.Err() != nil {
				return nil, triageflow.WrapError(triageflow.ErrCodeTimeout, err, "tick cancelled during %s", nodeID)
			}
			return e.fail(ctx, r, nodeID, err)
		}

		r.state = r.state.Apply(res.Patch)
		r.state.RetryCount = 0
		if err := e.commit(ctx, r); err != nil {
			return nil, err
		}

		if node.Suspend {
			triageflow.LogInstanceSuspended(r.logger, r.state.InstanceID, nodeID)
			return r.result(true, false), nil
		}

		next, skipped, err := graph.Next(nodeID, r.state)
		if err != nil {
			return e.fail(ctx, r, nodeID, triageflow.WrapError(triageflow.ErrCodeInternalError, err, "routing failed"))
		}

		for _, skippedID := range skipped {
			if err := e.skip(ctx, r, skippedID); err != nil {
				return nil, err
			}
		}

		nodeID = next
	}

	if r.state.Stage.IsTerminal() {
		triageflow.LogInstanceCompleted(r.logger, r.state.InstanceID, r.state.Outcome, time.Since(r.started))
		e.finish(ctx, r)
	}
	return r.result(false, false), nil
}

// skip records the bypass stage of a node the router did not choose
func (e *Engine) skip(ctx context.Context, r *run, nodeID string) error {
	node, err := e.definition.Node(nodeID)
	if err != nil {
		return err
	}

	triageflow.LogNodeSkipped(r.logger, r.state.InstanceID, nodeID, "not selected by router")
	if node.SkipStage == "" {
		return nil
	}

	r.state.Stage = node.SkipStage
	return e.commit(ctx, r)
}
