package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/triageflow"
)

// run is the in-memory view of one instance for the duration of a call.
// seq is the sequence of the checkpoint state was loaded from or last written to.
type run struct {
	state   triageflow.WorkflowState
	seq     int64
	logger  zerolog.Logger
	started time.Time
}

func (r *run) result(suspended, alreadyProcessed bool) *Result {
	return &Result{
		InstanceID:       r.state.InstanceID,
		Stage:            r.state.Stage,
		Outcome:          r.state.Outcome,
		Sequence:         r.seq,
		Suspended:        suspended,
		AlreadyProcessed: alreadyProcessed,
	}
}

// load reads and validates the latest checkpoint
func (e *Engine) load(ctx context.Context, instanceID string) (*run, error) {
	rec, err := e.checkpoints.ReadLatest(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	state, err := rec.Decode()
	if err != nil {
		return nil, triageflow.WrapError(triageflow.ErrCodeInternalError, err, "checkpoint %s/%d is unreadable", instanceID, rec.Sequence)
	}
	if err := state.Validate(); err != nil {
		return nil, triageflow.WrapError(triageflow.ErrCodeInternalError, err, "checkpoint %s/%d is invalid", instanceID, rec.Sequence)
	}

	return &run{
		state:   *state,
		seq:     rec.Sequence,
		logger:  triageflow.InstanceLogger(e.logger, instanceID, state.EmailID),
		started: e.now(),
	}, nil
}

// commit durably writes the current state as the next checkpoint.
// Write failures are retried under PersistPolicy; a sequence conflict is
// returned at once because retrying cannot win a lost race. The registry's
// denormalized stage is refreshed best-effort afterwards.
func (e *Engine) commit(ctx context.Context, r *run) error {
	r.state.UpdatedAt = e.now().UTC()
	instanceID := r.state.InstanceID

	var written int64
	_, err := triageflow.Retry(ctx, e.config.PersistPolicy, r.logger, func(ctx context.Context, _ int) error {
		seq, err := e.checkpoints.Write(ctx, instanceID, r.seq, &r.state)
		if err != nil {
			if triageflow.IsConflict(err) {
				return err
			}
			return triageflow.WrapError(triageflow.ErrCodeTransient, err, "checkpoint write failed")
		}
		written = seq
		return nil
	})
	if err != nil {
		triageflow.LogPersistenceError(r.logger, instanceID, "write_checkpoint", err)
		if triageflow.IsConflict(err) {
			return err
		}
		return triageflow.WrapError(triageflow.ErrCodePersistence, err,
			"failed to checkpoint %s at stage %s", instanceID, r.state.Stage)
	}
	r.seq = written

	if err := e.registry.UpdateStage(ctx, instanceID, r.state.Stage); err != nil {
		triageflow.LogPersistenceError(r.logger, instanceID, "update_registry_stage", err)
	}
	return nil
}

// fail moves the instance to ERROR, notifies the user and returns a
// TERMINAL_ERROR. The ERROR checkpoint is attempted before anything escapes.
func (e *Engine) fail(ctx context.Context, r *run, nodeID string, cause error) (*Result, error) {
	recorded := *triageflow.AsWorkflowError(cause)
	if recorded.Node == "" {
		recorded.Node = nodeID
	}

	r.state.Stage = triageflow.StageError
	r.state.Error = &recorded

	if err := e.commit(ctx, r); err != nil {
		// The previous checkpoint stays authoritative; Continue can retry.
		r.logger.Error().Err(err).Msg("Failed to persist ERROR checkpoint")
	}

	triageflow.LogInstanceFailed(r.logger, r.state.InstanceID, nodeID, cause)
	e.notify(ctx, r, e.notices.Failure(r.state))
	e.finish(ctx, r)

	return r.result(false, false), triageflow.WrapError(triageflow.ErrCodeTerminal, cause,
		"instance %s failed at %s", r.state.InstanceID, nodeID).WithNode(nodeID)
}

// expire moves an overdue suspended instance to EXPIRED
func (e *Engine) expire(ctx context.Context, r *run) error {
	deadline := *r.state.DecisionDeadline
	r.state.Stage = triageflow.StageExpired
	if err := e.commit(ctx, r); err != nil {
		return err
	}

	triageflow.LogInstanceExpired(r.logger, r.state.InstanceID, deadline)
	e.notify(ctx, r, e.notices.Expired(r.state))
	e.finish(ctx, r)
	return nil
}

func (e *Engine) overdue(state *triageflow.WorkflowState) bool {
	return state.Stage == triageflow.StageAwaitingDecision &&
		state.DecisionDeadline != nil &&
		e.now().After(*state.DecisionDeadline)
}

// finish applies the retention policy to a terminal instance
func (e *Engine) finish(ctx context.Context, r *run) {
	if !e.config.PruneOnTerminal || !r.state.Stage.IsTerminal() {
		return
	}
	if err := e.checkpoints.Delete(ctx, r.state.InstanceID); err != nil {
		triageflow.LogPersistenceError(r.logger, r.state.InstanceID, "prune_checkpoints", err)
	}
}

// notify edits the decision request when one exists, otherwise sends the
// text as a fresh message. Failures are logged; the state is already durable.
func (e *Engine) notify(ctx context.Context, r *run, text string) {
	if e.notifier == nil {
		return
	}

	_, err := triageflow.Retry(ctx, triageflow.DefaultRetryPolicy, r.logger, func(ctx context.Context, _ int) error {
		if r.state.ChannelMessageID != "" {
			return e.notifier.EditNotification(ctx, r.state.ChannelMessageID, text)
		}
		_, err := e.notifier.SendDecisionRequest(ctx, r.state.UserID, text, nil)
		return err
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to notify user")
	}
}

// Notices renders the texts the engine sends on its own
type Notices interface {
	Failure(state triageflow.WorkflowState) string
	Expired(state triageflow.WorkflowState) string
}

// DefaultNotices is a plain-text Notices
type DefaultNotices struct{}

func (DefaultNotices) Failure(state triageflow.WorkflowState) string {
	return "Something went wrong while handling \"" + state.Email.Subject + "\". No further action was taken."
}

func (DefaultNotices) Expired(state triageflow.WorkflowState) string {
	return "The request for \"" + state.Email.Subject + "\" expired without a decision."
}
