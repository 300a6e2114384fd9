// Package notify is the adapter layer around the messaging surface. It
// renders decision requests and turns inbound decision callbacks into
// engine calls after checking who sent them.
package notify

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/sicko7947/triageflow"
	"github.com/sicko7947/triageflow/engine"
)

// Engine is the part of the workflow engine callbacks drive
type Engine interface {
	GetInstance(ctx context.Context, instanceID string) (*engine.Snapshot, error)
	Resume(ctx context.Context, instanceID string, input triageflow.DecisionInput) (*engine.Result, error)
	Amend(ctx context.Context, instanceID string, mutate func(*triageflow.WorkflowState) error) (*engine.Result, error)
}

// CallbackHandler validates decision callbacks and dispatches them
type CallbackHandler struct {
	registry triageflow.InstanceRegistry
	engine   Engine
	channel  triageflow.NotificationChannel
	renderer *Renderer
	logger   zerolog.Logger
}

// HandlerOption configures a CallbackHandler
type HandlerOption func(*CallbackHandler)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) HandlerOption {
	return func(h *CallbackHandler) { h.logger = logger }
}

// WithRenderer sets the renderer used to refresh edited drafts
func WithRenderer(r *Renderer) HandlerOption {
	return func(h *CallbackHandler) { h.renderer = r }
}

// NewCallbackHandler creates a callback handler
func NewCallbackHandler(registry triageflow.InstanceRegistry, eng Engine, channel triageflow.NotificationChannel, opts ...HandlerOption) *CallbackHandler {
	h := &CallbackHandler{
		registry: registry,
		engine:   eng,
		channel:  channel,
		renderer: NewRenderer(nil),
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger().Level(zerolog.InfoLevel),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle resolves the callback to its instance, checks the acting user owns
// it and applies the command. Rejected callbacks are logged and never reach
// the engine. Duplicate deliveries come back with AlreadyProcessed set.
func (h *CallbackHandler) Handle(ctx context.Context, cb triageflow.DecisionCallback) (*engine.Result, error) {
	if cb.ChannelMessageID == "" || cb.ActingUserRef == "" {
		return nil, h.reject(cb, triageflow.NewWorkflowError(triageflow.ErrCodeValidation,
			"callback requires channel_message_id and acting_user_ref"))
	}

	cmd, err := ParseCommand(cb)
	if err != nil {
		return nil, h.reject(cb, err)
	}

	instanceID, err := h.registry.ResolveFromCallback(ctx, cb.ChannelMessageID)
	if err != nil {
		if triageflow.IsNotFound(err) {
			return nil, h.reject(cb, triageflow.WrapError(triageflow.ErrCodeValidation, err,
				"unknown channel message %s", cb.ChannelMessageID))
		}
		return nil, err
	}

	snap, err := h.engine.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if snap.State == nil {
		// History pruned after completion; nothing is left to decide.
		h.logger.Info().
			Str("event", triageflow.EventResumeIgnored).
			Str("instance_id", instanceID).
			Str("stage", snap.Mapping.Stage.String()).
			Msg("Callback for pruned instance ignored")
		return &engine.Result{InstanceID: instanceID, Stage: snap.Mapping.Stage, AlreadyProcessed: true}, nil
	}
	if snap.State.UserID != cb.ActingUserRef {
		return nil, h.reject(cb, triageflow.NewWorkflowError(triageflow.ErrCodeUnauthorized,
			"acting user does not own the instance").WithDetails(map[string]interface{}{
			"instance_id": instanceID,
		}))
	}

	if cmd.Decision != nil {
		return h.engine.Resume(ctx, instanceID, *cmd.Decision)
	}
	return h.edit(ctx, instanceID, cb.ChannelMessageID, cmd.Draft)
}

// edit replaces the draft of a suspended instance and re-renders the request
func (h *CallbackHandler) edit(ctx context.Context, instanceID, channelMessageID, draft string) (*engine.Result, error) {
	var amended triageflow.WorkflowState
	res, err := h.engine.Amend(ctx, instanceID, func(s *triageflow.WorkflowState) error {
		s.DraftResponse = triageflow.ToPtr(draft)
		s.Degraded = false
		amended = *s
		return nil
	})
	if err != nil || res.AlreadyProcessed {
		return res, err
	}

	logger := triageflow.InstanceLogger(h.logger, instanceID, amended.EmailID)
	_, err = triageflow.Retry(ctx, triageflow.DefaultRetryPolicy, logger, func(ctx context.Context, _ int) error {
		return h.channel.EditNotification(ctx, channelMessageID, h.renderer.Summary(amended))
	})
	if err != nil {
		// The amended draft is durable; the user sees the old text until the next render.
		logger.Error().Err(err).Msg("Failed to re-render edited draft")
	}
	return res, nil
}

func (h *CallbackHandler) reject(cb triageflow.DecisionCallback, err error) error {
	triageflow.LogCallbackRejected(h.logger, cb.ChannelMessageID, cb.ActingUserRef, err.Error())
	return err
}
