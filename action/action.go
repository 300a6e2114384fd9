// Package action applies a human decision to the user's mailbox.
package action

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/sicko7947/triageflow"
)

// Effect records what Execute did
type Effect struct {
	Outcome triageflow.Outcome
	LabelID string
	Replied bool
}

// Executor performs the mailbox mutation for a decided instance
type Executor struct {
	mail   triageflow.MailProvider
	retry  triageflow.RetryPolicy
	logger zerolog.Logger
}

// Option configures an Executor
type Option func(*Executor)

// WithRetryPolicy sets the per-call retry policy
func WithRetryPolicy(p triageflow.RetryPolicy) Option {
	return func(x *Executor) { x.retry = p }
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(x *Executor) { x.logger = logger }
}

// NewExecutor creates an executor. Each provider call gets up to three
// attempts with doubling backoff unless configured otherwise.
func NewExecutor(mail triageflow.MailProvider, opts ...Option) *Executor {
	x := &Executor{
		mail:  mail,
		retry: triageflow.DefaultRetryPolicy,
		logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger().Level(zerolog.InfoLevel),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Execute applies state's decision:
//
//	approve        send the draft reply if one exists, then apply the proposed label
//	reject         no mailbox mutation
//	change_folder  apply the user-selected label
//
// A provider failure that outlives its retries is returned unchanged.
func (x *Executor) Execute(ctx context.Context, state triageflow.WorkflowState) (Effect, error) {
	if state.Decision == nil {
		return Effect{}, triageflow.NewWorkflowError(triageflow.ErrCodeValidation, "no decision to execute")
	}
	logger := triageflow.InstanceLogger(x.logger, state.InstanceID, state.EmailID)
	messageID := state.Email.MessageID

	switch *state.Decision {
	case triageflow.DecisionApprove:
		effect := Effect{Outcome: triageflow.OutcomeApproved, LabelID: state.ProposedLabelID}
		if draft := state.Draft(); draft != "" {
			if err := x.call(ctx, logger, "send_reply", func(ctx context.Context) error {
				return x.mail.SendReply(ctx, messageID, draft, state.Email.ThreadRef)
			}); err != nil {
				return Effect{}, err
			}
			effect.Replied = true
		}
		if effect.LabelID != "" {
			if err := x.applyLabel(ctx, logger, messageID, effect.LabelID); err != nil {
				return Effect{}, err
			}
		}
		return effect, nil

	case triageflow.DecisionReject:
		return Effect{Outcome: triageflow.OutcomeRejected}, nil

	case triageflow.DecisionChangeFolder:
		if state.TargetLabelID == nil || *state.TargetLabelID == "" {
			return Effect{}, triageflow.NewWorkflowError(triageflow.ErrCodeValidation, "change_folder without a target label")
		}
		label := *state.TargetLabelID
		if err := x.applyLabel(ctx, logger, messageID, label); err != nil {
			return Effect{}, err
		}
		return Effect{Outcome: triageflow.OutcomeFolderChanged, LabelID: label}, nil
	}

	return Effect{}, triageflow.NewWorkflowError(triageflow.ErrCodeValidation, "unknown decision "+string(*state.Decision))
}

func (x *Executor) applyLabel(ctx context.Context, logger zerolog.Logger, messageID, labelID string) error {
	return x.call(ctx, logger, "apply_label", func(ctx context.Context) error {
		return x.mail.ApplyLabel(ctx, messageID, labelID)
	})
}

func (x *Executor) call(ctx context.Context, logger zerolog.Logger, op string, fn func(context.Context) error) error {
	opLogger := logger.With().Str("operation", op).Logger()
	attempts, err := triageflow.Retry(ctx, x.retry, opLogger, func(ctx context.Context, _ int) error {
		return fn(ctx)
	})
	if err != nil {
		opLogger.Error().Err(err).Int("attempts", attempts).Msg("Mail provider call failed")
		return err
	}
	opLogger.Debug().Int("attempts", attempts).Msg("Mail provider call succeeded")
	return nil
}
