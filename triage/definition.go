// Package triage is the email-triage workflow: extract, classify, score,
// optionally draft, ask the user, then act on their decision.
package triage

import (
	"context"
	"errors"
	"time"

	"github.com/sicko7947/triageflow"
	"github.com/sicko7947/triageflow/action"
	"github.com/sicko7947/triageflow/builder"
	"github.com/sicko7947/triageflow/notify"
	"github.com/sicko7947/triageflow/priority"
	"github.com/sicko7947/triageflow/responder"
)

// Node IDs
const (
	NodeExtractContext   = "extract_context"
	NodeClassify         = "classify"
	NodeDetectPriority   = "detect_priority"
	NodeGenerateResponse = "generate_response"
	NodeNotify           = "notify"
	NodeAwaitDecision    = "await_decision"
	NodeExecuteAction    = "execute_action"
	NodeSendConfirmation = "send_confirmation"
)

// DefaultResponseModes maps the categories that warrant a drafted reply.
// Categories missing from the table are sort_only.
var DefaultResponseModes = map[string]string{
	"needs_response": triageflow.ResponseModeNeedsResponse,
	"client_inquiry": triageflow.ResponseModeNeedsResponse,
}

// DefinitionID identifies the triage definition
const DefinitionID = "email-triage"

// Deps are the collaborators the triage nodes call
type Deps struct {
	Classifier triageflow.Classifier
	Responder  *responder.Responder
	Detector   *priority.Detector
	Channel    triageflow.NotificationChannel
	Registry   triageflow.InstanceRegistry
	Actions    *action.Executor
	Renderer   *notify.Renderer

	Labels  Labels
	Extract ExtractConfig

	// ResponseModes maps a category to its response mode; nil uses DefaultResponseModes
	ResponseModes map[string]string

	// DecisionTTL stamps the decision deadline; zero leaves it open
	DecisionTTL time.Duration

	// Retry applies to single-call collaborator nodes
	Retry triageflow.RetryPolicy

	// StepTimeout bounds nodes that run their own retries
	StepTimeout time.Duration

	Now func() time.Time
}

func (d *Deps) defaults() error {
	switch {
	case d.Classifier == nil:
		return errors.New("triage: classifier is required")
	case d.Responder == nil:
		return errors.New("triage: responder is required")
	case d.Channel == nil:
		return errors.New("triage: notification channel is required")
	case d.Registry == nil:
		return errors.New("triage: instance registry is required")
	case d.Actions == nil:
		return errors.New("triage: action executor is required")
	}
	if d.Detector == nil {
		d.Detector = priority.NewDetector(priority.DefaultConfig)
	}
	if d.Renderer == nil {
		d.Renderer = notify.NewRenderer(nil)
	}
	if d.ResponseModes == nil {
		d.ResponseModes = DefaultResponseModes
	}
	if d.Extract.MaxExcerptChars == 0 && d.Extract.MaxKeywords == 0 {
		d.Extract = DefaultExtractConfig
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry = triageflow.DefaultRetryPolicy
	}
	if d.StepTimeout == 0 {
		d.StepTimeout = 2 * time.Minute
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return nil
}

// NewDefinition builds the triage graph:
//
//	extract_context → classify → detect_priority ─┬─ generate_response ─┐
//	                                              └─────────────────────┴→ notify → await_decision ⏸ → execute_action → send_confirmation
func NewDefinition(deps Deps) (*triageflow.Definition, error) {
	if err := deps.defaults(); err != nil {
		return nil, err
	}
	n := &nodes{deps: deps}

	single := triageflow.WithRetry(deps.Retry)
	selfRetrying := triageflow.WithRetry(triageflow.RetryPolicy{
		MaxAttempts: 1,
		Backoff:     triageflow.BackoffNone,
		Timeout:     deps.StepTimeout,
	})

	router := triageflow.ResponseModeRouter(map[string]string{
		triageflow.ResponseModeNeedsResponse: NodeGenerateResponse,
	}, NodeNotify)

	return builder.NewDefinition(DefinitionID, "Email triage",
		builder.WithDescription("Classifies an email, optionally drafts a reply and acts on the user's decision"),
	).
		Sequence(
			triageflow.NewNode(NodeExtractContext, "Extract context", triageflow.StageContextExtracted,
				n.extractContext, triageflow.WithRetry(triageflow.NoRetryPolicy)),
			triageflow.NewNode(NodeClassify, "Classify", triageflow.StageClassified,
				n.classify, single),
			triageflow.NewNode(NodeDetectPriority, "Detect priority", triageflow.StagePriorityScored,
				n.detectPriority, triageflow.WithRetry(triageflow.NoRetryPolicy)),
		).
		Branch(router,
			triageflow.NewNode(NodeGenerateResponse, "Generate response", triageflow.StageDrafted,
				n.generateResponse, selfRetrying, triageflow.WithSkipStage(triageflow.StageSkippedDraft))).
		Then(triageflow.NewNode(NodeNotify, "Notify", triageflow.StageNotified,
			n.notify, selfRetrying)).
		Suspend(triageflow.NewNode(NodeAwaitDecision, "Await decision", triageflow.StageAwaitingDecision,
			n.awaitDecision, triageflow.WithRetry(triageflow.NoRetryPolicy))).
		Then(triageflow.NewNode(NodeExecuteAction, "Execute action", triageflow.StageActionExecuted,
			n.executeAction, selfRetrying)).
		Then(triageflow.NewNode(NodeSendConfirmation, "Send confirmation", triageflow.StageConfirmed,
			n.sendConfirmation, single)).
		Build()
}

type nodes struct {
	deps Deps
}

func (n *nodes) extractContext(ctx *triageflow.NodeContext, s triageflow.WorkflowState) (triageflow.StatePatch, error) {
	ec := ExtractContext(s.Email, n.deps.Extract)
	return triageflow.StatePatch{Context: &ec}, nil
}

func (n *nodes) classify(ctx *triageflow.NodeContext, s triageflow.WorkflowState) (triageflow.StatePatch, error) {
	text := s.Email.Subject
	if s.Context != nil && s.Context.Excerpt != "" {
		text += "\n\n" + s.Context.Excerpt
	}

	c, err := n.deps.Classifier.Classify(ctx, text)
	if err != nil {
		return triageflow.StatePatch{}, err
	}
	if c.Category == "" {
		return triageflow.StatePatch{}, triageflow.NewWorkflowError(triageflow.ErrCodeValidation, "classifier returned no category")
	}

	return triageflow.StatePatch{
		Classification:  triageflow.ToPtr(c.Category),
		ResponseMode:    triageflow.ToPtr(n.responseMode(c.Category)),
		Confidence:      triageflow.ToPtr(c.Confidence),
		ProposedLabelID: triageflow.ToPtr(n.deps.Labels.For(c.Category)),
	}, nil
}

func (n *nodes) responseMode(category string) string {
	if mode, ok := n.deps.ResponseModes[category]; ok && mode != "" {
		return mode
	}
	return triageflow.ResponseModeSortOnly
}

func (n *nodes) detectPriority(ctx *triageflow.NodeContext, s triageflow.WorkflowState) (triageflow.StatePatch, error) {
	in := priority.Input{Classification: s.Classification, Subject: s.Email.Subject}
	if s.Context != nil {
		in.SenderDomain = s.Context.SenderDomain
		in.BodyKeywords = s.Context.Keywords
	}

	r := n.deps.Detector.Evaluate(in)
	return triageflow.StatePatch{PriorityScore: triageflow.ToPtr(r.Score), Urgent: triageflow.ToPtr(r.Urgent)}, nil
}

func (n *nodes) generateResponse(ctx *triageflow.NodeContext, s triageflow.WorkflowState) (triageflow.StatePatch, error) {
	draft, err := n.deps.Responder.Draft(ctx, s)
	if err != nil {
		return triageflow.StatePatch{}, err
	}
	if draft.Degraded {
		return triageflow.StatePatch{Stage: triageflow.StageSkippedDraft, Degraded: triageflow.ToPtr(true)}, nil
	}
	return triageflow.StatePatch{DraftResponse: triageflow.ToPtr(draft.Text)}, nil
}

// notify sends the decision request and links its message id to the
// instance before the instance can suspend on it
func (n *nodes) notify(ctx *triageflow.NodeContext, s triageflow.WorkflowState) (triageflow.StatePatch, error) {
	summary := n.deps.Renderer.Summary(s)
	actions := n.deps.Renderer.Actions(s)

	var messageID string
	if _, err := triageflow.Retry(ctx, n.deps.Retry, ctx.Logger, func(c context.Context, _ int) error {
		id, err := n.deps.Channel.SendDecisionRequest(c, s.UserID, summary, actions)
		if err != nil {
			return err
		}
		messageID = id
		return nil
	}); err != nil {
		return triageflow.StatePatch{}, err
	}

	if _, err := triageflow.Retry(ctx, n.deps.Retry, ctx.Logger, func(c context.Context, _ int) error {
		err := n.deps.Registry.RecordChannelMessage(c, s.InstanceID, messageID)
		if err != nil && !triageflow.IsNotFound(err) && triageflow.ErrorCode(err) != triageflow.ErrCodeDuplicate {
			return triageflow.WrapError(triageflow.ErrCodeTransient, err, "failed to record channel message")
		}
		return err
	}); err != nil {
		return triageflow.StatePatch{}, err
	}

	return triageflow.StatePatch{ChannelMessageID: triageflow.ToPtr(messageID)}, nil
}

func (n *nodes) awaitDecision(ctx *triageflow.NodeContext, s triageflow.WorkflowState) (triageflow.StatePatch, error) {
	if n.deps.DecisionTTL <= 0 {
		return triageflow.StatePatch{}, nil
	}
	deadline := n.deps.Now().UTC().Add(n.deps.DecisionTTL)
	return triageflow.StatePatch{DecisionDeadline: &deadline}, nil
}

func (n *nodes) executeAction(ctx *triageflow.NodeContext, s triageflow.WorkflowState) (triageflow.StatePatch, error) {
	effect, err := n.deps.Actions.Execute(ctx, s)
	if err != nil {
		return triageflow.StatePatch{}, err
	}
	return triageflow.StatePatch{Outcome: &effect.Outcome}, nil
}

func (n *nodes) sendConfirmation(ctx *triageflow.NodeContext, s triageflow.WorkflowState) (triageflow.StatePatch, error) {
	if s.ChannelMessageID == "" {
		return triageflow.StatePatch{}, triageflow.NewWorkflowError(triageflow.ErrCodeInternalError, "no decision request to confirm on")
	}
	return triageflow.StatePatch{}, n.deps.Channel.EditNotification(ctx, s.ChannelMessageID, n.deps.Renderer.Confirmation(s))
}
