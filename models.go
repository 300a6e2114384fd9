package triageflow

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Stage represents where an instance is in the triage state machine
type Stage string

const (
	StageCreated          Stage = "CREATED"
	StageContextExtracted Stage = "CONTEXT_EXTRACTED"
	StageClassified       Stage = "CLASSIFIED"
	StagePriorityScored   Stage = "PRIORITY_SCORED"
	StageDrafted          Stage = "DRAFTED"
	StageSkippedDraft     Stage = "SKIPPED_DRAFT"
	StageNotified         Stage = "NOTIFIED"
	StageAwaitingDecision Stage = "AWAITING_DECISION"
	StageApproved         Stage = "APPROVED"
	StageRejected         Stage = "REJECTED"
	StageFolderChanged    Stage = "FOLDER_CHANGED"
	StageActionExecuted   Stage = "ACTION_EXECUTED"
	StageConfirmed        Stage = "CONFIRMED"
	StageExpired          Stage = "EXPIRED"
	StageError            Stage = "ERROR"
)

// IsTerminal returns true if the stage is a final state
func (s Stage) IsTerminal() bool {
	return s == StageConfirmed || s == StageError || s == StageExpired
}

// IsDecided returns true once a human decision has been applied
func (s Stage) IsDecided() bool {
	switch s {
	case StageApproved, StageRejected, StageFolderChanged, StageActionExecuted, StageConfirmed:
		return true
	}
	return false
}

// String returns the string representation
func (s Stage) String() string {
	return string(s)
}

// Stages lists every stage in state-machine order
var Stages = []Stage{
	StageCreated, StageContextExtracted, StageClassified, StagePriorityScored,
	StageDrafted, StageSkippedDraft, StageNotified, StageAwaitingDecision,
	StageApproved, StageRejected, StageFolderChanged, StageActionExecuted,
	StageConfirmed, StageExpired, StageError,
}

// ParseStage validates a stage name
func ParseStage(raw string) (Stage, error) {
	s := Stage(raw)
	if slices.Contains(Stages, s) {
		return s, nil
	}
	return "", NewWorkflowError(ErrCodeValidation, fmt.Sprintf("unknown stage %q", raw))
}

// Decision is the human-supplied outcome injected into a suspended instance
type Decision string

const (
	DecisionApprove      Decision = "approve"
	DecisionReject       Decision = "reject"
	DecisionChangeFolder Decision = "change_folder"
)

// Stage returns the stage an instance enters when the decision is applied
func (d Decision) Stage() Stage {
	switch d {
	case DecisionApprove:
		return StageApproved
	case DecisionReject:
		return StageRejected
	case DecisionChangeFolder:
		return StageFolderChanged
	}
	return ""
}

// Valid reports whether d is a known decision
func (d Decision) Valid() bool {
	return d.Stage() != ""
}

// Outcome is the recorded result of the action stage
type Outcome string

const (
	OutcomeNone          Outcome = ""
	OutcomeApproved      Outcome = "approved"
	OutcomeRejected      Outcome = "rejected"
	OutcomeFolderChanged Outcome = "folder_changed"
)

// Response modes. Only needs_response reaches draft generation.
const (
	ResponseModeNeedsResponse = "needs_response"
	ResponseModeSortOnly      = "sort_only"
)

// EmailEnvelope is the inbound email as handed to Start
type EmailEnvelope struct {
	MessageID  string    `json:"messageId"`
	ThreadRef  string    `json:"threadRef,omitempty"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// NewEmail is the inbound event that starts an instance
type NewEmail struct {
	EmailID    string    `json:"emailId"`
	UserID     string    `json:"userId"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ThreadRef  string    `json:"threadRef,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Validate checks required fields
func (e NewEmail) Validate() error {
	if e.EmailID == "" {
		return NewWorkflowError(ErrCodeValidation, "email_id is required")
	}
	if e.UserID == "" {
		return NewWorkflowError(ErrCodeValidation, "user_id is required")
	}
	return nil
}

// Envelope converts the event into the envelope carried in state
func (e NewEmail) Envelope() EmailEnvelope {
	return EmailEnvelope{
		MessageID:  e.EmailID,
		ThreadRef:  e.ThreadRef,
		Sender:     e.Sender,
		Subject:    e.Subject,
		Body:       e.Body,
		ReceivedAt: e.ReceivedAt,
	}
}

// DecisionCallback is the out-of-band event delivered by the messaging surface.
// It never carries an instance id.
type DecisionCallback struct {
	ChannelMessageID string `json:"channelMessageId"`
	ActionCode       string `json:"actionCode"`
	SelectedOption   string `json:"selectedOption,omitempty"`
	Payload          string `json:"payload,omitempty"`
	ActingUserRef    string `json:"actingUserRef"`
}

// DecisionInput is what Resume applies to a suspended instance
type DecisionInput struct {
	Decision      Decision `json:"decision"`
	TargetLabelID string   `json:"targetLabelId,omitempty"`
}

// Validate checks the decision is complete
func (d DecisionInput) Validate() error {
	if !d.Decision.Valid() {
		return NewWorkflowError(ErrCodeValidation, fmt.Sprintf("unknown decision %q", d.Decision))
	}
	if d.Decision == DecisionChangeFolder && d.TargetLabelID == "" {
		return NewWorkflowError(ErrCodeValidation, "change_folder requires a target label")
	}
	return nil
}

// EmailContext is the derived, bounded view of the email used by later nodes
type EmailContext struct {
	SenderDomain string   `json:"senderDomain"`
	Keywords     []string `json:"keywords,omitempty"`
	Excerpt      string   `json:"excerpt"`
}

// WorkflowState is the full per-instance payload carried between nodes
type WorkflowState struct {
	// Identity
	InstanceID string `json:"instanceId"`
	EmailID    string `json:"emailId"`
	UserID     string `json:"userId"`

	Stage Stage `json:"stage"`

	Email   EmailEnvelope `json:"email"`
	Context *EmailContext `json:"context,omitempty"`

	// Analysis
	Classification  string  `json:"classification,omitempty"`
	ResponseMode    string  `json:"responseMode,omitempty"`
	Confidence      float64 `json:"confidence,omitempty"`
	PriorityScore   int     `json:"priorityScore"`
	Urgent          bool    `json:"urgent,omitempty"`
	ProposedLabelID string  `json:"proposedLabelId,omitempty"`

	// Draft (nil when no draft was produced)
	DraftResponse *string `json:"draftResponse,omitempty"`
	Degraded      bool    `json:"degraded,omitempty"`

	// Notification
	ChannelMessageID string     `json:"channelMessageId,omitempty"`
	DecisionDeadline *time.Time `json:"decisionDeadline,omitempty"`

	// Decision (set iff the stage progressed past AWAITING_DECISION)
	Decision      *Decision `json:"decision,omitempty"`
	TargetLabelID *string   `json:"targetLabelId,omitempty"`
	Outcome       Outcome   `json:"outcome,omitempty"`

	// Retry bookkeeping for the current node
	RetryCount int `json:"retryCount"`

	Error *WorkflowError `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks the decision/stage invariant on a loaded state
func (s *WorkflowState) Validate() error {
	if s.InstanceID == "" || s.EmailID == "" {
		return NewWorkflowError(ErrCodeValidation, "state is missing identity")
	}
	if s.Stage.IsDecided() && s.Decision == nil {
		return NewWorkflowError(ErrCodeValidation, fmt.Sprintf("stage %s requires a decision", s.Stage))
	}
	if s.Decision != nil && !s.Stage.IsDecided() && s.Stage != StageError {
		return NewWorkflowError(ErrCodeValidation, fmt.Sprintf("stage %s must not carry a decision", s.Stage))
	}
	return nil
}

// Apply returns a copy of the state with the patch applied
func (s WorkflowState) Apply(p StatePatch) WorkflowState {
	if p.Stage != "" {
		s.Stage = p.Stage
	}
	if p.Context != nil {
		s.Context = p.Context
	}
	if p.Classification != nil {
		s.Classification = *p.Classification
	}
	if p.ResponseMode != nil {
		s.ResponseMode = *p.ResponseMode
	}
	if p.Confidence != nil {
		s.Confidence = *p.Confidence
	}
	if p.PriorityScore != nil {
		s.PriorityScore = *p.PriorityScore
	}
	if p.Urgent != nil {
		s.Urgent = *p.Urgent
	}
	if p.ProposedLabelID != nil {
		s.ProposedLabelID = *p.ProposedLabelID
	}
	if p.DraftResponse != nil {
		s.DraftResponse = p.DraftResponse
	}
	if p.Degraded != nil {
		s.Degraded = *p.Degraded
	}
	if p.ChannelMessageID != nil {
		s.ChannelMessageID = *p.ChannelMessageID
	}
	if p.DecisionDeadline != nil {
		s.DecisionDeadline = p.DecisionDeadline
	}
	if p.Outcome != nil {
		s.Outcome = *p.Outcome
	}
	return s
}

// Draft returns the draft text or an empty string
func (s *WorkflowState) Draft() string {
	if s.DraftResponse == nil {
		return ""
	}
	return *s.DraftResponse
}

// StatePatch is what a node returns; nil fields are left untouched
type StatePatch struct {
	Stage            Stage
	Context          *EmailContext
	Classification   *string
	ResponseMode     *string
	Confidence       *float64
	PriorityScore    *int
	Urgent           *bool
	ProposedLabelID  *string
	DraftResponse    *string
	Degraded         *bool
	ChannelMessageID *string
	DecisionDeadline *time.Time
	Outcome          *Outcome
}

// CheckpointRecord is a durable, versioned snapshot of an instance's state
type CheckpointRecord struct {
	InstanceID string          `json:"instanceId" dynamodbav:"instance_id"`
	Sequence   int64           `json:"sequence" dynamodbav:"sequence"`
	Stage      Stage           `json:"stage" dynamodbav:"stage"`
	State      json.RawMessage `json:"state" dynamodbav:"state"`
	WrittenAt  time.Time       `json:"writtenAt" dynamodbav:"written_at"`
}

// NewCheckpointRecord serializes a state snapshot
func NewCheckpointRecord(state *WorkflowState, sequence int64) (*CheckpointRecord, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow state: %w", err)
	}
	return &CheckpointRecord{
		InstanceID: state.InstanceID,
		Sequence:   sequence,
		Stage:      state.Stage,
		State:      data,
		WrittenAt:  time.Now().UTC(),
	}, nil
}

// Decode deserializes the snapshot
func (r *CheckpointRecord) Decode() (*WorkflowState, error) {
	var state WorkflowState
	if err := json.Unmarshal(r.State, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint %s/%d: %w", r.InstanceID, r.Sequence, err)
	}
	return &state, nil
}

// InstanceMapping correlates external business keys with an instance
type InstanceMapping struct {
	EmailID          string    `json:"emailId" dynamodbav:"email_id"`
	InstanceID       string    `json:"instanceId" dynamodbav:"instance_id"`
	ChannelMessageID string    `json:"channelMessageId,omitempty" dynamodbav:"channel_message_id,omitempty"`
	Stage            Stage     `json:"stage" dynamodbav:"stage"`
	CreatedAt        time.Time `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt        time.Time `json:"updatedAt" dynamodbav:"updated_at"`
}

// ActionOption is a selectable option of an action (e.g. a folder)
type ActionOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// ActionSpec describes one action offered in a decision request
type ActionSpec struct {
	Code    string         `json:"code"`
	Label   string         `json:"label"`
	Options []ActionOption `json:"options,omitempty"`
}

// Classification is the classifier's verdict
type Classification struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// GenerationContext is the bounded payload sent to the generation service
type GenerationContext struct {
	InstanceID string            `json:"instanceId"`
	Sections   []ContextSection  `json:"sections"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ContextSection is one labeled chunk of generation context
type ContextSection struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	Priority int    `json:"priority"`
}
