package notify

import (
	"fmt"
	"strings"

	"github.com/sicko7947/triageflow"
)

// Renderer produces the texts and action lists shown on the messaging surface
type Renderer struct {
	// Folders are the labels offered by change_folder
	Folders []triageflow.ActionOption

	// MaxDraftChars shortens the draft preview; zero shows it whole
	MaxDraftChars int
}

// NewRenderer creates a renderer offering folders for change_folder
func NewRenderer(folders []triageflow.ActionOption) *Renderer {
	return &Renderer{Folders: folders, MaxDraftChars: 1500}
}

// Summary is the decision request text
func (r *Renderer) Summary(state triageflow.WorkflowState) string {
	var b strings.Builder

	if state.Urgent {
		b.WriteString("[URGENT] ")
	}
	fmt.Fprintf(&b, "From: %s\nSubject: %s\n", state.Email.Sender, state.Email.Subject)
	fmt.Fprintf(&b, "Category: %s (priority %d)\n", state.Classification, state.PriorityScore)
	if state.ProposedLabelID != "" {
		fmt.Fprintf(&b, "Proposed label: %s\n", r.folderName(state.ProposedLabelID))
	}

	switch {
	case state.DraftResponse != nil:
		b.WriteString("\nDraft reply:\n")
		b.WriteString(r.preview(*state.DraftResponse))
		b.WriteString("\n")
	case state.Degraded:
		b.WriteString("\nA draft reply could not be generated.\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

// Actions lists what the user may do with the request
func (r *Renderer) Actions(state triageflow.WorkflowState) []triageflow.ActionSpec {
	actions := []triageflow.ActionSpec{
		{Code: ActionApprove, Label: approveLabel(state)},
		{Code: ActionReject, Label: "Ignore"},
	}
	if len(r.Folders) > 0 {
		actions = append(actions, triageflow.ActionSpec{
			Code:    ActionChangeFolder,
			Label:   "Move to…",
			Options: r.Folders,
		})
	}
	if state.DraftResponse != nil {
		actions = append(actions, triageflow.ActionSpec{Code: ActionEdit, Label: "Edit draft"})
	}
	return actions
}

// Confirmation is the final text once the action has run
func (r *Renderer) Confirmation(state triageflow.WorkflowState) string {
	subject := quote(state.Email.Subject)
	switch state.Outcome {
	case triageflow.OutcomeApproved:
		if state.DraftResponse != nil {
			return fmt.Sprintf("Replied to %s and filed it under %s.", subject, r.folderName(state.ProposedLabelID))
		}
		return fmt.Sprintf("Filed %s under %s.", subject, r.folderName(state.ProposedLabelID))
	case triageflow.OutcomeFolderChanged:
		target := ""
		if state.TargetLabelID != nil {
			target = *state.TargetLabelID
		}
		return fmt.Sprintf("Moved %s to %s.", subject, r.folderName(target))
	case triageflow.OutcomeRejected:
		return fmt.Sprintf("Left %s untouched.", subject)
	}
	return fmt.Sprintf("Finished handling %s.", subject)
}

// Failure is sent when an instance moves to ERROR
func (r *Renderer) Failure(state triageflow.WorkflowState) string {
	return fmt.Sprintf("Something went wrong while handling %s. No further action was taken.", quote(state.Email.Subject))
}

// Expired is sent when a decision request times out
func (r *Renderer) Expired(state triageflow.WorkflowState) string {
	return fmt.Sprintf("The request for %s expired without a decision.", quote(state.Email.Subject))
}

func (r *Renderer) folderName(labelID string) string {
	for _, f := range r.Folders {
		if f.ID == labelID {
			return f.Label
		}
	}
	return labelID
}

func (r *Renderer) preview(draft string) string {
	runes := []rune(draft)
	if r.MaxDraftChars <= 0 || len(runes) <= r.MaxDraftChars {
		return draft
	}
	return string(runes[:r.MaxDraftChars]) + "…"
}

func approveLabel(state triageflow.WorkflowState) string {
	if state.DraftResponse != nil {
		return "Send reply"
	}
	return "Approve"
}

func quote(subject string) string {
	if subject == "" {
		return "(no subject)"
	}
	return `"` + subject + `"`
}
