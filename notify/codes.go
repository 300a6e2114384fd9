package notify

import (
	"fmt"

	"github.com/sicko7947/triageflow"
)

// Action codes carried by decision callbacks
const (
	ActionApprove      = "approve"
	ActionReject       = "reject"
	ActionChangeFolder = "change_folder"
	ActionEdit         = "edit"
)

// Command is a parsed decision callback
type Command struct {
	Code string

	// Decision is set for approve, reject and change_folder
	Decision *triageflow.DecisionInput

	// Draft is the replacement text for edit
	Draft string
}

// ParseCommand maps a callback's action code and payload to a command
func ParseCommand(cb triageflow.DecisionCallback) (Command, error) {
	cmd := Command{Code: cb.ActionCode}

	switch cb.ActionCode {
	case ActionApprove:
		cmd.Decision = &triageflow.DecisionInput{Decision: triageflow.DecisionApprove}
	case ActionReject:
		cmd.Decision = &triageflow.DecisionInput{Decision: triageflow.DecisionReject}
	case ActionChangeFolder:
		cmd.Decision = &triageflow.DecisionInput{
			Decision:      triageflow.DecisionChangeFolder,
			TargetLabelID: cb.SelectedOption,
		}
		if err := cmd.Decision.Validate(); err != nil {
			return Command{}, err
		}
	case ActionEdit:
		if cb.Payload == "" {
			return Command{}, triageflow.NewWorkflowError(triageflow.ErrCodeValidation, "edit requires a payload")
		}
		cmd.Draft = cb.Payload
	default:
		return Command{}, triageflow.NewWorkflowError(triageflow.ErrCodeValidation,
			fmt.Sprintf("unknown action code %q", cb.ActionCode))
	}

	return cmd, nil
}
