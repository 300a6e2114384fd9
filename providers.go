package triageflow

import "context"

// NotificationChannel is the interactive messaging surface decisions are requested on
type NotificationChannel interface {
	// SendDecisionRequest posts a message offering actions and returns its id
	SendDecisionRequest(ctx context.Context, userRef, summary string, actions []ActionSpec) (string, error)

	// EditNotification replaces the text of a previously sent message
	EditNotification(ctx context.Context, channelMessageID, text string) error
}

// MailProvider applies mutating actions to the user's mailbox
type MailProvider interface {
	ApplyLabel(ctx context.Context, messageID, labelID string) error
	SendReply(ctx context.Context, messageID, body, threadRef string) error
}

// Classifier assigns a category to email text
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// Generator drafts a reply from a bounded context
type Generator interface {
	Generate(ctx context.Context, gc GenerationContext) (string, error)
}
