package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sicko7947/triageflow"
)

// keywordClassifier stands in for the model service
type keywordClassifier struct{}

func (keywordClassifier) Classify(ctx context.Context, text string) (triageflow.Classification, error) {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "unsubscribe"):
		return triageflow.Classification{Category: "newsletter", Confidence: 0.9}, nil
	case strings.Contains(lower, "invoice"):
		return triageflow.Classification{Category: "billing", Confidence: 0.8}, nil
	case strings.Contains(lower, "?"):
		return triageflow.Classification{Category: "needs_response", Confidence: 0.7}, nil
	default:
		return triageflow.Classification{Category: "other", Confidence: 0.5}, nil
	}
}

// templateGenerator drafts a canned reply from the subject section
type templateGenerator struct{}

func (templateGenerator) Generate(ctx context.Context, gc triageflow.GenerationContext) (string, error) {
	subject := ""
	for _, s := range gc.Sections {
		if s.Name == "subject" {
			subject = s.Content
		}
	}
	return fmt.Sprintf("Thanks for your note about %q. I'll get back to you shortly.", subject), nil
}

// consoleMail logs mail operations instead of performing them
type consoleMail struct {
	logger zerolog.Logger
}

func (m consoleMail) ApplyLabel(ctx context.Context, messageID, labelID string) error {
	m.logger.Info().Str("message_id", messageID).Str("label_id", labelID).Msg("Label applied")
	return nil
}

func (m consoleMail) SendReply(ctx context.Context, messageID, body, threadRef string) error {
	m.logger.Info().Str("message_id", messageID).Str("thread_ref", threadRef).Str("body", body).Msg("Reply sent")
	return nil
}

// consoleChannel prints decision requests
type consoleChannel struct {
	logger zerolog.Logger

	mu   sync.Mutex
	next int
}

func (c *consoleChannel) SendDecisionRequest(ctx context.Context, userRef, summary string, actions []triageflow.ActionSpec) (string, error) {
	c.mu.Lock()
	c.next++
	id := fmt.Sprintf("msg-%d", c.next)
	c.mu.Unlock()

	codes := make([]string, 0, len(actions))
	for _, a := range actions {
		codes = append(codes, a.Code)
	}
	c.logger.Info().Str("message_id", id).Str("user", userRef).Strs("actions", codes).Msg(summary)
	return id, nil
}

func (c *consoleChannel) EditNotification(ctx context.Context, channelMessageID, text string) error {
	c.logger.Info().Str("message_id", channelMessageID).Msg(text)
	return nil
}
