package adapters

import (
	"context"
	"net/http"
	"net/url"

	"github.com/sicko7947/triageflow"
)

// MessagingClient posts decision requests to the messaging webhook
type MessagingClient struct {
	c *client
}

// NewMessagingClient creates a messaging client
func NewMessagingClient(cfg ClientConfig, opts ...ClientOption) *MessagingClient {
	return &MessagingClient{c: newClient("messaging", cfg, opts...)}
}

type sendRequest struct {
	UserRef string                  `json:"userRef"`
	Text    string                  `json:"text"`
	Actions []triageflow.ActionSpec `json:"actions,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
}

// SendDecisionRequest implements triageflow.NotificationChannel
func (m *MessagingClient) SendDecisionRequest(ctx context.Context, userRef, summary string, actions []triageflow.ActionSpec) (string, error) {
	var out sendResponse
	if err := m.c.do(ctx, http.MethodPost, "/v1/messages", sendRequest{UserRef: userRef, Text: summary, Actions: actions}, &out); err != nil {
		return "", err
	}
	if out.MessageID == "" {
		return "", triageflow.NewWorkflowError(triageflow.ErrCodeValidation, "messaging service returned no message id")
	}
	return out.MessageID, nil
}

type editRequest struct {
	Text string `json:"text"`
}

// EditNotification implements triageflow.NotificationChannel
func (m *MessagingClient) EditNotification(ctx context.Context, channelMessageID, text string) error {
	return m.c.do(ctx, http.MethodPatch, "/v1/messages/"+url.PathEscape(channelMessageID), editRequest{Text: text}, nil)
}
