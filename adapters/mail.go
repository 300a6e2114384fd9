package adapters

import (
	"context"
	"net/http"
	"net/url"
)

// MailClient applies actions through the mail service
type MailClient struct {
	c *client
}

// NewMailClient creates a mail service client
func NewMailClient(cfg ClientConfig, opts ...ClientOption) *MailClient {
	return &MailClient{c: newClient("mail", cfg, opts...)}
}

type labelRequest struct {
	LabelID string `json:"labelId"`
}

// ApplyLabel implements triageflow.MailProvider
func (m *MailClient) ApplyLabel(ctx context.Context, messageID, labelID string) error {
	return m.c.do(ctx, http.MethodPost, "/v1/messages/"+url.PathEscape(messageID)+"/labels", labelRequest{LabelID: labelID}, nil)
}

type replyRequest struct {
	Body      string `json:"body"`
	ThreadRef string `json:"threadRef,omitempty"`
}

// SendReply implements triageflow.MailProvider
func (m *MailClient) SendReply(ctx context.Context, messageID, body, threadRef string) error {
	return m.c.do(ctx, http.MethodPost, "/v1/messages/"+url.PathEscape(messageID)+"/reply", replyRequest{Body: body, ThreadRef: threadRef}, nil)
}
