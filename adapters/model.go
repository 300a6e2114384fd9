package adapters

import (
	"context"
	"net/http"

	"github.com/sicko7947/triageflow"
)

// ModelClient talks to the classification and generation service.
//
//	POST /v1/classify  {"text": "..."}                   → {"category": "...", "confidence": 0.9}
//	POST /v1/generate  GenerationContext                → {"draft": "..."}
type ModelClient struct {
	c *client
}

// NewModelClient creates a model service client
func NewModelClient(cfg ClientConfig, opts ...ClientOption) *ModelClient {
	return &ModelClient{c: newClient("model", cfg, opts...)}
}

type classifyRequest struct {
	Text string `json:"text"`
}

// Classify implements triageflow.Classifier
func (m *ModelClient) Classify(ctx context.Context, text string) (triageflow.Classification, error) {
	var out triageflow.Classification
	if err := m.c.do(ctx, http.MethodPost, "/v1/classify", classifyRequest{Text: text}, &out); err != nil {
		return triageflow.Classification{}, err
	}
	return out, nil
}

type generateResponse struct {
	Draft string `json:"draft"`
}

// Generate implements triageflow.Generator
func (m *ModelClient) Generate(ctx context.Context, gc triageflow.GenerationContext) (string, error) {
	var out generateResponse
	if err := m.c.do(ctx, http.MethodPost, "/v1/generate", gc, &out); err != nil {
		return "", err
	}
	return out.Draft, nil
}
