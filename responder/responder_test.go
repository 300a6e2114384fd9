package responder

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/triageflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGenerator struct {
	calls atomic.Int32
	fn    func(attempt int, gc triageflow.GenerationContext) (string, error)
}

func (s *stubGenerator) Generate(ctx context.Context, gc triageflow.GenerationContext) (string, error) {
	n := int(s.calls.Add(1))
	return s.fn(n, gc)
}

var fastRetry = triageflow.RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   time.Millisecond,
	Backoff:     triageflow.BackoffExponential,
	Timeout:     time.Second,
}

func testState() triageflow.WorkflowState {
	return triageflow.WorkflowState{
		InstanceID: "inst-1",
		EmailID:    "email-1",
		UserID:     "user-1",
		Stage:      triageflow.StagePriorityScored,
		Email: triageflow.EmailEnvelope{
			MessageID: "email-1",
			ThreadRef: "thread-9",
			Sender:    "alice@acme.com",
			Subject:   "Contract renewal",
			Body:      "Could you send the updated contract by Friday?",
		},
		Context: &triageflow.EmailContext{
			SenderDomain: "acme.com",
			Keywords:     []string{"contract", "friday"},
			Excerpt:      "Could you send the updated contract by Friday?",
		},
		Classification: "needs_response",
		PriorityScore:  70,
		Urgent:         true,
	}
}

func TestBuildContext(t *testing.T) {
	r := New(&stubGenerator{}, WithLogger(zerolog.Nop()))

	gc := r.BuildContext(testState())

	assert.Equal(t, "inst-1", gc.InstanceID)
	assert.Equal(t, "thread-9", gc.Metadata["thread_ref"])

	names := make([]string, len(gc.Sections))
	for i, s := range gc.Sections {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"subject", "sender", "analysis", "keywords", "body"}, names)
	assert.Equal(t, "classification=needs_response priority=70 urgent", gc.Sections[2].Content)
}

func TestBuildContext_Bounded(t *testing.T) {
	state := testState()
	state.Context.Excerpt = strings.Repeat("x", 5000)

	r := New(&stubGenerator{}, WithLogger(zerolog.Nop()), WithBudget(Budget{MaxChars: 300, MinSectionChars: 10, Marker: "…"}))
	gc := r.BuildContext(state)

	assert.LessOrEqual(t, Size(gc.Sections), 300)
	assert.Equal(t, "Contract renewal", gc.Sections[0].Content, "high-priority sections are untouched")
}

func TestDraft_Success(t *testing.T) {
	gen := &stubGenerator{fn: func(attempt int, gc triageflow.GenerationContext) (string, error) {
		if attempt < 2 {
			return "", triageflow.NewTransientError(triageflow.ErrCodeTimeout, errors.New("slow"))
		}
		return "Sure, attached.", nil
	}}
	r := New(gen, WithLogger(zerolog.Nop()), WithRetryPolicy(fastRetry))

	d, err := r.Draft(context.Background(), testState())
	require.NoError(t, err)
	assert.Equal(t, "Sure, attached.", d.Text)
	assert.False(t, d.Degraded)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestDraft_DegradesAfterRetries(t *testing.T) {
	gen := &stubGenerator{fn: func(int, triageflow.GenerationContext) (string, error) {
		return "", triageflow.NewTransientError(triageflow.ErrCodeRateLimited, errors.New("429"))
	}}
	r := New(gen, WithLogger(zerolog.Nop()), WithRetryPolicy(fastRetry))

	d, err := r.Draft(context.Background(), testState())
	require.NoError(t, err)
	assert.True(t, d.Degraded)
	assert.Empty(t, d.Text)
	assert.Equal(t, triageflow.ErrCodeRateLimited, triageflow.ErrorCode(d.Cause))
	assert.Equal(t, int32(3), gen.calls.Load())
}

func TestDraft_EmptyDraftDegrades(t *testing.T) {
	gen := &stubGenerator{fn: func(int, triageflow.GenerationContext) (string, error) {
		return "   ", nil
	}}
	r := New(gen, WithLogger(zerolog.Nop()), WithRetryPolicy(fastRetry))

	d, err := r.Draft(context.Background(), testState())
	require.NoError(t, err)
	assert.True(t, d.Degraded)
	assert.Equal(t, int32(1), gen.calls.Load(), "validation failures are not retried")
}

func TestDraft_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &stubGenerator{fn: func(int, triageflow.GenerationContext) (string, error) {
		cancel()
		return "", triageflow.NewTransientError(triageflow.ErrCodeTransient, errors.New("reset"))
	}}
	r := New(gen, WithLogger(zerolog.Nop()), WithRetryPolicy(fastRetry))

	_, err := r.Draft(ctx, testState())
	assert.ErrorIs(t, err, context.Canceled)
}
