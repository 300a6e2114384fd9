package action

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/triageflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	Op        string
	MessageID string
	Arg       string
}

type fakeMail struct {
	mu        sync.Mutex
	calls     []call
	failLabel []error
	failReply []error
}

func (f *fakeMail) ApplyLabel(ctx context.Context, messageID, labelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"label", messageID, labelID})
	if len(f.failLabel) > 0 {
		err := f.failLabel[0]
		f.failLabel = f.failLabel[1:]
		return err
	}
	return nil
}

func (f *fakeMail) SendReply(ctx context.Context, messageID, body, threadRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"reply", messageID, body})
	if len(f.failReply) > 0 {
		err := f.failReply[0]
		f.failReply = f.failReply[1:]
		return err
	}
	return nil
}

var fastRetry = triageflow.RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   time.Millisecond,
	Backoff:     triageflow.BackoffExponential,
	Timeout:     time.Second,
}

func decided(d triageflow.Decision) triageflow.WorkflowState {
	return triageflow.WorkflowState{
		InstanceID:      "inst-1",
		EmailID:         "email-1",
		Stage:           d.Stage(),
		Email:           triageflow.EmailEnvelope{MessageID: "email-1", ThreadRef: "thread-1"},
		ProposedLabelID: "Label_Newsletters",
		Decision:        &d,
	}
}

func newTestExecutor(mail *fakeMail) *Executor {
	return NewExecutor(mail, WithLogger(zerolog.Nop()), WithRetryPolicy(fastRetry))
}

func rateLimited() error {
	return triageflow.NewTransientError(triageflow.ErrCodeRateLimited, errors.New("429 Too Many Requests"))
}

func TestExecute_ApproveAppliesProposedLabel(t *testing.T) {
	mail := &fakeMail{}
	effect, err := newTestExecutor(mail).Execute(context.Background(), decided(triageflow.DecisionApprove))

	require.NoError(t, err)
	assert.Equal(t, Effect{Outcome: triageflow.OutcomeApproved, LabelID: "Label_Newsletters"}, effect)
	assert.Equal(t, []call{{"label", "email-1", "Label_Newsletters"}}, mail.calls)
}

func TestExecute_ApproveSendsDraftFirst(t *testing.T) {
	mail := &fakeMail{}
	state := decided(triageflow.DecisionApprove)
	state.DraftResponse = triageflow.ToPtr("Thanks!")

	effect, err := newTestExecutor(mail).Execute(context.Background(), state)

	require.NoError(t, err)
	assert.True(t, effect.Replied)
	assert.Equal(t, []call{
		{"reply", "email-1", "Thanks!"},
		{"label", "email-1", "Label_Newsletters"},
	}, mail.calls)
}

func TestExecute_RejectMutatesNothing(t *testing.T) {
	mail := &fakeMail{}
	state := decided(triageflow.DecisionReject)
	state.DraftResponse = triageflow.ToPtr("Thanks!")

	effect, err := newTestExecutor(mail).Execute(context.Background(), state)

	require.NoError(t, err)
	assert.Equal(t, triageflow.OutcomeRejected, effect.Outcome)
	assert.Empty(t, mail.calls)
}

func TestExecute_ChangeFolder(t *testing.T) {
	mail := &fakeMail{}
	state := decided(triageflow.DecisionChangeFolder)
	state.TargetLabelID = triageflow.ToPtr("Label_Finance")

	effect, err := newTestExecutor(mail).Execute(context.Background(), state)

	require.NoError(t, err)
	assert.Equal(t, Effect{Outcome: triageflow.OutcomeFolderChanged, LabelID: "Label_Finance"}, effect)
	assert.Equal(t, []call{{"label", "email-1", "Label_Finance"}}, mail.calls)
}

func TestExecute_ChangeFolderRequiresTarget(t *testing.T) {
	mail := &fakeMail{}
	_, err := newTestExecutor(mail).Execute(context.Background(), decided(triageflow.DecisionChangeFolder))

	assert.True(t, triageflow.IsValidation(err))
	assert.Empty(t, mail.calls)
}

func TestExecute_NoDecision(t *testing.T) {
	state := decided(triageflow.DecisionApprove)
	state.Decision = nil

	_, err := newTestExecutor(&fakeMail{}).Execute(context.Background(), state)
	assert.True(t, triageflow.IsValidation(err))
}

func TestExecute_TransientFailureRecovers(t *testing.T) {
	mail := &fakeMail{failLabel: []error{rateLimited(), rateLimited()}}

	_, err := newTestExecutor(mail).Execute(context.Background(), decided(triageflow.DecisionApprove))

	require.NoError(t, err)
	assert.Len(t, mail.calls, 3)
}

func TestExecute_RateLimitedThreeTimes(t *testing.T) {
	mail := &fakeMail{failLabel: []error{rateLimited(), rateLimited(), rateLimited()}}

	_, err := newTestExecutor(mail).Execute(context.Background(), decided(triageflow.DecisionApprove))

	require.Error(t, err)
	assert.Equal(t, triageflow.ErrCodeRateLimited, triageflow.ErrorCode(err))
	assert.Len(t, mail.calls, 3)
}

func TestExecute_PermanentFailureNotRetried(t *testing.T) {
	mail := &fakeMail{failReply: []error{triageflow.NewWorkflowError(triageflow.ErrCodeValidation, "thread not found")}}
	state := decided(triageflow.DecisionApprove)
	state.DraftResponse = triageflow.ToPtr("Thanks!")

	_, err := newTestExecutor(mail).Execute(context.Background(), state)

	require.Error(t, err)
	assert.Equal(t, []call{{"reply", "email-1", "Thanks!"}}, mail.calls, "label is not applied after a failed reply")
}
