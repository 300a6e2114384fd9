package triage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/triageflow"
	"github.com/sicko7947/triageflow/action"
	"github.com/sicko7947/triageflow/engine"
	"github.com/sicko7947/triageflow/notify"
	"github.com/sicko7947/triageflow/priority"
	"github.com/sicko7947/triageflow/responder"
	"github.com/sicko7947/triageflow/store"
	"github.com/stretchr/testify/require"
)

var fastRetry = triageflow.RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   time.Millisecond,
	MaxDelay:    5 * time.Millisecond,
	Backoff:     triageflow.BackoffExponential,
	Timeout:     time.Second,
}

// fakeClassifier classifies by subject
type fakeClassifier struct {
	bySubject map[string]string
}

func (f *fakeClassifier) Classify(ctx context.Context, text string) (triageflow.Classification, error) {
	for subject, category := range f.bySubject {
		if len(text) >= len(subject) && text[:len(subject)] == subject {
			return triageflow.Classification{Category: category, Confidence: 0.9}, nil
		}
	}
	return triageflow.Classification{Category: "other", Confidence: 0.5}, nil
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeGenerator) Generate(ctx context.Context, gc triageflow.GenerationContext) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "Thanks for reaching out, the contract is attached.", nil
}

type mailCall struct {
	Op        string
	MessageID string
	Arg       string
}

type fakeMail struct {
	mu        sync.Mutex
	calls     []mailCall
	labelErrs []error
}

func (f *fakeMail) ApplyLabel(ctx context.Context, messageID, labelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mailCall{"label", messageID, labelID})
	if len(f.labelErrs) > 0 {
		err := f.labelErrs[0]
		f.labelErrs = f.labelErrs[1:]
		return err
	}
	return nil
}

func (f *fakeMail) SendReply(ctx context.Context, messageID, body, threadRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mailCall{"reply", messageID, body})
	return nil
}

func (f *fakeMail) snapshot() []mailCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mailCall(nil), f.calls...)
}

type sentRequest struct {
	UserRef string
	Summary string
	Actions []triageflow.ActionSpec
}

type fakeChannel struct {
	mu    sync.Mutex
	next  int
	sent  map[string]sentRequest
	edits map[string][]string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{sent: make(map[string]sentRequest), edits: make(map[string][]string)}
}

func (f *fakeChannel) SendDecisionRequest(ctx context.Context, userRef, summary string, actions []triageflow.ActionSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("msg-%d", f.next)
	f.sent[id] = sentRequest{UserRef: userRef, Summary: summary, Actions: actions}
	return id, nil
}

func (f *fakeChannel) EditNotification(ctx context.Context, channelMessageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[channelMessageID] = append(f.edits[channelMessageID], text)
	return nil
}

func (f *fakeChannel) editsFor(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.edits[id]...)
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	engine    *engine.Engine
	callbacks *notify.CallbackHandler
	store     *store.MemoryStore
	mail      *fakeMail
	channel   *fakeChannel
	generator *fakeGenerator
}

var testFolders = []triageflow.ActionOption{
	{ID: "Label_News", Label: "Newsletters"},
	{ID: "Label_Clients", Label: "Clients"},
	{ID: "Label_Finance", Label: "Finance"},
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:     store.NewMemoryStore(),
		mail:      &fakeMail{},
		channel:   newFakeChannel(),
		generator: &fakeGenerator{},
	}
	logger := zerolog.Nop()
	renderer := notify.NewRenderer(testFolders)

	def, err := NewDefinition(Deps{
		Classifier: &fakeClassifier{bySubject: map[string]string{
			"Weekly digest":    "newsletter",
			"Contract renewal": "client_inquiry",
		}},
		Responder: responder.New(h.generator, responder.WithLogger(logger), responder.WithRetryPolicy(fastRetry)),
		Detector:  priority.NewDetector(priority.DefaultConfig),
		Channel:   h.channel,
		Registry:  h.store,
		Actions:   action.NewExecutor(h.mail, action.WithLogger(logger), action.WithRetryPolicy(fastRetry)),
		Renderer:  renderer,
		Labels: Labels{
			ByCategory: map[string]string{"newsletter": "Label_News", "client_inquiry": "Label_Clients"},
			Default:    "Label_Inbox",
		},
		DecisionTTL: 24 * time.Hour,
		Retry:       fastRetry,
		StepTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	cfg := triageflow.DefaultEngineConfig
	cfg.PersistPolicy = fastRetry
	cfg.DecisionTTL = 24 * time.Hour

	h.engine, err = engine.NewEngine(h.store, h.store, def,
		engine.WithLogger(logger),
		engine.WithConfig(cfg),
		engine.WithNotifier(h.channel),
		engine.WithNotices(renderer),
	)
	require.NoError(t, err)

	h.callbacks = notify.NewCallbackHandler(h.store, h.engine, h.channel,
		notify.WithLogger(logger), notify.WithRenderer(renderer))
	return h
}

func newsletter(id string) triageflow.NewEmail {
	return triageflow.NewEmail{
		EmailID:    id,
		UserID:     "user-1",
		Sender:     "Acme News <news@acme.com>",
		Subject:    "Weekly digest",
		Body:       "This week: product updates and events.",
		ReceivedAt: time.Now().UTC(),
	}
}

func clientInquiry(id string) triageflow.NewEmail {
	return triageflow.NewEmail{
		EmailID:    id,
		UserID:     "user-1",
		Sender:     "Bob <bob@client.io>",
		Subject:    "Contract renewal",
		Body:       "Could you send the renewed contract before the deadline?\n\n> earlier thread",
		ThreadRef:  "thread-42",
		ReceivedAt: time.Now().UTC(),
	}
}

func (h *harness) state(t *testing.T, instanceID string) *triageflow.WorkflowState {
	t.Helper()
	snap, err := h.engine.GetInstance(context.Background(), instanceID)
	require.NoError(t, err)
	require.NotNil(t, snap.State)
	return snap.State
}

func (h *harness) decide(channelMessageID, code string) (*engine.Result, error) {
	return h.callbacks.Handle(context.Background(), triageflow.DecisionCallback{
		ChannelMessageID: channelMessageID,
		ActionCode:       code,
		ActingUserRef:    "user-1",
	})
}

func stagesOf(history []*triageflow.CheckpointRecord) []triageflow.Stage {
	stages := make([]triageflow.Stage, len(history))
	for i, rec := range history {
		stages[i] = rec.Stage
	}
	return stages
}
