package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/triageflow"
	"github.com/sicko7947/triageflow/builder"
	"github.com/sicko7947/triageflow/store"
	"github.com/stretchr/testify/require"
)

// fastRetry keeps node retries quick in tests
var fastRetry = triageflow.RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   time.Millisecond,
	MaxDelay:    5 * time.Millisecond,
	Backoff:     triageflow.BackoffExponential,
	Timeout:     time.Second,
}

func testConfig() triageflow.EngineConfig {
	cfg := triageflow.DefaultEngineConfig
	cfg.PersistPolicy = fastRetry
	cfg.DecisionTTL = time.Hour
	return cfg
}

// pipeline is a triage-shaped definition whose handlers count their calls
// and can be replaced per test
type pipeline struct {
	classification string

	calls   sync.Map // node id -> *atomic.Int32
	execute triageflow.NodeHandler
}

func (p *pipeline) count(id string) int {
	v, ok := p.calls.Load(id)
	if !ok {
		return 0
	}
	return int(v.(*atomic.Int32).Load())
}

func (p *pipeline) counted(id string, h triageflow.NodeHandler) triageflow.NodeHandler {
	return func(ctx *triageflow.NodeContext, s triageflow.WorkflowState) (triageflow.StatePatch, error) {
		v, _ := p.calls.LoadOrStore(id, new(atomic.Int32))
		v.(*atomic.Int32).Add(1)
		if h == nil {
			return triageflow.StatePatch{}, nil
		}
		return h(ctx, s)
	}
}

func (p *pipeline) definition() *triageflow.Definition {
	classify := func(ctx *triageflow.NodeContext, s triageflow.WorkflowState) (triageflow.StatePatch, error) {
		mode := triageflow.ResponseModeSortOnly
		if p.classification == triageflow.ResponseModeNeedsResponse {
			mode = triageflow.ResponseModeNeedsResponse
		}
		return triageflow.StatePatch{Classification: triageflow.ToPtr(p.classification), ResponseMode: &mode}, nil
	}
	draft := func(ctx *triageflow.NodeContext, s triageflow.WorkflowState) (triageflow.StatePatch, error) {
		return triageflow.StatePatch{DraftResponse: triageflow.ToPtr("Thanks, will do.")}, nil
	}
	notify := func(ctx *triageflow.NodeContext, s triageflow.WorkflowState) (triageflow.StatePatch, error) {
		return triageflow.StatePatch{ChannelMessageID: triageflow.ToPtr("msg-" + s.EmailID)}, nil
	}
	await := func(ctx *triageflow.NodeContext, s triageflow.WorkflowState) (triageflow.StatePatch, error) {
		return triageflow.StatePatch{DecisionDeadline: triageflow.ToPtr(s.UpdatedAt.Add(time.Hour))}, nil
	}
	execute := p.execute
	if execute == nil {
		execute = func(ctx *triageflow.NodeContext, s triageflow.WorkflowState) (triageflow.StatePatch, error) {
			outcome := triageflow.OutcomeApproved
			if *s.Decision == triageflow.DecisionReject {
				outcome = triageflow.OutcomeRejected
			}
			return triageflow.StatePatch{Outcome: &outcome}, nil
		}
	}

	n := func(id string, stage triageflow.Stage, h triageflow.NodeHandler, opts ...triageflow.NodeOption) *triageflow.Node {
		opts = append([]triageflow.NodeOption{triageflow.WithRetry(fastRetry)}, opts...)
		return triageflow.NewNode(id, id, stage, p.counted(id, h), opts...)
	}

	return builder.NewDefinition("email-triage", "Email triage").
		Then(n("extract_context", triageflow.StageContextExtracted, nil)).
		Then(n("classify", triageflow.StageClassified, classify)).
		Then(n("detect_priority", triageflow.StagePriorityScored, nil)).
		Branch(triageflow.ResponseModeRouter(map[string]string{"needs_response": "generate_response"}, "notify"),
			n("generate_response", triageflow.StageDrafted, draft, triageflow.WithSkipStage(triageflow.StageSkippedDraft))).
		Then(n("notify", triageflow.StageNotified, notify)).
		Suspend(n("await_decision", triageflow.StageAwaitingDecision, await)).
		Then(n("execute_action", triageflow.StageActionExecuted, execute)).
		Then(n("send_confirmation", triageflow.StageConfirmed, nil)).
		MustBuild()
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []string
	edits map[string][]string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{edits: make(map[string][]string)}
}

func (f *fakeNotifier) SendDecisionRequest(ctx context.Context, userRef, summary string, actions []triageflow.ActionSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, summary)
	return "sent-" + userRef, nil
}

func (f *fakeNotifier) EditNotification(ctx context.Context, channelMessageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[channelMessageID] = append(f.edits[channelMessageID], text)
	return nil
}

func (f *fakeNotifier) editsFor(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.edits[id]...)
}

// flakyStore fails checkpoint writes while failWrites is set
type flakyStore struct {
	*store.MemoryStore
	failWrites atomic.Bool
}

func (f *flakyStore) Write(ctx context.Context, instanceID string, expected int64, state *triageflow.WorkflowState) (int64, error) {
	if f.failWrites.Load() {
		return 0, errors.New("connection reset")
	}
	return f.MemoryStore.Write(ctx, instanceID, expected, state)
}

type fixture struct {
	engine   *Engine
	store    *store.MemoryStore
	pipeline *pipeline
	notifier *fakeNotifier
	clock    *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func createTestEngine(t *testing.T, classification string, opts ...EngineOption) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	return createTestEngineWith(t, mem, mem, &pipeline{classification: classification}, opts...)
}

func createTestEngineWith(t *testing.T, cs triageflow.CheckpointStore, mem *store.MemoryStore, p *pipeline, opts ...EngineOption) *fixture {
	t.Helper()

	notifier := newFakeNotifier()
	clock := &testClock{now: time.Now()}

	all := append([]EngineOption{
		WithLogger(zerolog.Nop()),
		WithConfig(testConfig()),
		WithNotifier(notifier),
		WithClock(clock.Now),
	}, opts...)

	eng, err := NewEngine(cs, mem, p.definition(), all...)
	require.NoError(t, err)

	return &fixture{engine: eng, store: mem, pipeline: p, notifier: notifier, clock: clock}
}

func testEmail(id string) triageflow.NewEmail {
	return triageflow.NewEmail{
		EmailID:    id,
		UserID:     "user-1",
		Sender:     "alice@example.com",
		Subject:    "Quarterly numbers",
		Body:       "Can you send the report?",
		ReceivedAt: time.Now().UTC(),
	}
}

func stagesOf(history []*triageflow.CheckpointRecord) []triageflow.Stage {
	stages := make([]triageflow.Stage, len(history))
	for i, rec := range history {
		stages[i] = rec.Stage
	}
	return stages
}
