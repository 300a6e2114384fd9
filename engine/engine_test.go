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
	"github.com/sicko7947/triageflow/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngine_RequiresValidDefinition(t *testing.T) {
	mem := store.NewMemoryStore()

	_, err := NewEngine(mem, mem, nil, WithLogger(zerolog.Nop()))
	assert.Error(t, err)

	_, err = NewEngine(mem, mem, triageflow.NewDefinition("empty", "Empty"), WithLogger(zerolog.Nop()))
	assert.Error(t, err)
}

func TestEngine_Start_SortOnlyPathSuspends(t *testing.T) {
	f := createTestEngine(t, "newsletter")
	ctx := context.Background()

	res, err := f.engine.Start(ctx, testEmail("email-1"))
	require.NoError(t, err)

	assert.True(t, res.Suspended)
	assert.Equal(t, triageflow.StageAwaitingDecision, res.Stage)
	assert.Equal(t, 0, f.pipeline.count("generate_response"))
	assert.Equal(t, 0, f.pipeline.count("execute_action"))

	assert.Equal(t, []triageflow.Stage{
		triageflow.StageCreated,
		triageflow.StageContextExtracted,
		triageflow.StageClassified,
		triageflow.StagePriorityScored,
		triageflow.StageSkippedDraft,
		triageflow.StageNotified,
		triageflow.StageAwaitingDecision,
	}, stagesOf(f.store.History(res.InstanceID)))

	snap, err := f.engine.GetInstance(ctx, res.InstanceID)
	require.NoError(t, err)
	assert.Nil(t, snap.State.DraftResponse)
	assert.Nil(t, snap.State.Decision)
	assert.Equal(t, "msg-email-1", snap.State.ChannelMessageID)
	assert.NotNil(t, snap.State.DecisionDeadline)
	assert.Equal(t, triageflow.StageAwaitingDecision, snap.Mapping.Stage)
}

func TestEngine_Start_NeedsResponseDrafts(t *testing.T) {
	f := createTestEngine(t, "needs_response")
	ctx := context.Background()

	res, err := f.engine.Start(ctx, testEmail("email-1"))
	require.NoError(t, err)

	assert.Equal(t, 1, f.pipeline.count("generate_response"))
	stages := stagesOf(f.store.History(res.InstanceID))
	assert.Contains(t, stages, triageflow.StageDrafted)
	assert.NotContains(t, stages, triageflow.StageSkippedDraft)

	snap, err := f.engine.GetInstance(ctx, res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "Thanks, will do.", snap.State.Draft())
}

func TestEngine_Start_Duplicate(t *testing.T) {
	f := createTestEngine(t, "newsletter")
	ctx := context.Background()

	_, err := f.engine.Start(ctx, testEmail("email-1"))
	require.NoError(t, err)

	_, err = f.engine.Start(ctx, testEmail("email-1"))
	assert.True(t, errors.Is(err, triageflow.ErrDuplicateInstance))
	assert.Equal(t, 1, f.pipeline.count("extract_context"))
}

func TestEngine_Start_InvalidEmail(t *testing.T) {
	f := createTestEngine(t, "newsletter")

	_, err := f.engine.Start(context.Background(), triageflow.NewEmail{UserID: "u"})
	assert.True(t, triageflow.IsValidation(err))
}

func TestEngine_Resume_Approve(t *testing.T) {
	f := createTestEngine(t, "newsletter")
	ctx := context.Background()

	started, err := f.engine.Start(ctx, testEmail("email-1"))
	require.NoError(t, err)

	res, err := f.engine.Resume(ctx, started.InstanceID, triageflow.DecisionInput{Decision: triageflow.DecisionApprove})
	require.NoError(t, err)

	assert.Equal(t, triageflow.StageConfirmed, res.Stage)
	assert.Equal(t, triageflow.OutcomeApproved, res.Outcome)
	assert.False(t, res.AlreadyProcessed)

	history := stagesOf(f.store.History(started.InstanceID))
	assert.Equal(t, []triageflow.Stage{
		triageflow.StageAwaitingDecision,
		triageflow.StageApproved,
		triageflow.StageActionExecuted,
		triageflow.StageConfirmed,
	}, history[len(history)-4:])

	mapping, err := f.store.Get(ctx, started.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, triageflow.StageConfirmed, mapping.Stage)
}

func TestEngine_Resume_ChangeFolderRecordsTarget(t *testing.T) {
	f := createTestEngine(t, "newsletter")
	ctx := context.Background()

	started, err := f.engine.Start(ctx, testEmail("email-1"))
	require.NoError(t, err)

	_, err = f.engine.Resume(ctx, started.InstanceID, triageflow.DecisionInput{Decision: triageflow.DecisionChangeFolder})
	assert.True(t, triageflow.IsValidation(err), "a target label is required")

	_, err = f.engine.Resume(ctx, started.InstanceID, triageflow.DecisionInput{
		Decision:      triageflow.DecisionChangeFolder,
		TargetLabelID: "Label_9",
	})
	require.NoError(t, err)

	snap, err := f.engine.GetInstance(ctx, started.InstanceID)
	require.NoError(t, err)
	require.NotNil(t, snap.State.TargetLabelID)
	assert.Equal(t, "Label_9", *snap.State.TargetLabelID)
	assert.Equal(t, triageflow.DecisionChangeFolder, *snap.State.Decision)
}

func TestEngine_Resume_DuplicateIsNoOp(t *testing.T) {
	f := createTestEngine(t, "newsletter")
	ctx := context.Background()

	started, err := f.engine.Start(ctx, testEmail("email-1"))
	require.NoError(t, err)

	decision := triageflow.DecisionInput{Decision: triageflow.DecisionApprove}
	_, err = f.engine.Resume(ctx, started.InstanceID, decision)
	require.NoError(t, err)
	before := len(f.store.History(started.InstanceID))

	again, err := f.engine.Resume(ctx, started.InstanceID, decision)
	require.NoError(t, err)

	assert.True(t, again.AlreadyProcessed)
	assert.Equal(t, triageflow.StageConfirmed, again.Stage)
	assert.Equal(t, 1, f.pipeline.count("execute_action"))
	assert.Len(t, f.store.History(started.InstanceID), before, "no state mutation")
}

func TestEngine_Resume_ConcurrentDeliveriesApplyOnce(t *testing.T) {
	f := createTestEngine(t, "newsletter")
	ctx := context.Background()

	started, err := f.engine.Start(ctx, testEmail("email-1"))
	require.NoError(t, err)

	var applied, ignored atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Resume(ctx, started.InstanceID, triageflow.DecisionInput{Decision: triageflow.DecisionApprove})
			if !assert.NoError(t, err) {
				return
			}
			if res.AlreadyProcessed {
				ignored.Add(1)
			} else {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	assert.Equal(t, int32(9), ignored.Load())
	assert.Equal(t, 1, f.pipeline.count("execute_action"))
}

func TestEngine_Resume_BeforeSuspension(t *testing.T) {
	f := createTestEngine(t, "newsletter")
	mem := f.store
	ctx := context.Background()

	instanceID, err := mem.Create(ctx, "email-1")
	require.NoError(t, err)
	_, err = mem.Write(ctx, instanceID, 0, &triageflow.WorkflowState{
		InstanceID: instanceID,
		EmailID:    "email-1",
		UserID:     "user-1",
		Stage:      triageflow.StageClassified,
	})
	require.NoError(t, err)

	res, err := f.engine.Resume(ctx, instanceID, triageflow.DecisionInput{Decision: triageflow.DecisionApprove})
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
	assert.Equal(t, triageflow.StageClassified, res.Stage)
	assert.Equal(t, 0, f.pipeline.count("execute_action"))
}

func TestEngine_Resume_UnknownInstance(t *testing.T) {
	f := createTestEngine(t, "newsletter")

	_, err := f.engine.Resume(context.Background(), "missing", triageflow.DecisionInput{Decision: triageflow.DecisionReject})
	assert.True(t, triageflow.IsNotFound(err))
}

func TestEngine_Resume_Reject(t *testing.T) {
	f := createTestEngine(t, "newsletter")
	ctx := context.Background()

	started, err := f.engine.Start(ctx, testEmail("email-1"))
	require.NoError(t, err)

	res, err := f.engine.Resume(ctx, started.InstanceID, triageflow.DecisionInput{Decision: triageflow.DecisionReject})
	require.NoError(t, err)
	assert.Equal(t, triageflow.StageConfirmed, res.Stage)
	assert.Equal(t, triageflow.OutcomeRejected, res.Outcome)
}

func TestEngine_NodeFailureMovesToError(t *testing.T) {
	p := &pipeline{classification: "newsletter"}
	p.execute = func(ctx *triageflow.NodeContext, s triageflow.WorkflowState) (triageflow.StatePatch, error) {
		return triageflow.StatePatch{}, triageflow.NewTransientError(triageflow.ErrCodeRateLimited, errors.New("429"))
	}
	mem := store.NewMemoryStore()
	f := createTestEngineWith(t, mem, mem, p)
	ctx := context.Background()

	started, err := f.engine.Start(ctx, testEmail("email-1"))
	require.NoError(t, err)

	res, err := f.engine.Resume(ctx, started.InstanceID, triageflow.DecisionInput{Decision: triageflow.DecisionApprove})
	require.Error(t, err)
	assert.True(t, triageflow.IsTerminal(err))
	require.NotNil(t, res)
	assert.Equal(t, triageflow.StageError, res.Stage)
	assert.Equal(t, fastRetry.MaxAttempts, p.count("execute_action"))

	snap, err := f.engine.GetInstance(ctx, started.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, triageflow.StageError, snap.State.Stage)
	require.NotNil(t, snap.State.Error)
	assert.Equal(t, triageflow.ErrCodeRateLimited, snap.State.Error.Code)
	assert.Equal(t, "execute_action", snap.State.Error.Node)

	edits := f.notifier.editsFor("msg-email-1")
	require.Len(t, edits, 1)
	assert.Contains(t, edits[0], "went wrong")

	again, err := f.engine.Resume(ctx, started.InstanceID, triageflow.DecisionInput{Decision: triageflow.DecisionApprove})
	require.NoError(t, err)
	assert.True(t, again.AlreadyProcessed)
}

func TestEngine_FailureBeforeNotifySendsFreshMessage(t *testing.T) {
	p := &pipeline{classification: "newsletter"}
	mem := store.NewMemoryStore()
	f := createTestEngineWith(t, mem, mem, p)
	ctx := context.Background()

	def := f.engine.Definition()
	node, err := def.Node("extract_context")
	require.NoError(t, err)
	node.Handler = func(ctx *triageflow.NodeContext, s triageflow.WorkflowState) (triageflow.StatePatch, error) {
		return triageflow.StatePatch{}, errors.New("unparseable body")
	}

	res, err := f.engine.Start(ctx, testEmail("email-1"))
	assert.True(t, triageflow.IsTerminal(err))
	require.NotNil(t, res)
	assert.Equal(t, triageflow.StageError, res.Stage)

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	assert.Len(t, f.notifier.sent, 1)
}

func TestEngine_PersistenceFailureAbortsTick(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{MemoryStore: mem}
	p := &pipeline{classification: "newsletter"}
	f := createTestEngineWith(t, flaky, mem, p)
	ctx := context.Background()

	// Let the first checkpoint land, then break writes inside classify.
	def := f.engine.Definition()
	classify, err := def.Node("classify")
	require.NoError(t, err)
	original := classify.Handler
	classify.Handler = func(ctx *triageflow.NodeContext, s triageflow.WorkflowState) (triageflow.StatePatch, error) {
		flaky.failWrites.Store(true)
		return original(ctx, s)
	}

	_, err = f.engine.Start(ctx, testEmail("email-1"))
	require.Error(t, err)
	assert.True(t, triageflow.IsPersistence(err))
	assert.False(t, triageflow.IsTerminal(err))

	// The next node never ran and no ERROR checkpoint exists.
	assert.Equal(t, 0, p.count("detect_priority"))
	instanceID, err := mem.GetInstanceID(ctx, "email-1")
	require.NoError(t, err)
	latest, err := mem.ReadLatest(ctx, instanceID)
	require.NoError(t, err)
	assert.Equal(t, triageflow.StageContextExtracted, latest.Stage)

	// The tick is retryable from the last committed checkpoint.
	classify.Handler = original
	flaky.failWrites.Store(false)
	res, err := f.engine.Continue(ctx, instanceID)
	require.NoError(t, err)
	assert.True(t, res.Suspended)
	assert.Equal(t, 1, p.count("extract_context"), "completed nodes are not rerun")
}

func TestEngine_Start_FirstCheckpointFailureRemovesMapping(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{MemoryStore: mem}
	f := createTestEngineWith(t, flaky, mem, &pipeline{classification: "newsletter"})
	ctx := context.Background()

	flaky.failWrites.Store(true)
	_, err := f.engine.Start(ctx, testEmail("email-1"))
	assert.True(t, triageflow.IsPersistence(err))

	_, err = mem.GetInstanceID(ctx, "email-1")
	assert.True(t, triageflow.IsNotFound(err))

	flaky.failWrites.Store(false)
	_, err = f.engine.Start(ctx, testEmail("email-1"))
	assert.NoError(t, err)
}

func TestEngine_Continue_NoOps(t *testing.T) {
	f := createTestEngine(t, "newsletter")
	ctx := context.Background()

	started, err := f.engine.Start(ctx, testEmail("email-1"))
	require.NoError(t, err)

	res, err := f.engine.Continue(ctx, started.InstanceID)
	require.NoError(t, err)
	assert.True(t, res.Suspended)
	assert.True(t, res.AlreadyProcessed)

	_, err = f.engine.Resume(ctx, started.InstanceID, triageflow.DecisionInput{Decision: triageflow.DecisionApprove})
	require.NoError(t, err)

	res, err = f.engine.Continue(ctx, started.InstanceID)
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
	assert.Equal(t, 1, f.pipeline.count("send_confirmation"))
}

func TestEngine_Amend(t *testing.T) {
	f := createTestEngine(t, "needs_response")
	ctx := context.Background()

	started, err := f.engine.Start(ctx, testEmail("email-1"))
	require.NoError(t, err)

	res, err := f.engine.Amend(ctx, started.InstanceID, func(s *triageflow.WorkflowState) error {
		s.DraftResponse = triageflow.ToPtr("Edited reply")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Suspended)
	assert.Equal(t, triageflow.StageAwaitingDecision, res.Stage)
	assert.Equal(t, started.Sequence+1, res.Sequence)

	snap, err := f.engine.GetInstance(ctx, started.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "Edited reply", snap.State.Draft())

	_, err = f.engine.Amend(ctx, started.InstanceID, func(s *triageflow.WorkflowState) error {
		s.Stage = triageflow.StageApproved
		return nil
	})
	assert.True(t, triageflow.IsValidation(err))

	_, err = f.engine.Resume(ctx, started.InstanceID, triageflow.DecisionInput{Decision: triageflow.DecisionReject})
	require.NoError(t, err)

	res, err = f.engine.Amend(ctx, started.InstanceID, func(s *triageflow.WorkflowState) error {
		t.Fatal("mutate must not run after a decision")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
}

func TestEngine_Reprocess(t *testing.T) {
	f := createTestEngine(t, "newsletter")
	ctx := context.Background()

	first, err := f.engine.Start(ctx, testEmail("email-1"))
	require.NoError(t, err)

	_, err = f.engine.Reprocess(ctx, testEmail("email-1"))
	assert.True(t, triageflow.IsValidation(err), "a live instance is never replaced")

	_, err = f.engine.Resume(ctx, first.InstanceID, triageflow.DecisionInput{Decision: triageflow.DecisionApprove})
	require.NoError(t, err)

	second, err := f.engine.Reprocess(ctx, testEmail("email-1"))
	require.NoError(t, err)
	assert.NotEqual(t, first.InstanceID, second.InstanceID)
	assert.True(t, second.Suspended)

	_, err = f.engine.GetInstance(ctx, first.InstanceID)
	assert.True(t, triageflow.IsNotFound(err))

	fresh, err := f.engine.Reprocess(ctx, testEmail("email-2"))
	require.NoError(t, err, "reprocessing an unknown email starts it")
	assert.True(t, fresh.Suspended)
}

func TestEngine_PruneOnTerminal(t *testing.T) {
	cfg := testConfig()
	cfg.PruneOnTerminal = true
	f := createTestEngine(t, "newsletter", WithConfig(cfg))
	ctx := context.Background()

	started, err := f.engine.Start(ctx, testEmail("email-1"))
	require.NoError(t, err)
	_, err = f.engine.Resume(ctx, started.InstanceID, triageflow.DecisionInput{Decision: triageflow.DecisionApprove})
	require.NoError(t, err)

	snap, err := f.engine.GetInstance(ctx, started.InstanceID)
	require.NoError(t, err)
	assert.Nil(t, snap.State)
	assert.Equal(t, triageflow.StageConfirmed, snap.Mapping.Stage)

	res, err := f.engine.Resume(ctx, started.InstanceID, triageflow.DecisionInput{Decision: triageflow.DecisionApprove})
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
	assert.Equal(t, triageflow.StageConfirmed, res.Stage)

	_, err = f.engine.Start(ctx, testEmail("email-1"))
	assert.True(t, errors.Is(err, triageflow.ErrDuplicateInstance), "the mapping outlives pruning")
}

func TestEngine_ListInstances(t *testing.T) {
	f := createTestEngine(t, "newsletter")
	ctx := context.Background()

	for _, id := range []string{"email-1", "email-2"} {
		_, err := f.engine.Start(ctx, testEmail(id))
		require.NoError(t, err)
	}

	awaiting := triageflow.StageAwaitingDecision
	list, err := f.engine.ListInstances(ctx, triageflow.MappingFilter{Stage: &awaiting})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

// A Start that crashed between registry.Create and its first checkpoint
// leaves a CREATED mapping with no state behind.
func TestEngine_OrphanedMappingIsReclaimed(t *testing.T) {
	f := createTestEngine(t, "newsletter")
	ctx := context.Background()

	orphanID, err := f.store.Create(ctx, "email-x")
	require.NoError(t, err)

	_, err = f.engine.Start(ctx, testEmail("email-x"))
	assert.True(t, errors.Is(err, triageflow.ErrDuplicateInstance), "a fresh mapping may still belong to a running Start")

	_, err = f.engine.Reprocess(ctx, testEmail("email-x"))
	assert.True(t, triageflow.IsValidation(err))

	f.clock.Advance(2 * time.Minute)

	res, err := f.engine.Start(ctx, testEmail("email-x"))
	require.NoError(t, err)
	assert.NotEqual(t, orphanID, res.InstanceID)
	assert.True(t, res.Suspended)

	_, err = f.store.Get(ctx, orphanID)
	assert.True(t, triageflow.IsNotFound(err))
}

func TestEngine_Reprocess_ReplacesOrphanedMapping(t *testing.T) {
	f := createTestEngine(t, "newsletter")
	ctx := context.Background()

	orphanID, err := f.store.Create(ctx, "email-x")
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	res, err := f.engine.Reprocess(ctx, testEmail("email-x"))
	require.NoError(t, err)
	assert.NotEqual(t, orphanID, res.InstanceID)
	assert.Equal(t, triageflow.StageAwaitingDecision, res.Stage)
}
