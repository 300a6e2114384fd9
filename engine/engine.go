package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/triageflow"
	"github.com/sicko7947/triageflow/lock"
)

// Engine drives triage instances through a Definition. It holds no per-instance
// state between calls: everything needed to continue lives in the
// CheckpointStore, so any process can resume any instance.
type Engine struct {
	checkpoints triageflow.CheckpointStore
	registry    triageflow.InstanceRegistry
	definition  *triageflow.Definition

	locker   lock.Locker
	notifier triageflow.NotificationChannel
	notices  Notices

	logger zerolog.Logger
	config triageflow.EngineConfig
	now    func() time.Time
}

// EngineOption configures the workflow engine
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the engine
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConfig sets a custom configuration for the engine
func WithConfig(config triageflow.EngineConfig) EngineOption {
	return func(e *Engine) {
		e.config = config
	}
}

// WithLocker replaces the in-process single-writer lock, e.g. with a RedisLocker
func WithLocker(l lock.Locker) EngineOption {
	return func(e *Engine) {
		e.locker = l
	}
}

// WithNotifier sets the channel used for failure and expiry notices
func WithNotifier(ch triageflow.NotificationChannel) EngineOption {
	return func(e *Engine) {
		e.notifier = ch
	}
}

// WithNotices sets the text used for failure and expiry notices
func WithNotices(n Notices) EngineOption {
	return func(e *Engine) {
		e.notices = n
	}
}

// WithClock overrides time.Now; tests use it to move past decision deadlines
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine for a validated definition.
// If no logger is provided, a console logger at Info level is used.
// If no config is provided, DefaultEngineConfig is used.
func NewEngine(
	checkpoints triageflow.CheckpointStore,
	registry triageflow.InstanceRegistry,
	definition *triageflow.Definition,
	opts ...EngineOption,
) (*Engine, error) {
	defaultLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger().
		Level(zerolog.InfoLevel)

	eng := &Engine{
		checkpoints: checkpoints,
		registry:    registry,
		definition:  definition,
		locker:      lock.NewLocalLocker(),
		notices:     DefaultNotices{},
		logger:      defaultLogger,
		config:      triageflow.DefaultEngineConfig,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if definition == nil {
		return nil, fmt.Errorf("engine requires a definition")
	}
	if err := definition.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definition %s: %w", definition.ID(), err)
	}

	return eng, nil
}

// Result describes where a call left an instance
type Result struct {
	InstanceID string             `json:"instanceId"`
	Stage      triageflow.Stage   `json:"stage"`
	Outcome    triageflow.Outcome `json:"outcome,omitempty"`
	Sequence   int64              `json:"sequence"`

	// Suspended is true when the instance is parked awaiting a decision
	Suspended bool `json:"suspended"`

	// AlreadyProcessed is true when the call was a no-op because the
	// instance had already moved past the point the caller expected
	AlreadyProcessed bool `json:"alreadyProcessed"`
}

// Snapshot is the inspection view of one instance
type Snapshot struct {
	Mapping *triageflow.InstanceMapping `json:"mapping"`

	// State is nil when the checkpoint history was pruned
	State    *triageflow.WorkflowState `json:"state,omitempty"`
	Sequence int64                     `json:"sequence"`
}

// Definition returns the definition the engine drives
func (e *Engine) Definition() *triageflow.Definition {
	return e.definition
}

// Start creates the instance for a new email and runs it up to the
// suspension point. It fails with ErrDuplicateInstance when the email
// already has an instance.
func (e *Engine) Start(ctx context.Context, email triageflow.NewEmail) (*Result, error) {
	if err := email.Validate(); err != nil {
		return nil, err
	}

	instanceID, err := e.registry.Create(ctx, email.EmailID)
	if errors.Is(err, triageflow.ErrDuplicateInstance) {
		reclaimed, rerr := e.reclaimOrphan(ctx, email.EmailID)
		if rerr != nil {
			return nil, rerr
		}
		if reclaimed {
			instanceID, err = e.registry.Create(ctx, email.EmailID)
		}
	}
	if err != nil {
		return nil, err
	}

	unlock, err := e.locker.Lock(ctx, instanceID)
	if err != nil {
		e.removeMapping(ctx, instanceID, email.EmailID)
		return nil, triageflow.WrapError(triageflow.ErrCodeTransient, err, "failed to lock instance %s", instanceID)
	}
	defer unlock()

	now := e.now().UTC()
	r := &run{
		state: triageflow.WorkflowState{
			InstanceID: instanceID,
			EmailID:    email.EmailID,
			UserID:     email.UserID,
			Stage:      triageflow.StageCreated,
			Email:      email.Envelope(),
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		logger:  triageflow.InstanceLogger(e.logger, instanceID, email.EmailID),
		started: now,
	}

	triageflow.LogInstanceStarted(r.logger, instanceID, email.EmailID, email.UserID)

	// The mapping and the first checkpoint exist together or not at all.
	if err := e.commit(ctx, r); err != nil {
		e.removeMapping(ctx, instanceID, email.EmailID)
		return nil, err
	}

	return e.drive(ctx, r, e.definition.EntryPoint())
}

// Resume applies a human decision to a suspended instance and runs the
// remaining nodes. Resuming an instance that is not AWAITING_DECISION is a
// no-op reported through Result.AlreadyProcessed.
func (e *Engine) Resume(ctx context.Context, instanceID string, input triageflow.DecisionInput) (*Result, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	unlock, err := e.locker.Lock(ctx, instanceID)
	if err != nil {
		return nil, triageflow.WrapError(triageflow.ErrCodeTransient, err, "failed to lock instance %s", instanceID)
	}
	defer unlock()

	r, err := e.load(ctx, instanceID)
	if err != nil {
		if triageflow.IsNotFound(err) {
			return e.prunedResult(ctx, instanceID, err)
		}
		return nil, err
	}

	if r.state.Stage != triageflow.StageAwaitingDecision {
		triageflow.LogResumeIgnored(r.logger, instanceID, r.state.Stage)
		return r.result(false, true), nil
	}

	if e.overdue(&r.state) {
		if err := e.expire(ctx, r); err != nil {
			return nil, err
		}
		triageflow.LogResumeIgnored(r.logger, instanceID, r.state.Stage)
		return r.result(false, true), nil
	}

	decision := input.Decision
	r.state.Decision = &decision
	if decision == triageflow.DecisionChangeFolder {
		r.state.TargetLabelID = triageflow.ToPtr(input.TargetLabelID)
	}
	r.state.Stage = decision.Stage()

	if err := e.commit(ctx, r); err != nil {
		if triageflow.IsConflict(err) {
			// Another process applied a decision first.
			latest, loadErr := e.load(ctx, instanceID)
			if loadErr != nil {
				return nil, err
			}
			triageflow.LogResumeIgnored(latest.logger, instanceID, latest.state.Stage)
			return latest.result(false, true), nil
		}
		return nil, err
	}

	triageflow.LogInstanceResumed(r.logger, instanceID, decision)

	next, err := e.definition.ResumePoint(r.state)
	if err != nil {
		return e.fail(ctx, r, e.definition.SuspendNode(), err)
	}
	return e.drive(ctx, r, next)
}

// Continue re-enters an instance from its latest checkpoint. It is the retry
// path after an aborted tick and is a no-op for suspended or terminal instances.
func (e *Engine) Continue(ctx context.Context, instanceID string) (*Result, error) {
	unlock, err := e.locker.Lock(ctx, instanceID)
	if err != nil {
		return nil, triageflow.WrapError(triageflow.ErrCodeTransient, err, "failed to lock instance %s", instanceID)
	}
	defer unlock()

	r, err := e.load(ctx, instanceID)
	if err != nil {
		if triageflow.IsNotFound(err) {
			return e.prunedResult(ctx, instanceID, err)
		}
		return nil, err
	}

	switch {
	case r.state.Stage.IsTerminal():
		return r.result(false, true), nil
	case r.state.Stage == triageflow.StageAwaitingDecision:
		return r.result(true, true), nil
	}

	next, err := e.definition.ResumePoint(r.state)
	if err != nil {
		return e.fail(ctx, r, "", err)
	}
	return e.drive(ctx, r, next)
}

// Amend mutates a suspended instance and commits a new checkpoint without
// leaving AWAITING_DECISION. mutate must not touch the stage or decision.
func (e *Engine) Amend(ctx context.Context, instanceID string, mutate func(*triageflow.WorkflowState) error) (*Result, error) {
	unlock, err := e.locker.Lock(ctx, instanceID)
	if err != nil {
		return nil, triageflow.WrapError(triageflow.ErrCodeTransient, err, "failed to lock instance %s", instanceID)
	}
	defer unlock()

	r, err := e.load(ctx, instanceID)
	if err != nil {
		if triageflow.IsNotFound(err) {
			return e.prunedResult(ctx, instanceID, err)
		}
		return nil, err
	}

	if r.state.Stage != triageflow.StageAwaitingDecision {
		triageflow.LogResumeIgnored(r.logger, instanceID, r.state.Stage)
		return r.result(false, true), nil
	}

	if err := mutate(&r.state); err != nil {
		return nil, err
	}
	if r.state.Stage != triageflow.StageAwaitingDecision || r.state.Decision != nil {
		return nil, triageflow.NewWorkflowError(triageflow.ErrCodeValidation,
			"amendment may not change the stage or apply a decision")
	}

	if err := e.commit(ctx, r); err != nil {
		return nil, err
	}

	r.logger.Info().Int64("sequence", r.seq).Msg("Suspended instance amended")
	return r.result(true, false), nil
}

// Reprocess explicitly starts a new instance for an email whose previous
// instance is terminal. A non-terminal instance is never replaced.
func (e *Engine) Reprocess(ctx context.Context, email triageflow.NewEmail) (*Result, error) {
	if err := email.Validate(); err != nil {
		return nil, err
	}

	instanceID, err := e.registry.GetInstanceID(ctx, email.EmailID)
	if err != nil {
		if triageflow.IsNotFound(err) {
			return e.Start(ctx, email)
		}
		return nil, err
	}

	if err := e.retire(ctx, instanceID, email.EmailID); err != nil {
		return nil, err
	}

	return e.Start(ctx, email)
}

func (e *Engine) retire(ctx context.Context, instanceID, emailID string) error {
	unlock, err := e.locker.Lock(ctx, instanceID)
	if err != nil {
		return triageflow.WrapError(triageflow.ErrCodeTransient, err, "failed to lock instance %s", instanceID)
	}
	defer unlock()

	stage, err := e.currentStage(ctx, instanceID)
	if err != nil {
		return err
	}
	if !stage.IsTerminal() {
		orphan, err := e.orphaned(ctx, instanceID)
		if err != nil {
			return err
		}
		if !orphan {
			return triageflow.NewWorkflowError(triageflow.ErrCodeValidation,
				fmt.Sprintf("instance %s is still %s and cannot be reprocessed", instanceID, stage))
		}
	}

	if err := e.checkpoints.Delete(ctx, instanceID); err != nil {
		return triageflow.WrapError(triageflow.ErrCodePersistence, err, "failed to delete checkpoints of %s", instanceID)
	}
	if err := e.registry.Remove(ctx, emailID); err != nil {
		return triageflow.WrapError(triageflow.ErrCodePersistence, err, "failed to remove mapping of %s", emailID)
	}

	e.logger.Info().
		Str("instance_id", instanceID).
		Str("email_id", emailID).
		Str("stage", stage.String()).
		Msg("Retired instance for reprocessing")
	return nil
}

// orphaned reports whether instanceID is a CREATED mapping whose Start never
// wrote a first checkpoint. The caller holds the instance lock.
func (e *Engine) orphaned(ctx context.Context, instanceID string) (bool, error) {
	_, err := e.checkpoints.ReadLatest(ctx, instanceID)
	if err == nil {
		return false, nil
	}
	if !triageflow.IsNotFound(err) {
		return false, err
	}

	mapping, err := e.registry.Get(ctx, instanceID)
	if err != nil {
		return false, err
	}
	grace := e.config.OrphanAfter
	if grace <= 0 {
		grace = triageflow.DefaultEngineConfig.OrphanAfter
	}
	return mapping.Stage == triageflow.StageCreated && e.now().Sub(mapping.CreatedAt) >= grace, nil
}

// reclaimOrphan removes the mapping of emailID when it is orphaned. It
// reports whether the email is free to be started again.
func (e *Engine) reclaimOrphan(ctx context.Context, emailID string) (bool, error) {
	instanceID, err := e.registry.GetInstanceID(ctx, emailID)
	if err != nil {
		if triageflow.IsNotFound(err) {
			return true, nil
		}
		return false, err
	}

	unlock, err := e.locker.Lock(ctx, instanceID)
	if err != nil {
		return false, triageflow.WrapError(triageflow.ErrCodeTransient, err, "failed to lock instance %s", instanceID)
	}
	defer unlock()

	orphan, err := e.orphaned(ctx, instanceID)
	if err != nil || !orphan {
		return false, err
	}
	if err := e.registry.Remove(ctx, emailID); err != nil {
		return false, triageflow.WrapError(triageflow.ErrCodePersistence, err, "failed to remove mapping of %s", emailID)
	}

	e.logger.Warn().
		Str("instance_id", instanceID).
		Str("email_id", emailID).
		Msg("Removed mapping left without a checkpoint")
	return true, nil
}

// GetInstance returns the mapping and latest state of an instance
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (*Snapshot, error) {
	mapping, err := e.registry.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Mapping: mapping}
	rec, err := e.checkpoints.ReadLatest(ctx, instanceID)
	if err != nil {
		if triageflow.IsNotFound(err) {
			return snap, nil
		}
		return nil, err
	}

	state, err := rec.Decode()
	if err != nil {
		return nil, err
	}
	snap.State = state
	snap.Sequence = rec.Sequence
	return snap, nil
}

// ListInstances queries the registry by stage and age
func (e *Engine) ListInstances(ctx context.Context, filter triageflow.MappingFilter) ([]*triageflow.InstanceMapping, error) {
	return e.registry.List(ctx, filter)
}

func (e *Engine) removeMapping(ctx context.Context, instanceID, emailID string) {
	if err := e.registry.Remove(ctx, emailID); err != nil {
		triageflow.LogPersistenceError(e.logger, instanceID, "remove_mapping", err)
	}
}

// currentStage prefers the checkpoint and falls back to the registry copy
func (e *Engine) currentStage(ctx context.Context, instanceID string) (triageflow.Stage, error) {
	rec, err := e.checkpoints.ReadLatest(ctx, instanceID)
	if err == nil {
		return rec.Stage, nil
	}
	if !triageflow.IsNotFound(err) {
		return "", err
	}

	mapping, err := e.registry.Get(ctx, instanceID)
	if err != nil {
		return "", err
	}
	return mapping.Stage, nil
}

// prunedResult handles a missing checkpoint: a terminal mapping means the
// history was pruned after completion, anything else is a real miss.
func (e *Engine) prunedResult(ctx context.Context, instanceID string, notFound error) (*Result, error) {
	mapping, err := e.registry.Get(ctx, instanceID)
	if err != nil || !mapping.Stage.IsTerminal() {
		return nil, notFound
	}

	triageflow.LogResumeIgnored(e.logger, instanceID, mapping.Stage)
	return &Result{
		InstanceID:       instanceID,
		Stage:            mapping.Stage,
		AlreadyProcessed: true,
	}, nil
}
