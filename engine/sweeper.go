package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/sicko7947/triageflow"
	"golang.org/x/sync/errgroup"
)

// ExpireStale moves every AWAITING_DECISION instance whose decision deadline
// has passed to EXPIRED. It returns how many instances were expired.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	if e.config.DecisionTTL <= 0 {
		return 0, nil
	}

	awaiting := triageflow.StageAwaitingDecision
	mappings, err := e.registry.List(ctx, triageflow.MappingFilter{Stage: &awaiting})
	if err != nil {
		return 0, err
	}

	var expired atomic.Int32
	err = e.forEach(ctx, mappings, func(ctx context.Context, m *triageflow.InstanceMapping) error {
		unlock, err := e.locker.Lock(ctx, m.InstanceID)
		if err != nil {
			return err
		}
		defer unlock()

		r, err := e.load(ctx, m.InstanceID)
		if err != nil {
			return err
		}
		if !e.overdue(&r.state) {
			return nil
		}
		if err := e.expire(ctx, r); err != nil {
			return err
		}
		expired.Add(1)
		return nil
	})

	return int(expired.Load()), err
}

// RecoverStalled continues instances that have sat in an intermediate stage
// for longer than olderThan, typically after a crash or an aborted tick.
// It returns how many instances were continued.
func (e *Engine) RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	before := e.now().Add(-olderThan)
	mappings, err := e.registry.List(ctx, triageflow.MappingFilter{UpdatedBefore: &before})
	if err != nil {
		return 0, err
	}

	stalled := mappings[:0]
	for _, m := range mappings {
		if !m.Stage.IsTerminal() && m.Stage != triageflow.StageAwaitingDecision {
			stalled = append(stalled, m)
		}
	}

	var recovered atomic.Int32
	err = e.forEach(ctx, stalled, func(ctx context.Context, m *triageflow.InstanceMapping) error {
		res, err := e.Continue(ctx, m.InstanceID)
		if triageflow.IsNotFound(err) && m.Stage == triageflow.StageCreated {
			// Start crashed before the first checkpoint; free the email for redelivery.
			_, err = e.reclaimOrphan(ctx, m.EmailID)
			return err
		}
		if err != nil && !triageflow.IsTerminal(err) {
			return err
		}
		if res != nil && !res.AlreadyProcessed {
			recovered.Add(1)
		}
		return nil
	})

	return int(recovered.Load()), err
}

// forEach runs fn for every mapping with bounded concurrency. Per-instance
// failures are logged and do not stop the sweep; only cancellation does.
func (e *Engine) forEach(ctx context.Context, mappings []*triageflow.InstanceMapping, fn func(context.Context, *triageflow.InstanceMapping) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if e.config.SweepConcurrency > 0 {
		g.SetLimit(e.config.SweepConcurrency)
	}

	for _, m := range mappings {
		g.Go(func() error {
			if err := fn(gctx, m); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.logger.Error().
					Err(err).
					Str("instance_id", m.InstanceID).
					Str("stage", m.Stage.String()).
					Msg("Sweep failed for instance")
			}
			return nil
		})
	}

	return g.Wait()
}

// SweepReport summarizes one sweep
type SweepReport struct {
	Expired   int
	Recovered int
}

// Sweeper runs ExpireStale and RecoverStalled on a cron schedule
type Sweeper struct {
	engine       *Engine
	cron         *cron.Cron
	stalledAfter time.Duration
	timeout      time.Duration
	logger       zerolog.Logger
}

// SweeperOption configures a Sweeper
type SweeperOption func(*Sweeper)

// WithStalledAfter sets how long an intermediate stage may sit before recovery
func WithStalledAfter(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.stalledAfter = d }
}

// WithSweepTimeout bounds a single scheduled sweep
func WithSweepTimeout(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.timeout = d }
}

// WithSweeperLogger sets the logger
func WithSweeperLogger(logger zerolog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

// NewSweeper creates a sweeper. Overlapping runs are skipped.
func NewSweeper(e *Engine, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		engine:       e,
		stalledAfter: 15 * time.Minute,
		timeout:      5 * time.Minute,
		logger:       e.logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.cron = cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	return s
}

// Schedule registers the sweep under a cron spec such as "@every 5m"
func (s *Sweeper) Schedule(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Scheduled sweep failed")
		}
	})
	return err
}

// Start runs the scheduler in its own goroutine
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop stops the scheduler; the returned context is done when running sweeps finish
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce performs one expiry pass followed by one recovery pass
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	expired, err := s.engine.ExpireStale(ctx)
	report.Expired = expired
	if err != nil {
		return report, err
	}

	recovered, err := s.engine.RecoverStalled(ctx, s.stalledAfter)
	report.Recovered = recovered
	if err != nil {
		return report, err
	}

	s.logger.Info().
		Int("expired", report.Expired).
		Int("recovered", report.Recovered).
		Msg("Sweep completed")
	return report, nil
}
