package triageflow

import "time"

// RetryPolicy holds the bounded-retry parameters for one unit of work
type RetryPolicy struct {
	// MaxAttempts counts the first try; 1 disables retries
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Backoff     BackoffStrategy

	// Timeout bounds each attempt; zero means no per-attempt deadline
	Timeout time.Duration
}

// BackoffStrategy defines retry backoff behavior
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "LINEAR"
	BackoffExponential BackoffStrategy = "EXPONENTIAL"
	BackoffNone        BackoffStrategy = "NONE"
)

// DefaultRetryPolicy is used for external-provider calls: 3 attempts, base delay doubling
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
	Backoff:     BackoffExponential,
	Timeout:     30 * time.Second,
}

// NoRetryPolicy runs once with the default timeout
var NoRetryPolicy = RetryPolicy{
	MaxAttempts: 1,
	Backoff:     BackoffNone,
	Timeout:     30 * time.Second,
}

// Delay returns the wait before the given retry (attempt is 1 for the first retry)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := CalculateBackoff(p.BaseDelay, attempt, p.Backoff)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Attempts returns MaxAttempts clamped to at least one
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// EngineConfig holds engine-level configuration
type EngineConfig struct {
	// DecisionTTL bounds the AWAITING_DECISION dwell time; zero disables expiry
	DecisionTTL time.Duration

	// PersistPolicy retries checkpoint writes before a tick aborts
	PersistPolicy RetryPolicy

	// PruneOnTerminal deletes checkpoint history once an instance is terminal.
	// The registry mapping is always retained.
	PruneOnTerminal bool

	// SweepConcurrency limits how many instances a sweep touches at once
	SweepConcurrency int

	// OrphanAfter is how long a CREATED mapping may exist without a first
	// checkpoint before it is treated as left behind by a crashed Start
	OrphanAfter time.Duration
}

// DefaultEngineConfig provides engine defaults
var DefaultEngineConfig = EngineConfig{
	DecisionTTL: 7 * 24 * time.Hour,
	PersistPolicy: RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Backoff:     BackoffExponential,
		Timeout:     5 * time.Second,
	},
	PruneOnTerminal:  false,
	SweepConcurrency: 4,
	OrphanAfter:      time.Minute,
}

// NodeOption allows functional configuration of nodes
type NodeOption func(*Node)

// WithRetry sets the node retry policy
func WithRetry(policy RetryPolicy) NodeOption {
	return func(n *Node) {
		n.Retry = policy
	}
}

// WithRetries sets the maximum attempts, keeping the rest of the policy
func WithRetries(max int) NodeOption {
	return func(n *Node) {
		n.Retry.MaxAttempts = max
	}
}

// WithTimeout sets the per-attempt timeout
func WithTimeout(d time.Duration) NodeOption {
	return func(n *Node) {
		n.Retry.Timeout = d
	}
}

// WithBackoff sets the retry backoff strategy
func WithBackoff(strategy BackoffStrategy) NodeOption {
	return func(n *Node) {
		n.Retry.Backoff = strategy
	}
}

// WithRetryDelay sets the base retry delay
func WithRetryDelay(d time.Duration) NodeOption {
	return func(n *Node) {
		n.Retry.BaseDelay = d
	}
}

// WithSkipStage sets the stage recorded when a router bypasses the node
func WithSkipStage(stage Stage) NodeOption {
	return func(n *Node) {
		n.SkipStage = stage
	}
}

// WithDescription sets the node description
func WithDescription(description string) NodeOption {
	return func(n *Node) {
		n.Description = description
	}
}
