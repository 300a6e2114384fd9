package triageflow

import (
	"time"

	"github.com/rs/zerolog"
)

// Log event names
const (
	// Instance-level events
	EventInstanceStarted   = "instance_started"
	EventInstanceSuspended = "instance_suspended"
	EventInstanceResumed   = "instance_resumed"
	EventResumeIgnored     = "resume_ignored"
	EventInstanceCompleted = "instance_completed"
	EventInstanceFailed    = "instance_failed"
	EventInstanceExpired   = "instance_expired"

	// Node-level events
	EventNodeStarted   = "node_started"
	EventNodeRetrying  = "node_retrying"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"

	// Callback and fallback events
	EventCallbackRejected = "callback_rejected"
	EventDegradedMode     = "degraded_mode"

	// Persistence events
	EventPersistenceError = "persistence_error"
)

// LogInstanceStarted logs when an instance is created for an email
func LogInstanceStarted(logger zerolog.Logger, instanceID, emailID, userID string) {
	logger.Info().
		Str("event", EventInstanceStarted).
		Str("instance_id", instanceID).
		Str("email_id", emailID).
		Str("user_id", userID).
		Msg("Instance started")
}

// LogInstanceSuspended logs when an instance parks awaiting a decision
func LogInstanceSuspended(logger zerolog.Logger, instanceID, nodeID string) {
	logger.Info().
		Str("event", EventInstanceSuspended).
		Str("instance_id", instanceID).
		Str("node_id", nodeID).
		Msg("Instance suspended awaiting decision")
}

// LogInstanceResumed logs when a decision is applied
func LogInstanceResumed(logger zerolog.Logger, instanceID string, decision Decision) {
	logger.Info().
		Str("event", EventInstanceResumed).
		Str("instance_id", instanceID).
		Str("decision", string(decision)).
		Msg("Instance resumed")
}

// LogResumeIgnored logs a duplicate or late resume that was treated as a no-op
func LogResumeIgnored(logger zerolog.Logger, instanceID string, stage Stage) {
	logger.Info().
		Str("event", EventResumeIgnored).
		Str("instance_id", instanceID).
		Str("stage", stage.String()).
		Msg("Resume ignored, instance already processed")
}

// LogInstanceCompleted logs terminal success
func LogInstanceCompleted(logger zerolog.Logger, instanceID string, outcome Outcome, duration time.Duration) {
	logger.Info().
		Str("event", EventInstanceCompleted).
		Str("instance_id", instanceID).
		Str("outcome", string(outcome)).
		Dur("duration", duration).
		Msg("Instance completed")
}

// LogInstanceFailed logs the transition to ERROR
func LogInstanceFailed(logger zerolog.Logger, instanceID, nodeID string, err error) {
	logger.Error().
		Str("event", EventInstanceFailed).
		Str("instance_id", instanceID).
		Str("node_id", nodeID).
		Err(err).
		Msg("Instance failed")
}

// LogInstanceExpired logs an instance whose decision window elapsed
func LogInstanceExpired(logger zerolog.Logger, instanceID string, deadline time.Time) {
	logger.Warn().
		Str("event", EventInstanceExpired).
		Str("instance_id", instanceID).
		Time("deadline", deadline).
		Msg("Instance expired")
}

// LogNodeStarted logs when a node starts execution
func LogNodeStarted(logger zerolog.Logger, instanceID, nodeID string) {
	logger.Info().
		Str("event", EventNodeStarted).
		Str("instance_id", instanceID).
		Str("node_id", nodeID).
		Msg("Node started")
}

// LogNodeCompleted logs successful node completion
func LogNodeCompleted(logger zerolog.Logger, instanceID, nodeID string, stage Stage, durationMs int64) {
	logger.Info().
		Str("event", EventNodeCompleted).
		Str("instance_id", instanceID).
		Str("node_id", nodeID).
		Str("stage", stage.String()).
		Int64("duration_ms", durationMs).
		Msg("Node completed")
}

// LogNodeFailed logs node failure
func LogNodeFailed(logger zerolog.Logger, instanceID, nodeID string, err error, attempt int) {
	logger.Error().
		Str("event", EventNodeFailed).
		Str("instance_id", instanceID).
		Str("node_id", nodeID).
		Err(err).
		Int("attempt", attempt).
		Msg("Node failed")
}

// LogNodeSkipped logs when the router bypasses a node
func LogNodeSkipped(logger zerolog.Logger, instanceID, nodeID, reason string) {
	logger.Info().
		Str("event", EventNodeSkipped).
		Str("instance_id", instanceID).
		Str("node_id", nodeID).
		Str("reason", reason).
		Msg("Node skipped")
}

// LogCallbackRejected logs a callback that failed validation or authorization
func LogCallbackRejected(logger zerolog.Logger, channelMessageID, actingUserRef, reason string) {
	logger.Warn().
		Str("event", EventCallbackRejected).
		Str("channel_message_id", channelMessageID).
		Str("acting_user_ref", actingUserRef).
		Str("reason", reason).
		Msg("Decision callback rejected")
}

// LogDegradedMode logs a fallback to a reduced path
func LogDegradedMode(logger zerolog.Logger, instanceID, nodeID string, err error) {
	logger.Warn().
		Str("event", EventDegradedMode).
		Str("instance_id", instanceID).
		Str("node_id", nodeID).
		Err(err).
		Msg("Falling back to degraded mode")
}

// LogPersistenceError logs errors during persistence operations
func LogPersistenceError(logger zerolog.Logger, instanceID, operation string, err error) {
	logger.Error().
		Str("event", EventPersistenceError).
		Str("instance_id", instanceID).
		Str("operation", operation).
		Err(err).
		Msg("Persistence error")
}

// InstanceLogger creates a logger enriched with instance context
func InstanceLogger(baseLogger zerolog.Logger, instanceID, emailID string) zerolog.Logger {
	return baseLogger.With().
		Str("instance_id", instanceID).
		Str("email_id", emailID).
		Logger()
}

// NodeLogger creates a logger enriched with node context
func NodeLogger(instanceLogger zerolog.Logger, nodeID string, attempt int) zerolog.Logger {
	return instanceLogger.With().
		Str("node_id", nodeID).
		Int("attempt", attempt).
		Logger()
}
