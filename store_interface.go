package triageflow

import (
	"context"
	"time"
)

// CheckpointStore persists versioned snapshots of instance state
type CheckpointStore interface {
	// Write stores state at sequence expected+1. It fails with
	// ErrSequenceConflict when that sequence already exists, so a writer
	// holding a stale view never overwrites a newer state.
	Write(ctx context.Context, instanceID string, expected int64, state *WorkflowState) (int64, error)

	// ReadLatest returns the record with the highest sequence or ErrNotFound
	ReadLatest(ctx context.Context, instanceID string) (*CheckpointRecord, error)

	// Delete removes every checkpoint of the instance
	Delete(ctx context.Context, instanceID string) error
}

// InstanceRegistry correlates external business keys with instance ids
type InstanceRegistry interface {
	// Create allocates an instance id for emailID or fails with ErrDuplicateInstance
	Create(ctx context.Context, emailID string) (string, error)

	GetInstanceID(ctx context.Context, emailID string) (string, error)
	Get(ctx context.Context, instanceID string) (*InstanceMapping, error)

	// RecordChannelMessage links the outbound decision request to the instance
	RecordChannelMessage(ctx context.Context, instanceID, channelMessageID string) error

	// ResolveFromCallback is an exact, indexed lookup by outbound message id
	ResolveFromCallback(ctx context.Context, channelMessageID string) (string, error)

	// UpdateStage refreshes the denormalized stage and updated_at
	UpdateStage(ctx context.Context, instanceID string, stage Stage) error

	List(ctx context.Context, filter MappingFilter) ([]*InstanceMapping, error)

	// Remove deletes the mapping and its secondary keys
	Remove(ctx context.Context, emailID string) error
}

// MappingFilter defines filtering criteria for registry queries
type MappingFilter struct {
	Stage         *Stage
	UpdatedBefore *time.Time
	Limit         int
}

// Matches reports whether m passes the filter
func (f MappingFilter) Matches(m *InstanceMapping) bool {
	if f.Stage != nil && m.Stage != *f.Stage {
		return false
	}
	if f.UpdatedBefore != nil && !m.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	return true
}
