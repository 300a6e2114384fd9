package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sicko7947/triageflow"
)

// MemoryStore implements CheckpointStore and InstanceRegistry in memory (for tests and single-process use)
type MemoryStore struct {
	checkpoints map[string][]*triageflow.CheckpointRecord // instanceID -> records in sequence order
	mappings    map[string]*triageflow.InstanceMapping    // instanceID -> mapping
	byEmail     map[string]string                         // emailID -> instanceID
	byChannel   map[string]string                         // channelMessageID -> instanceID
	mu          sync.RWMutex
}

var (
	_ triageflow.CheckpointStore  = (*MemoryStore)(nil)
	_ triageflow.InstanceRegistry = (*MemoryStore)(nil)
)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string][]*triageflow.CheckpointRecord),
		mappings:    make(map[string]*triageflow.InstanceMapping),
		byEmail:     make(map[string]string),
		byChannel:   make(map[string]string),
	}
}

// Checkpoint operations

func (s *MemoryStore) Write(ctx context.Context, instanceID string, expected int64, state *triageflow.WorkflowState) (int64, error) {
	rec, err := triageflow.NewCheckpointRecord(state, expected+1)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.checkpoints[instanceID]
	var latest int64
	if n := len(records); n > 0 {
		latest = records[n-1].Sequence
	}
	if latest != expected {
		return 0, fmt.Errorf("instance %s expected sequence %d, latest is %d: %w",
			instanceID, expected, latest, triageflow.ErrSequenceConflict)
	}

	s.checkpoints[instanceID] = append(records, rec)
	return rec.Sequence, nil
}

func (s *MemoryStore) ReadLatest(ctx context.Context, instanceID string) (*triageflow.CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.checkpoints[instanceID]
	if len(records) == 0 {
		return nil, triageflow.NotFoundError("no checkpoint for instance %s", instanceID)
	}

	return copyRecord(records[len(records)-1]), nil
}

func (s *MemoryStore) Delete(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, instanceID)
	return nil
}

// History returns every checkpoint of an instance in sequence order
func (s *MemoryStore) History(instanceID string) []*triageflow.CheckpointRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.checkpoints[instanceID]
	out := make([]*triageflow.CheckpointRecord, 0, len(records))
	for _, r := range records {
		out = append(out, copyRecord(r))
	}
	return out
}

// Registry operations

func (s *MemoryStore) Create(ctx context.Context, emailID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.byEmail[emailID]; exists {
		return "", fmt.Errorf("email %s is owned by instance %s: %w", emailID, existing, triageflow.ErrDuplicateInstance)
	}

	now := time.Now().UTC()
	instanceID := uuid.NewString()
	s.mappings[instanceID] = &triageflow.InstanceMapping{
		EmailID:    emailID,
		InstanceID: instanceID,
		Stage:      triageflow.StageCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.byEmail[emailID] = instanceID

	return instanceID, nil
}

func (s *MemoryStore) GetInstanceID(ctx context.Context, emailID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instanceID, exists := s.byEmail[emailID]
	if !exists {
		return "", triageflow.NotFoundError("no instance for email %s", emailID)
	}
	return instanceID, nil
}

func (s *MemoryStore) Get(ctx context.Context, instanceID string) (*triageflow.InstanceMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, exists := s.mappings[instanceID]
	if !exists {
		return nil, triageflow.NotFoundError("instance %s not found", instanceID)
	}

	mCopy := *m
	return &mCopy, nil
}

func (s *MemoryStore) RecordChannelMessage(ctx context.Context, instanceID, channelMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.mappings[instanceID]
	if !exists {
		return triageflow.NotFoundError("instance %s not found", instanceID)
	}
	if owner, taken := s.byChannel[channelMessageID]; taken && owner != instanceID {
		return fmt.Errorf("channel message %s already linked to %s: %w", channelMessageID, owner, triageflow.ErrDuplicateInstance)
	}

	if m.ChannelMessageID != "" {
		delete(s.byChannel, m.ChannelMessageID)
	}
	m.ChannelMessageID = channelMessageID
	m.UpdatedAt = time.Now().UTC()
	s.byChannel[channelMessageID] = instanceID

	return nil
}

func (s *MemoryStore) ResolveFromCallback(ctx context.Context, channelMessageID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instanceID, exists := s.byChannel[channelMessageID]
	if !exists {
		return "", triageflow.NotFoundError("no instance for channel message %s", channelMessageID)
	}
	return instanceID, nil
}

func (s *MemoryStore) UpdateStage(ctx context.Context, instanceID string, stage triageflow.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, exists := s.mappings[instanceID]
	if !exists {
		return triageflow.NotFoundError("instance %s not found", instanceID)
	}

	m.Stage = stage
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter triageflow.MappingFilter) ([]*triageflow.InstanceMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var mappings []*triageflow.InstanceMapping
	for _, m := range s.mappings {
		if !filter.Matches(m) {
			continue
		}
		mCopy := *m
		mappings = append(mappings, &mCopy)
	}

	// Oldest first, matching the indexed backends
	sort.Slice(mappings, func(i, j int) bool {
		return mappings[i].UpdatedAt.Before(mappings[j].UpdatedAt)
	})

	if filter.Limit > 0 && len(mappings) > filter.Limit {
		mappings = mappings[:filter.Limit]
	}
	return mappings, nil
}

func (s *MemoryStore) Remove(ctx context.Context, emailID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	instanceID, exists := s.byEmail[emailID]
	if !exists {
		return nil
	}

	if m := s.mappings[instanceID]; m != nil && m.ChannelMessageID != "" {
		delete(s.byChannel, m.ChannelMessageID)
	}
	delete(s.mappings, instanceID)
	delete(s.byEmail, emailID)
	return nil
}

func copyRecord(r *triageflow.CheckpointRecord) *triageflow.CheckpointRecord {
	rCopy := *r
	rCopy.State = append([]byte(nil), r.State...)
	return &rCopy
}
