// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"sync"
	"time"
)

// Checkpoint captures the workflow at a stage boundary. NextStage is
// the label that will execute when the run resumes; recovery restores
// the same state identity and continues from there.
type Checkpoint struct {
	RunID     string    `json:"run_id"`
	Graph     string    `json:"graph"`
	NextStage string    `json:"next_stage"`
	State     []byte    `json:"state"`
	Failed    bool      `json:"failed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckpointStore persists checkpoints keyed by run id.
type CheckpointStore interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, runID string) (*Checkpoint, error)
	Delete(ctx context.Context, runID string) error
}

// MemoryCheckpointStore keeps checkpoints in memory. Used in tests and
// for runs that do not need durability.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[string]*Checkpoint)}
}

// Save stores a copy of the checkpoint.
func (m *MemoryCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := *cp
	saved.State = append([]byte(nil), cp.State...)
	m.checkpoints[cp.RunID] = &saved
	return nil
}

// Load returns the checkpoint for the run, or nil when absent.
func (m *MemoryCheckpointStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[runID]
	if !ok {
		return nil, nil
	}
	out := *cp
	out.State = append([]byte(nil), cp.State...)
	return &out, nil
}

// Delete removes the run's checkpoint.
func (m *MemoryCheckpointStore) Delete(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, runID)
	return nil
}
