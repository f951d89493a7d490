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
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Interrupt response actions form a closed set.
const (
	ActionApprove = "approve"
	ActionUpdate  = "update"
	ActionReparse = "reparse"
	ActionRegrade = "regrade"
	ActionSkip    = "skip"
	ActionReject  = "reject"
)

// Interrupt request statuses.
const (
	InterruptPending   = "pending"
	InterruptResponded = "responded"
	InterruptExpired   = "timeout"
)

// InterruptRequest suspends the workflow until a human responds.
type InterruptRequest struct {
	ID        string                 `json:"id"`
	RunID     string                 `json:"run_id"`
	Stage     string                 `json:"stage"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Status    string                 `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at,omitempty"`

	// Timeout bounds the wait. Zero means wait until the caller's
	// context expires.
	Timeout time.Duration `json:"-"`
}

// NewInterruptRequest builds a pending request envelope.
func NewInterruptRequest(runID, stage, reqType string, payload map[string]interface{}) *InterruptRequest {
	return &InterruptRequest{
		ID:        uuid.NewString(),
		RunID:     runID,
		Stage:     stage,
		Type:      reqType,
		Payload:   payload,
		Status:    InterruptPending,
		CreatedAt: time.Now(),
	}
}

// InterruptResponse is the resume envelope. Action is one of the
// Action* constants; Payload carries action-specific data (override
// lists, regrade items, reparse targets).
type InterruptResponse struct {
	RequestID   string          `json:"request_id"`
	Action      string          `json:"action"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RespondedBy string          `json:"responded_by,omitempty"`
	RespondedAt time.Time       `json:"responded_at"`
}

// DecodePayload unmarshals the response payload into out.
func (r *InterruptResponse) DecodePayload(out interface{}) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Payload, out); err != nil {
		return fmt.Errorf("failed to decode interrupt payload: %w", err)
	}
	return nil
}

// InterruptStore persists interrupt requests and their responses.
type InterruptStore interface {
	// Store saves a new pending request.
	Store(ctx context.Context, req *InterruptRequest) error

	// Get retrieves a request by id.
	Get(ctx context.Context, id string) (*InterruptRequest, error)

	// Respond attaches a response to a pending request.
	Respond(ctx context.Context, resp *InterruptResponse) error

	// Response returns the response for a request, or nil while pending.
	Response(ctx context.Context, requestID string) (*InterruptResponse, error)

	// ListPending returns all pending requests, for an adjudication UI.
	ListPending(ctx context.Context) ([]*InterruptRequest, error)

	// Expire marks a request timed out.
	Expire(ctx context.Context, id string) error
}

// Interrupter issues interrupt requests and waits for responses.
type Interrupter interface {
	Request(ctx context.Context, req *InterruptRequest) error
	Await(ctx context.Context, req *InterruptRequest) (*InterruptResponse, error)
}

// StoreInterrupter persists requests to an InterruptStore and polls it
// for responses.
type StoreInterrupter struct {
	store        InterruptStore
	pollInterval time.Duration
}

// NewStoreInterrupter creates a polling interrupter. A zero interval
// defaults to one second.
func NewStoreInterrupter(store InterruptStore, pollInterval time.Duration) *StoreInterrupter {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &StoreInterrupter{store: store, pollInterval: pollInterval}
}

// Request stores the pending envelope.
func (i *StoreInterrupter) Request(ctx context.Context, req *InterruptRequest) error {
	if req.Timeout > 0 {
		req.ExpiresAt = req.CreatedAt.Add(req.Timeout)
	}
	return i.store.Store(ctx, req)
}

// Await polls until a response arrives, the request times out, or the
// context is cancelled. A timeout returns ErrInterruptTimeout.
func (i *StoreInterrupter) Await(ctx context.Context, req *InterruptRequest) (*InterruptResponse, error) {
	ticker := time.NewTicker(i.pollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		resp, err := i.store.Response(ctx, req.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll interrupt %s: %w", req.ID, err)
		}
		if resp != nil {
			return resp, nil
		}

		select {
		case <-ticker.C:
		case <-deadline:
			if err := i.store.Expire(ctx, req.ID); err != nil {
				return nil, fmt.Errorf("interrupt %s timed out (expire failed: %v): %w", req.ID, err, ErrInterruptTimeout)
			}
			return nil, fmt.Errorf("interrupt %s: %w", req.ID, ErrInterruptTimeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("interrupt %s cancelled: %w", req.ID, ctx.Err())
		}
	}
}

// MemoryInterruptStore keeps interrupt requests in memory.
type MemoryInterruptStore struct {
	mu        sync.RWMutex
	requests  map[string]*InterruptRequest
	responses map[string]*InterruptResponse
}

// NewMemoryInterruptStore creates an empty in-memory store.
func NewMemoryInterruptStore() *MemoryInterruptStore {
	return &MemoryInterruptStore{
		requests:  make(map[string]*InterruptRequest),
		responses: make(map[string]*InterruptResponse),
	}
}

// Store saves a new pending request.
func (m *MemoryInterruptStore) Store(ctx context.Context, req *InterruptRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := *req
	m.requests[req.ID] = &saved
	return nil
}

// Get retrieves a request by id, or nil.
func (m *MemoryInterruptStore) Get(ctx context.Context, id string) (*InterruptRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	out := *req
	return &out, nil
}

// Respond attaches a response to a pending request.
func (m *MemoryInterruptStore) Respond(ctx context.Context, resp *InterruptResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[resp.RequestID]
	if !ok {
		return fmt.Errorf("interrupt %s not found", resp.RequestID)
	}
	if req.Status != InterruptPending {
		return fmt.Errorf("interrupt %s is not pending", resp.RequestID)
	}
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = time.Now()
	}
	req.Status = InterruptResponded
	saved := *resp
	m.responses[resp.RequestID] = &saved
	return nil
}

// Response returns the response for a request, or nil while pending.
func (m *MemoryInterruptStore) Response(ctx context.Context, requestID string) (*InterruptResponse, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.requests[requestID]; !ok {
		return nil, fmt.Errorf("interrupt %s not found", requestID)
	}
	resp, ok := m.responses[requestID]
	if !ok {
		return nil, nil
	}
	out := *resp
	return &out, nil
}

// ListPending returns all pending requests, oldest first.
func (m *MemoryInterruptStore) ListPending(ctx context.Context) ([]*InterruptRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*InterruptRequest
	for _, req := range m.requests {
		if req.Status == InterruptPending {
			copied := *req
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Expire marks a pending request timed out.
func (m *MemoryInterruptStore) Expire(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.requests[id]; ok && req.Status == InterruptPending {
		req.Status = InterruptExpired
	}
	return nil
}

var _ InterruptStore = (*MemoryInterruptStore)(nil)

// AutoResponder resolves every interrupt immediately with a fixed
// action. Used for non-interactive runs and tests.
type AutoResponder struct {
	Action  string
	Payload json.RawMessage
}

// Request is a no-op.
func (a *AutoResponder) Request(ctx context.Context, req *InterruptRequest) error { return nil }

// Await returns the fixed response.
func (a *AutoResponder) Await(ctx context.Context, req *InterruptRequest) (*InterruptResponse, error) {
	action := a.Action
	if action == "" {
		action = ActionApprove
	}
	return &InterruptResponse{
		RequestID:   req.ID,
		Action:      action,
		Payload:     a.Payload,
		RespondedBy: "auto",
		RespondedAt: time.Now(),
	}, nil
}
