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

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPolicyBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"default first", Default(), 0, time.Second},
		{"default second", Default(), 1, 2 * time.Second},
		{"default capped", Default(), 10, 60 * time.Second},
		{"llm first", LLMAPI(), 0, 2 * time.Second},
		{"llm capped", LLMAPI(), 8, 120 * time.Second},
		{"persistence growth", Persistence(), 1, 750 * time.Millisecond},
		{"fast fail flat", FastFail(), 3, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Backoff(tt.attempt))
		})
	}
}

func TestDoSucceedsAfterRetry(t *testing.T) {
	policy := Policy{
		Name:               "test",
		InitialInterval:    time.Millisecond,
		BackoffCoefficient: 1.0,
		MaximumInterval:    time.Millisecond,
		MaximumAttempts:    3,
	}

	calls := 0
	err := Do(context.Background(), policy, zaptest.NewLogger(t), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustion(t *testing.T) {
	policy := Policy{
		Name:               "test",
		InitialInterval:    time.Millisecond,
		BackoffCoefficient: 1.0,
		MaximumInterval:    time.Millisecond,
		MaximumAttempts:    2,
	}

	calls := 0
	err := Do(context.Background(), policy, nil, func(ctx context.Context) error {
		calls++
		return errors.New("always fails")
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Contains(t, err.Error(), "exhausted 2 attempts")
}

func TestDoNonRetryableAbortsImmediately(t *testing.T) {
	calls := 0
	sentinel := errors.New("validation failed")
	err := Do(context.Background(), Default(), nil, func(ctx context.Context) error {
		calls++
		return NonRetryable(sentinel)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, sentinel)
	assert.True(t, IsNonRetryable(err))
}

func TestDoContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Default(), nil, func(ctx context.Context) error {
		return errors.New("transient")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCircuitBreakerTransitions(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     10 * time.Millisecond,
		SuccessThreshold: 1,
		Enabled:          true,
	})

	assert.True(t, cb.AllowRequest())

	cb.RecordFailure()
	assert.True(t, cb.AllowRequest())
	cb.RecordFailure()

	// Open now
	assert.False(t, cb.AllowRequest())
	assert.Equal(t, CircuitOpen, cb.GetStats().State)

	// After reset timeout, probes are allowed (half-open)
	time.Sleep(15 * time.Millisecond)
	assert.True(t, cb.AllowRequest())
	assert.Equal(t, CircuitHalfOpen, cb.GetStats().State)

	// A success closes it again
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.GetStats().State)
	assert.True(t, cb.AllowRequest())
}

func TestCircuitBreakerDisabled(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Enabled: false})
	for i := 0; i < 20; i++ {
		cb.RecordFailure()
	}
	assert.True(t, cb.AllowRequest())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     5 * time.Millisecond,
		SuccessThreshold: 2,
		Enabled:          true,
	})

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.GetStats().State)

	time.Sleep(10 * time.Millisecond)
	require.True(t, cb.AllowRequest())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetStats().State)
}
