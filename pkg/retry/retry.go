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

// Package retry provides named retry policies with exponential backoff
// and a circuit breaker for external service calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// Policy describes a retry schedule. Backoff for attempt n (0-based) is
// InitialInterval * BackoffCoefficient^n, capped at MaximumInterval.
type Policy struct {
	// Name identifies the policy in logs.
	Name string

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// BackoffCoefficient multiplies the delay after each attempt.
	BackoffCoefficient float64

	// MaximumInterval caps the delay between attempts.
	MaximumInterval time.Duration

	// MaximumAttempts is the total number of attempts (not retries).
	MaximumAttempts int

	// AttemptTimeout bounds each individual attempt. Zero means the
	// attempt runs under the caller's context deadline only.
	AttemptTimeout time.Duration
}

// Default is the general-purpose policy.
func Default() Policy {
	return Policy{
		Name:               "default",
		InitialInterval:    1 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    60 * time.Second,
		MaximumAttempts:    3,
	}
}

// LLMAPI is the policy for external LLM/vision service calls.
func LLMAPI() Policy {
	return Policy{
		Name:               "llm_api",
		InitialInterval:    2 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    120 * time.Second,
		MaximumAttempts:    5,
		AttemptTimeout:     300 * time.Second,
	}
}

// FastFail is the policy for calls that must not stall the pipeline.
func FastFail() Policy {
	return Policy{
		Name:               "fast_fail",
		InitialInterval:    500 * time.Millisecond,
		BackoffCoefficient: 1.0,
		MaximumInterval:    1 * time.Second,
		MaximumAttempts:    1,
		AttemptTimeout:     30 * time.Second,
	}
}

// Persistence is the policy for database writes.
func Persistence() Policy {
	return Policy{
		Name:               "persistence",
		InitialInterval:    500 * time.Millisecond,
		BackoffCoefficient: 1.5,
		MaximumInterval:    10 * time.Second,
		MaximumAttempts:    5,
		AttemptTimeout:     60 * time.Second,
	}
}

// Backoff returns the delay before retrying after the given 0-based
// attempt index.
func (p Policy) Backoff(attempt int) time.Duration {
	ms := float64(p.InitialInterval.Milliseconds()) * math.Pow(p.BackoffCoefficient, float64(attempt))
	if max := float64(p.MaximumInterval.Milliseconds()); ms > max {
		ms = max
	}
	return time.Duration(ms) * time.Millisecond
}

// nonRetryableError marks an error that must abort retrying immediately.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable wraps an error so Do aborts without further attempts.
// Validation failures and cancellations use this.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable or is
// a context cancellation.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	if errors.As(err, &nr) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// Do runs fn under the policy, retrying retryable failures with
// exponential backoff. The last error is returned after exhaustion.
func Do(ctx context.Context, policy Policy, logger *zap.Logger, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := policy.MaximumAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
		}

		err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			if attempt > 0 {
				logger.Info("Call succeeded after retry",
					zap.String("policy", policy.Name),
					zap.Int("attempt", attempt+1))
			}
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			logger.Debug("Non-retryable error, not retrying",
				zap.String("policy", policy.Name),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
		if attempt == attempts-1 {
			break
		}

		backoff := policy.Backoff(attempt)
		logger.Info("Call failed, backing off before retry",
			zap.String("policy", policy.Name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
		}
	}

	return fmt.Errorf("%s: exhausted %d attempts: %w", policy.Name, attempts, lastErr)
}
