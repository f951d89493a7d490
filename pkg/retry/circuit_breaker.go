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
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed - normal operation, requests allowed
	CircuitClosed CircuitState = iota
	// CircuitOpen - failing, requests blocked
	CircuitOpen
	// CircuitHalfOpen - testing if recovered, limited requests
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration
	// SuccessThreshold is the consecutive success count that closes a half-open circuit.
	SuccessThreshold int
	// Enabled turns the breaker on. A disabled breaker always allows requests.
	Enabled bool
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 2,
		Enabled:          true,
	}
}

// CircuitBreaker prevents cascading failures by temporarily blocking
// calls to a failing scoring service.
//
// State transitions:
//   - CLOSED -> OPEN: after FailureThreshold consecutive failures
//   - OPEN -> HALF_OPEN: after ResetTimeout elapses
//   - HALF_OPEN -> CLOSED: after SuccessThreshold consecutive successes
//   - HALF_OPEN -> OPEN: after any failure
type CircuitBreaker struct {
	mu              sync.RWMutex
	config          CircuitBreakerConfig
	state           CircuitState
	failureCount    int
	successCount    int
	lastStateChange time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = time.Minute
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// AllowRequest reports whether a request may proceed, transitioning an
// open circuit to half-open once the reset timeout has elapsed.
func (cb *CircuitBreaker) AllowRequest() bool {
	if !cb.config.Enabled {
		return true
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastStateChange) >= cb.config.ResetTimeout {
			cb.transition(CircuitHalfOpen)
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transition(CircuitClosed)
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	if !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
	}
}

// transition moves to a new state and resets counters. Caller holds the lock.
func (cb *CircuitBreaker) transition(state CircuitState) {
	cb.state = state
	cb.failureCount = 0
	cb.successCount = 0
	cb.lastStateChange = time.Now()
}

// CircuitBreakerStats describes the breaker's current state.
type CircuitBreakerStats struct {
	State               CircuitState
	FailureCount        int
	SuccessCount        int
	TimeSinceLastChange time.Duration
}

// GetStats returns current circuit breaker statistics.
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return CircuitBreakerStats{
		State:               cb.state,
		FailureCount:        cb.failureCount,
		SuccessCount:        cb.successCount,
		TimeSinceLastChange: time.Since(cb.lastStateChange),
	}
}

// Reset forces the breaker back to the closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(CircuitClosed)
}
