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

package grading

import (
	"fmt"
	"sync"
	"time"
)

// ErrorKind is a semantic error tag. Closed set; propagation policy is
// keyed off the kind, not the message.
type ErrorKind string

const (
	// KindInputInvalid: missing required images/keys. Fatal at intake.
	KindInputInvalid ErrorKind = "input_invalid"

	// KindRubricParseFailed: service failure or timeout parsing the
	// rubric. Fatal.
	KindRubricParseFailed ErrorKind = "rubric_parse_failed"

	// KindRubricScoreMismatch: parsed total below the caller-supplied
	// expected total. Fatal.
	KindRubricScoreMismatch ErrorKind = "rubric_score_mismatch"

	// KindWorkerFailed: one fan-out worker failed. Non-fatal; per-page
	// results are marked failed and a retry may be scheduled.
	KindWorkerFailed ErrorKind = "worker_failed"

	// KindLogicReviewParseFailed: the reviewer's JSON did not parse.
	// Non-fatal; the question keeps pre-review values with a flag.
	KindLogicReviewParseFailed ErrorKind = "logic_review_parse_failed"

	// KindPersistenceFailed: DB write error. Non-fatal; a JSON artifact
	// is still written.
	KindPersistenceFailed ErrorKind = "persistence_failed"

	// KindInterruptTimeout: no human response within the window.
	KindInterruptTimeout ErrorKind = "interrupt_timeout"
)

// Error is a tagged pipeline error.
type Error struct {
	Kind    ErrorKind
	Stage   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a tagged error.
func NewError(kind ErrorKind, stage, message string, cause error) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message, Cause: cause}
}

// ErrorRecord is one entry in the error log exported with the results.
type ErrorRecord struct {
	Kind      string    `json:"kind"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Student   string    `json:"student_key,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorManager collects per-workflow error records. Workers append
// concurrently; a mutex serializes access. One instance per run, never
// shared across workflows.
type ErrorManager struct {
	mu      sync.Mutex
	records []ErrorRecord
}

// NewErrorManager creates an empty manager.
func NewErrorManager() *ErrorManager {
	return &ErrorManager{}
}

// Record appends an error record.
func (m *ErrorManager) Record(kind ErrorKind, stage, message string) {
	m.RecordStudent(kind, stage, "", message)
}

// RecordStudent appends an error record attributed to a student.
func (m *ErrorManager) RecordStudent(kind ErrorKind, stage, studentKey, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, ErrorRecord{
		Kind:      string(kind),
		Stage:     stage,
		Message:   message,
		Student:   studentKey,
		Timestamp: time.Now(),
	})
}

// Records returns a copy of the collected records.
func (m *ErrorManager) Records() []ErrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ErrorRecord(nil), m.records...)
}

// Len returns the number of records.
func (m *ErrorManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
