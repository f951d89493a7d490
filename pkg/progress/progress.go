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

// Package progress defines the best-effort event stream broadcast to
// clients during a grading run. Sinks are lossy by contract: a publish
// failure is logged and swallowed, never propagated into the workflow.
package progress

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Event types form a closed set. Payload fields are pointers or
// omitempty so each event type serializes only its own fields.
const (
	TypeAgentUpdate        = "agent_update"
	TypeLLMStreamChunk     = "llm_stream_chunk"
	TypeRubricParsed       = "rubric_parsed"
	TypeRubricSelfReviewed = "rubric_self_reviewed"
	TypeRubricMismatch     = "rubric_score_mismatch"
	TypeWorkflowError      = "workflow_error"
	TypeStageUpdate        = "stage_update"
)

// Event is one progress broadcast. Type discriminates which of the
// optional payload fields are populated.
type Event struct {
	Type     string `json:"type"`
	NodeID   string `json:"nodeId,omitempty"`
	AgentID  string `json:"agentId,omitempty"`
	ParentID string `json:"parentNodeId,omitempty"`

	// llm_stream_chunk
	StreamType string `json:"streamType,omitempty"`
	Chunk      string `json:"chunk,omitempty"`

	// agent_update / stage_update
	Status   string   `json:"status,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`
	Stage    string   `json:"stage,omitempty"`

	// rubric_parsed
	TotalQuestions int     `json:"totalQuestions,omitempty"`
	TotalScore     float64 `json:"totalScore,omitempty"`

	// rubric_self_reviewed
	ChangesMade      []string `json:"changes_made,omitempty"`
	ConfidenceBefore float64  `json:"confidence_before,omitempty"`
	ConfidenceAfter  float64  `json:"confidence_after,omitempty"`

	// rubric_score_mismatch
	ExpectedTotalScore float64 `json:"expected_total_score,omitempty"`
	ParsedTotalScore   float64 `json:"parsed_total_score,omitempty"`

	// workflow_error
	Error string `json:"error,omitempty"`
}

// Sink receives progress events for a batch. Implementations may drop
// events; callers must treat Publish as fire-and-forget.
type Sink interface {
	Publish(batchID string, event Event) error
}

// NopSink discards all events.
type NopSink struct{}

// Publish discards the event.
func (NopSink) Publish(string, Event) error { return nil }

// Broadcaster wraps a Sink with the log-and-swallow contract. A nil
// inner sink is valid and behaves like NopSink.
type Broadcaster struct {
	sink   Sink
	logger *zap.Logger
}

// NewBroadcaster creates a best-effort broadcaster over sink.
func NewBroadcaster(sink Sink, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{sink: sink, logger: logger}
}

// Publish forwards the event to the sink. Failures are logged and
// swallowed; Publish never returns an error to the workflow.
func (b *Broadcaster) Publish(batchID string, event Event) {
	if b == nil || b.sink == nil {
		return
	}
	if err := b.sink.Publish(batchID, event); err != nil {
		b.logger.Warn("Progress broadcast failed",
			zap.String("batch_id", batchID),
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

// LogSink writes events to a logger, useful for CLI runs without a
// client connection.
type LogSink struct {
	Logger *zap.Logger
}

// Publish logs the event at debug level.
func (s *LogSink) Publish(batchID string, event Event) error {
	if s.Logger == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.Logger.Debug("progress",
		zap.String("batch_id", batchID),
		zap.ByteString("event", payload))
	return nil
}
