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
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/teradata-labs/gradeflow/pkg/observability"
	"github.com/teradata-labs/gradeflow/pkg/progress"
	"github.com/teradata-labs/gradeflow/pkg/scoring"
	"github.com/teradata-labs/gradeflow/pkg/storage"
	"github.com/teradata-labs/gradeflow/pkg/types"
	"github.com/teradata-labs/gradeflow/pkg/workflow"
)

// Config wires a grading pipeline.
type Config struct {
	// Scorer is the scoring-service boundary. Required.
	Scorer scoring.Service

	// Store persists run history; nil skips DB persistence.
	Store storage.Store

	// Files is the blob-storage boundary for image recovery and page
	// references; nil disables both.
	Files storage.FileStorage

	// Artifacts writes the JSON export documents; nil skips them.
	Artifacts *storage.ArtifactWriter

	// Checkpoints and Interrupter configure the engine; nil values
	// default to in-memory implementations.
	Checkpoints workflow.CheckpointStore
	Interrupter workflow.Interrupter

	// Sink receives progress events.
	Sink progress.Sink

	Tracer observability.Tracer
	Logger *zap.Logger

	Options Options
}

// Pipeline executes one grading run. It is single-run: the error
// manager and options are bound at construction, so build a fresh
// pipeline per batch.
type Pipeline struct {
	engine      *workflow.Engine
	graph       *workflow.Graph
	scorer      scoring.Service
	store       storage.Store
	files       storage.FileStorage
	artifacts   *storage.ArtifactWriter
	broadcaster *progress.Broadcaster
	errors      *ErrorManager
	opts        Options
	logger      *zap.Logger
}

// NewPipeline builds the pipeline and validates its graph.
func NewPipeline(config Config) (*Pipeline, error) {
	if config.Scorer == nil {
		return nil, fmt.Errorf("pipeline requires a scoring service")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	p := &Pipeline{
		scorer:      config.Scorer,
		store:       config.Store,
		files:       config.Files,
		artifacts:   config.Artifacts,
		broadcaster: progress.NewBroadcaster(config.Sink, config.Logger),
		errors:      NewErrorManager(),
		opts:        config.Options.WithDefaults(),
		logger:      config.Logger,
	}
	p.engine = workflow.NewEngine(workflow.Config{
		Checkpoints:   config.Checkpoints,
		Interrupter:   config.Interrupter,
		Sink:          config.Sink,
		Tracer:        config.Tracer,
		Logger:        config.Logger,
		MaxConcurrent: p.opts.MaxConcurrentWorkers,
	})

	g, err := p.buildGraph()
	if err != nil {
		return nil, err
	}
	p.graph = g
	return p, nil
}

// buildGraph lays out the grading stage graph:
//
//	intake → preprocess → rubric_parse → (self-review?) →
//	(human rubric review?) → fan-out(grade_batch) → logic_review →
//	results_review → export
func (p *Pipeline) buildGraph() (*workflow.Graph, error) {
	g := workflow.NewGraph("grading", StageIntake, StateSchema())
	g.AddStage(StageIntake, StagePreprocess, 5, p.stageIntake)
	g.AddStage(StagePreprocess, StageRubricParse, 15, p.stagePreprocess)
	g.AddStage(StageRubricParse, StageSelfReviewGate, 35, p.stageRubricParse)
	g.AddRouter(StageSelfReviewGate, p.routeSelfReview)
	g.AddStage(StageRubricSelfCheck, StageReviewGate, 40, p.stageRubricSelfReview)
	g.AddRouter(StageReviewGate, p.routeRubricReview)
	g.AddStage(StageRubricReview, StageGradeFanOut, 45, p.stageRubricReview)
	g.AddFanOut(StageGradeFanOut, StageGradeBatch, StageLogicReview, 75, p.planGradeBatches)
	// The worker is invoked by the fan-out executor, never followed as
	// an edge; End satisfies graph validation.
	g.AddStage(StageGradeBatch, workflow.End, 0, p.stageGradeBatch)
	g.AddStage(StageLogicReview, StageResultsReview, 85, p.stageLogicReview)
	g.AddStage(StageResultsReview, StageExport, 92, p.stageReview)
	g.AddStage(StageExport, workflow.End, 100, p.stageExport)

	fanOut := g.Nodes[StageGradeFanOut]
	fanOut.RetryField = FieldBatchRetry
	fanOut.MaxRetries = p.opts.MaxRetries
	fanOut.RetryDelaySeconds = p.opts.RetryDelay.Seconds()

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("grading graph invalid: %w", err)
	}
	return g, nil
}

// Run executes a grading run from scratch.
func (p *Pipeline) Run(ctx context.Context, batchID string, inputs *Inputs) (workflow.State, error) {
	initial := workflow.State{
		FieldBatchID: batchID,
		FieldInputs:  inputs,
	}
	return p.engine.Run(ctx, p.graph, batchID, initial)
}

// Resume continues a checkpointed run.
func (p *Pipeline) Resume(ctx context.Context, batchID string) (workflow.State, error) {
	return p.engine.Resume(ctx, p.graph, batchID)
}

// Errors exposes the run's error records.
func (p *Pipeline) Errors() []ErrorRecord {
	return p.errors.Records()
}

// publish broadcasts a progress event unless broadcasting is disabled.
func (p *Pipeline) publish(batchID string, event progress.Event) {
	if p.opts.DisableProgressBroadcast {
		return
	}
	p.broadcaster.Publish(batchID, event)
}

// streamCallback forwards LLM stream chunks as progress events tagged
// with the emitting stage.
func (p *Pipeline) streamCallback(batchID, stage string) types.TokenCallback {
	if p.opts.DisableProgressBroadcast {
		return nil
	}
	return func(chunkType, chunk string) {
		p.publish(batchID, progress.Event{
			Type:       progress.TypeLLMStreamChunk,
			NodeID:     stage,
			StreamType: chunkType,
			Chunk:      chunk,
		})
	}
}

// unitStreamCallback tags grading stream chunks with the fan-out unit.
func (p *Pipeline) unitStreamCallback(batchID string, unitIndex int, studentKey string) types.TokenCallback {
	if p.opts.DisableProgressBroadcast {
		return nil
	}
	agentID := fmt.Sprintf("grade_batch_%d", unitIndex)
	return func(chunkType, chunk string) {
		p.publish(batchID, progress.Event{
			Type:       progress.TypeLLMStreamChunk,
			NodeID:     studentKey,
			AgentID:    agentID,
			StreamType: chunkType,
			Chunk:      chunk,
		})
	}
}
