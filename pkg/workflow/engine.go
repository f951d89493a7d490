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
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/gradeflow/pkg/observability"
	"github.com/teradata-labs/gradeflow/pkg/progress"
)

// Sentinel errors surfaced by the engine.
var (
	// ErrInterruptTimeout is returned when no human response arrives
	// within the interrupt's window.
	ErrInterruptTimeout = errors.New("interrupt timed out")

	// ErrNoCheckpoint is returned by Resume when the run has none.
	ErrNoCheckpoint = errors.New("no checkpoint for run")
)

// ErrorsField is the state field collecting stage failures. It reduces
// by Append; every schema gets it implicitly.
const ErrorsField = "errors"

// Reserved scalar fields maintained by the engine.
const (
	FieldCurrentStage = "current_stage"
	FieldPercentage   = "percentage"
)

// Run is the execution context handed to stages.
type Run struct {
	// ID is the workflow instance id (the batch id for grading runs).
	ID string

	// State is the current state. Stages read it and return deltas;
	// they must not mutate it.
	State State

	// Response carries the interrupt response when a stage re-executes
	// after a suspension; nil on first execution.
	Response *InterruptResponse

	// Send is set for fan-out worker executions: the unit's payload
	// and plan index. State equals Send.Payload in that case.
	Send *Send

	// Attempt is the fan-out unit's retry attempt (0 on first try).
	Attempt int

	// Logger is scoped to the run.
	Logger *zap.Logger
}

// Config configures the engine.
type Config struct {
	Checkpoints CheckpointStore
	Interrupter Interrupter
	Sink        progress.Sink
	Tracer      observability.Tracer
	Logger      *zap.Logger

	// MaxConcurrent bounds parallel fan-out workers (default 5).
	MaxConcurrent int
}

// Engine executes stage graphs with checkpointing, fan-out, and
// interrupt handling. The engine exclusively owns state mutation;
// stages return deltas.
type Engine struct {
	checkpoints CheckpointStore
	interrupter Interrupter
	broadcaster *progress.Broadcaster
	tracer      observability.Tracer
	logger      *zap.Logger
	maxWorkers  int
}

// NewEngine creates an engine. Missing collaborators default to
// in-memory / no-op implementations.
func NewEngine(config Config) *Engine {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Tracer == nil {
		config.Tracer = observability.NewNoOpTracer()
	}
	if config.Checkpoints == nil {
		config.Checkpoints = NewMemoryCheckpointStore()
	}
	if config.Interrupter == nil {
		config.Interrupter = &AutoResponder{Action: ActionApprove}
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 5
	}
	return &Engine{
		checkpoints: config.Checkpoints,
		interrupter: config.Interrupter,
		broadcaster: progress.NewBroadcaster(config.Sink, config.Logger),
		tracer:      config.Tracer,
		logger:      config.Logger,
		maxWorkers:  config.MaxConcurrent,
	}
}

// Run executes the graph from its entry stage over the initial state
// and returns the final state. On stage failure the failed state is
// checkpointed before the error propagates.
func (e *Engine) Run(ctx context.Context, g *Graph, runID string, initial State) (State, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return e.loop(ctx, g, runID, g.Entry, initial)
}

// Resume continues a checkpointed run from its last stage boundary.
func (e *Engine) Resume(ctx context.Context, g *Graph, runID string) (State, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	cp, err := e.checkpoints.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp == nil {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNoCheckpoint)
	}
	state, err := UnmarshalState(cp.State)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	e.logger.Info("Resuming workflow from checkpoint",
		zap.String("run_id", runID),
		zap.String("graph", g.Name),
		zap.String("next_stage", cp.NextStage))
	return e.loop(ctx, g, runID, cp.NextStage, state)
}

func (e *Engine) loop(ctx context.Context, g *Graph, runID, entry string, state State) (State, error) {
	ctx, runSpan := e.tracer.StartSpan(ctx, observability.SpanWorkflowRun)
	defer e.tracer.EndSpan(runSpan)
	runSpan.SetAttribute("graph", g.Name)
	runSpan.SetAttribute("run_id", runID)

	logger := e.logger.With(zap.String("run_id", runID), zap.String("graph", g.Name))

	current := entry
	var pendingResponse *InterruptResponse

	for current != End {
		if err := ctx.Err(); err != nil {
			return state, fmt.Errorf("workflow cancelled at %s: %w", current, err)
		}

		node, ok := g.Nodes[current]
		if !ok {
			return state, fmt.Errorf("graph %s: unknown stage %q", g.Name, current)
		}

		// Routers are pure: no mutation, no checkpoint, no progress.
		if node.Route != nil {
			next := node.Route(state)
			logger.Debug("Router selected branch",
				zap.String("router", current),
				zap.String("next", next))
			current = next
			continue
		}

		ctx, span := e.tracer.StartSpan(ctx, observability.SpanWorkflowStage)
		span.SetAttribute("stage", current)

		var delta Delta
		var interrupt *InterruptRequest
		var err error

		if node.Plan != nil {
			delta, err = e.executeFanOut(ctx, g, node, runID, current, state, logger)
		} else {
			run := &Run{ID: runID, State: state, Response: pendingResponse, Logger: logger}
			delta, interrupt, err = node.Stage(ctx, run)
		}
		e.tracer.EndSpan(span)

		if err != nil {
			state = e.recordFailure(ctx, g, runID, current, state, err, logger)
			return state, fmt.Errorf("stage %s failed: %w", current, err)
		}

		if interrupt != nil {
			resp, ierr := e.suspend(ctx, g, runID, current, state, interrupt, logger)
			if ierr != nil {
				state = e.recordFailure(ctx, g, runID, current, state, ierr, logger)
				return state, fmt.Errorf("stage %s: %w", current, ierr)
			}
			// Re-execute the stage with the response attached.
			pendingResponse = resp
			continue
		}
		pendingResponse = nil

		state, err = e.advance(ctx, g, runID, node, current, state, delta, logger)
		if err != nil {
			return state, err
		}
		current = node.Next
	}

	e.logger.Info("Workflow completed", zap.String("run_id", runID), zap.String("graph", g.Name))
	return state, nil
}

// advance merges the stage delta, updates bookkeeping fields,
// checkpoints, and emits the stage progress event.
func (e *Engine) advance(ctx context.Context, g *Graph, runID string, node *Node, current string, state State, delta Delta, logger *zap.Logger) (State, error) {
	merged, err := state.Merge(g.Schema, delta, logger)
	if err != nil {
		return state, fmt.Errorf("stage %s: reduce failed: %w", current, err)
	}

	pct := math.Max(merged.GetFloat(FieldPercentage), node.Percentage)
	merged[FieldCurrentStage] = node.Next
	merged[FieldPercentage] = pct

	if err := e.checkpoint(ctx, g, runID, node.Next, merged, false); err != nil {
		return merged, fmt.Errorf("stage %s: %w", current, err)
	}

	e.broadcaster.Publish(runID, progress.Event{
		Type:     progress.TypeStageUpdate,
		Stage:    node.Next,
		Status:   "running",
		Progress: &pct,
		Message:  fmt.Sprintf("completed %s", current),
	})
	logger.Info("Stage completed",
		zap.String("stage", current),
		zap.Float64("percentage", pct))
	return merged, nil
}

func (e *Engine) checkpoint(ctx context.Context, g *Graph, runID, nextStage string, state State, failed bool) error {
	raw, err := MarshalState(state)
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}
	cp := &Checkpoint{
		RunID:     runID,
		Graph:     g.Name,
		NextStage: nextStage,
		State:     raw,
		Failed:    failed,
		UpdatedAt: time.Now(),
	}
	if err := e.checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// recordFailure appends the failure to the state's error list and
// persists the failed state before the error propagates.
func (e *Engine) recordFailure(ctx context.Context, g *Graph, runID, stage string, state State, cause error, logger *zap.Logger) State {
	entry := map[string]interface{}{
		"stage":     stage,
		"error":     cause.Error(),
		"timestamp": time.Now().Format(time.RFC3339),
	}
	merged, err := state.Merge(g.Schema, Delta{ErrorsField: []interface{}{entry}}, logger)
	if err != nil {
		logger.Error("Failed to record stage failure on state", zap.Error(err))
		merged = state
	}

	if err := e.checkpoint(ctx, g, runID, stage, merged, true); err != nil {
		logger.Error("Failed to persist failed state", zap.Error(err))
	}

	e.broadcaster.Publish(runID, progress.Event{
		Type:  progress.TypeWorkflowError,
		Stage: stage,
		Error: cause.Error(),
	})
	logger.Error("Stage failed", zap.String("stage", stage), zap.Error(cause))
	return merged
}

// suspend checkpoints the run, issues the interrupt request, and waits
// for the response envelope.
func (e *Engine) suspend(ctx context.Context, g *Graph, runID, stage string, state State, req *InterruptRequest, logger *zap.Logger) (*InterruptResponse, error) {
	req.RunID = runID
	req.Stage = stage

	// Checkpoint before the interrupt so recovery resumes at this
	// stage with the same state identity.
	if err := e.checkpoint(ctx, g, runID, stage, state, false); err != nil {
		return nil, err
	}
	if err := e.interrupter.Request(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to issue interrupt: %w", err)
	}

	e.broadcaster.Publish(runID, progress.Event{
		Type:    progress.TypeAgentUpdate,
		AgentID: stage,
		Status:  "waiting_for_human",
		Message: req.Type,
	})
	logger.Info("Workflow suspended on interrupt",
		zap.String("stage", stage),
		zap.String("interrupt_id", req.ID),
		zap.String("type", req.Type))

	ctx, span := e.tracer.StartSpan(ctx, observability.SpanInterruptWait)
	defer e.tracer.EndSpan(span)
	span.SetAttribute("interrupt_id", req.ID)

	resp, err := e.interrupter.Await(ctx, req)
	if err != nil {
		return nil, err
	}
	logger.Info("Interrupt response received",
		zap.String("interrupt_id", req.ID),
		zap.String("action", resp.Action))
	return resp, nil
}

// executeFanOut plans the work units and runs them in parallel under
// the worker semaphore, rescheduling units whose delta carries the
// retry marker while budget remains. Deltas reduce in plan order so
// the merge is deterministic regardless of completion order.
func (e *Engine) executeFanOut(ctx context.Context, g *Graph, node *Node, runID, label string, state State, logger *zap.Logger) (Delta, error) {
	sends, err := node.Plan(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("fan-out plan failed: %w", err)
	}
	if len(sends) == 0 {
		logger.Warn("Fan-out produced no work units", zap.String("stage", label))
		return Delta{}, nil
	}

	worker := g.Nodes[node.Worker]
	logger.Info("Starting fan-out",
		zap.String("stage", label),
		zap.Int("units", len(sends)),
		zap.Int("max_workers", e.maxWorkers))

	type unitResult struct {
		delta Delta
		err   error
	}
	results := make([]unitResult, len(sends))

	sem := make(chan struct{}, e.maxWorkers)
	var wg sync.WaitGroup
	for i := range sends {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			delta, err := e.runUnit(ctx, node, worker, runID, &sends[idx], logger)
			results[idx] = unitResult{delta: delta, err: err}
		}(i)
	}
	wg.Wait()

	// Reduce in plan order into an empty accumulator. The result is a
	// delta of unit contributions only; advance merges it into the
	// parent state exactly once, so pre-existing list content never
	// re-enters through the fan-out.
	reduced := State{}
	for i := range results {
		if results[i].err != nil {
			// Worker failures are recorded, never fatal to the pipeline.
			entry := map[string]interface{}{
				"stage":     fmt.Sprintf("%s[%d]", node.Worker, i),
				"error":     results[i].err.Error(),
				"timestamp": time.Now().Format(time.RFC3339),
			}
			results[i].delta = Delta{ErrorsField: []interface{}{entry}}
		}
		next, err := reduced.Merge(g.Schema, results[i].delta, logger)
		if err != nil {
			return nil, fmt.Errorf("fan-out reduce failed for unit %d: %w", i, err)
		}
		reduced = next
	}
	return Delta(reduced), nil
}

// runUnit executes one fan-out unit, rescheduling on the retry marker
// with exponential backoff.
func (e *Engine) runUnit(ctx context.Context, node *Node, worker *Node, runID string, send *Send, logger *zap.Logger) (Delta, error) {
	baseDelay := node.RetryDelaySeconds
	if baseDelay <= 0 {
		baseDelay = 1.0
	}

	for attempt := 0; ; attempt++ {
		run := &Run{
			ID:      runID,
			State:   send.Payload,
			Send:    send,
			Attempt: attempt,
			Logger:  logger.With(zap.Int("unit", send.Index), zap.Int("attempt", attempt)),
		}
		delta, _, err := worker.Stage(ctx, run)
		if err != nil {
			return nil, fmt.Errorf("unit %d failed: %w", send.Index, err)
		}

		retry := node.RetryField != "" && delta != nil && delta[node.RetryField] == true
		if retry {
			delete(delta, node.RetryField)
			if attempt < node.MaxRetries && ctx.Err() == nil {
				delay := time.Duration(baseDelay*math.Pow(2, float64(attempt))*1000) * time.Millisecond
				logger.Warn("Rescheduling fan-out unit",
					zap.Int("unit", send.Index),
					zap.Int("attempt", attempt+1),
					zap.Duration("backoff", delay))
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
				}
			}
		}

		return delta, nil
	}
}
