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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testEngine(t *testing.T, config Config) *Engine {
	t.Helper()
	if config.Logger == nil {
		config.Logger = zaptest.NewLogger(t)
	}
	return NewEngine(config)
}

func TestEngineRunLinearGraph(t *testing.T) {
	g := NewGraph("test", "first", Schema{ErrorsField: {Reducer: Append}})
	g.AddStage("first", "second", 30, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		return Delta{"a": "one"}, nil, nil
	})
	g.AddStage("second", End, 100, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		require.Equal(t, "one", run.State.GetString("a"), "stage sees prior deltas")
		return Delta{"b": "two"}, nil, nil
	})

	e := testEngine(t, Config{})
	final, err := e.Run(context.Background(), g, "run-1", State{})
	require.NoError(t, err)

	assert.Equal(t, "one", final.GetString("a"))
	assert.Equal(t, "two", final.GetString("b"))
	assert.Equal(t, End, final.GetString(FieldCurrentStage))
	assert.Equal(t, 100.0, final.GetFloat(FieldPercentage))
}

func TestEngineRouterSelectsBranch(t *testing.T) {
	g := NewGraph("test", "start", Schema{ErrorsField: {Reducer: Append}})
	g.AddStage("start", "route", 10, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		return Delta{"mode": "fast"}, nil, nil
	})
	g.AddRouter("route", func(s State) string {
		if s.GetString("mode") == "fast" {
			return "fast"
		}
		return "slow"
	})
	g.AddStage("fast", End, 100, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		return Delta{"took": "fast"}, nil, nil
	})
	g.AddStage("slow", End, 100, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		return Delta{"took": "slow"}, nil, nil
	})

	e := testEngine(t, Config{})
	final, err := e.Run(context.Background(), g, "run-1", State{})
	require.NoError(t, err)
	assert.Equal(t, "fast", final.GetString("took"))
}

func TestEnginePercentageMonotone(t *testing.T) {
	g := NewGraph("test", "first", Schema{ErrorsField: {Reducer: Append}})
	g.AddStage("first", "second", 80, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		return Delta{}, nil, nil
	})
	// Second stage declares a lower percentage; reported progress must
	// not regress.
	g.AddStage("second", End, 40, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		return Delta{}, nil, nil
	})

	e := testEngine(t, Config{})
	final, err := e.Run(context.Background(), g, "run-1", State{})
	require.NoError(t, err)
	assert.Equal(t, 80.0, final.GetFloat(FieldPercentage))
}

func TestEngineStageFailureIsCheckpointed(t *testing.T) {
	store := NewMemoryCheckpointStore()
	g := NewGraph("test", "boom", Schema{ErrorsField: {Reducer: Append}})
	g.AddStage("boom", End, 100, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		return nil, nil, errors.New("provider unavailable")
	})

	e := testEngine(t, Config{Checkpoints: store})
	_, err := e.Run(context.Background(), g, "run-1", State{"batch_id": "b-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider unavailable")

	cp, err := store.Load(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.Failed)
	assert.Equal(t, "boom", cp.NextStage)

	state, err := UnmarshalState(cp.State)
	require.NoError(t, err)
	errs := state[ErrorsField].([]interface{})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].(map[string]interface{})["error"], "provider unavailable")
}

func TestEngineResume(t *testing.T) {
	store := NewMemoryCheckpointStore()
	schema := Schema{ErrorsField: {Reducer: Append}}

	var failSecond bool
	build := func() *Graph {
		g := NewGraph("test", "first", schema)
		g.AddStage("first", "second", 50, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
			return Delta{"a": "one"}, nil, nil
		})
		g.AddStage("second", End, 100, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
			if failSecond {
				return nil, nil, errors.New("transient")
			}
			return Delta{"b": "two"}, nil, nil
		})
		return g
	}

	e := testEngine(t, Config{Checkpoints: store})

	failSecond = true
	_, err := e.Run(context.Background(), build(), "run-1", State{})
	require.Error(t, err)

	failSecond = false
	final, err := e.Resume(context.Background(), build(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "one", final.GetString("a"), "state restored from checkpoint")
	assert.Equal(t, "two", final.GetString("b"))
}

func TestEngineResumeWithoutCheckpoint(t *testing.T) {
	g := NewGraph("test", "only", Schema{})
	g.AddStage("only", End, 100, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		return Delta{}, nil, nil
	})

	e := testEngine(t, Config{})
	_, err := e.Resume(context.Background(), g, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestEngineFanOutDeterministicReduction(t *testing.T) {
	schema := Schema{
		ErrorsField: {Reducer: Append},
		"results":   {Reducer: Append},
	}
	g := NewGraph("test", "fanout", schema)
	g.AddFanOut("fanout", "worker", "join", 80, func(ctx context.Context, s State) ([]Send, error) {
		sends := make([]Send, 6)
		for i := range sends {
			sends[i] = Send{Index: i, Payload: State{"unit": float64(i)}}
		}
		return sends, nil
	})
	g.AddStage("worker", "", 0, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		// Later units finish first to exercise completion-order independence.
		unit := int(run.State.GetFloat("unit"))
		time.Sleep(time.Duration(6-unit) * 5 * time.Millisecond)
		return Delta{"results": []interface{}{fmt.Sprintf("r%d", unit)}}, nil, nil
	})
	g.AddStage("join", End, 100, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		return Delta{}, nil, nil
	})
	// Worker is only reachable through the fan-out; give it a valid successor.
	g.Nodes["worker"].Next = End

	e := testEngine(t, Config{MaxConcurrent: 3})
	final, err := e.Run(context.Background(), g, "run-1", State{})
	require.NoError(t, err)

	results := final["results"].([]interface{})
	require.Len(t, results, 6)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("r%d", i), r, "reduction must follow plan order")
	}
}

func TestEngineFanOutPreservesPriorAppendContent(t *testing.T) {
	schema := Schema{
		ErrorsField: {Reducer: Append},
		"results":   {Reducer: Append},
	}
	g := NewGraph("test", "seed", schema)
	g.AddStage("seed", "fanout", 20, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		return Delta{"results": []interface{}{"seeded"}}, nil, nil
	})
	g.AddFanOut("fanout", "worker", "join", 80, func(ctx context.Context, s State) ([]Send, error) {
		return []Send{
			{Index: 0, Payload: State{"unit": 0.0}},
			{Index: 1, Payload: State{"unit": 1.0}},
		}, nil
	})
	g.AddStage("worker", End, 0, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		unit := int(run.State.GetFloat("unit"))
		return Delta{"results": []interface{}{fmt.Sprintf("r%d", unit)}}, nil, nil
	})
	g.AddStage("join", End, 100, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		return Delta{}, nil, nil
	})

	e := testEngine(t, Config{})
	final, err := e.Run(context.Background(), g, "run-1", State{})
	require.NoError(t, err)

	// Content appended before the fan-out must survive exactly once.
	results := final["results"].([]interface{})
	require.Len(t, results, 3)
	assert.Equal(t, []interface{}{"seeded", "r0", "r1"}, results)
}

func TestEngineFanOutWorkerFailureRecordedNotFatal(t *testing.T) {
	schema := Schema{
		ErrorsField: {Reducer: Append},
		"results":   {Reducer: Append},
	}
	g := NewGraph("test", "fanout", schema)
	g.AddFanOut("fanout", "worker", "join", 80, func(ctx context.Context, s State) ([]Send, error) {
		return []Send{
			{Index: 0, Payload: State{"unit": 0.0}},
			{Index: 1, Payload: State{"unit": 1.0}},
		}, nil
	})
	g.AddStage("worker", End, 0, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		if run.State.GetFloat("unit") == 1 {
			return nil, nil, errors.New("worker blew up")
		}
		return Delta{"results": []interface{}{"ok"}}, nil, nil
	})
	g.AddStage("join", End, 100, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		return Delta{}, nil, nil
	})

	e := testEngine(t, Config{})
	final, err := e.Run(context.Background(), g, "run-1", State{})
	require.NoError(t, err, "a single worker failure must not abort the run")

	assert.Len(t, final["results"], 1)
	errs := final[ErrorsField].([]interface{})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].(map[string]interface{})["error"], "worker blew up")
}

func TestEngineFanOutEmptyPlan(t *testing.T) {
	g := NewGraph("test", "fanout", Schema{ErrorsField: {Reducer: Append}})
	g.AddFanOut("fanout", "worker", "join", 80, func(ctx context.Context, s State) ([]Send, error) {
		return nil, nil
	})
	g.AddStage("worker", End, 0, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		t.Fatal("worker must not run for an empty plan")
		return nil, nil, nil
	})
	g.AddStage("join", End, 100, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		return Delta{"joined": true}, nil, nil
	})

	e := testEngine(t, Config{})
	final, err := e.Run(context.Background(), g, "run-1", State{})
	require.NoError(t, err)
	assert.True(t, final.GetBool("joined"))
}

func TestEngineFanOutRetryMarkerReschedules(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	schema := Schema{
		ErrorsField: {Reducer: Append},
		"results":   {Reducer: Append},
	}
	g := NewGraph("test", "fanout", schema)
	g.AddFanOut("fanout", "worker", "join", 80, func(ctx context.Context, s State) ([]Send, error) {
		return []Send{{Index: 0, Payload: State{}}}, nil
	})
	g.Nodes["fanout"].RetryField = "batch_retry_needed"
	g.Nodes["fanout"].MaxRetries = 2
	g.Nodes["fanout"].RetryDelaySeconds = 0.001

	g.AddStage("worker", End, 0, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return Delta{"batch_retry_needed": true}, nil, nil
		}
		return Delta{"results": []interface{}{"ok"}}, nil, nil
	})
	g.AddStage("join", End, 100, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		return Delta{}, nil, nil
	})

	e := testEngine(t, Config{})
	final, err := e.Run(context.Background(), g, "run-1", State{})
	require.NoError(t, err)

	assert.Equal(t, 3, attempts)
	assert.Len(t, final["results"], 1)
	_, present := final["batch_retry_needed"]
	assert.False(t, present, "retry marker must not leak into reduced state")
}

func TestEngineInterruptSuspendAndResume(t *testing.T) {
	store := NewMemoryInterruptStore()
	interrupter := NewStoreInterrupter(store, 10*time.Millisecond)

	executions := 0
	g := NewGraph("test", "review", Schema{ErrorsField: {Reducer: Append}})
	g.AddStage("review", End, 100, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		executions++
		if run.Response == nil {
			req := NewInterruptRequest(run.ID, "review", "rubric_review", map[string]interface{}{
				"question_count": 3,
			})
			return nil, req, nil
		}
		return Delta{"action": run.Response.Action}, nil, nil
	})

	cpStore := NewMemoryCheckpointStore()
	e := testEngine(t, Config{Checkpoints: cpStore, Interrupter: interrupter})

	// Respond from a goroutine, as an operator would through the CLI.
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.After(5 * time.Second)
		for {
			pending, err := store.ListPending(context.Background())
			if err == nil && len(pending) == 1 {
				_ = store.Respond(context.Background(), &InterruptResponse{
					RequestID:   pending[0].ID,
					Action:      ActionApprove,
					RespondedBy: "tester",
				})
				return
			}
			select {
			case <-deadline:
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()

	final, err := e.Run(context.Background(), g, "run-1", State{})
	<-done
	require.NoError(t, err)
	assert.Equal(t, ActionApprove, final.GetString("action"))
	assert.Equal(t, 2, executions, "stage re-executes with the response attached")

	// The pre-interrupt checkpoint points back at the suspended stage.
	cp, err := cpStore.Load(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
}

func TestEngineInterruptTimeout(t *testing.T) {
	store := NewMemoryInterruptStore()
	interrupter := NewStoreInterrupter(store, 5*time.Millisecond)

	g := NewGraph("test", "review", Schema{ErrorsField: {Reducer: Append}})
	g.AddStage("review", End, 100, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		req := NewInterruptRequest(run.ID, "review", "rubric_review", nil)
		req.Timeout = 20 * time.Millisecond
		return nil, req, nil
	})

	e := testEngine(t, Config{Interrupter: interrupter})
	_, err := e.Run(context.Background(), g, "run-1", State{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInterruptTimeout)

	pending, err := store.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending, "timed-out request must be expired")
}

func TestEngineAutoResponder(t *testing.T) {
	g := NewGraph("test", "review", Schema{ErrorsField: {Reducer: Append}})
	g.AddStage("review", End, 100, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		if run.Response == nil {
			return nil, NewInterruptRequest(run.ID, "review", "results_review", nil), nil
		}
		var payload map[string]interface{}
		require.NoError(t, run.Response.DecodePayload(&payload))
		return Delta{"action": run.Response.Action}, nil, nil
	})

	e := testEngine(t, Config{
		Interrupter: &AutoResponder{Action: ActionSkip, Payload: json.RawMessage(`{"reason":"offline"}`)},
	})
	final, err := e.Run(context.Background(), g, "run-1", State{})
	require.NoError(t, err)
	assert.Equal(t, ActionSkip, final.GetString("action"))
}

func TestEngineCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	g := NewGraph("test", "first", Schema{ErrorsField: {Reducer: Append}})
	g.AddStage("first", "second", 50, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		cancel()
		return Delta{}, nil, nil
	})
	g.AddStage("second", End, 100, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
		t.Fatal("must not execute after cancellation")
		return nil, nil, nil
	})

	e := testEngine(t, Config{})
	_, err := e.Run(ctx, g, "run-1", State{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGraphValidate(t *testing.T) {
	tests := []struct {
		name    string
		build   func() *Graph
		wantErr string
	}{
		{
			name: "missing entry",
			build: func() *Graph {
				return NewGraph("g", "absent", Schema{})
			},
			wantErr: "entry",
		},
		{
			name: "dangling successor",
			build: func() *Graph {
				g := NewGraph("g", "a", Schema{})
				g.AddStage("a", "missing", 100, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
					return nil, nil, nil
				})
				return g
			},
			wantErr: "unknown successor",
		},
		{
			name: "fan-out unknown worker",
			build: func() *Graph {
				g := NewGraph("g", "a", Schema{})
				g.AddFanOut("a", "nobody", End, 100, func(ctx context.Context, s State) ([]Send, error) {
					return nil, nil
				})
				return g
			},
			wantErr: "unknown worker",
		},
		{
			name: "valid linear",
			build: func() *Graph {
				g := NewGraph("g", "a", Schema{})
				g.AddStage("a", End, 100, func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error) {
					return nil, nil, nil
				})
				return g
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build().Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
