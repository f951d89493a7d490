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
	"fmt"
)

// End is the terminal stage label.
const End = "__end__"

// StageFunc executes one stage. It reads the run's state and returns a
// delta; it must not mutate the state it was handed. A stage may
// return an *InterruptRequest to suspend the workflow: the engine
// checkpoints, waits for the response envelope, and re-executes the
// stage with the response attached to the run.
type StageFunc func(ctx context.Context, run *Run) (Delta, *InterruptRequest, error)

// RouterFunc is a pure function from state to the next stage label.
// Routers never mutate state and emit no progress.
type RouterFunc func(s State) string

// Send is one fan-out work unit: an instantiation of the worker stage
// with a disjoint state slice.
type Send struct {
	// Index is the unit's position in plan order. Reduction merges
	// deltas in index order so fan-out is deterministic regardless of
	// completion order.
	Index int

	// Payload is the fully-populated state slice handed to the worker.
	// The planner deep-copies anything the worker may read.
	Payload State
}

// PlanFunc computes the fan-out work units from state. An empty plan
// is legal: the engine proceeds directly to the join successor.
type PlanFunc func(ctx context.Context, s State) ([]Send, error)

// Node is one vertex of the stage graph. Exactly one of Stage, Route,
// or Plan is set.
type Node struct {
	// Stage executes work and returns a delta.
	Stage StageFunc

	// Route selects the next stage label (conditional edge).
	Route RouterFunc

	// Plan emits fan-out sends; Worker names the stage run per send.
	Plan   PlanFunc
	Worker string

	// Next is the static successor label (ignored for routers).
	Next string

	// Percentage reported when this node completes (0 keeps the
	// previous value; reported progress is monotonically non-decreasing).
	Percentage float64

	// RetryField, MaxRetries, and RetryDelaySeconds configure fan-out
	// unit rescheduling: when a worker delta sets the RetryField to
	// true and the unit's retry budget remains, the unit is re-run
	// after exponential backoff instead of reduced.
	RetryField        string
	MaxRetries        int
	RetryDelaySeconds float64
}

// Graph is a directed stage graph with a single entry label.
type Graph struct {
	Name   string
	Entry  string
	Schema Schema
	Nodes  map[string]*Node
}

// NewGraph creates an empty graph.
func NewGraph(name, entry string, schema Schema) *Graph {
	return &Graph{
		Name:   name,
		Entry:  entry,
		Schema: schema,
		Nodes:  make(map[string]*Node),
	}
}

// AddStage registers a stage node with a static successor.
func (g *Graph) AddStage(label string, next string, pct float64, fn StageFunc) *Graph {
	g.Nodes[label] = &Node{Stage: fn, Next: next, Percentage: pct}
	return g
}

// AddRouter registers a conditional router node.
func (g *Graph) AddRouter(label string, fn RouterFunc) *Graph {
	g.Nodes[label] = &Node{Route: fn}
	return g
}

// AddFanOut registers a fan-out node: plan emits sends, each send runs
// the worker stage, and reduced results flow to the join successor.
func (g *Graph) AddFanOut(label, worker, join string, pct float64, plan PlanFunc) *Graph {
	g.Nodes[label] = &Node{Plan: plan, Worker: worker, Next: join, Percentage: pct}
	return g
}

// Validate checks that every referenced label resolves.
func (g *Graph) Validate() error {
	if _, ok := g.Nodes[g.Entry]; !ok {
		return fmt.Errorf("graph %s: entry %q not defined", g.Name, g.Entry)
	}
	for label, node := range g.Nodes {
		if node.Stage == nil && node.Route == nil && node.Plan == nil {
			return fmt.Errorf("graph %s: node %q has no behavior", g.Name, label)
		}
		if node.Plan != nil {
			if _, ok := g.Nodes[node.Worker]; !ok {
				return fmt.Errorf("graph %s: fan-out %q references unknown worker %q", g.Name, label, node.Worker)
			}
		}
		if node.Route == nil && node.Next != End {
			if _, ok := g.Nodes[node.Next]; !ok {
				return fmt.Errorf("graph %s: node %q references unknown successor %q", g.Name, label, node.Next)
			}
		}
	}
	return nil
}
