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

package observability

import (
	"context"
	"time"
)

// NoOpTracer is a tracer that records nothing. Used when tracing is
// disabled and as the default in constructors.
type NoOpTracer struct{}

// NewNoOpTracer creates a new no-op tracer.
func NewNoOpTracer() *NoOpTracer {
	return &NoOpTracer{}
}

// StartSpan returns a minimal span that is never exported.
func (t *NoOpTracer) StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	span := &Span{
		Name:      name,
		StartTime: time.Now(),
	}
	return ContextWithSpan(ctx, span), span
}

// EndSpan marks the span as ended. Nothing is exported.
func (t *NoOpTracer) EndSpan(span *Span) {
	if span == nil {
		return
	}
	span.EndTime = time.Now()
}

// RecordMetric does nothing.
func (t *NoOpTracer) RecordMetric(name string, value float64, labels map[string]string) {}

// Flush does nothing.
func (t *NoOpTracer) Flush(ctx context.Context) error { return nil }

var _ Tracer = (*NoOpTracer)(nil)
