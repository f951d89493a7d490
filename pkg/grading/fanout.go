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

	"github.com/teradata-labs/gradeflow/pkg/progress"
	"github.com/teradata-labs/gradeflow/pkg/retry"
	"github.com/teradata-labs/gradeflow/pkg/rubric"
	"github.com/teradata-labs/gradeflow/pkg/scoring"
	"github.com/teradata-labs/gradeflow/pkg/types"
	"github.com/teradata-labs/gradeflow/pkg/workflow"
)

// Fan-out unit payload fields. Each unit's payload is a disjoint state
// slice; the planner deep-copies everything the worker reads.
const (
	fieldUnitBoundary = "unit_boundary"
	fieldUnitImages   = "unit_images"
	fieldUnitContexts = "unit_page_contexts"
	fieldUnitIndex    = "unit_index"
)

// planGradeBatches computes the fan-out work units: one per student
// boundary, or fixed-size page batches with synthetic student keys
// when no boundaries exist. An empty plan is legal; the engine then
// skips straight to the join stage.
func (p *Pipeline) planGradeBatches(ctx context.Context, s workflow.State) ([]workflow.Send, error) {
	images, err := StateProcessedImages(s)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		// Bounded recovery: inputs first, then blob storage by batch id.
		in, inErr := StateInputs(s)
		if inErr == nil && len(in.AnswerImages) > 0 {
			images = in.AnswerImages
		} else {
			images, err = p.recoverImages(ctx, s.GetString(FieldBatchID))
			if err != nil {
				return nil, err
			}
		}
	}
	if len(images) == 0 {
		p.logger.Warn("no images available for fan-out, producing empty plan",
			zap.String("batch_id", s.GetString(FieldBatchID)))
		return nil, nil
	}

	parsed, err := StateRubric(s)
	if err != nil || parsed == nil {
		return nil, fmt.Errorf("fan-out requires a parsed rubric: %w", err)
	}
	in, err := StateInputs(s)
	if err != nil {
		return nil, err
	}
	boundaries, err := StateBoundaries(s)
	if err != nil {
		return nil, err
	}
	if len(boundaries) == 0 {
		boundaries = pageBatchBoundaries(len(images), *p.opts.BatchSize)
	}

	batchID := s.GetString(FieldBatchID)
	sends := make([]workflow.Send, 0, len(boundaries))
	for i, boundary := range boundaries {
		unitImages := make([]types.ImageSource, 0, len(boundary.Pages))
		contexts := make(map[int]string)
		for _, pg := range boundary.Pages {
			if pg < 0 || pg >= len(images) {
				continue
			}
			unitImages = append(unitImages, images[pg])
			if ctxText, ok := in.PageContexts[pg]; ok {
				contexts[pg] = ctxText
			}
		}
		sends = append(sends, workflow.Send{
			Index: i,
			Payload: workflow.State{
				FieldBatchID:      batchID,
				FieldParsedRubric: parsed.Clone(),
				fieldUnitBoundary: boundary,
				fieldUnitImages:   unitImages,
				fieldUnitContexts: contexts,
				fieldUnitIndex:    i,
			},
		})
	}
	return sends, nil
}

// pageBatchBoundaries slices pages into synthetic per-batch students.
// A zero batch size means one batch of all pages.
func pageBatchBoundaries(pageCount, batchSize int) []StudentBoundary {
	if batchSize <= 0 || batchSize > pageCount {
		batchSize = pageCount
	}
	var out []StudentBoundary
	for start := 0; start < pageCount; start += batchSize {
		end := start + batchSize
		if end > pageCount {
			end = pageCount
		}
		pages := make([]int, 0, end-start)
		for pg := start; pg < end; pg++ {
			pages = append(pages, pg)
		}
		out = append(out, StudentBoundary{
			StudentKey: fmt.Sprintf("学生%d", len(out)+1),
			Pages:      pages,
			StartPage:  start,
			EndPage:    end - 1,
		})
	}
	return out
}

// stageGradeBatch grades one fan-out unit: a single scoring call over
// the student's pages, followed by local deterministic finalization.
// Failures never fail the pipeline; the unit emits failed page results
// and, while retry budget remains, the reschedule marker.
func (p *Pipeline) stageGradeBatch(ctx context.Context, run *workflow.Run) (workflow.Delta, *workflow.InterruptRequest, error) {
	var boundary StudentBoundary
	if ok, err := decodeField(run.State, fieldUnitBoundary, &boundary); err != nil || !ok {
		return nil, nil, fmt.Errorf("grade unit has no boundary: %w", err)
	}
	var unitImages []types.ImageSource
	if _, err := decodeField(run.State, fieldUnitImages, &unitImages); err != nil {
		return nil, nil, err
	}
	var contexts map[int]string
	if _, err := decodeField(run.State, fieldUnitContexts, &contexts); err != nil {
		return nil, nil, err
	}
	parsed, err := StateRubric(run.State)
	if err != nil || parsed == nil {
		return nil, nil, fmt.Errorf("grade unit has no rubric: %w", err)
	}

	// The unit's private registry; no shared state past this point.
	registry := rubric.NewRegistry(parsed)

	unitIndex := int(run.State.GetFloat(fieldUnitIndex))
	logger := run.Logger.With(
		zap.String("student_key", boundary.StudentKey),
		zap.Int("batch_index", unitIndex))

	callCtx, cancel := context.WithTimeout(ctx, p.opts.GradingLLMTimeout)
	defer cancel()

	stream := p.unitStreamCallback(run.ID, unitIndex, boundary.StudentKey)
	result, err := p.scorer.GradeStudent(callCtx, scoring.GradeStudentRequest{
		Images:       unitImages,
		StudentKey:   boundary.StudentKey,
		Rubric:       registry.Rubric(),
		PageIndices:  boundary.Pages,
		PageContexts: contexts,
		GradingMode:  p.opts.GradingMode,
	}, stream)
	if err != nil {
		return p.gradeFailureDelta(ctx, run, boundary, unitIndex, err, logger), nil, nil
	}

	result.StudentKey = boundary.StudentKey
	result.StudentID = boundary.StudentID
	result.StudentName = boundary.StudentName
	result.RetryCount = run.Attempt
	FinalizeStudentResult(result, registry, p.opts, logger)

	p.publish(run.ID, progress.Event{
		Type:    progress.TypeAgentUpdate,
		AgentID: fmt.Sprintf("grade_batch_%d", unitIndex),
		Status:  "completed",
		Message: fmt.Sprintf("%s: %.1f/%.1f", boundary.StudentKey, result.TotalScore, result.MaxTotalScore),
	})
	logger.Info("student graded",
		zap.Float64("total_score", result.TotalScore),
		zap.Float64("confidence", result.Confidence))

	return workflow.Delta{
		FieldStudentResults: []interface{}{result},
		FieldGradingResults: []interface{}{unitSummary(boundary, result)},
	}, nil, nil
}

// gradeFailureDelta records a worker failure: one failed page result
// per assigned page, plus the reschedule marker while budget remains.
// Cancellation and non-retryable service errors never reschedule.
func (p *Pipeline) gradeFailureDelta(ctx context.Context, run *workflow.Run, boundary StudentBoundary, unitIndex int, cause error, logger *zap.Logger) workflow.Delta {
	logger.Warn("grading worker failed",
		zap.Int("attempt", run.Attempt),
		zap.Error(cause))

	pages := make([]scoring.PageResult, 0, len(boundary.Pages))
	for _, pg := range boundary.Pages {
		pages = append(pages, scoring.PageResult{
			PageIndex: pg,
			Status:    "failed",
			Error:     cause.Error(),
		})
	}
	failed := &scoring.StudentGradingResult{
		Status:      "failed",
		StudentKey:  boundary.StudentKey,
		StudentID:   boundary.StudentID,
		StudentName: boundary.StudentName,
		PageResults: pages,
		RetryCount:  run.Attempt,
		Error:       cause.Error(),
	}

	delta := workflow.Delta{
		FieldStudentResults: []interface{}{failed},
		FieldGradingResults: []interface{}{unitSummary(boundary, failed)},
	}
	retryable := ctx.Err() == nil && !retry.IsNonRetryable(cause)
	if retryable && run.Attempt < p.opts.MaxRetries {
		delta[FieldBatchRetry] = true
	}
	p.publish(run.ID, progress.Event{
		Type:    progress.TypeWorkflowError,
		AgentID: fmt.Sprintf("grade_batch_%d", unitIndex),
		Stage:   StageGradeBatch,
		Error:   fmt.Sprintf("%s: %v", boundary.StudentKey, cause),
	})
	return delta
}

// unitSummary is the per-unit entry appended to grading_results.
type gradingUnitSummary struct {
	StudentKey string  `json:"student_key"`
	Status     string  `json:"status"`
	Pages      []int   `json:"pages"`
	TotalScore float64 `json:"total_score"`
	MaxScore   float64 `json:"max_score"`
	Confidence float64 `json:"confidence"`
	RetryCount int     `json:"retry_count,omitempty"`
	Error      string  `json:"error,omitempty"`
}

func unitSummary(boundary StudentBoundary, result *scoring.StudentGradingResult) gradingUnitSummary {
	return gradingUnitSummary{
		StudentKey: result.StudentKey,
		Status:     result.Status,
		Pages:      boundary.Pages,
		TotalScore: result.TotalScore,
		MaxScore:   result.MaxTotalScore,
		Confidence: result.Confidence,
		RetryCount: result.RetryCount,
		Error:      result.Error,
	}
}
