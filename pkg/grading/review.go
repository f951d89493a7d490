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

	"github.com/teradata-labs/gradeflow/pkg/retry"
	"github.com/teradata-labs/gradeflow/pkg/rubric"
	"github.com/teradata-labs/gradeflow/pkg/scoring"
	"github.com/teradata-labs/gradeflow/pkg/types"
	"github.com/teradata-labs/gradeflow/pkg/workflow"
)

// lowConfidenceEntry marks one page under the review threshold.
type lowConfidenceEntry struct {
	StudentKey string  `json:"student_key"`
	PageIndex  int     `json:"page_index"`
	Confidence float64 `json:"confidence"`
}

// questionOverride is one teacher override inside an update response.
type questionOverride struct {
	QuestionID string   `json:"question_id"`
	Score      *float64 `json:"score,omitempty"`
	Feedback   string   `json:"feedback,omitempty"`
}

type studentOverride struct {
	StudentKey string             `json:"student_key"`
	Questions  []questionOverride `json:"questions,omitempty"`
}

type regradeItem struct {
	StudentKey  string `json:"student_key"`
	QuestionID  string `json:"question_id"`
	PageIndices []int  `json:"page_indices,omitempty"`
}

// resultsReviewResponse is the payload accepted on the results-review
// interrupt. "results" is accepted as an alias of "student_results".
type resultsReviewResponse struct {
	StudentResults []studentOverride `json:"student_results,omitempty"`
	Results        []studentOverride `json:"results,omitempty"`
	RegradeItems   []regradeItem     `json:"regrade_items,omitempty"`
}

func (r *resultsReviewResponse) overrides() []studentOverride {
	if len(r.StudentResults) > 0 {
		return r.StudentResults
	}
	return r.Results
}

// stageReview aggregates confidence signals into the adjudication
// queue and, when enabled, suspends for a human verdict. Assist modes
// and auto mode never wait on a human.
func (p *Pipeline) stageReview(ctx context.Context, run *workflow.Run) (workflow.Delta, *workflow.InterruptRequest, error) {
	results, err := StateStudentResults(run.State)
	if err != nil {
		return nil, nil, err
	}
	boundaries, err := StateBoundaries(run.State)
	if err != nil {
		return nil, nil, err
	}
	parsed, err := StateRubric(run.State)
	if err != nil {
		return nil, nil, err
	}

	queue, lowConfidence, unconfirmed := p.buildReviewQueue(results, boundaries, parsed)
	delta := workflow.Delta{
		FieldReviewQueue:       queue,
		FieldLowConfidence:     lowConfidence,
		FieldBoundariesToCheck: unconfirmed,
	}

	wantsHuman := p.opts.EnableReview && !IsAssistMode(p.opts.GradingMode)
	if !wantsHuman {
		return delta, nil, nil
	}

	if run.Response == nil {
		req := workflow.NewInterruptRequest(run.ID, StageResultsReview, "results_review_required", map[string]interface{}{
			"review_queue":           queue,
			"low_confidence_results": lowConfidence,
			"boundaries_unconfirmed": unconfirmed,
			"students":               studentDigest(results),
		})
		req.Timeout = p.opts.ReviewTimeout
		return nil, req, nil
	}

	switch run.Response.Action {
	case workflow.ActionApprove, workflow.ActionSkip:
		run.Logger.Info("results review closed without changes",
			zap.String("action", run.Response.Action),
			zap.String("responded_by", run.Response.RespondedBy))
		return delta, nil, nil

	case workflow.ActionUpdate:
		var resp resultsReviewResponse
		if err := run.Response.DecodePayload(&resp); err != nil {
			return nil, nil, fmt.Errorf("results review update payload invalid: %w", err)
		}
		updated := applyOverrides(results, resp.overrides(), run.Logger)
		delta[FieldStudentResults] = toResultList(updated)
		return delta, nil, nil

	case workflow.ActionRegrade:
		var resp resultsReviewResponse
		if err := run.Response.DecodePayload(&resp); err != nil {
			return nil, nil, fmt.Errorf("results review regrade payload invalid: %w", err)
		}
		updated := p.applyRegrades(ctx, run, results, parsed, resp.RegradeItems)
		// Overrides may ride along with a regrade response.
		updated = applyOverrides(updated, resp.overrides(), run.Logger)
		delta[FieldStudentResults] = toResultList(updated)
		return delta, nil, nil

	default:
		return nil, nil, fmt.Errorf("unsupported results review action %q", run.Response.Action)
	}
}

// buildReviewQueue collects the unique boundary, confession, and
// question items for the adjudication UI, capped at the configured
// queue size.
func (p *Pipeline) buildReviewQueue(results []scoring.StudentGradingResult, boundaries []StudentBoundary, parsed *rubric.ParsedRubric) ([]ReviewItem, []lowConfidenceEntry, int) {
	var queue []ReviewItem
	seen := make(map[string]bool)
	add := func(item ReviewItem) {
		key := item.Type + "|" + item.StudentKey + "|" + item.QuestionID + "|" + item.Reason
		if seen[key] || len(queue) >= p.opts.ReviewQueueMaxItems {
			return
		}
		seen[key] = true
		queue = append(queue, item)
	}

	unconfirmed := 0
	for _, b := range boundaries {
		if !b.NeedsConfirmation {
			continue
		}
		unconfirmed++
		add(ReviewItem{
			Type:        "boundary",
			StudentKey:  b.StudentKey,
			PageIndices: b.Pages,
			Reason:      "student boundary derived from manual starts needs confirmation",
		})
	}

	if parsed != nil && parsed.Confession != nil {
		for _, item := range parsed.Confession.NeedsReview {
			add(ReviewItem{Type: "confession", Reason: item})
		}
		for _, risk := range parsed.Confession.Risks {
			add(ReviewItem{Type: "confession", Reason: risk})
		}
	}

	var lowConfidence []lowConfidenceEntry
	for _, r := range results {
		for _, pg := range r.PageResults {
			if pg.Status == "failed" || pg.Confidence < p.opts.ReviewThreshold {
				lowConfidence = append(lowConfidence, lowConfidenceEntry{
					StudentKey: r.StudentKey,
					PageIndex:  pg.PageIndex,
					Confidence: pg.Confidence,
				})
			}
		}
		for _, q := range r.QuestionDetails {
			if q.Confidence >= p.opts.ReviewThreshold {
				continue
			}
			add(ReviewItem{
				Type:        "question",
				StudentKey:  r.StudentKey,
				QuestionID:  q.QuestionID,
				PageIndices: q.PageIndices,
				Reason:      fmt.Sprintf("confidence %.2f below threshold %.2f", q.Confidence, p.opts.ReviewThreshold),
			})
		}
		if r.SelfAudit != nil {
			for _, issue := range r.SelfAudit.Issues {
				add(ReviewItem{Type: "confession", StudentKey: r.StudentKey, Reason: issue})
			}
		}
	}

	return queue, lowConfidence, unconfirmed
}

// studentDigest is the compact per-student summary embedded in the
// interrupt payload.
func studentDigest(results []scoring.StudentGradingResult) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]interface{}{
			"student_key": r.StudentKey,
			"status":      r.Status,
			"total_score": r.TotalScore,
			"max_score":   r.MaxTotalScore,
			"confidence":  r.Confidence,
		})
	}
	return out
}

// applyOverrides overwrites score/feedback per teacher override and
// recomputes student totals.
func applyOverrides(results []scoring.StudentGradingResult, overrides []studentOverride, logger *zap.Logger) []scoring.StudentGradingResult {
	for _, ov := range overrides {
		var target *scoring.StudentGradingResult
		for i := range results {
			if results[i].StudentKey == ov.StudentKey {
				target = &results[i]
				break
			}
		}
		if target == nil {
			logger.Warn("override for unknown student", zap.String("student_key", ov.StudentKey))
			continue
		}
		for _, qo := range ov.Questions {
			q := target.Question(rubric.NormalizeQuestionID(qo.QuestionID))
			if q == nil {
				logger.Warn("override for unknown question",
					zap.String("student_key", ov.StudentKey),
					zap.String("question_id", qo.QuestionID))
				continue
			}
			if qo.Score != nil {
				score := *qo.Score
				if score < 0 {
					score = 0
				}
				if q.MaxScore > 0 && score > q.MaxScore {
					score = q.MaxScore
				}
				q.ReviewCorrections = append(q.ReviewCorrections, scoring.ReviewCorrection{
					Field:    "score",
					OldValue: q.Score,
					NewValue: score,
					Reason:   "teacher override",
				})
				q.Score = score
			}
			if qo.Feedback != "" {
				q.Feedback = qo.Feedback
			}
		}
		target.RecomputeTotals()
	}
	return results
}

// applyRegrades issues single-question regrade calls and merges the
// best result by (confidence, score, feedback length). The tuple order
// means a markedly more confident regrade can lower a score.
func (p *Pipeline) applyRegrades(ctx context.Context, run *workflow.Run, results []scoring.StudentGradingResult, parsed *rubric.ParsedRubric, items []regradeItem) []scoring.StudentGradingResult {
	images, err := StateProcessedImages(run.State)
	if err != nil {
		run.Logger.Warn("regrade: cannot load processed images", zap.Error(err))
		return results
	}
	boundaries, _ := StateBoundaries(run.State)

	for _, item := range items {
		var target *scoring.StudentGradingResult
		for i := range results {
			if results[i].StudentKey == item.StudentKey {
				target = &results[i]
				break
			}
		}
		if target == nil {
			run.Logger.Warn("regrade for unknown student", zap.String("student_key", item.StudentKey))
			continue
		}
		questionID := rubric.NormalizeQuestionID(item.QuestionID)
		existing := target.Question(questionID)
		if existing == nil {
			run.Logger.Warn("regrade for unknown question",
				zap.String("student_key", item.StudentKey), zap.String("question_id", item.QuestionID))
			continue
		}
		var rq *rubric.QuestionRubric
		if parsed != nil {
			rq = parsed.Question(questionID)
		}
		if rq == nil {
			run.Logger.Warn("regrade without rubric entry", zap.String("question_id", questionID))
			continue
		}

		pages := item.PageIndices
		if len(pages) == 0 {
			pages = existing.PageIndices
		}
		if len(pages) == 0 {
			pages = boundaryPages(boundaries, item.StudentKey)
		}

		best := *existing
		for _, pg := range pages {
			if pg < 0 || pg >= len(images) {
				continue
			}
			candidate := p.regradePage(ctx, run, images[pg], rq, pg)
			if candidate != nil && betterResult(candidate, &best) {
				best = *candidate
			}
		}
		if betterThanExisting := best.Confidence != existing.Confidence ||
			best.Score != existing.Score || best.Feedback != existing.Feedback; betterThanExisting {
			run.Logger.Info("regrade merged",
				zap.String("student_key", item.StudentKey),
				zap.String("question_id", questionID),
				zap.Float64("score_before", existing.Score),
				zap.Float64("score_after", best.Score))
		}
		*existing = best
		target.RecomputeTotals()
	}
	return results
}

func (p *Pipeline) regradePage(ctx context.Context, run *workflow.Run, image types.ImageSource, rq *rubric.QuestionRubric, pageIndex int) *scoring.QuestionResult {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.GradingLLMTimeout)
	defer cancel()

	var result *scoring.QuestionResult
	err := retry.Do(callCtx, retry.FastFail(), run.Logger, func(ctx context.Context) error {
		var callErr error
		result, callErr = p.scorer.GradeSingleQuestion(ctx, scoring.RegradeRequest{
			Image:     image,
			Question:  rq,
			PageIndex: pageIndex,
		})
		return callErr
	})
	if err != nil {
		run.Logger.Warn("regrade call failed",
			zap.String("question_id", rq.QuestionID),
			zap.Int("page_index", pageIndex),
			zap.Error(err))
		return nil
	}
	finalizeQuestion(result, rq, run.Logger)
	result.Finalized = true
	return result
}

// betterResult orders candidates by (confidence, score, feedback
// length), descending.
func betterResult(a, b *scoring.QuestionResult) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return len(a.Feedback) > len(b.Feedback)
}

func boundaryPages(boundaries []StudentBoundary, studentKey string) []int {
	for _, b := range boundaries {
		if b.StudentKey == studentKey {
			return b.Pages
		}
	}
	return nil
}

func toResultList(results []scoring.StudentGradingResult) []interface{} {
	out := make([]interface{}, len(results))
	for i := range results {
		out[i] = results[i]
	}
	return out
}
