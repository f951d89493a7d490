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
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/teradata-labs/gradeflow/pkg/progress"
	"github.com/teradata-labs/gradeflow/pkg/rubric"
	"github.com/teradata-labs/gradeflow/pkg/scoring"
	"github.com/teradata-labs/gradeflow/pkg/workflow"
)

// stageLogicReview runs the second-pass consistency review: one
// text-only call per graded student, bounded parallelism, bounded
// corrections. Review failures degrade to a local rule-based pass;
// nothing in this stage is fatal.
func (p *Pipeline) stageLogicReview(ctx context.Context, run *workflow.Run) (workflow.Delta, *workflow.InterruptRequest, error) {
	results, err := StateStudentResults(run.State)
	if err != nil {
		return nil, nil, err
	}
	parsed, err := StateRubric(run.State)
	if err != nil {
		return nil, nil, err
	}
	if len(results) == 0 {
		run.Logger.Info("logic review skipped: no student results")
		return workflow.Delta{}, nil, nil
	}

	var registry *rubric.Registry
	if parsed != nil {
		registry = rubric.NewRegistry(parsed)
	}

	reviewed := make([]*scoring.StudentGradingResult, len(results))
	sem := make(chan struct{}, p.opts.LogicReviewMaxWorkers)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result := results[idx]
			if result.Status == "failed" || len(result.QuestionDetails) == 0 {
				reviewed[idx] = &result
				return
			}
			p.reviewStudent(ctx, run, &result, registry)
			reviewed[idx] = &result
		}(i)
	}
	wg.Wait()

	out := make([]interface{}, len(reviewed))
	for i, r := range reviewed {
		out[i] = r
	}
	p.publish(run.ID, progress.Event{
		Type:    progress.TypeStageUpdate,
		Stage:   StageLogicReview,
		Status:  "completed",
		Message: fmt.Sprintf("%d students reviewed", len(reviewed)),
	})
	return workflow.Delta{FieldStudentResults: out}, nil, nil
}

// reviewStudent runs one student's logic review and merges the verdict
// in place. Call or parse failures fall back to the deterministic
// rule-based pass.
func (p *Pipeline) reviewStudent(ctx context.Context, run *workflow.Run, result *scoring.StudentGradingResult, registry *rubric.Registry) {
	logger := run.Logger.With(zap.String("student_key", result.StudentKey))

	selected := p.selectQuestionsForReview(result)
	if len(selected) == 0 {
		logger.Debug("logic review: no questions selected")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, p.opts.LogicReviewTimeout)
	defer cancel()

	prompt := buildLogicReviewPrompt(result, selected, registry)
	raw, err := p.scorer.AnalyzeWithVision(callCtx, nil, prompt, nil)
	if err != nil {
		logger.Warn("logic review call failed, running rule-based pass", zap.Error(err))
		p.errors.RecordStudent(KindLogicReviewParseFailed, StageLogicReview, result.StudentKey, err.Error())
		ruleBasedLogicReview(result, selected, registry)
		return
	}

	reply, err := decodeLogicReview(raw)
	if err != nil {
		logger.Warn("logic review reply unusable, keeping grades with flag", zap.Error(err))
		p.errors.RecordStudent(KindLogicReviewParseFailed, StageLogicReview, result.StudentKey, err.Error())
		for _, q := range selected {
			q.AddFlag(scoring.FlagLogicReviewParseFailed)
		}
		return
	}

	mergeLogicReview(result, reply, registry, logger)
}

// selectQuestionsForReview picks the questions the reviewer sees. All
// by default; when capped, the lowest-confidence questions win, with
// those under the confidence threshold preferred.
func (p *Pipeline) selectQuestionsForReview(result *scoring.StudentGradingResult) []*scoring.QuestionResult {
	selected := make([]*scoring.QuestionResult, 0, len(result.QuestionDetails))
	for i := range result.QuestionDetails {
		selected = append(selected, &result.QuestionDetails[i])
	}
	max := p.opts.LogicReviewMaxQuestions
	if max <= 0 || len(selected) <= max {
		return selected
	}
	threshold := p.opts.LogicReviewConfidenceThreshold
	sort.SliceStable(selected, func(i, j int) bool {
		iBelow := selected[i].Confidence < threshold
		jBelow := selected[j].Confidence < threshold
		if iBelow != jBelow {
			return iBelow
		}
		return selected[i].Confidence < selected[j].Confidence
	})
	return selected[:max]
}

const logicReviewInstruction = `你是一位严格的阅卷复核专家。请对下列已批改结果做逻辑一致性复核。
复核纪律：
1. 仅当证据与得分明显矛盾、得分超出上限或为负、各得分点之和与总分不符时，才允许纠正。
2. 严禁同情给分，严禁脱离评分标准的猜测。
3. 不确定时，不得修改分数；应将该题 confidence 降到 0.3 至 0.5 之间，并在 honesty_note 中说明。
4. 本次复核不得参考任何历史批改数据，只依据下面给出的材料。
只输出JSON：
{"student_key": "...", "question_reviews": [{"question_id": "...", "confidence": 0.0,
 "confidence_reason": "...", "self_critique": "...", "self_critique_confidence": 0.0,
 "review_summary": "...", "review_corrections": [{"point_id": "...", "correct_awarded": 0.0,
 "correct_decision": "...", "review_reason": "..."}], "honesty_note": "..."}],
 "self_audit": {"summary": "...", "confidence": 0.0, "issues": [],
 "compliance_analysis": [], "uncertainties_and_conflicts": [],
 "overall_compliance_grade": "...", "honesty_note": "..."}}`

func buildLogicReviewPrompt(result *scoring.StudentGradingResult, selected []*scoring.QuestionResult, registry *rubric.Registry) string {
	var b strings.Builder
	b.WriteString(logicReviewInstruction)
	fmt.Fprintf(&b, "\n\n学生：%s\n", result.StudentKey)
	if registry != nil {
		b.WriteString("\n评分标准：\n")
		b.WriteString(rubric.RenderContext(registry.Rubric()))
	}
	b.WriteString("\n已批改结果：\n")
	for _, q := range selected {
		doc, err := json.Marshal(q)
		if err != nil {
			continue
		}
		b.Write(doc)
		b.WriteString("\n")
	}
	return b.String()
}

func decodeLogicReview(raw string) (*scoring.LogicReviewReply, error) {
	doc, err := scoring.ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	var reply scoring.LogicReviewReply
	if err := json.Unmarshal([]byte(doc), &reply); err != nil {
		return nil, fmt.Errorf("failed to decode logic review reply: %w", err)
	}
	if len(reply.QuestionReviews) == 0 && reply.SelfAudit == nil {
		return nil, fmt.Errorf("logic review reply carries no reviews")
	}
	return &reply, nil
}

// mergeLogicReview applies the reviewer's verdicts. Corrections are
// bounded point adjustments with a preserved pre-image; the question
// score moves by the clamped delta only.
func mergeLogicReview(result *scoring.StudentGradingResult, reply *scoring.LogicReviewReply, registry *rubric.Registry, logger *zap.Logger) {
	for _, qr := range reply.QuestionReviews {
		q := result.Question(rubric.NormalizeQuestionID(qr.QuestionID))
		if q == nil {
			logger.Warn("logic review for unknown question", zap.String("question_id", qr.QuestionID))
			continue
		}

		if qr.Confidence > 0 {
			q.Confidence = clamp01(qr.Confidence)
		}
		if qr.ConfidenceReason != "" {
			q.ConfidenceReason = qr.ConfidenceReason
		}
		if qr.SelfCritique != "" {
			q.SelfCritique = qr.SelfCritique
		}
		if qr.ReviewSummary != "" {
			q.ReviewSummary = qr.ReviewSummary
		}
		if qr.HonestyNote != "" {
			q.HonestyNote = qr.HonestyNote
		}

		maxScore := q.MaxScore
		if registry != nil {
			if rq := registry.Lookup(q.QuestionID); rq != nil {
				maxScore = rq.MaxScore
			}
		}
		for _, c := range qr.ReviewCorrections {
			applyPointCorrection(q, c, maxScore, logger)
		}
		q.LogicReviewed = true
	}

	if reply.SelfAudit != nil {
		result.SelfAudit = reply.SelfAudit
	}
	result.RecomputeTotals()
	result.Confidence = aggregateConfidence(result.QuestionDetails)
}

func applyPointCorrection(q *scoring.QuestionResult, c scoring.LogicPointCorrection, maxScore float64, logger *zap.Logger) {
	var pr *scoring.ScoringPointResult
	for i := range q.ScoringPointResults {
		if q.ScoringPointResults[i].PointID == c.PointID {
			pr = &q.ScoringPointResults[i]
			break
		}
	}
	if pr == nil {
		logger.Warn("logic review correction for unknown point",
			zap.String("question_id", q.QuestionID), zap.String("point_id", c.PointID))
		return
	}

	pre := *pr
	pre.ReviewBefore = nil
	pr.ReviewBefore = &pre

	awarded := c.CorrectAwarded
	if awarded < 0 {
		awarded = 0
	}
	if pr.MaxPoints > 0 && awarded > pr.MaxPoints {
		awarded = pr.MaxPoints
	}
	delta := awarded - pr.Awarded
	pr.Awarded = awarded
	if c.CorrectDecision != "" {
		pr.Decision = c.CorrectDecision
	}
	pr.ReviewAdjusted = true
	pr.ReviewReason = c.ReviewReason

	q.Score += delta
	if q.Score < 0 {
		q.Score = 0
	}
	if maxScore > 0 && q.Score > maxScore {
		q.Score = maxScore
	}
}

// ruleBasedLogicReview is the offline fallback: it re-applies only the
// deterministic consistency rules (point sum vs score, award bounds)
// without touching decisions or feedback.
func ruleBasedLogicReview(result *scoring.StudentGradingResult, selected []*scoring.QuestionResult, registry *rubric.Registry) {
	for _, q := range selected {
		var sum float64
		for i := range q.ScoringPointResults {
			pr := &q.ScoringPointResults[i]
			if pr.Awarded < 0 {
				pr.Awarded = 0
			}
			if pr.MaxPoints > 0 && pr.Awarded > pr.MaxPoints {
				pr.Awarded = pr.MaxPoints
			}
			sum += pr.Awarded
		}
		if len(q.ScoringPointResults) > 0 && (q.Score-sum > scoreTolerance || sum-q.Score > scoreTolerance) {
			q.Score = sum
			q.AddFlag(scoring.FlagScoreAdjusted)
		}
		maxScore := q.MaxScore
		if registry != nil {
			if rq := registry.Lookup(q.QuestionID); rq != nil {
				maxScore = rq.MaxScore
			}
		}
		if maxScore > 0 && q.Score > maxScore {
			q.Score = maxScore
		}
		q.LogicReviewed = true
	}
	result.RecomputeTotals()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
