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
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/gradeflow/pkg/progress"
	"github.com/teradata-labs/gradeflow/pkg/retry"
	"github.com/teradata-labs/gradeflow/pkg/rubric"
	"github.com/teradata-labs/gradeflow/pkg/scoring"
	"github.com/teradata-labs/gradeflow/pkg/workflow"
)

// stageRubricParse parses the rubric material into a structured,
// normalized rubric. Rubric images win over rubric text when both are
// present. Parse failures and an expected-total mismatch are fatal.
func (p *Pipeline) stageRubricParse(ctx context.Context, run *workflow.Run) (workflow.Delta, *workflow.InterruptRequest, error) {
	in, err := StateInputs(run.State)
	if err != nil {
		return nil, nil, NewError(KindInputInvalid, StageRubricParse, "run has no inputs", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.RubricParseTimeout)
	defer cancel()

	stream := p.streamCallback(run.ID, StageRubricParse)
	var parsed *rubric.ParsedRubric
	err = retry.Do(ctx, retry.LLMAPI(), run.Logger, func(ctx context.Context) error {
		var callErr error
		if len(in.RubricImages) > 0 {
			parsed, callErr = p.scorer.ParseRubric(ctx, in.RubricImages, stream)
		} else {
			parsed, callErr = p.scorer.ParseRubricText(ctx, in.RubricText, stream)
		}
		return callErr
	})
	if err != nil {
		p.publish(run.ID, progress.Event{
			Type:  progress.TypeWorkflowError,
			Stage: StageRubricParse,
			Error: err.Error(),
		})
		return nil, nil, NewError(KindRubricParseFailed, StageRubricParse, "rubric parse failed", err)
	}

	parsed = rubric.Normalize(parsed)
	if err := rubric.Validate(parsed); err != nil {
		return nil, nil, NewError(KindRubricParseFailed, StageRubricParse, "parsed rubric is invalid", err)
	}

	p.publish(run.ID, progress.Event{
		Type:           progress.TypeRubricParsed,
		Stage:          StageRubricParse,
		TotalQuestions: parsed.TotalQuestions,
		TotalScore:     parsed.TotalScore,
	})

	// An expected total below the parsed total means pages were likely
	// missed; grading against a truncated rubric is worse than failing.
	if in.ExpectedTotalScore > 0 && parsed.TotalScore < in.ExpectedTotalScore-0.01 {
		p.publish(run.ID, progress.Event{
			Type:               progress.TypeRubricMismatch,
			Stage:              StageRubricParse,
			ExpectedTotalScore: in.ExpectedTotalScore,
			ParsedTotalScore:   parsed.TotalScore,
		})
		return nil, nil, NewError(KindRubricScoreMismatch, StageRubricParse,
			fmt.Sprintf("parsed total %.1f != expected total %.1f", parsed.TotalScore, in.ExpectedTotalScore), nil)
	}

	run.Logger.Info("rubric parsed",
		zap.Int("questions", parsed.TotalQuestions),
		zap.Float64("total_score", parsed.TotalScore),
		zap.Float64("confidence", parsed.OverallParseConfidence))

	return workflow.Delta{
		FieldParsedRubric:  parsed,
		FieldRubricContext: parsed.RubricContext,
	}, nil, nil
}

// routeSelfReview triggers the automatic self-review pass when the
// parser's confession flags risk.
func (p *Pipeline) routeSelfReview(s workflow.State) string {
	parsed, err := StateRubric(s)
	if err != nil || parsed == nil {
		return StageReviewGate
	}
	if parsed.NeedsSelfReview() {
		return StageRubricSelfCheck
	}
	return StageReviewGate
}

// routeRubricReview decides whether a human confirms the rubric before
// grading. Auto mode never waits on a human.
func (p *Pipeline) routeRubricReview(s workflow.State) string {
	if p.opts.EnableReview && p.opts.GradingMode != ModeAuto {
		return StageRubricReview
	}
	return StageGradeFanOut
}

const selfReviewInstruction = `你是一位阅卷标准复核专家。请对照评分标准原图，复核下面已解析的结构化评分标准，
重点检查：每题满分是否与原图一致、得分点分值之和是否等于满分、标准答案是否抄录完整。
只输出JSON：
{"has_changes": bool, "changes": ["变更说明"], "updated_confidence": 0.0到1.0,
 "corrections": [{"question_id": "题号", "field": "max_score|standard_answer|scoring_points", "new_value": ..., "reason": "原因"}]}
没有问题时 has_changes 为 false，corrections 为空。`

// stageRubricSelfReview has the model re-examine its own parse against
// the rubric images and applies bounded corrections. Failures keep the
// rubric unchanged; this pass is best-effort.
func (p *Pipeline) stageRubricSelfReview(ctx context.Context, run *workflow.Run) (workflow.Delta, *workflow.InterruptRequest, error) {
	in, err := StateInputs(run.State)
	if err != nil {
		return nil, nil, NewError(KindInputInvalid, StageRubricSelfCheck, "run has no inputs", err)
	}
	parsed, err := StateRubric(run.State)
	if err != nil || parsed == nil {
		return nil, nil, NewError(KindRubricParseFailed, StageRubricSelfCheck, "no parsed rubric in state", err)
	}

	// Nothing to re-examine without the source images.
	if len(in.RubricImages) == 0 {
		run.Logger.Info("skipping rubric self-review: no rubric images")
		return workflow.Delta{}, nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.RubricParseTimeout)
	defer cancel()

	confidenceBefore := parsed.OverallParseConfidence
	prompt := buildSelfReviewPrompt(parsed)
	raw, err := p.scorer.AnalyzeWithVision(ctx, in.RubricImages, prompt, p.streamCallback(run.ID, StageRubricSelfCheck))
	if err != nil {
		run.Logger.Warn("rubric self-review call failed, keeping parsed rubric", zap.Error(err))
		return workflow.Delta{}, nil, nil
	}

	reply, err := decodeSelfReview(raw)
	if err != nil {
		run.Logger.Warn("rubric self-review reply unusable, keeping parsed rubric", zap.Error(err))
		return workflow.Delta{}, nil, nil
	}

	updated := parsed.Clone()
	applied := applySelfReviewCorrections(updated, reply.Corrections, run.Logger)
	if reply.UpdatedConfidence > 0 {
		if updated.Confession == nil {
			updated.Confession = &rubric.Confession{}
		}
		updated.Confession.Confidence = reply.UpdatedConfidence
		updated.OverallParseConfidence = reply.UpdatedConfidence
	}
	updated = rubric.Normalize(updated)

	p.publish(run.ID, progress.Event{
		Type:             progress.TypeRubricSelfReviewed,
		Stage:            StageRubricSelfCheck,
		ChangesMade:      reply.Changes,
		ConfidenceBefore: confidenceBefore,
		ConfidenceAfter:  updated.OverallParseConfidence,
	})
	run.Logger.Info("rubric self-review applied",
		zap.Int("corrections", applied),
		zap.Float64("confidence_before", confidenceBefore),
		zap.Float64("confidence_after", updated.OverallParseConfidence))

	return workflow.Delta{
		FieldParsedRubric:  updated,
		FieldRubricContext: updated.RubricContext,
	}, nil, nil
}

func buildSelfReviewPrompt(parsed *rubric.ParsedRubric) string {
	var b strings.Builder
	b.WriteString(selfReviewInstruction)
	b.WriteString("\n\n已解析的评分标准：\n")
	doc, err := json.MarshalIndent(parsed.Questions, "", "  ")
	if err == nil {
		b.Write(doc)
	}
	fmt.Fprintf(&b, "\n\n解析置信度：%.2f\n", parsed.OverallParseConfidence)
	if parsed.Confession != nil {
		if len(parsed.Confession.Risks) > 0 {
			fmt.Fprintf(&b, "解析时报告的风险：%s\n", strings.Join(parsed.Confession.Risks, "；"))
		}
		if len(parsed.Confession.NeedsReview) > 0 {
			fmt.Fprintf(&b, "解析时标记需复核：%s\n", strings.Join(parsed.Confession.NeedsReview, "；"))
		}
	}
	return b.String()
}

func decodeSelfReview(raw string) (*scoring.SelfReviewReply, error) {
	doc, err := scoring.ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	var reply scoring.SelfReviewReply
	if err := json.Unmarshal([]byte(doc), &reply); err != nil {
		return nil, fmt.Errorf("failed to decode self-review reply: %w", err)
	}
	return &reply, nil
}

// applySelfReviewCorrections mutates the rubric in place per the
// reviewer's field-scoped corrections and returns the applied count.
// Unknown questions and fields are skipped with a warning.
func applySelfReviewCorrections(r *rubric.ParsedRubric, corrections []scoring.SelfReviewCorrection, logger *zap.Logger) int {
	applied := 0
	for _, c := range corrections {
		q := r.Question(c.QuestionID)
		if q == nil {
			logger.Warn("self-review correction for unknown question",
				zap.String("question_id", c.QuestionID))
			continue
		}
		switch c.Field {
		case "max_score":
			v, ok := asFloat(c.NewValue)
			if !ok || v < 0 {
				logger.Warn("self-review max_score correction not a valid number",
					zap.String("question_id", c.QuestionID))
				continue
			}
			q.MaxScore = v
			applied++
		case "standard_answer":
			v, ok := c.NewValue.(string)
			if !ok {
				logger.Warn("self-review standard_answer correction not a string",
					zap.String("question_id", c.QuestionID))
				continue
			}
			q.StandardAnswer = v
			applied++
		case "scoring_points":
			var points []rubric.ScoringPoint
			raw, err := json.Marshal(c.NewValue)
			if err == nil {
				err = json.Unmarshal(raw, &points)
			}
			if err != nil || len(points) == 0 {
				logger.Warn("self-review scoring_points correction not decodable",
					zap.String("question_id", c.QuestionID), zap.Error(err))
				continue
			}
			q.ScoringPoints = points
			applied++
		default:
			logger.Warn("self-review correction for unknown field",
				zap.String("question_id", c.QuestionID), zap.String("field", c.Field))
		}
	}
	return applied
}

// rubricReviewResponse is the payload accepted on the rubric_review
// interrupt's update and reparse actions.
type rubricReviewResponse struct {
	Questions   []rubric.QuestionRubric `json:"questions,omitempty"`
	QuestionIDs []string                `json:"question_ids,omitempty"`
	Notes       string                  `json:"notes,omitempty"`
}

// stageRubricReview suspends the run until a human approves, edits, or
// asks for a targeted re-parse of the rubric.
func (p *Pipeline) stageRubricReview(ctx context.Context, run *workflow.Run) (workflow.Delta, *workflow.InterruptRequest, error) {
	parsed, err := StateRubric(run.State)
	if err != nil || parsed == nil {
		return nil, nil, NewError(KindRubricParseFailed, StageRubricReview, "no parsed rubric in state", err)
	}

	if run.Response == nil {
		payload := map[string]interface{}{
			"rubric":          parsed,
			"total_questions": parsed.TotalQuestions,
			"total_score":     parsed.TotalScore,
		}
		if parsed.Confession != nil {
			payload["confession"] = parsed.Confession
		}
		req := workflow.NewInterruptRequest(run.ID, StageRubricReview, "rubric_review", payload)
		req.Timeout = p.opts.ReviewTimeout
		return nil, req, nil
	}

	switch run.Response.Action {
	case workflow.ActionApprove, workflow.ActionSkip:
		run.Logger.Info("rubric approved", zap.String("responded_by", run.Response.RespondedBy))
		return workflow.Delta{}, nil, nil

	case workflow.ActionUpdate:
		var resp rubricReviewResponse
		if err := run.Response.DecodePayload(&resp); err != nil {
			return nil, nil, NewError(KindRubricParseFailed, StageRubricReview, "rubric update payload invalid", err)
		}
		updated := parsed.Clone()
		replaced := 0
		for _, q := range resp.Questions {
			q.QuestionID = rubric.NormalizeQuestionID(q.QuestionID)
			if existing := updated.Question(q.QuestionID); existing != nil {
				*existing = q.Clone()
				replaced++
			} else {
				updated.Questions = append(updated.Questions, q.Clone())
				replaced++
			}
		}
		updated = rubric.Normalize(updated)
		run.Logger.Info("rubric updated by reviewer", zap.Int("questions", replaced))
		return workflow.Delta{
			FieldParsedRubric:  updated,
			FieldRubricContext: updated.RubricContext,
		}, nil, nil

	case workflow.ActionReparse:
		var resp rubricReviewResponse
		if err := run.Response.DecodePayload(&resp); err != nil {
			return nil, nil, NewError(KindRubricParseFailed, StageRubricReview, "rubric reparse payload invalid", err)
		}
		return p.reparseRubricQuestions(ctx, run, parsed, resp)

	default:
		return nil, nil, NewError(KindRubricParseFailed, StageRubricReview,
			fmt.Sprintf("unsupported rubric review action %q", run.Response.Action), nil)
	}
}

func (p *Pipeline) reparseRubricQuestions(ctx context.Context, run *workflow.Run, parsed *rubric.ParsedRubric, resp rubricReviewResponse) (workflow.Delta, *workflow.InterruptRequest, error) {
	in, err := StateInputs(run.State)
	if err != nil {
		return nil, nil, NewError(KindInputInvalid, StageRubricReview, "run has no inputs", err)
	}

	var selected []rubric.QuestionRubric
	for _, id := range resp.QuestionIDs {
		if q := parsed.Question(id); q != nil {
			selected = append(selected, q.Clone())
		}
	}
	if len(selected) == 0 {
		return nil, nil, NewError(KindRubricParseFailed, StageRubricReview, "reparse selected no known questions", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.RubricParseTimeout)
	defer cancel()

	var revised []rubric.QuestionRubric
	err = retry.Do(ctx, retry.LLMAPI(), run.Logger, func(ctx context.Context) error {
		var callErr error
		revised, callErr = p.scorer.ReviseRubricQuestions(ctx, in.RubricImages, selected, resp.Notes)
		return callErr
	})
	if err != nil {
		return nil, nil, NewError(KindRubricParseFailed, StageRubricReview, "rubric reparse failed", err)
	}

	updated := parsed.Clone()
	for _, q := range revised {
		q.QuestionID = rubric.NormalizeQuestionID(q.QuestionID)
		if existing := updated.Question(q.QuestionID); existing != nil {
			*existing = q.Clone()
		}
	}
	updated = rubric.Normalize(updated)
	run.Logger.Info("rubric questions reparsed", zap.Int("revised", len(revised)))
	return workflow.Delta{
		FieldParsedRubric:  updated,
		FieldRubricContext: updated.RubricContext,
	}, nil, nil
}

// asFloat coerces a decoded JSON number (float64 or json.Number or
// numeric string) to float64.
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
