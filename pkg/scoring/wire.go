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

package scoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/teradata-labs/gradeflow/pkg/rubric"
)

// flexString decodes a JSON string or bare number into a string.
// Models return question ids as either `"1"` or `1`.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*f = flexString(strings.TrimSuffix(n.String(), ".0"))
	return nil
}

// Wire shapes for the rubric-parse reply. IDs and scores arrive loosely
// typed; conversion normalizes them into the rubric model.

type wireScoringPoint struct {
	PointID       flexString `json:"point_id"`
	Description   string     `json:"description"`
	Score         float64    `json:"score"`
	IsRequired    bool       `json:"is_required"`
	Keywords      []string   `json:"keywords"`
	ExpectedValue string     `json:"expected_value"`
}

type wireDeductionRule struct {
	RuleID      flexString `json:"rule_id"`
	Description string     `json:"description"`
	Deduction   float64    `json:"deduction"`
	Conditions  string     `json:"conditions"`
}

type wireQuestion struct {
	ID             flexString                  `json:"id"`
	QuestionID     flexString                  `json:"question_id"`
	MaxScore       *float64                    `json:"max_score"`
	QuestionText   string                      `json:"question_text"`
	StandardAnswer string                      `json:"standard_answer"`
	SourcePages    []int                       `json:"source_pages"`
	Criteria       []string                    `json:"criteria"`
	Confession     *rubric.QuestionConfession  `json:"confession"`
	ScoringPoints  []wireScoringPoint          `json:"scoring_points"`
	Alternatives   []rubric.AlternativeSolution `json:"alternative_solutions"`
	DeductionRules []wireDeductionRule         `json:"deduction_rules"`
	GradingNotes   string                      `json:"grading_notes"`
}

type wireParsedRubric struct {
	TotalQuestions int                `json:"total_questions"`
	TotalScore     *float64           `json:"total_score"`
	RubricFormat   string             `json:"rubric_format"`
	GeneralNotes   string             `json:"general_notes"`
	Confession     *rubric.Confession `json:"confession"`
	Questions      []wireQuestion     `json:"questions"`
}

func (w *wireQuestion) toQuestion() rubric.QuestionRubric {
	id := string(w.QuestionID)
	if id == "" {
		id = string(w.ID)
	}
	q := rubric.QuestionRubric{
		QuestionID:           id,
		QuestionText:         w.QuestionText,
		StandardAnswer:       w.StandardAnswer,
		SourcePages:          w.SourcePages,
		Criteria:             w.Criteria,
		Confession:           w.Confession,
		AlternativeSolutions: w.Alternatives,
		GradingNotes:         w.GradingNotes,
	}
	if w.MaxScore != nil {
		q.MaxScore = *w.MaxScore
	}
	for _, sp := range w.ScoringPoints {
		q.ScoringPoints = append(q.ScoringPoints, rubric.ScoringPoint{
			PointID:       string(sp.PointID),
			Description:   sp.Description,
			Score:         sp.Score,
			IsRequired:    sp.IsRequired,
			Keywords:      sp.Keywords,
			ExpectedValue: sp.ExpectedValue,
		})
	}
	for _, dr := range w.DeductionRules {
		q.DeductionRules = append(q.DeductionRules, rubric.DeductionRule{
			RuleID:      string(dr.RuleID),
			Description: dr.Description,
			Deduction:   dr.Deduction,
			Conditions:  dr.Conditions,
		})
	}
	return q
}

func (w *wireParsedRubric) toRubric() *rubric.ParsedRubric {
	r := &rubric.ParsedRubric{
		TotalQuestions: w.TotalQuestions,
		RubricFormat:   w.RubricFormat,
		GeneralNotes:   w.GeneralNotes,
		Confession:     w.Confession,
	}
	if w.TotalScore != nil {
		r.TotalScore = *w.TotalScore
	}
	if w.Confession != nil {
		r.OverallParseConfidence = w.Confession.Confidence
	}
	for i := range w.Questions {
		r.Questions = append(r.Questions, w.Questions[i].toQuestion())
	}
	return r
}

// Wire shapes for grading replies.

type wireScoringPointResult struct {
	PointID         flexString `json:"point_id"`
	Decision        string     `json:"decision"`
	Awarded         float64    `json:"awarded"`
	MaxPoints       float64    `json:"max_points"`
	Evidence        string     `json:"evidence"`
	Reason          string     `json:"reason"`
	RubricReference string     `json:"rubric_reference"`
}

type wireQuestionResult struct {
	QuestionID              flexString               `json:"question_id"`
	QuestionType            string                   `json:"question_type"`
	Score                   float64                  `json:"score"`
	MaxScore                float64                  `json:"max_score"`
	Confidence              float64                  `json:"confidence"`
	ConfidenceReason        string                   `json:"confidence_reason"`
	ScoringPointResults     []wireScoringPointResult `json:"scoring_point_results"`
	Feedback                string                   `json:"feedback"`
	PageIndices             []int                    `json:"page_indices"`
	AlternativeSolutionUsed bool                     `json:"alternative_solution_used"`
}

type wireStudentResult struct {
	Status          string               `json:"status"`
	StudentKey      string               `json:"student_key"`
	TotalScore      float64              `json:"total_score"`
	MaxScore        float64              `json:"max_score"`
	Confidence      float64              `json:"confidence"`
	OverallFeedback string               `json:"overall_feedback"`
	StudentSummary  string               `json:"student_summary"`
	QuestionDetails []wireQuestionResult `json:"question_details"`
}

func (w *wireQuestionResult) toResult() QuestionResult {
	out := QuestionResult{
		QuestionID:              string(w.QuestionID),
		QuestionType:            w.QuestionType,
		Score:                   w.Score,
		MaxScore:                w.MaxScore,
		Confidence:              w.Confidence,
		ConfidenceReason:        w.ConfidenceReason,
		Feedback:                w.Feedback,
		PageIndices:             w.PageIndices,
		AlternativeSolutionUsed: w.AlternativeSolutionUsed,
	}
	for _, sp := range w.ScoringPointResults {
		out.ScoringPointResults = append(out.ScoringPointResults, ScoringPointResult{
			PointID:         string(sp.PointID),
			Decision:        sp.Decision,
			Awarded:         sp.Awarded,
			MaxPoints:       sp.MaxPoints,
			Evidence:        sp.Evidence,
			Reason:          sp.Reason,
			RubricReference: sp.RubricReference,
		})
	}
	return out
}

func (w *wireStudentResult) toResult(studentKey string) *StudentGradingResult {
	out := &StudentGradingResult{
		Status:          w.Status,
		StudentKey:      w.StudentKey,
		TotalScore:      w.TotalScore,
		MaxTotalScore:   w.MaxScore,
		Confidence:      w.Confidence,
		OverallFeedback: w.OverallFeedback,
		StudentSummary:  w.StudentSummary,
	}
	if out.StudentKey == "" {
		out.StudentKey = studentKey
	}
	if out.Status == "" {
		out.Status = "completed"
	}
	for i := range w.QuestionDetails {
		out.QuestionDetails = append(out.QuestionDetails, w.QuestionDetails[i].toResult())
	}
	return out
}
