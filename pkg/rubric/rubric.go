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

// Package rubric models the structured scoring schema parsed from
// rubric pages, its normalization rules, and the per-worker registry
// used during grading.
package rubric

// ScoringPoint is a single rubric clause with a maximum award.
type ScoringPoint struct {
	PointID       string   `json:"point_id"`
	Description   string   `json:"description"`
	Score         float64  `json:"score"`
	IsRequired    bool     `json:"is_required"`
	Keywords      []string `json:"keywords,omitempty"`
	ExpectedValue string   `json:"expected_value,omitempty"`
}

// DeductionRule describes a condition that removes points.
type DeductionRule struct {
	RuleID      string  `json:"rule_id"`
	Description string  `json:"description"`
	Deduction   float64 `json:"deduction"`
	Conditions  string  `json:"conditions,omitempty"`
}

// AlternativeSolution describes an accepted alternate approach.
type AlternativeSolution struct {
	Description     string `json:"description"`
	ScoringCriteria string `json:"scoring_criteria,omitempty"`
	Note            string `json:"note,omitempty"`
}

// QuestionConfession is the parser's per-question risk digest.
type QuestionConfession struct {
	Risk        string `json:"risk,omitempty"`
	Uncertainty string `json:"uncertainty,omitempty"`
}

// QuestionRubric is the rubric for one exam question.
type QuestionRubric struct {
	QuestionID           string                `json:"question_id"`
	MaxScore             float64               `json:"max_score"`
	QuestionText         string                `json:"question_text,omitempty"`
	StandardAnswer       string                `json:"standard_answer,omitempty"`
	SourcePages          []int                 `json:"source_pages,omitempty"`
	Criteria             []string              `json:"criteria,omitempty"`
	ScoringPoints        []ScoringPoint        `json:"scoring_points"`
	DeductionRules       []DeductionRule       `json:"deduction_rules,omitempty"`
	AlternativeSolutions []AlternativeSolution `json:"alternative_solutions,omitempty"`
	GradingNotes         string                `json:"grading_notes,omitempty"`
	Confession           *QuestionConfession   `json:"confession,omitempty"`
}

// Confession is the parser's self-reported rubric-wide risk digest.
type Confession struct {
	Risks         []string `json:"risks,omitempty"`
	Uncertainties []string `json:"uncertainties,omitempty"`
	BlindSpots    []string `json:"blindSpots,omitempty"`
	NeedsReview   []string `json:"needsReview,omitempty"`
	Confidence    float64  `json:"confidence"`
}

// ParsedRubric is the structured rubric produced by the rubric_parse
// stage. RubricContext is a derived view: it is recomputed from
// Questions after every mutation and never accepted as input.
type ParsedRubric struct {
	TotalQuestions int              `json:"total_questions"`
	TotalScore     float64          `json:"total_score"`
	RubricFormat   string           `json:"rubric_format,omitempty"`
	GeneralNotes   string           `json:"general_notes,omitempty"`
	Questions      []QuestionRubric `json:"questions"`
	RubricContext  string           `json:"rubric_context,omitempty"`
	Confession     *Confession      `json:"confession,omitempty"`

	// OverallParseConfidence mirrors Confession.Confidence for quick
	// access by the self-review trigger.
	OverallParseConfidence float64 `json:"overall_parse_confidence"`
}

// Clone returns a deep copy of the rubric. Fan-out workers receive a
// clone so no back-channel into parent state exists.
func (r *ParsedRubric) Clone() *ParsedRubric {
	if r == nil {
		return nil
	}
	out := *r
	out.Questions = make([]QuestionRubric, len(r.Questions))
	for i := range r.Questions {
		out.Questions[i] = r.Questions[i].Clone()
	}
	if r.Confession != nil {
		c := *r.Confession
		c.Risks = append([]string(nil), r.Confession.Risks...)
		c.Uncertainties = append([]string(nil), r.Confession.Uncertainties...)
		c.BlindSpots = append([]string(nil), r.Confession.BlindSpots...)
		c.NeedsReview = append([]string(nil), r.Confession.NeedsReview...)
		out.Confession = &c
	}
	return &out
}

// Clone returns a deep copy of the question rubric.
func (q QuestionRubric) Clone() QuestionRubric {
	out := q
	out.SourcePages = append([]int(nil), q.SourcePages...)
	out.Criteria = append([]string(nil), q.Criteria...)
	out.ScoringPoints = make([]ScoringPoint, len(q.ScoringPoints))
	for i, sp := range q.ScoringPoints {
		cp := sp
		cp.Keywords = append([]string(nil), sp.Keywords...)
		out.ScoringPoints[i] = cp
	}
	out.DeductionRules = append([]DeductionRule(nil), q.DeductionRules...)
	out.AlternativeSolutions = append([]AlternativeSolution(nil), q.AlternativeSolutions...)
	if q.Confession != nil {
		c := *q.Confession
		out.Confession = &c
	}
	return out
}

// Question returns the question with the given normalized id, or nil.
func (r *ParsedRubric) Question(questionID string) *QuestionRubric {
	id := NormalizeQuestionID(questionID)
	for i := range r.Questions {
		if r.Questions[i].QuestionID == id {
			return &r.Questions[i]
		}
	}
	return nil
}

// PointSum returns the sum of the question's scoring point scores.
func (q *QuestionRubric) PointSum() float64 {
	var sum float64
	for _, sp := range q.ScoringPoints {
		sum += sp.Score
	}
	return sum
}

// NeedsSelfReview reports whether the parser's confession flags enough
// risk to trigger the automatic self-review pass.
func (r *ParsedRubric) NeedsSelfReview() bool {
	if r.OverallParseConfidence < 0.9 {
		return true
	}
	if r.Confession == nil {
		return false
	}
	return len(r.Confession.NeedsReview) > 0 ||
		len(r.Confession.Risks) > 0 ||
		len(r.Confession.Uncertainties) > 0
}
