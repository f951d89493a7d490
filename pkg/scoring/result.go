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

// Audit flags emitted by the grading finalizer. Closed set.
const (
	FlagMissingScoringPoints   = "missing_scoring_points"
	FlagMissingEvidence        = "missing_evidence"
	FlagScoreAdjusted          = "score_adjusted"
	FlagMissingRubricReference = "missing_rubric_reference"
	FlagMissingPointID         = "missing_point_id"
	FlagLogicReviewParseFailed = "logic_review_parse_failed"
)

// ScoringPointResult is the per-point outcome for one rubric clause.
type ScoringPointResult struct {
	PointID         string  `json:"point_id"`
	Decision        string  `json:"decision,omitempty"` // "得分" / "部分得分" / "未得分"
	Awarded         float64 `json:"awarded"`
	MaxPoints       float64 `json:"max_points"`
	Evidence        string  `json:"evidence,omitempty"`
	Reason          string  `json:"reason,omitempty"`
	RubricReference string  `json:"rubric_reference,omitempty"`

	// ReviewBefore preserves the pre-image when logic review adjusts
	// this point. ReviewAdjusted marks the adjustment.
	ReviewBefore   *ScoringPointResult `json:"review_before,omitempty"`
	ReviewAdjusted bool                `json:"review_adjusted,omitempty"`
	ReviewReason   string              `json:"review_reason,omitempty"`
}

// ReviewCorrection records one normalization or review intervention on
// a question result.
type ReviewCorrection struct {
	PointID  string      `json:"point_id,omitempty"`
	Field    string      `json:"field,omitempty"`
	OldValue interface{} `json:"old_value,omitempty"`
	NewValue interface{} `json:"new_value,omitempty"`
	Reason   string      `json:"reason"`
}

// QuestionResult is the per-question scoring outcome.
type QuestionResult struct {
	QuestionID          string               `json:"question_id"`
	QuestionType        string               `json:"question_type,omitempty"`
	Score               float64              `json:"score"`
	MaxScore            float64              `json:"max_score"`
	Confidence          float64              `json:"confidence"`
	ConfidenceReason    string               `json:"confidence_reason,omitempty"`
	ScoringPointResults []ScoringPointResult `json:"scoring_point_results"`
	Feedback            string               `json:"feedback,omitempty"`
	AuditFlags          []string             `json:"audit_flags,omitempty"`
	ReviewCorrections   []ReviewCorrection   `json:"review_corrections,omitempty"`
	PageIndices         []int                `json:"page_indices,omitempty"`

	// AlternativeSolutionUsed scales confidence down during finalization.
	AlternativeSolutionUsed bool `json:"alternative_solution_used,omitempty"`

	// Logic-review bookkeeping.
	LogicReviewed bool   `json:"logic_reviewed,omitempty"`
	SelfCritique  string `json:"self_critique,omitempty"`
	ReviewSummary string `json:"review_summary,omitempty"`
	HonestyNote   string `json:"honesty_note,omitempty"`

	// Finalized marks a result that already passed the deterministic
	// finalization pipeline; finalization is idempotent on it.
	Finalized bool `json:"finalized,omitempty"`
}

// HasFlag reports whether the audit flag is present.
func (q *QuestionResult) HasFlag(flag string) bool {
	for _, f := range q.AuditFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// AddFlag appends the audit flag once.
func (q *QuestionResult) AddFlag(flag string) {
	if !q.HasFlag(flag) {
		q.AuditFlags = append(q.AuditFlags, flag)
	}
}

// PointSum returns Σ awarded over the scoring point results.
func (q *QuestionResult) PointSum() float64 {
	var sum float64
	for _, sp := range q.ScoringPointResults {
		sum += sp.Awarded
	}
	return sum
}

// PageResult is the per-page outcome used by page-batch grading modes
// and for recording worker failures.
type PageResult struct {
	PageIndex  int     `json:"page_index"`
	Status     string  `json:"status"` // "completed" or "failed"
	Score      float64 `json:"score"`
	MaxScore   float64 `json:"max_score"`
	Confidence float64 `json:"confidence"`
	Feedback   string  `json:"feedback,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// SelfAudit is the logic reviewer's run-wide compliance digest,
// preserved verbatim on the student result.
type SelfAudit struct {
	Summary                   string   `json:"summary,omitempty"`
	Confidence                float64  `json:"confidence,omitempty"`
	Issues                    []string `json:"issues,omitempty"`
	ComplianceAnalysis        []string `json:"compliance_analysis,omitempty"`
	UncertaintiesAndConflicts []string `json:"uncertainties_and_conflicts,omitempty"`
	OverallComplianceGrade    string   `json:"overall_compliance_grade,omitempty"`
	HonestyNote               string   `json:"honesty_note,omitempty"`
}

// StudentGradingResult is the aggregated output for one student.
type StudentGradingResult struct {
	Status          string           `json:"status"` // "completed", "partial", "failed"
	StudentKey      string           `json:"student_key"`
	StudentID       string           `json:"student_id,omitempty"`
	StudentName     string           `json:"student_name,omitempty"`
	TotalScore      float64          `json:"total_score"`
	MaxTotalScore   float64          `json:"max_total_score"`
	Confidence      float64          `json:"confidence"`
	OverallFeedback string           `json:"overall_feedback,omitempty"`
	StudentSummary  string           `json:"student_summary,omitempty"`
	QuestionDetails []QuestionResult `json:"question_details"`
	PageResults     []PageResult     `json:"page_results,omitempty"`
	SelfAudit       *SelfAudit       `json:"self_audit,omitempty"`
	RetryCount      int              `json:"retry_count,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// RecomputeTotals recomputes total_score and max_total_score from the
// question details, falling back to page results when no questions
// exist (page-batch mode).
func (s *StudentGradingResult) RecomputeTotals() {
	if len(s.QuestionDetails) > 0 {
		var total, max float64
		for _, q := range s.QuestionDetails {
			total += q.Score
			max += q.MaxScore
		}
		s.TotalScore = total
		s.MaxTotalScore = max
		return
	}
	var total, max float64
	for _, p := range s.PageResults {
		total += p.Score
		max += p.MaxScore
	}
	s.TotalScore = total
	s.MaxTotalScore = max
}

// Question returns the question detail with the given id, or nil.
func (s *StudentGradingResult) Question(questionID string) *QuestionResult {
	for i := range s.QuestionDetails {
		if s.QuestionDetails[i].QuestionID == questionID {
			return &s.QuestionDetails[i]
		}
	}
	return nil
}

// SelfReviewCorrection is one rubric correction proposed by the
// self-review pass.
type SelfReviewCorrection struct {
	QuestionID string      `json:"question_id"`
	Field      string      `json:"field"` // "max_score", "scoring_points", "standard_answer"
	OldValue   interface{} `json:"old_value,omitempty"`
	NewValue   interface{} `json:"new_value"`
	Reason     string      `json:"reason,omitempty"`
}

// SelfReviewReply is the rubric self-review response shape.
type SelfReviewReply struct {
	HasChanges        bool                   `json:"has_changes"`
	Changes           []string               `json:"changes,omitempty"`
	UpdatedConfidence float64                `json:"updated_confidence"`
	Corrections       []SelfReviewCorrection `json:"corrections,omitempty"`
}

// LogicPointCorrection is one bounded point-level correction from the
// logic-review pass.
type LogicPointCorrection struct {
	PointID         string  `json:"point_id"`
	CorrectAwarded  float64 `json:"correct_awarded"`
	CorrectDecision string  `json:"correct_decision,omitempty"`
	ReviewReason    string  `json:"review_reason,omitempty"`
}

// QuestionReview is the logic reviewer's verdict on one question.
type QuestionReview struct {
	QuestionID             string                 `json:"question_id"`
	Confidence             float64                `json:"confidence"`
	ConfidenceReason       string                 `json:"confidence_reason,omitempty"`
	SelfCritique           string                 `json:"self_critique,omitempty"`
	SelfCritiqueConfidence float64                `json:"self_critique_confidence,omitempty"`
	ReviewSummary          string                 `json:"review_summary,omitempty"`
	ReviewCorrections      []LogicPointCorrection `json:"review_corrections,omitempty"`
	HonestyNote            string                 `json:"honesty_note,omitempty"`
}

// LogicReviewReply is the logic-review response shape.
type LogicReviewReply struct {
	StudentKey      string           `json:"student_key"`
	QuestionReviews []QuestionReview `json:"question_reviews"`
	SelfAudit       *SelfAudit       `json:"self_audit,omitempty"`
}
