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
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/gradeflow/pkg/rubric"
	"github.com/teradata-labs/gradeflow/pkg/scoring"
)

// EvidenceNotFound is the literal used when no answer snippet can back
// a scoring point.
const EvidenceNotFound = "【原文引用】未找到"

// scoreTolerance is the allowed disagreement between the reported
// question score and the sum of its point awards before the override
// is flagged.
const scoreTolerance = 0.25

// FinalizeStudentResult runs the deterministic normalization pipeline
// over every question of a freshly graded result. The model's
// self-reported confidence is always replaced by the locally computed
// value. Finalization is idempotent: already-finalized questions are
// left untouched.
func FinalizeStudentResult(result *scoring.StudentGradingResult, registry *rubric.Registry, opts Options, logger *zap.Logger) {
	for i := range result.QuestionDetails {
		q := &result.QuestionDetails[i]
		if q.Finalized {
			continue
		}
		// The model may echo decorated ids ("第1题"); later passes
		// address questions by normalized id, so canonicalize here.
		q.QuestionID = rubric.NormalizeQuestionID(q.QuestionID)
		var rq *rubric.QuestionRubric
		if registry != nil {
			rq = registry.Lookup(q.QuestionID)
		}
		if IsAssistMode(opts.GradingMode) {
			finalizeAssist(q)
		} else {
			finalizeQuestion(q, rq, logger)
		}
		trimQuestion(q, opts.Trim)
		q.Finalized = true
	}

	result.RecomputeTotals()
	result.Confidence = aggregateConfidence(result.QuestionDetails)
	if IsAssistMode(opts.GradingMode) {
		result.TotalScore = 0
		result.Confidence = 0
	}
	if result.Status == "" {
		result.Status = "completed"
	}
	result.OverallFeedback = Trim(result.OverallFeedback, opts.Trim.OverallFeedbackMax)
	result.StudentSummary = Trim(result.StudentSummary, opts.Trim.SummaryMax)
}

// finalizeAssist keeps explanation fields only: assist modes never
// emit scores, and missing points are not expanded.
func finalizeAssist(q *scoring.QuestionResult) {
	q.Score = 0
	q.Confidence = 0
	for i := range q.ScoringPointResults {
		q.ScoringPointResults[i].Awarded = 0
	}
}

// finalizeQuestion normalizes one question result against its rubric
// entry: point expansion, clamping, evidence substitution, score
// reconciliation, and the computed confidence.
func finalizeQuestion(q *scoring.QuestionResult, rq *rubric.QuestionRubric, logger *zap.Logger) {
	// A rubric entry with no scoring points produces an empty, zeroed
	// result rather than trusting whatever the model returned.
	if rq != nil && len(rq.ScoringPoints) == 0 {
		q.ScoringPointResults = nil
		q.Score = 0
		q.MaxScore = 0
		q.Confidence = 0
		return
	}

	var (
		missingPoints   int
		missingEvidence int
		missingRef      int
		missingPointID  int
	)

	byID := make(map[string]*scoring.ScoringPointResult, len(q.ScoringPointResults))
	for i := range q.ScoringPointResults {
		pr := &q.ScoringPointResults[i]
		if pr.PointID == "" {
			missingPointID++
			continue
		}
		byID[pr.PointID] = pr
	}

	var points []scoring.ScoringPointResult
	matched := make(map[string]bool)
	if rq != nil {
		// Rubric order is authoritative; the rubric's point score caps
		// the award.
		for _, rp := range rq.ScoringPoints {
			pr, ok := byID[rp.PointID]
			if !ok {
				missingPoints++
				q.ReviewCorrections = append(q.ReviewCorrections, scoring.ReviewCorrection{
					PointID: rp.PointID,
					Reason:  "Missing scoring point; added with 0 score.",
				})
				points = append(points, scoring.ScoringPointResult{
					PointID:   rp.PointID,
					Decision:  "未得分",
					Awarded:   0,
					MaxPoints: rp.Score,
					Evidence:  EvidenceNotFound,
				})
				continue
			}
			matched[rp.PointID] = true
			cp := *pr
			cp.MaxPoints = rp.Score
			points = append(points, cp)
		}
	}
	// Points the rubric does not know (or with no rubric at all) are
	// kept in returned order after the rubric-backed ones.
	for i := range q.ScoringPointResults {
		pr := q.ScoringPointResults[i]
		if pr.PointID != "" && matched[pr.PointID] {
			continue
		}
		if rq != nil && pr.PointID != "" {
			logger.Debug("scoring point not in rubric, keeping as returned",
				zap.String("question_id", q.QuestionID),
				zap.String("point_id", pr.PointID))
		}
		points = append(points, pr)
	}

	for i := range points {
		pr := &points[i]
		if clamped := clampAward(pr); clamped {
			q.ReviewCorrections = append(q.ReviewCorrections, scoring.ReviewCorrection{
				PointID: pr.PointID,
				Field:   "awarded",
				Reason:  "Awarded score clamped into [0, max_points].",
			})
		}
		if isPlaceholderEvidence(pr.Evidence) {
			missingEvidence++
			pr.Evidence = substituteEvidence(points)
		}
		if pr.RubricReference == "" {
			missingRef++
		}
	}
	q.ScoringPointResults = points

	expected := len(points)
	if rq != nil {
		expected = len(rq.ScoringPoints)
	}

	var sum float64
	for _, pr := range points {
		sum += pr.Awarded
	}
	scoreAdjusted := false
	if diff := q.Score - sum; diff > scoreTolerance || diff < -scoreTolerance {
		scoreAdjusted = true
		q.AddFlag(scoring.FlagScoreAdjusted)
	}
	q.Score = sum

	if rq != nil {
		q.MaxScore = rq.MaxScore
	}
	if q.Score < 0 {
		q.Score = 0
	}
	if q.MaxScore > 0 && q.Score > q.MaxScore {
		q.Score = q.MaxScore
	}

	if missingPoints > 0 {
		q.AddFlag(scoring.FlagMissingScoringPoints)
	}
	if missingEvidence > 0 {
		q.AddFlag(scoring.FlagMissingEvidence)
	}
	if missingRef > 0 {
		q.AddFlag(scoring.FlagMissingRubricReference)
	}
	if missingPointID > 0 {
		q.AddFlag(scoring.FlagMissingPointID)
	}

	q.Confidence = computeConfidence(confidenceInputs{
		expected:        expected,
		missingPoints:   missingPoints,
		missingEvidence: missingEvidence,
		missingRef:      missingRef,
		scoreAdjusted:   scoreAdjusted,
		subjective:      isSubjectiveType(q.QuestionType),
		alternativeUsed: q.AlternativeSolutionUsed,
	})
}

func clampAward(pr *scoring.ScoringPointResult) bool {
	if pr.Awarded < 0 {
		pr.Awarded = 0
		return true
	}
	if pr.MaxPoints > 0 && pr.Awarded > pr.MaxPoints {
		pr.Awarded = pr.MaxPoints
		return true
	}
	return false
}

// evidencePlaceholders are the service's "nothing found" tokens.
var evidencePlaceholders = []string{"未找到", "未识别", "无", "N/A", "n/a"}

func isPlaceholderEvidence(evidence string) bool {
	s := strings.TrimSpace(evidence)
	if s == "" {
		return true
	}
	s = strings.TrimPrefix(s, "【原文引用】")
	for _, p := range evidencePlaceholders {
		if s == p {
			return true
		}
	}
	return false
}

// substituteEvidence picks the first non-placeholder snippet among the
// question's points, or the literal not-found marker.
func substituteEvidence(points []scoring.ScoringPointResult) string {
	for _, pr := range points {
		if !isPlaceholderEvidence(pr.Evidence) {
			snippet := strings.TrimPrefix(strings.TrimSpace(pr.Evidence), "【原文引用】")
			return "【原文引用】" + snippet
		}
	}
	return EvidenceNotFound
}

type confidenceInputs struct {
	expected        int
	missingPoints   int
	missingEvidence int
	missingRef      int
	scoreAdjusted   bool
	subjective      bool
	alternativeUsed bool
}

// computeConfidence derives the question confidence from local signals
// only. The model's self-reported value never survives finalization.
func computeConfidence(in confidenceInputs) float64 {
	if in.expected <= 0 {
		return 0
	}
	coverage := float64(in.expected-in.missingPoints) / float64(in.expected)
	evidenceOK := float64(in.expected-in.missingEvidence) / float64(in.expected)
	consistency := 1.0
	if in.scoreAdjusted {
		consistency = 0.6
	}

	confidence := 0.2 + 0.5*coverage + 0.2*evidenceOK + 0.1*consistency
	if in.subjective {
		confidence *= 0.85
	}
	if in.alternativeUsed {
		confidence *= 0.9
	}
	if in.missingRef > 0 {
		refCoverage := float64(in.expected-in.missingRef) / float64(in.expected)
		confidence *= 0.6 + 0.4*refCoverage
	}

	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}

// isSubjectiveType reports whether the question type scales confidence
// down as subjective/essay.
func isSubjectiveType(questionType string) bool {
	t := strings.ToLower(questionType)
	for _, marker := range []string{"主观", "作文", "论述", "简答", "essay", "subjective"} {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}

// aggregateConfidence is the mean question confidence; zero questions
// means zero confidence.
func aggregateConfidence(questions []scoring.QuestionResult) float64 {
	if len(questions) == 0 {
		return 0
	}
	var sum float64
	for _, q := range questions {
		sum += q.Confidence
	}
	return sum / float64(len(questions))
}

func trimQuestion(q *scoring.QuestionResult, t TrimOptions) {
	q.Feedback = Trim(q.Feedback, t.FeedbackMax)
	q.ReviewSummary = Trim(q.ReviewSummary, t.SummaryMax)
	for i := range q.ScoringPointResults {
		pr := &q.ScoringPointResults[i]
		pr.Evidence = Trim(pr.Evidence, t.EvidenceMax)
		pr.Reason = Trim(pr.Reason, t.ReasonMax)
	}
}
