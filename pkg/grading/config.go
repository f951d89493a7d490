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

import "time"

// Grading modes form a closed set.
const (
	ModeStandard      = "standard"
	ModeAuto          = "auto"
	ModeAssistTeacher = "assist_teacher"
	ModeAssistStudent = "assist_student"
)

// IsAssistMode reports whether the mode produces feedback only, with
// all scores zeroed.
func IsAssistMode(mode string) bool {
	return mode == ModeAssistTeacher || mode == ModeAssistStudent
}

// TrimOptions caps the character length of text fields when building
// prompts and export payloads. Zero values take the defaults.
type TrimOptions struct {
	FeedbackMax        int `yaml:"feedback_max" mapstructure:"feedback_max"`
	EvidenceMax        int `yaml:"evidence_max" mapstructure:"evidence_max"`
	ReasonMax          int `yaml:"reason_max" mapstructure:"reason_max"`
	SummaryMax         int `yaml:"summary_max" mapstructure:"summary_max"`
	OverallFeedbackMax int `yaml:"overall_feedback_max" mapstructure:"overall_feedback_max"`
}

func (t *TrimOptions) setDefaults() {
	if t.FeedbackMax <= 0 {
		t.FeedbackMax = 160
	}
	if t.EvidenceMax <= 0 {
		t.EvidenceMax = 120
	}
	if t.ReasonMax <= 0 {
		t.ReasonMax = 100
	}
	if t.SummaryMax <= 0 {
		t.SummaryMax = 90
	}
	if t.OverallFeedbackMax <= 0 {
		t.OverallFeedbackMax = 200
	}
}

// Trim caps s at max runes, appending an ellipsis when truncated.
func Trim(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

// Options configures one grading run. All values are supplied at run
// start; zero values take the documented defaults.
type Options struct {
	// BatchSize is the fallback page-batch size when no student
	// boundaries exist. 0 means one batch of all pages. Default 1000.
	BatchSize *int `yaml:"batch_size" mapstructure:"batch_size"`

	// MaxConcurrentWorkers bounds fan-out parallelism. Default 5.
	MaxConcurrentWorkers int `yaml:"max_concurrent_workers" mapstructure:"max_concurrent_workers"`

	// MaxRetries is the per-worker retry budget. Default 2.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`

	// RetryDelay is the base delay for worker retries. Default 1s.
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`

	// RubricParseTimeout bounds the rubric parse call. Default 600s.
	RubricParseTimeout time.Duration `yaml:"rubric_parse_timeout" mapstructure:"rubric_parse_timeout"`

	// GradingLLMTimeout bounds each per-student grading call. Default 120s.
	GradingLLMTimeout time.Duration `yaml:"grading_llm_timeout" mapstructure:"grading_llm_timeout"`

	// LogicReviewTimeout bounds each logic-review call. Default 90s.
	LogicReviewTimeout time.Duration `yaml:"logic_review_timeout" mapstructure:"logic_review_timeout"`

	// LogicReviewMaxWorkers bounds logic-review parallelism. Default 3.
	LogicReviewMaxWorkers int `yaml:"logic_review_max_workers" mapstructure:"logic_review_max_workers"`

	// LogicReviewMaxQuestions caps reviewed questions per student.
	// 0 reviews all.
	LogicReviewMaxQuestions int `yaml:"logic_review_max_questions" mapstructure:"logic_review_max_questions"`

	// LogicReviewConfidenceThreshold selects questions for review when
	// LogicReviewMaxQuestions limits the set. Default 0.7.
	LogicReviewConfidenceThreshold float64 `yaml:"logic_review_confidence_threshold" mapstructure:"logic_review_confidence_threshold"`

	// ReviewThreshold marks pages low-confidence. Default 0.7.
	ReviewThreshold float64 `yaml:"review_threshold" mapstructure:"review_threshold"`

	// ReviewQueueMaxItems caps the adjudication queue. Default 200.
	ReviewQueueMaxItems int `yaml:"review_queue_max_items" mapstructure:"review_queue_max_items"`

	// EnableReview turns on the human results-review interrupt.
	EnableReview bool `yaml:"enable_review" mapstructure:"enable_review"`

	// ReviewTimeout bounds the results-review interrupt. 0 waits on the
	// run context only.
	ReviewTimeout time.Duration `yaml:"review_timeout" mapstructure:"review_timeout"`

	// GradingMode is one of the Mode* constants. Default "standard".
	GradingMode string `yaml:"grading_mode" mapstructure:"grading_mode"`

	// DisableProgressBroadcast drops all progress events.
	DisableProgressBroadcast bool `yaml:"disable_progress_broadcast" mapstructure:"disable_progress_broadcast"`

	// ExportDir receives JSON artifacts. Default "exports".
	ExportDir string `yaml:"export_dir" mapstructure:"export_dir"`

	// Trim caps text field lengths.
	Trim TrimOptions `yaml:"trim" mapstructure:"trim"`
}

// DefaultBatchSize is the fallback page-batch size.
const DefaultBatchSize = 1000

// WithDefaults returns a copy of the options with zero values replaced
// by defaults.
func (o Options) WithDefaults() Options {
	if o.BatchSize == nil {
		size := DefaultBatchSize
		o.BatchSize = &size
	}
	if o.MaxConcurrentWorkers <= 0 {
		o.MaxConcurrentWorkers = 5
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = 2
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.RubricParseTimeout <= 0 {
		o.RubricParseTimeout = 600 * time.Second
	}
	if o.GradingLLMTimeout <= 0 {
		o.GradingLLMTimeout = 120 * time.Second
	}
	if o.LogicReviewTimeout <= 0 {
		o.LogicReviewTimeout = 90 * time.Second
	}
	if o.LogicReviewMaxWorkers <= 0 {
		o.LogicReviewMaxWorkers = 3
	}
	if o.LogicReviewConfidenceThreshold <= 0 {
		o.LogicReviewConfidenceThreshold = 0.7
	}
	if o.ReviewThreshold <= 0 {
		o.ReviewThreshold = 0.7
	}
	if o.ReviewQueueMaxItems <= 0 {
		o.ReviewQueueMaxItems = 200
	}
	if o.GradingMode == "" {
		o.GradingMode = ModeStandard
	}
	if o.ExportDir == "" {
		o.ExportDir = "exports"
	}
	o.Trim.setDefaults()
	return o
}
