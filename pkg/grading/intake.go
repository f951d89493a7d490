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
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/gradeflow/pkg/progress"
	"github.com/teradata-labs/gradeflow/pkg/types"
	"github.com/teradata-labs/gradeflow/pkg/workflow"
)

// Stage labels.
const (
	StageIntake          = "intake"
	StagePreprocess      = "preprocess"
	StageRubricParse     = "rubric_parse"
	StageSelfReviewGate  = "self_review_gate"
	StageRubricSelfCheck = "rubric_self_review"
	StageReviewGate      = "rubric_review_gate"
	StageRubricReview    = "rubric_review"
	StageGradeFanOut     = "grade_fanout"
	StageGradeBatch      = "grade_batch"
	StageLogicReview     = "logic_review"
	StageResultsReview   = "results_review"
	StageExport          = "export"
)

// stageIntake validates the run inputs and seeds the run metadata.
// Missing answer material or rubric material is fatal: nothing
// downstream can recover from it.
func (p *Pipeline) stageIntake(ctx context.Context, run *workflow.Run) (workflow.Delta, *workflow.InterruptRequest, error) {
	in, err := StateInputs(run.State)
	if err != nil {
		return nil, nil, NewError(KindInputInvalid, StageIntake, "run has no inputs", err)
	}

	if len(in.AnswerImages) == 0 && p.files == nil {
		return nil, nil, NewError(KindInputInvalid, StageIntake, "no answer images and no file storage to recover them from", nil)
	}
	if len(in.RubricImages) == 0 && in.RubricText == "" {
		return nil, nil, NewError(KindInputInvalid, StageIntake, "no rubric images or rubric text", nil)
	}
	for i, img := range in.AnswerImages {
		if err := validateImage(img); err != nil {
			return nil, nil, NewError(KindInputInvalid, StageIntake, fmt.Sprintf("answer image %d invalid", i), err)
		}
	}
	for i, img := range in.RubricImages {
		if err := validateImage(img); err != nil {
			return nil, nil, NewError(KindInputInvalid, StageIntake, fmt.Sprintf("rubric image %d invalid", i), err)
		}
	}
	switch p.opts.GradingMode {
	case ModeStandard, ModeAuto, ModeAssistTeacher, ModeAssistStudent:
	default:
		return nil, nil, NewError(KindInputInvalid, StageIntake,
			fmt.Sprintf("unknown grading mode %q", p.opts.GradingMode), nil)
	}

	run.Logger.Info("grading run accepted",
		zap.Int("answer_pages", len(in.AnswerImages)),
		zap.Int("rubric_pages", len(in.RubricImages)),
		zap.String("mode", p.opts.GradingMode))

	p.publish(run.ID, progress.Event{
		Type:    progress.TypeStageUpdate,
		Stage:   StageIntake,
		Status:  "completed",
		Message: fmt.Sprintf("accepted %d answer pages", len(in.AnswerImages)),
	})

	return workflow.Delta{
		FieldBatchID: run.ID,
		FieldStatus:  "running",
		FieldTimestamps: map[string]string{
			"started_at": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil, nil
}

// validateImage rejects sources that neither the preprocessor nor the
// model API can consume.
func validateImage(img types.ImageSource) error {
	switch img.Type {
	case "base64":
		if img.Data == "" {
			return fmt.Errorf("base64 image has no data")
		}
		if img.MediaType == "" {
			return fmt.Errorf("base64 image has no media type")
		}
	case "url":
		if img.URL == "" {
			return fmt.Errorf("url image has no url")
		}
	default:
		return fmt.Errorf("unknown image source type %q", img.Type)
	}
	return nil
}
