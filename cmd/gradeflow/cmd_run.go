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

package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teradata-labs/gradeflow/pkg/grading"
	"github.com/teradata-labs/gradeflow/pkg/llm/anthropic"
	"github.com/teradata-labs/gradeflow/pkg/progress"
	"github.com/teradata-labs/gradeflow/pkg/scoring"
	"github.com/teradata-labs/gradeflow/pkg/storage"
	"github.com/teradata-labs/gradeflow/pkg/types"
	"github.com/teradata-labs/gradeflow/pkg/workflow"
)

var runResume bool

var runCmd = &cobra.Command{
	Use:   "run [manifest.yaml]",
	Short: "Grade a batch from a YAML manifest",
	Long: `Run a grading batch described by a YAML manifest.

The manifest names the answer pages, the rubric (images or text),
student boundaries, and per-run options:

  batch_id: demo-1            # optional, generated when absent
  expected_total_score: 100
  rubric_text: |
    第1题（10分）……
  answer_images:
    - path: pages/page-001.jpg
    - path: pages/page-002.jpg
  student_mapping:
    - student_name: 张三
      pages: [0]
  options:
    grading_mode: standard
    enable_review: false

Interrupted runs can be continued with --resume and the batch id.`,
	Args: cobra.ExactArgs(1),
	RunE: runGrading,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runResume, "resume", false, "treat the argument as a batch id and resume it")
}

// runManifest is the YAML shape of one batch.
type runManifest struct {
	BatchID            string                        `yaml:"batch_id"`
	AnswerImages       []manifestImage               `yaml:"answer_images"`
	RubricImages       []manifestImage               `yaml:"rubric_images"`
	RubricText         string                        `yaml:"rubric_text"`
	StudentMapping     []grading.StudentMappingEntry `yaml:"student_mapping"`
	ManualBoundaries   []int                         `yaml:"manual_boundaries"`
	ExpectedTotalScore float64                       `yaml:"expected_total_score"`
	PageContexts       map[int]string                `yaml:"page_contexts"`
	TeacherID          string                        `yaml:"teacher_id"`
	ClassIDs           []string                      `yaml:"class_ids"`
	Options            grading.Options               `yaml:"options"`
}

// manifestImage references one page by file path or URL.
type manifestImage struct {
	Path      string `yaml:"path"`
	URL       string `yaml:"url"`
	MediaType string `yaml:"media_type"`
}

func (m manifestImage) toSource(baseDir string) (types.ImageSource, error) {
	if m.URL != "" {
		return types.ImageSource{Type: "url", URL: m.URL}, nil
	}
	if m.Path == "" {
		return types.ImageSource{}, fmt.Errorf("image entry needs path or url")
	}
	path := m.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.ImageSource{}, fmt.Errorf("read image %s: %w", m.Path, err)
	}
	mediaType := m.MediaType
	if mediaType == "" {
		mediaType = mediaTypeForPath(path)
	}
	return types.ImageSource{
		Type:      "base64",
		MediaType: mediaType,
		Data:      base64.StdEncoding.EncodeToString(raw),
	}, nil
}

// decodeManifest parses the manifest file and materializes its image
// references, resolving relative paths against the manifest directory.
func decodeManifest(manifestPath string) (*runManifest, *grading.Inputs, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest runManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, nil, fmt.Errorf("parse manifest: %w", err)
	}

	baseDir := filepath.Dir(manifestPath)
	inputs := &grading.Inputs{
		RubricText:         manifest.RubricText,
		StudentMapping:     manifest.StudentMapping,
		ManualBoundaries:   manifest.ManualBoundaries,
		ExpectedTotalScore: manifest.ExpectedTotalScore,
		PageContexts:       manifest.PageContexts,
		TeacherID:          manifest.TeacherID,
		ClassIDs:           manifest.ClassIDs,
	}
	for _, img := range manifest.AnswerImages {
		src, err := img.toSource(baseDir)
		if err != nil {
			return nil, nil, err
		}
		inputs.AnswerImages = append(inputs.AnswerImages, src)
	}
	for _, img := range manifest.RubricImages {
		src, err := img.toSource(baseDir)
		if err != nil {
			return nil, nil, err
		}
		inputs.RubricImages = append(inputs.RubricImages, src)
	}
	return &manifest, inputs, nil
}

func mediaTypeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func runGrading(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if err := requireAPIKey(); err != nil {
		return err
	}
	deps, err := openRunDeps()
	if err != nil {
		return err
	}
	defer deps.close()

	if runResume {
		batchID := args[0]
		pipeline, err := buildGradingPipeline(deps, grading.Options{})
		if err != nil {
			return err
		}
		final, err := pipeline.Resume(ctx, batchID)
		if err != nil {
			return fmt.Errorf("resume %s: %w", batchID, err)
		}
		return printRunOutcome(batchID, final, pipeline)
	}

	manifest, inputs, err := decodeManifest(args[0])
	if err != nil {
		return err
	}

	batchID := manifest.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}

	opts := manifest.Options
	if opts.GradingMode == "" {
		opts.GradingMode = config.Grading.GradingMode
	}
	if opts.ExportDir == "" {
		opts.ExportDir = config.Storage.ExportDir
	}

	pipeline, err := buildGradingPipeline(deps, opts)
	if err != nil {
		return err
	}

	logger.Info("starting grading run")
	started := time.Now()
	final, err := pipeline.Run(ctx, batchID, inputs)
	if err != nil {
		return fmt.Errorf("run %s: %w", batchID, err)
	}
	fmt.Printf("Batch %s finished in %s\n", batchID, time.Since(started).Round(time.Second))
	return printRunOutcome(batchID, final, pipeline)
}

func printRunOutcome(batchID string, final workflow.State, pipeline *grading.Pipeline) error {
	fmt.Printf("  Status:  %s\n", final.GetString(grading.FieldStatus))
	if path := final.GetString(grading.FieldExportPath); path != "" {
		fmt.Printf("  Export:  %s\n", path)
	}
	if records := pipeline.Errors(); len(records) > 0 {
		fmt.Printf("  Errors:  %d\n", len(records))
		for _, r := range records {
			fmt.Printf("    [%s] %s: %s\n", r.Kind, r.Stage, r.Message)
		}
	}
	return nil
}

// runDeps are the shared collaborators a grading run wires up.
type runDeps struct {
	scorer scoring.Service
	store  *storage.SQLiteStore
	wf     *workflow.SQLiteStore
	files  storage.FileStorage
}

// requireAPIKey guards commands that call the model.
func requireAPIKey() error {
	if config.LLM.AnthropicAPIKey == "" {
		return fmt.Errorf("no Anthropic API key (set --anthropic-key or ANTHROPIC_API_KEY)")
	}
	return nil
}

func openRunDeps() (*runDeps, error) {
	client := anthropic.NewClient(anthropic.Config{
		APIKey:      config.LLM.AnthropicAPIKey,
		Model:       config.LLM.AnthropicModel,
		MaxTokens:   config.LLM.MaxTokens,
		Temperature: config.LLM.Temperature,
	})
	scorer := scoring.NewLLMService(scoring.LLMServiceConfig{
		Provider: client,
		Logger:   logger.Named("scoring"),
	})

	store, err := storage.NewSQLiteStore(config.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open results store: %w", err)
	}
	wf, err := workflow.NewSQLiteStore(config.Database.Path)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open workflow store: %w", err)
	}

	deps := &runDeps{scorer: scorer, store: store, wf: wf}
	if config.Storage.FilesDir != "" {
		deps.files = storage.NewLocalFileStorage(config.Storage.FilesDir)
	}
	return deps, nil
}

func (d *runDeps) close() {
	d.wf.Close()
	d.store.Close()
}

func buildGradingPipeline(deps *runDeps, opts grading.Options) (*grading.Pipeline, error) {
	return grading.NewPipeline(grading.Config{
		Scorer:      deps.scorer,
		Store:       deps.store,
		Files:       deps.files,
		Artifacts:   storage.NewArtifactWriter(config.Storage.ExportDir),
		Checkpoints: deps.wf,
		Interrupter: workflow.NewStoreInterrupter(deps.wf, 2*time.Second),
		Sink:        &progress.LogSink{Logger: logger.Named("progress")},
		Logger:      logger,
		Options:     opts,
	})
}
