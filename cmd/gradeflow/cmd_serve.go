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
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teradata-labs/gradeflow/pkg/grading"
	"github.com/teradata-labs/gradeflow/pkg/progress"
	"github.com/teradata-labs/gradeflow/pkg/storage"
	"github.com/teradata-labs/gradeflow/pkg/workflow"
)

var serveAddr string

var serveProgressCmd = &cobra.Command{
	Use:   "serve-progress [manifest.yaml]",
	Short: "Run a batch and stream progress over SSE",
	Long: `Run a grading batch while serving its progress events over
Server-Sent Events. Subscribe with:

  curl -N 'http://localhost:5007/events?stream=<batch_id>'

The process exits when the run finishes and all subscribers drain.`,
	Args: cobra.ExactArgs(1),
	RunE: runServeProgress,
}

func init() {
	rootCmd.AddCommand(serveProgressCmd)
	serveProgressCmd.Flags().StringVar(&serveAddr, "addr", ":5007", "HTTP listen address for the SSE endpoint")
}

func runServeProgress(cmd *cobra.Command, args []string) error {
	if err := requireAPIKey(); err != nil {
		return err
	}
	deps, err := openRunDeps()
	if err != nil {
		return err
	}
	defer deps.close()

	sink := progress.NewSSESink()
	mux := http.NewServeMux()
	mux.Handle("/events", sink)
	server := &http.Server{Addr: serveAddr, Handler: mux}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("progress endpoint listening", zap.String("addr", serveAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := runManifestWithSink(ctx, deps, args[0], sink)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	select {
	case err := <-serverErr:
		return fmt.Errorf("progress server: %w", err)
	default:
	}
	return runErr
}

// runManifestWithSink mirrors the run command with an SSE sink wired
// into the pipeline.
func runManifestWithSink(ctx context.Context, deps *runDeps, manifestPath string, sink progress.Sink) error {
	manifest, inputs, err := decodeManifest(manifestPath)
	if err != nil {
		return err
	}

	batchID := manifest.BatchID
	if batchID == "" {
		batchID = fmt.Sprintf("batch-%d", time.Now().UnixMilli())
	}
	fmt.Printf("Streaming batch %s on %s/events?stream=%s\n", batchID, serveAddr, batchID)

	opts := manifest.Options
	if opts.ExportDir == "" {
		opts.ExportDir = config.Storage.ExportDir
	}

	pipeline, err := grading.NewPipeline(grading.Config{
		Scorer:      deps.scorer,
		Store:       deps.store,
		Files:       deps.files,
		Artifacts:   storage.NewArtifactWriter(config.Storage.ExportDir),
		Checkpoints: deps.wf,
		Interrupter: workflow.NewStoreInterrupter(deps.wf, 2*time.Second),
		Sink:        sink,
		Logger:      logger,
		Options:     opts,
	})
	if err != nil {
		return err
	}

	final, err := pipeline.Run(ctx, batchID, inputs)
	if err != nil {
		return fmt.Errorf("run %s: %w", batchID, err)
	}
	return printRunOutcome(batchID, final, pipeline)
}

