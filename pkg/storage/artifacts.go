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

package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ArtifactWriter writes timestamped JSON artifacts (export payloads and
// error logs) to the configured export directory. Used when no
// database is configured and always when a run recorded failures.
type ArtifactWriter struct {
	dir string
}

// NewArtifactWriter creates a writer rooted at dir. An empty dir
// defaults to "exports" in the working directory.
func NewArtifactWriter(dir string) *ArtifactWriter {
	if dir == "" {
		dir = "exports"
	}
	return &ArtifactWriter{dir: dir}
}

// WriteResult writes the export payload for a batch and returns the
// artifact path.
func (w *ArtifactWriter) WriteResult(batchID string, payload interface{}) (string, error) {
	return w.write(fmt.Sprintf("grading_%s_%s.json", batchID, timestamp()), payload)
}

// WriteErrorLog writes the error log for a batch and returns the
// artifact path.
func (w *ArtifactWriter) WriteErrorLog(batchID string, payload interface{}) (string, error) {
	return w.write(fmt.Sprintf("grading_%s_%s_errors.json", batchID, timestamp()), payload)
}

func (w *ArtifactWriter) write(name string, payload interface{}) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize artifact: %w", err)
	}
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return path, nil
}

func timestamp() string {
	return time.Now().Format("20060102_150405")
}
