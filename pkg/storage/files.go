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
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalFileStorage implements FileStorage over a directory tree laid
// out as <root>/<batch_id>/<page files>. Page order is lexicographic
// file-name order.
type LocalFileStorage struct {
	root string
}

// NewLocalFileStorage creates a file storage rooted at dir.
func NewLocalFileStorage(dir string) *LocalFileStorage {
	return &LocalFileStorage{root: dir}
}

// ListBatchFiles returns the batch's image files in page order. A
// missing batch directory returns an empty list, not an error.
func (fs *LocalFileStorage) ListBatchFiles(ctx context.Context, batchID string) ([]FileRef, error) {
	dir := filepath.Join(fs.root, batchID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list batch files: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png", ".gif", ".webp":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	refs := make([]FileRef, 0, len(names))
	for i, name := range names {
		refs = append(refs, FileRef{
			FileID:      filepath.Join(batchID, name),
			ContentType: mime.TypeByExtension(filepath.Ext(name)),
			PageIndex:   i,
		})
	}
	return refs, nil
}

// ReadFile returns the bytes of a file by its id.
func (fs *LocalFileStorage) ReadFile(ctx context.Context, fileID string) ([]byte, error) {
	// File ids are paths relative to the root; reject escapes.
	clean := filepath.Clean(fileID)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("invalid file id %q", fileID)
	}
	data, err := os.ReadFile(filepath.Join(fs.root, clean))
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", fileID, err)
	}
	return data, nil
}

var _ FileStorage = (*LocalFileStorage)(nil)
