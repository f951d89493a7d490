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
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sort"

	"github.com/disintegration/imageorient"
	"github.com/nfnt/resize"
	"go.uber.org/zap"

	"github.com/teradata-labs/gradeflow/pkg/progress"
	"github.com/teradata-labs/gradeflow/pkg/types"
	"github.com/teradata-labs/gradeflow/pkg/workflow"
)

const (
	// maxImageDimension caps either edge of a normalized page.
	maxImageDimension = 2048

	jpegQuality = 85
)

// stagePreprocess normalizes the answer pages and resolves student
// boundaries. Image recovery: when the caller supplied no answer
// images, the batch's pages are loaded from file storage by batch id.
func (p *Pipeline) stagePreprocess(ctx context.Context, run *workflow.Run) (workflow.Delta, *workflow.InterruptRequest, error) {
	in, err := StateInputs(run.State)
	if err != nil {
		return nil, nil, NewError(KindInputInvalid, StagePreprocess, "run has no inputs", err)
	}

	images := in.AnswerImages
	if len(images) == 0 {
		images, err = p.recoverImages(ctx, run.ID)
		if err != nil {
			return nil, nil, NewError(KindInputInvalid, StagePreprocess, "image recovery failed", err)
		}
		if len(images) == 0 {
			return nil, nil, NewError(KindInputInvalid, StagePreprocess,
				fmt.Sprintf("no answer images and no stored pages for batch %s", run.ID), nil)
		}
		run.Logger.Info("recovered answer images from file storage",
			zap.String("batch_id", run.ID), zap.Int("pages", len(images)))
	}

	processed := make([]types.ImageSource, len(images))
	for i, img := range images {
		processed[i] = normalizeImage(img, run.Logger)
	}

	boundaries, needsConfirmation := resolveBoundaries(in, len(processed), run.Logger)

	p.publish(run.ID, progress.Event{
		Type:    progress.TypeStageUpdate,
		Stage:   StagePreprocess,
		Status:  "completed",
		Message: fmt.Sprintf("%d pages, %d students", len(processed), len(boundaries)),
	})

	return workflow.Delta{
		FieldProcessedImages:   processed,
		FieldStudentBoundaries: boundaries,
		FieldBoundariesToCheck: needsConfirmation,
	}, nil, nil
}

// recoverImages loads the batch's page files from storage as base64
// sources.
func (p *Pipeline) recoverImages(ctx context.Context, batchID string) ([]types.ImageSource, error) {
	if p.files == nil {
		return nil, nil
	}
	refs, err := p.files.ListBatchFiles(ctx, batchID)
	if err != nil {
		return nil, err
	}
	images := make([]types.ImageSource, 0, len(refs))
	for _, ref := range refs {
		data, err := p.files.ReadFile(ctx, ref.FileID)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ref.FileID, err)
		}
		mediaType := ref.ContentType
		if mediaType == "" {
			mediaType = "image/jpeg"
		}
		images = append(images, types.ImageSource{
			Type:      "base64",
			MediaType: mediaType,
			Data:      base64.StdEncoding.EncodeToString(data),
		})
	}
	return images, nil
}

// normalizeImage re-encodes a base64 page as an orientation-corrected,
// size-capped JPEG with any alpha flattened onto white. Failures fall
// back to the original source: a page the decoder rejects may still be
// readable by the model.
func normalizeImage(img types.ImageSource, logger *zap.Logger) types.ImageSource {
	if img.Type != "base64" {
		return img
	}
	raw, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		logger.Warn("image not valid base64, passing through", zap.Error(err))
		return img
	}

	// imageorient applies the EXIF orientation during decode.
	decoded, _, err := imageorient.Decode(bytes.NewReader(raw))
	if err != nil {
		logger.Warn("image decode failed, passing through", zap.Error(err))
		return img
	}

	bounds := decoded.Bounds()
	if bounds.Dx() > maxImageDimension || bounds.Dy() > maxImageDimension {
		decoded = resize.Thumbnail(maxImageDimension, maxImageDimension, decoded, resize.Lanczos3)
	}

	decoded = flattenOntoWhite(decoded)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, decoded, &jpeg.Options{Quality: jpegQuality}); err != nil {
		logger.Warn("jpeg encode failed, passing through", zap.Error(err))
		return img
	}
	return types.ImageSource{
		Type:      "base64",
		MediaType: "image/jpeg",
		Data:      base64.StdEncoding.EncodeToString(buf.Bytes()),
	}
}

// flattenOntoWhite composites the image over a white background so
// transparent scan regions do not render black in JPEG.
func flattenOntoWhite(src image.Image) image.Image {
	if opaque, ok := src.(interface{ Opaque() bool }); ok && opaque.Opaque() {
		return src
	}
	bounds := src.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(out, bounds, src, bounds.Min, draw.Over)
	return out
}

// resolveBoundaries maps pages to students. Priority: explicit student
// mapping, then manual boundary starts with gap filling, then a single
// student owning every page. The second return reports whether the
// result should be confirmed by a human before grading.
func resolveBoundaries(in *Inputs, pageCount int, logger *zap.Logger) ([]StudentBoundary, bool) {
	if len(in.StudentMapping) > 0 {
		if b := boundariesFromMapping(in.StudentMapping, pageCount, logger); len(b) > 0 {
			return b, false
		}
		logger.Warn("student mapping produced no usable boundaries, falling back")
	}
	if len(in.ManualBoundaries) > 0 {
		if b := boundariesFromStarts(in.ManualBoundaries, pageCount, logger); len(b) > 0 {
			return b, true
		}
		logger.Warn("manual boundaries produced no usable boundaries, falling back")
	}
	return []StudentBoundary{singleStudentBoundary(pageCount)}, false
}

func singleStudentBoundary(pageCount int) StudentBoundary {
	pages := make([]int, pageCount)
	for i := range pages {
		pages[i] = i
	}
	end := pageCount - 1
	if end < 0 {
		end = 0
	}
	return StudentBoundary{
		StudentKey: "学生1",
		Pages:      pages,
		StartPage:  0,
		EndPage:    end,
	}
}

func boundariesFromMapping(mapping []StudentMappingEntry, pageCount int, logger *zap.Logger) []StudentBoundary {
	var out []StudentBoundary
	for i, entry := range mapping {
		pages := entry.Pages
		if len(pages) == 0 && entry.StartPage != nil {
			end := pageCount - 1
			if entry.EndPage != nil {
				end = *entry.EndPage
			}
			for pg := *entry.StartPage; pg <= end; pg++ {
				pages = append(pages, pg)
			}
		}
		pages = sanitizePages(pages, pageCount)
		if len(pages) == 0 {
			logger.Warn("student mapping entry has no valid pages, skipping",
				zap.Int("entry", i), zap.String("student_key", entry.StudentKey))
			continue
		}
		key := entry.StudentKey
		if key == "" {
			key = fmt.Sprintf("学生%d", len(out)+1)
		}
		out = append(out, StudentBoundary{
			StudentKey:  key,
			StudentID:   entry.StudentID,
			StudentName: entry.StudentName,
			Pages:       pages,
			StartPage:   pages[0],
			EndPage:     pages[len(pages)-1],
		})
	}
	return out
}

// boundariesFromStarts turns a list of start pages into contiguous
// ranges. A missing leading start is gap-filled with page 0.
func boundariesFromStarts(starts []int, pageCount int, logger *zap.Logger) []StudentBoundary {
	starts = sanitizePages(starts, pageCount)
	if len(starts) == 0 {
		return nil
	}
	if starts[0] != 0 {
		logger.Warn("manual boundaries do not start at page 0, gap-filling",
			zap.Int("first_start", starts[0]))
		starts = append([]int{0}, starts...)
	}
	out := make([]StudentBoundary, 0, len(starts))
	for i, start := range starts {
		end := pageCount - 1
		if i+1 < len(starts) {
			end = starts[i+1] - 1
		}
		pages := make([]int, 0, end-start+1)
		for pg := start; pg <= end; pg++ {
			pages = append(pages, pg)
		}
		out = append(out, StudentBoundary{
			StudentKey:        fmt.Sprintf("学生%d", i+1),
			Pages:             pages,
			StartPage:         start,
			EndPage:           end,
			NeedsConfirmation: true,
		})
	}
	return out
}

// sanitizePages clips indices into [0, pageCount), dedups, and sorts.
func sanitizePages(pages []int, pageCount int) []int {
	seen := make(map[int]bool, len(pages))
	out := make([]int, 0, len(pages))
	for _, pg := range pages {
		if pg < 0 || pg >= pageCount || seen[pg] {
			continue
		}
		seen[pg] = true
		out = append(out, pg)
	}
	sort.Ints(out)
	return out
}
