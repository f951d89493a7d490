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
	"encoding/base64"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/gradeflow/pkg/types"
)

func intPtr(v int) *int { return &v }

func TestResolveBoundariesMappingWins(t *testing.T) {
	in := &Inputs{
		StudentMapping: []StudentMappingEntry{
			{StudentKey: "张三", Pages: []int{1, 0}},
			{StudentKey: "李四", StartPage: intPtr(2), EndPage: intPtr(3)},
		},
		ManualBoundaries: []int{0, 2},
	}
	boundaries, confirm := resolveBoundaries(in, 4, zaptest.NewLogger(t))
	require.Len(t, boundaries, 2)
	assert.False(t, confirm)
	assert.Equal(t, "张三", boundaries[0].StudentKey)
	assert.Equal(t, []int{0, 1}, boundaries[0].Pages, "pages sorted")
	assert.Equal(t, []int{2, 3}, boundaries[1].Pages, "range expanded")
	assert.Equal(t, 2, boundaries[1].StartPage)
	assert.Equal(t, 3, boundaries[1].EndPage)
}

func TestResolveBoundariesSanitizesMapping(t *testing.T) {
	in := &Inputs{
		StudentMapping: []StudentMappingEntry{
			{StudentKey: "张三", Pages: []int{0, 0, -1, 99, 1}},
			{StudentKey: "坏条目", Pages: []int{-5, 100}},
		},
	}
	boundaries, _ := resolveBoundaries(in, 3, zaptest.NewLogger(t))
	require.Len(t, boundaries, 1, "entry with no valid pages is dropped")
	assert.Equal(t, []int{0, 1}, boundaries[0].Pages, "clip, dedup, sort")
}

func TestResolveBoundariesAllInvalidMappingFallsBack(t *testing.T) {
	in := &Inputs{
		StudentMapping: []StudentMappingEntry{
			{StudentKey: "张三", Pages: []int{-1, 50}},
		},
	}
	boundaries, confirm := resolveBoundaries(in, 3, zaptest.NewLogger(t))
	require.Len(t, boundaries, 1)
	assert.False(t, confirm)
	assert.Equal(t, "学生1", boundaries[0].StudentKey)
	assert.Equal(t, []int{0, 1, 2}, boundaries[0].Pages)
}

func TestResolveBoundariesManualStarts(t *testing.T) {
	in := &Inputs{ManualBoundaries: []int{0, 2, 4}}
	boundaries, confirm := resolveBoundaries(in, 6, zaptest.NewLogger(t))
	require.Len(t, boundaries, 3)
	assert.True(t, confirm, "manual boundaries need confirmation")
	assert.Equal(t, "学生1", boundaries[0].StudentKey)
	assert.Equal(t, []int{0, 1}, boundaries[0].Pages)
	assert.Equal(t, []int{2, 3}, boundaries[1].Pages)
	assert.Equal(t, []int{4, 5}, boundaries[2].Pages)
	for _, b := range boundaries {
		assert.True(t, b.NeedsConfirmation)
	}
}

func TestResolveBoundariesManualStartsGapFilled(t *testing.T) {
	in := &Inputs{ManualBoundaries: []int{3}}
	boundaries, _ := resolveBoundaries(in, 5, zaptest.NewLogger(t))
	require.Len(t, boundaries, 2, "missing leading start gap-filled with page 0")
	assert.Equal(t, []int{0, 1, 2}, boundaries[0].Pages)
	assert.Equal(t, []int{3, 4}, boundaries[1].Pages)
}

func TestResolveBoundariesDefaultSingleStudent(t *testing.T) {
	boundaries, confirm := resolveBoundaries(&Inputs{}, 3, zaptest.NewLogger(t))
	require.Len(t, boundaries, 1)
	assert.False(t, confirm)
	assert.Equal(t, "学生1", boundaries[0].StudentKey)
	assert.Equal(t, 0, boundaries[0].StartPage)
	assert.Equal(t, 2, boundaries[0].EndPage)
}

func TestPageBatchBoundaries(t *testing.T) {
	batches := pageBatchBoundaries(5, 2)
	require.Len(t, batches, 3)
	assert.Equal(t, "学生1", batches[0].StudentKey)
	assert.Equal(t, []int{0, 1}, batches[0].Pages)
	assert.Equal(t, []int{4}, batches[2].Pages)

	// Zero batch size means one batch of everything.
	single := pageBatchBoundaries(5, 0)
	require.Len(t, single, 1)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, single[0].Pages)
}

func TestNormalizeImagePassThroughOnGarbage(t *testing.T) {
	src := types.ImageSource{Type: "base64", MediaType: "image/png", Data: "bm90IGFuIGltYWdl"}
	out := normalizeImage(src, zaptest.NewLogger(t))
	assert.Equal(t, src, out, "undecodable image falls back to the original")

	url := types.ImageSource{Type: "url", URL: "https://example.com/p.jpg"}
	assert.Equal(t, url, normalizeImage(url, zaptest.NewLogger(t)))
}

func TestNormalizeImageFlattensAlphaToJPEG(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.NRGBA{R: 0, G: 0, B: 0, A: 255})
		}
		// Right half fully transparent.
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	src := types.ImageSource{
		Type:      "base64",
		MediaType: "image/png",
		Data:      base64.StdEncoding.EncodeToString(buf.Bytes()),
	}
	out := normalizeImage(src, zaptest.NewLogger(t))
	assert.Equal(t, "image/jpeg", out.MediaType)

	decoded, err := base64.StdEncoding.DecodeString(out.Data)
	require.NoError(t, err)
	reimg, format, err := image.Decode(bytes.NewReader(decoded))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)

	// The transparent half must render light, not black.
	r, g, b, _ := reimg.At(6, 4).RGBA()
	assert.Greater(t, r, uint32(0xc000))
	assert.Greater(t, g, uint32(0xc000))
	assert.Greater(t, b, uint32(0xc000))
}

func TestSanitizePages(t *testing.T) {
	assert.Equal(t, []int{0, 2, 3}, sanitizePages([]int{3, 2, 2, 0, -1, 9}, 4))
	assert.Empty(t, sanitizePages([]int{-1, 10}, 4))
}

func TestValidateImage(t *testing.T) {
	assert.NoError(t, validateImage(types.ImageSource{Type: "base64", MediaType: "image/jpeg", Data: "x"}))
	assert.NoError(t, validateImage(types.ImageSource{Type: "url", URL: "https://e.com/a.png"}))
	assert.Error(t, validateImage(types.ImageSource{Type: "base64", MediaType: "image/jpeg"}))
	assert.Error(t, validateImage(types.ImageSource{Type: "url"}))
	assert.Error(t, validateImage(types.ImageSource{Type: "file"}))
}
