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

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestStateMergeLastWriteWins(t *testing.T) {
	logger := zaptest.NewLogger(t)
	schema := Schema{"rubric": {Reducer: LastWriteWins}}

	s := State{"rubric": "v1"}
	merged, err := s.Merge(schema, Delta{"rubric": "v2"}, logger)
	require.NoError(t, err)

	assert.Equal(t, "v2", merged["rubric"])
	assert.Equal(t, "v1", s["rubric"], "receiver must not be mutated")
}

func TestStateMergeUndeclaredFieldDefaultsToLastWriteWins(t *testing.T) {
	logger := zaptest.NewLogger(t)
	s := State{}
	merged, err := s.Merge(Schema{}, Delta{"batch_id": "b-1"}, logger)
	require.NoError(t, err)
	assert.Equal(t, "b-1", merged["batch_id"])
}

func TestStateMergeAppend(t *testing.T) {
	logger := zaptest.NewLogger(t)
	schema := Schema{"errors": {Reducer: Append}}

	s := State{"errors": []interface{}{"e1"}}
	merged, err := s.Merge(schema, Delta{"errors": []interface{}{"e2", "e3"}}, logger)
	require.NoError(t, err)

	assert.Equal(t, []interface{}{"e1", "e2", "e3"}, merged["errors"])
	assert.Len(t, s["errors"], 1, "receiver must not be mutated")
}

func TestStateMergeAppendToNil(t *testing.T) {
	logger := zaptest.NewLogger(t)
	schema := Schema{"errors": {Reducer: Append}}

	merged, err := State{}.Merge(schema, Delta{"errors": []interface{}{"e1"}}, logger)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"e1"}, merged["errors"])
}

func TestStateMergeUniqueAppendDeduplicates(t *testing.T) {
	logger := zaptest.NewLogger(t)
	schema := Schema{"student_results": {Reducer: UniqueAppend, IDKey: "student_key"}}

	s := State{"student_results": []interface{}{
		map[string]interface{}{"student_key": "学生1", "score": 5.0},
		map[string]interface{}{"student_key": "学生2", "score": 7.0},
	}}
	merged, err := s.Merge(schema, Delta{"student_results": []interface{}{
		map[string]interface{}{"student_key": "学生1", "score": 9.0},
	}}, logger)
	require.NoError(t, err)

	results, ok := merged["student_results"].([]interface{})
	require.True(t, ok)
	require.Len(t, results, 2, "duplicate key must replace, not append")

	first := results[0].(map[string]interface{})
	assert.Equal(t, "学生1", first["student_key"])
	assert.Equal(t, 9.0, first["score"], "last write wins on duplicate id")
	assert.Equal(t, "学生2", results[1].(map[string]interface{})["student_key"])
}

func TestStateMergeUniqueAppendReplacementLogsAtDebug(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	schema := Schema{"student_results": {Reducer: UniqueAppend, IDKey: "student_key"}}

	s := State{"student_results": []interface{}{
		map[string]interface{}{"student_key": "学生1", "score": 5.0},
	}}
	// Whole-list rewrites replace every entry on healthy runs; that
	// must not surface above debug.
	_, err := s.Merge(schema, Delta{"student_results": []interface{}{
		map[string]interface{}{"student_key": "学生1", "score": 9.0},
	}}, logger)
	require.NoError(t, err)

	for _, entry := range logs.All() {
		assert.LessOrEqual(t, entry.Level, zap.DebugLevel,
			"replacement logged at %s: %s", entry.Level, entry.Message)
	}
	require.NotEmpty(t, logs.FilterMessage("Entry replaced during reduction").All())
}

func TestStateMergeUniqueAppendPreservesFirstPosition(t *testing.T) {
	logger := zaptest.NewLogger(t)
	schema := Schema{"items": {Reducer: UniqueAppend, IDKey: "id"}}

	merged, err := State{}.Merge(schema, Delta{"items": []interface{}{
		map[string]interface{}{"id": "a", "v": 1.0},
		map[string]interface{}{"id": "b", "v": 2.0},
		map[string]interface{}{"id": "a", "v": 3.0},
	}}, logger)
	require.NoError(t, err)

	items := merged["items"].([]interface{})
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].(map[string]interface{})["id"])
	assert.Equal(t, 3.0, items[0].(map[string]interface{})["v"])
	assert.Equal(t, "b", items[1].(map[string]interface{})["id"])
}

func TestStateMergeUniqueAppendStructEntries(t *testing.T) {
	type result struct {
		StudentKey string  `json:"student_key"`
		Score      float64 `json:"score"`
	}
	logger := zaptest.NewLogger(t)
	schema := Schema{"student_results": {Reducer: UniqueAppend, IDKey: "student_key"}}

	merged, err := State{}.Merge(schema, Delta{"student_results": []interface{}{
		result{StudentKey: "学生1", Score: 5},
		result{StudentKey: "学生1", Score: 8},
	}}, logger)
	require.NoError(t, err)
	assert.Len(t, merged["student_results"], 1)
}

func TestStateMergeUniqueAppendMissingIDKey(t *testing.T) {
	logger := zaptest.NewLogger(t)
	schema := Schema{"items": {Reducer: UniqueAppend, IDKey: "id"}}

	_, err := State{}.Merge(schema, Delta{"items": []interface{}{
		map[string]interface{}{"name": "no id"},
	}}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id")
}

func TestStateCloneIsIndependent(t *testing.T) {
	s := State{"a": 1, "b": "x"}
	c := s.Clone()
	c["a"] = 2
	assert.Equal(t, 1, s["a"])
}

func TestStateAccessors(t *testing.T) {
	s := State{
		"name":  "batch-1",
		"score": 7.5,
		"count": 3,
		"done":  true,
	}
	assert.Equal(t, "batch-1", s.GetString("name"))
	assert.Equal(t, "", s.GetString("missing"))
	assert.Equal(t, 7.5, s.GetFloat("score"))
	assert.Equal(t, 3.0, s.GetFloat("count"))
	assert.Equal(t, 0.0, s.GetFloat("missing"))
	assert.True(t, s.GetBool("done"))
	assert.False(t, s.GetBool("missing"))
}

func TestStateMarshalRoundTrip(t *testing.T) {
	s := State{
		"batch_id": "b-1",
		"results": []interface{}{
			map[string]interface{}{"student_key": "学生1", "score": 8.5},
		},
	}
	raw, err := MarshalState(s)
	require.NoError(t, err)

	restored, err := UnmarshalState(raw)
	require.NoError(t, err)
	assert.Equal(t, "b-1", restored.GetString("batch_id"))

	results := restored["results"].([]interface{})
	require.Len(t, results, 1)
	assert.Equal(t, 8.5, results[0].(map[string]interface{})["score"])
}

func TestUnmarshalStateRejectsGarbage(t *testing.T) {
	_, err := UnmarshalState([]byte("{not json"))
	require.Error(t, err)
}
