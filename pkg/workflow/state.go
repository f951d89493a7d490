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

// Package workflow implements a checkpointed stage-graph engine. A
// workflow instance owns a single state mapping; stages are functions
// that return deltas, and every field merges through a declared
// reducer. The engine threads state through the graph, checkpoints at
// stage boundaries, fans out parallel work units, and suspends at
// human interrupt points.
package workflow

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Reducer declares how concurrent or sequential writes to a state
// field merge. Fields without a declared reducer use LastWriteWins.
type Reducer int

const (
	// LastWriteWins replaces the previous value.
	LastWriteWins Reducer = iota
	// Append concatenates list values in merge order.
	Append
	// UniqueAppend appends list values de-duplicated by an id key;
	// a duplicate id replaces the earlier entry (last write wins).
	UniqueAppend
)

// FieldSpec declares the reducer for one state field.
type FieldSpec struct {
	Reducer Reducer

	// IDKey names the identity field for UniqueAppend entries. Entries
	// are JSON objects (or structs with matching tags).
	IDKey string
}

// Schema maps state field names to their reducer declarations.
type Schema map[string]FieldSpec

// State is the workflow state mapping. Values must be JSON
// serializable; checkpointing round-trips the whole mapping.
type State map[string]interface{}

// Delta is a set of field updates returned by a stage. Deltas merge
// into state through the schema's reducers; stages never mutate the
// state they were handed.
type Delta map[string]interface{}

// Get returns the raw value for a field.
func (s State) Get(key string) (interface{}, bool) {
	v, ok := s[key]
	return v, ok
}

// GetString returns a string field, or "".
func (s State) GetString(key string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return ""
}

// GetFloat returns a numeric field as float64, or 0.
func (s State) GetFloat(key string) float64 {
	switch v := s[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// GetBool returns a bool field, or false.
func (s State) GetBool(key string) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return false
}

// Clone returns a copy of the state mapping. The copy is shallow at
// the value level: stages treat values as immutable and return new
// values in deltas, so sharing is safe (copy-on-write discipline).
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge applies a delta to a copy of the state using the schema's
// reducers and returns the new state. The receiver is not modified.
func (s State) Merge(schema Schema, delta Delta, logger *zap.Logger) (State, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := s.Clone()
	for key, value := range delta {
		spec := schema[key]
		switch spec.Reducer {
		case LastWriteWins:
			out[key] = value

		case Append:
			merged, err := appendLists(out[key], value)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", key, err)
			}
			out[key] = merged

		case UniqueAppend:
			merged, err := uniqueAppend(out[key], value, spec.IDKey, logger, key)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", key, err)
			}
			out[key] = merged

		default:
			return nil, fmt.Errorf("field %s: unknown reducer %d", key, spec.Reducer)
		}
	}
	return out, nil
}

// toList coerces a state value into a []interface{}. Nil becomes an
// empty list; a non-list single value becomes a one-element list.
func toList(v interface{}) []interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return t
	default:
		return []interface{}{t}
	}
}

func appendLists(existing, incoming interface{}) ([]interface{}, error) {
	out := append([]interface{}{}, toList(existing)...)
	return append(out, toList(incoming)...), nil
}

// entryID extracts the identity key from a list entry. Entries may be
// map[string]interface{} (rehydrated state) or structs, in which case
// the JSON representation is consulted.
func entryID(entry interface{}, idKey string) (string, error) {
	if m, ok := entry.(map[string]interface{}); ok {
		if id, ok := m[idKey].(string); ok {
			return id, nil
		}
		return "", fmt.Errorf("entry missing id key %q", idKey)
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("entry not serializable: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("entry is not an object: %w", err)
	}
	if id, ok := m[idKey].(string); ok {
		return id, nil
	}
	return "", fmt.Errorf("entry missing id key %q", idKey)
}

func uniqueAppend(existing, incoming interface{}, idKey string, logger *zap.Logger, field string) ([]interface{}, error) {
	out := make([]interface{}, 0)
	index := make(map[string]int)

	add := func(entry interface{}) error {
		id, err := entryID(entry, idKey)
		if err != nil {
			return err
		}
		if pos, dup := index[id]; dup {
			// Replacement is the reducer's contract: whole-list
			// rewrites and rescheduled workers land here on every
			// healthy run.
			logger.Debug("Entry replaced during reduction",
				zap.String("field", field),
				zap.String(idKey, id))
			out[pos] = entry
			return nil
		}
		index[id] = len(out)
		out = append(out, entry)
		return nil
	}

	for _, entry := range toList(existing) {
		if err := add(entry); err != nil {
			return nil, err
		}
	}
	for _, entry := range toList(incoming) {
		if err := add(entry); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MarshalState serializes the state for checkpointing.
func MarshalState(s State) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState restores a serialized state. Typed values degrade to
// generic JSON values; pipelines rehydrate typed fields through their
// own accessors.
func UnmarshalState(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	return s, nil
}
