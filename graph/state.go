// Package graph provides the core workflow graph execution engine for Loom.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"
)

// State is the field-mapped record threaded through graph execution.
//
// Every node receives the full current state and returns a Patch (partial
// state) which is merged back via the Schema's per-field reducers. The
// engine passes state by value between steps: each node gets its own deep
// copy, and no component holds a long-lived mutable reference to "the"
// current state.
//
// Field values must be JSON-serializable for checkpoint persistence.
type State map[string]any

// Patch is a partial state update produced by a node.
//
// Only the fields present in the patch are merged; absent fields are left
// untouched. How a present field merges is decided by the Schema.
type Patch map[string]any

// Merger combines the previous value of a field with a newly written value.
//
// Mergers must be deterministic and side-effect-free: given the same prev
// and next they always return the same result, and they never mutate their
// arguments. This is what makes checkpoint replay reproducible.
type Merger func(prev, next any) any

// ReducerKind selects the built-in merge behavior for a declared field.
type ReducerKind int

const (
	// Replace overwrites the previous value with the patch value.
	// This is the default for undeclared fields.
	Replace ReducerKind = iota

	// Append concatenates the patch value onto the previous slice value.
	// If the patch value is itself a slice its elements are appended
	// individually; otherwise the single value is appended.
	Append

	// Custom applies a user-supplied Merger declared via Schema.Merge.
	Custom
)

// fieldRule is the resolved merge behavior for one declared field.
type fieldRule struct {
	kind  ReducerKind
	merge Merger
}

// Schema declares the state fields and their merge reducers.
//
// Fields not declared default to Replace. Declaring a field matters in two
// places: sequential merges use the declared reducer, and parallel fan-out
// treats two branches writing the same Replace field as a merge conflict
// (see MergeConflictError) while Append and Custom fields merge cleanly.
//
// Example:
//
//	schema := graph.NewSchema().
//	    Field("turns", graph.Replace).
//	    Field("messages", graph.Append).
//	    Merge("score", func(prev, next any) any {
//	        return max(prev.(float64), next.(float64))
//	    })
type Schema struct {
	rules map[string]fieldRule
}

// NewSchema creates an empty Schema.
func NewSchema() *Schema {
	return &Schema{rules: make(map[string]fieldRule)}
}

// Field declares a state field with a built-in reducer (Replace or Append).
// Declaring Custom here is ignored; use Merge for custom reducers.
// Returns the Schema for chaining.
func (s *Schema) Field(name string, kind ReducerKind) *Schema {
	if kind == Custom {
		return s
	}
	s.rules[name] = fieldRule{kind: kind}
	return s
}

// Merge declares a state field with a custom Merger.
// Returns the Schema for chaining.
func (s *Schema) Merge(name string, fn Merger) *Schema {
	s.rules[name] = fieldRule{kind: Custom, merge: fn}
	return s
}

// rule returns the merge behavior for a field, defaulting to Replace.
func (s *Schema) rule(name string) fieldRule {
	if s == nil {
		return fieldRule{kind: Replace}
	}
	if r, ok := s.rules[name]; ok {
		return r
	}
	return fieldRule{kind: Replace}
}

// Apply merges a patch into prev and returns the merged state as a new map.
// prev is never mutated. Patch keys are applied in sorted order so that
// merges are deterministic regardless of map iteration order.
func (s *Schema) Apply(prev State, p Patch) State {
	merged := make(State, len(prev)+len(p))
	for k, v := range prev {
		merged[k] = v
	}

	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		merged[k] = s.mergeField(k, merged[k], p[k])
	}
	return merged
}

// mergeField merges one field value according to its declared rule.
func (s *Schema) mergeField(name string, prev, next any) any {
	r := s.rule(name)
	switch r.kind {
	case Append:
		return appendValue(prev, next)
	case Custom:
		if prev == nil {
			return next
		}
		return r.merge(prev, next)
	default:
		return next
	}
}

// appendValue concatenates next onto prev, normalizing both to []any.
func appendValue(prev, next any) any {
	out := toSlice(prev)
	out = append(out, toSlice(next)...)
	return out
}

// toSlice normalizes a value to []any for Append merging.
func toSlice(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]any, len(t))
		copy(out, t)
		return out
	default:
		return []any{v}
	}
}

// cloneState creates a deep copy of a state using a JSON round-trip.
//
// This works for any state whose field values are JSON-serializable, which
// is already a requirement for checkpoint persistence. Unexported struct
// fields, channels, and functions do not survive the trip; keep such values
// out of state.
func cloneState(s State) (State, error) {
	if s == nil {
		return State{}, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	var copied State
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if copied == nil {
		copied = State{}
	}
	return copied, nil
}

// Int reads an integer field from state, tolerating the float64 that JSON
// round-trips produce. Returns 0 when the field is absent or not numeric.
func (s State) Int(field string) int {
	switch v := s[field].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// String reads a string field from state. Returns "" when the field is
// absent or not a string.
func (s State) String(field string) string {
	if v, ok := s[field].(string); ok {
		return v
	}
	return ""
}

// Slice reads a slice field from state. Returns nil when the field is
// absent or not a slice.
func (s State) Slice(field string) []any {
	if v, ok := s[field].([]any); ok {
		return v
	}
	return nil
}
