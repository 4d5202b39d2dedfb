package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// normalize converts v into the shape produced by decoding JSON
// (map[string]any, []any, float64, string, bool, nil).
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return out, nil
}

func getPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(doc map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	m := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

func deletePath(doc map[string]any, path string) {
	parts := strings.Split(path, ".")
	m := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, parts[len(parts)-1])
}

func applyUpdates(doc map[string]any, updates []Update, now time.Time) error {
	for _, u := range updates {
		if u.Path == "" {
			return fmt.Errorf("docstore: empty update path")
		}
		switch u.kind {
		case updateSet:
			v, err := normalize(u.value)
			if err != nil {
				return err
			}
			setPath(doc, u.Path, v)
		case updateServerTimestamp:
			setPath(doc, u.Path, now.UTC().Format(time.RFC3339Nano))
		case updateDelete:
			deletePath(doc, u.Path)
		case updateArrayAdd, updateArrayRemove:
			vals, err := normalize(u.values)
			if err != nil {
				return err
			}
			cur, _ := getPath(doc, u.Path)
			arr, _ := cur.([]any)
			if u.kind == updateArrayAdd {
				for _, v := range vals.([]any) {
					if !containsValue(arr, v) {
						arr = append(arr, v)
					}
				}
			} else {
				kept := make([]any, 0, len(arr))
				for _, v := range arr {
					if !containsValue(vals.([]any), v) {
						kept = append(kept, v)
					}
				}
				arr = kept
			}
			if arr == nil {
				arr = []any{}
			}
			setPath(doc, u.Path, arr)
		}
	}
	return nil
}

func containsValue(arr []any, v any) bool {
	for _, a := range arr {
		if reflect.DeepEqual(a, v) {
			return true
		}
	}
	return false
}

// compareValues orders two normalized scalars. Strings that both parse as
// RFC 3339 timestamps compare chronologically.
func compareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		if at, err := time.Parse(time.RFC3339Nano, av); err == nil {
			if bt, err := time.Parse(time.RFC3339Nano, bv); err == nil {
				return at.Compare(bt), true
			}
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok || av != bv {
			return 0, false
		}
		return 0, true
	}
	return 0, false
}

func matchFilter(doc map[string]any, f Filter, want any) bool {
	got, ok := getPath(doc, f.Field)
	if !ok {
		return false
	}
	switch f.Op {
	case OpEq:
		if c, ok := compareValues(got, want); ok {
			return c == 0
		}
		return reflect.DeepEqual(got, want)
	case OpLT, OpLTE, OpGT, OpGTE:
		c, ok := compareValues(got, want)
		if !ok {
			return false
		}
		switch f.Op {
		case OpLT:
			return c < 0
		case OpLTE:
			return c <= 0
		case OpGT:
			return c > 0
		default:
			return c >= 0
		}
	case OpIn:
		opts, _ := want.([]any)
		for _, o := range opts {
			if c, ok := compareValues(got, o); ok && c == 0 {
				return true
			}
		}
		return false
	case OpArrayContains:
		arr, _ := got.([]any)
		return containsValue(arr, want)
	}
	return false
}

type matcher struct {
	filters []Filter
	wants   []any
}

func newMatcher(filters []Filter) (*matcher, error) {
	m := &matcher{filters: filters, wants: make([]any, len(filters))}
	for i, f := range filters {
		v, err := normalize(f.Value)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", f.Field, err)
		}
		if f.Op == OpIn {
			if _, ok := v.([]any); !ok {
				return nil, fmt.Errorf("docstore: %q filter on %s needs a slice", OpIn, f.Field)
			}
		}
		m.wants[i] = v
	}
	return m, nil
}

func (m *matcher) match(doc map[string]any) bool {
	for i, f := range m.filters {
		if !matchFilter(doc, f, m.wants[i]) {
			return false
		}
	}
	return true
}
