// Package packagehash computes a canonical, order-independent structural
// hash over a Package's content and version, used to detect when an
// Expectation's definition changed between two ingest calls.
package packagehash

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
)

// Compute returns the canonical hash of v: v is marshalled to JSON with all
// map keys recursively sorted, then hashed with FNV-1a. Two values that are
// structurally equal (regardless of map key iteration order) hash equal.
func Compute(v interface{}) (string, error) {
	canonical, err := canonicalize(v)
	if err != nil {
		return "", fmt.Errorf("packagehash: canonicalize: %w", err)
	}

	b, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("packagehash: marshal: %w", err)
	}

	h := fnv.New128a()
	_, _ = h.Write(b)
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// MustCompute panics if Compute fails. Intended for use with values known to
// be JSON-marshalable, such as the package manager's own types.
func MustCompute(v interface{}) string {
	h, err := Compute(v)
	if err != nil {
		panic(err)
	}
	return h
}

// canonicalize round-trips v through JSON to obtain a generic representation
// (map[string]interface{}, []interface{}, scalars), then sorts map keys
// recursively so the subsequent marshal is order-independent.
func canonicalize(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic interface{}
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}

	return sortValue(generic), nil
}

func sortValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		ordered := make([]sortedEntry, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, sortedEntry{Key: k, Value: sortValue(val[k])})
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sortValue(item)
		}
		return out
	default:
		return val
	}
}

// sortedEntry marshals as a two-element array so that key order in the
// resulting JSON is stable (Go's map marshalling already sorts keys, but we
// avoid depending on that and keep nested maps as explicit ordered pairs).
type sortedEntry struct {
	Key   string
	Value interface{}
}

func (e sortedEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{e.Key, e.Value})
}
