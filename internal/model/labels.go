package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultLabels returns a new copy of the labels used when the model metadata
// carries no usable id2label.
func DefaultLabels() LabelMap {
	return LabelMap{0: "ai-generated", 1: "not-ai-generated"}
}

// LabelMap maps a class index to its human-readable label.
type LabelMap map[int]string

// Resolve returns the label for class i, or the stringified index.
func (m LabelMap) Resolve(i int) string {
	if l, ok := m[i]; ok {
		return l
	}
	return strconv.Itoa(i)
}

// ParseLabelMap parses an id2label object. Keys must be base-10 integers and
// values must be strings; entries breaking either rule are dropped and
// reported in the returned error alongside the valid entries. A missing,
// null or non-object value produces an empty map and no error.
func ParseLabelMap(raw json.RawMessage) (LabelMap, error) {
	out := LabelMap{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return out, nil
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return out, fmt.Errorf("id2label is not an object: %w", err)
	}

	var errs []error
	for k, v := range entries {
		idx, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			errs = append(errs, fmt.Errorf("key %q is not an integer", k))
			continue
		}
		var label string
		if err := json.Unmarshal(v, &label); err != nil {
			errs = append(errs, fmt.Errorf("label for key %q is not a string", k))
			continue
		}
		out[idx] = label
	}
	return out, errors.Join(errs...)
}

// LabelsOrDefault returns m, or a fresh DefaultLabels when m is empty. The
// second return value reports whether the fallback was taken.
func LabelsOrDefault(m LabelMap) (LabelMap, bool) {
	if len(m) == 0 {
		return DefaultLabels(), true
	}
	return m, false
}
