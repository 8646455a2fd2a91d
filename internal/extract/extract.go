// Package extract finds the variables an expression reads and the variables a
// JSON Patch writes. Malformed input yields an empty result rather than an
// error, so one broken definition never prevents a graph from being built.
package extract

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Reads returns every variable path referenced by var, missing and
// missing_some operations in raw, deduplicated and sorted.
func Reads(raw json.RawMessage) []string {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []string{}
	}
	found := make(map[string]struct{})
	walk(doc, found)
	return sortedKeys(found)
}

// ReadVariables returns the base variable names (first path segment) read by raw.
func ReadVariables(raw json.RawMessage) []string {
	return baseNames(Reads(raw), ".")
}

func walk(node any, found map[string]struct{}) {
	switch t := node.(type) {
	case []any:
		for _, item := range t {
			walk(item, found)
		}
	case map[string]any:
		if len(t) == 1 {
			for op, arg := range t {
				collect(op, arg, found)
			}
		}
		for _, v := range t {
			walk(v, found)
		}
	}
}

func collect(op string, arg any, found map[string]struct{}) {
	switch op {
	case "var":
		switch a := arg.(type) {
		case string:
			add(found, a)
		case []any:
			if len(a) > 0 {
				if s, ok := a[0].(string); ok {
					add(found, s)
				}
			}
		}
	case "missing":
		addStrings(found, arg)
	case "missing_some":
		if a, ok := arg.([]any); ok && len(a) == 2 {
			addStrings(found, a[1])
		}
	}
}

func addStrings(found map[string]struct{}, arg any) {
	switch a := arg.(type) {
	case string:
		add(found, a)
	case []any:
		for _, item := range a {
			if s, ok := item.(string); ok {
				add(found, s)
			}
		}
	}
}

func add(found map[string]struct{}, path string) {
	if path != "" {
		found[path] = struct{}{}
	}
}

// Writes returns the base variable names targeted by a JSON Patch document.
// A move also writes the variable it removes from.
func Writes(patch json.RawMessage) []string {
	ops, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return []string{}
	}

	found := make(map[string]struct{})
	for _, op := range ops {
		if path, err := op.Path(); err == nil {
			if name := pointerBase(path); name != "" {
				found[name] = struct{}{}
			}
		}
		if op.Kind() == "move" {
			if from, err := op.From(); err == nil {
				if name := pointerBase(from); name != "" {
					found[name] = struct{}{}
				}
			}
		}
	}
	return sortedKeys(found)
}

// pointerBase returns the unescaped first token of an RFC 6901 pointer.
func pointerBase(pointer string) string {
	rest, ok := strings.CutPrefix(pointer, "/")
	if !ok {
		return ""
	}
	token, _, _ := strings.Cut(rest, "/")
	token = strings.ReplaceAll(token, "~1", "/")
	return strings.ReplaceAll(token, "~0", "~")
}

func baseNames(paths []string, sep string) []string {
	found := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		base, _, _ := strings.Cut(p, sep)
		if base != "" {
			found[base] = struct{}{}
		}
	}
	return sortedKeys(found)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	out = slices.AppendSeq(out, maps.Keys(m))
	slices.Sort(out)
	return out
}
