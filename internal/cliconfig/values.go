// Package cliconfig implements the config and doctor commands: dotted-path
// access to the config file and setup diagnostics.
package cliconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/KafClaw/autotune/internal/config"
)

// segment is one step of a dotted path: a map key, or an array index when
// key is empty.
type segment struct {
	key   string
	index int
}

func (s segment) isIndex() bool { return s.key == "" }

// splitPath parses "a.b[0].c" into segments.
func splitPath(path string) ([]segment, error) {
	path = strings.TrimSpace(path)
	var out []segment
	for _, part := range strings.Split(path, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, rest, _ := strings.Cut(part, "[")
		if key = strings.TrimSpace(key); key != "" {
			out = append(out, segment{key: key})
		}
		if rest == "" {
			continue
		}
		for _, idx := range strings.Split("["+rest, "[")[1:] {
			raw, tail, ok := strings.Cut(idx, "]")
			if !ok || strings.TrimSpace(tail) != "" {
				return nil, fmt.Errorf("invalid path %q: malformed index", path)
			}
			n, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid path %q: bad index %q", path, raw)
			}
			out = append(out, segment{index: n})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("path is empty")
	}
	return out, nil
}

// parseValue decodes raw as JSON, falling back to a plain string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func lookup(node any, segs []segment) (any, bool) {
	for _, s := range segs {
		if s.isIndex() {
			arr, ok := node.([]any)
			if !ok || s.index >= len(arr) {
				return nil, false
			}
			node = arr[s.index]
			continue
		}
		obj, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		if node, ok = obj[s.key]; !ok {
			return nil, false
		}
	}
	return node, true
}

// assign returns node with value stored at segs, creating intermediate
// objects and growing arrays as needed.
func assign(node any, segs []segment, value any) any {
	if len(segs) == 0 {
		return value
	}
	s := segs[0]
	if s.isIndex() {
		arr, _ := node.([]any)
		for len(arr) <= s.index {
			arr = append(arr, nil)
		}
		arr[s.index] = assign(arr[s.index], segs[1:], value)
		return arr
	}
	obj, ok := node.(map[string]any)
	if !ok || obj == nil {
		obj = map[string]any{}
	}
	obj[s.key] = assign(obj[s.key], segs[1:], value)
	return obj
}

// remove deletes the value at segs and reports whether anything changed.
func remove(node any, segs []segment) (any, bool) {
	s, last := segs[0], len(segs) == 1
	if s.isIndex() {
		arr, ok := node.([]any)
		if !ok || s.index >= len(arr) {
			return node, false
		}
		if last {
			return append(arr[:s.index], arr[s.index+1:]...), true
		}
		child, changed := remove(arr[s.index], segs[1:])
		arr[s.index] = child
		return arr, changed
	}
	obj, ok := node.(map[string]any)
	if !ok {
		return node, false
	}
	child, ok := obj[s.key]
	if !ok {
		return node, false
	}
	if last {
		delete(obj, s.key)
		return obj, true
	}
	child, changed := remove(child, segs[1:])
	obj[s.key] = child
	return obj, changed
}

// Get returns the effective value (defaults, file and environment merged)
// at path.
func Get(path string) (any, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	v, ok := lookup(m, segs)
	if !ok {
		return nil, fmt.Errorf("path not found: %s", path)
	}
	return v, nil
}

// Set stores rawValue (JSON, or a plain string) at path in the config file.
func Set(path, rawValue string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	m, cfgPath, err := readFile()
	if err != nil {
		return err
	}
	root, ok := assign(m, segs, parseValue(rawValue)).(map[string]any)
	if !ok {
		return fmt.Errorf("config root must be an object")
	}
	return writeFile(cfgPath, root)
}

// Unset removes path from the config file.
func Unset(path string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	m, cfgPath, err := readFile()
	if err != nil {
		return err
	}
	root, changed := remove(m, segs)
	if !changed {
		return fmt.Errorf("path not found: %s", path)
	}
	return writeFile(cfgPath, root.(map[string]any))
}

func readFile() (map[string]any, string, error) {
	cfgPath, err := config.ConfigPath()
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(cfgPath)
	if os.IsNotExist(err) {
		return map[string]any{}, cfgPath, nil
	}
	if err != nil {
		return nil, "", err
	}
	m := map[string]any{}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, "", fmt.Errorf("parse %s: %w", cfgPath, err)
		}
	}
	return m, cfgPath, nil
}

func writeFile(cfgPath string, m map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(cfgPath, append(data, '\n'), 0o600)
}
