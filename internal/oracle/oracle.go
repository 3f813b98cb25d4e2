// Package oracle supplies structured optimization plans produced outside
// the control loop (for example by a planning assistant) as files on disk.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoPlan is returned when no plan exists for a target.
var ErrNoPlan = errors.New("no plan")

// Operation is one step of a plan.
type Operation struct {
	Action  string            `yaml:"action" json:"action"` // transform strategy
	Target  string            `yaml:"target" json:"target"` // source file, relative to the project root
	Payload map[string]string `yaml:"payload" json:"payload"`
}

// Plan is a structured plan for one target.
type Plan struct {
	Operations []Operation `yaml:"operations" json:"operations"`
	Tests      []string    `yaml:"tests" json:"tests"`
	Risks      []string    `yaml:"risks" json:"risks"`
}

// Query describes the candidate a plan is requested for.
type Query struct {
	Type   string
	Metric string
}

// Oracle returns a plan for a target.
type Oracle interface {
	PlanFor(ctx context.Context, target string, q Query) (*Plan, error)
}

// Dir reads plans from <dir>/<target>.yaml, .yml or .json.
type Dir struct {
	Path string
}

// PlanFor loads the plan file for target. A missing file yields ErrNoPlan.
func (d Dir) PlanFor(ctx context.Context, target string, _ Query) (*Plan, error) {
	if d.Path == "" {
		return nil, ErrNoPlan
	}
	if strings.ContainsAny(target, `/\`) || strings.HasPrefix(target, ".") {
		return nil, fmt.Errorf("invalid target name %q", target)
	}
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(d.Path, target+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read plan: %w", err)
		}
		var p Plan
		if ext == ".json" {
			err = json.Unmarshal(data, &p)
		} else {
			err = yaml.Unmarshal(data, &p)
		}
		if err != nil {
			return nil, fmt.Errorf("parse plan %s: %w", filepath.Base(path), err)
		}
		return &p, nil
	}
	return nil, ErrNoPlan
}

var _ Oracle = Dir{}
