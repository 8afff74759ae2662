// Package store reads workflow configuration. The gateway only reads; the
// write methods exist for seeding and tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Hermes/pkg/model"
)

// ErrNotFound is returned when a lookup matches nothing
var ErrNotFound = errors.New("store: not found")

// Repository is the configuration lookup used during dispatch
type Repository interface {
	FindWorkflowByRoute(ctx context.Context, route string) (*model.Workflow, error)
	FindNodeByID(ctx context.Context, id int64) (*model.WorkflowNode, error)
	FindRules(ctx context.Context, nodeID int64, phase model.Phase) ([]model.ParamMappingRule, error)
}

// Writer seeds a repository
type Writer interface {
	SaveWorkflow(ctx context.Context, wf *model.Workflow) error
	SaveNode(ctx context.Context, node *model.WorkflowNode) error
	SaveRules(ctx context.Context, rules ...model.ParamMappingRule) error
}

// Fixture is a complete configuration set, as read from a YAML or JSON file
type Fixture struct {
	Workflows []model.Workflow         `json:"workflows"`
	Nodes     []model.WorkflowNode     `json:"nodes"`
	Rules     []model.ParamMappingRule `json:"rules"`
}

// LoadFixture parses YAML (a JSON document is valid YAML). Values pass through
// encoding/json so enum decoding matches the JSON path, and metaInfo may be
// written as a nested mapping.
func LoadFixture(r io.Reader) (*Fixture, error) {
	var raw map[string]any
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return &Fixture{}, nil
		}
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}

	nodes, _ := raw["nodes"].([]any)
	for _, n := range nodes {
		if m, ok := n.(map[string]any); ok {
			if s, isString := m["metaInfo"].(string); isString {
				m["metaInfo"] = json.RawMessage(s)
			}
		}
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert fixture: %w", err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode fixture: %w", err)
	}
	return &f, nil
}

// Seed writes every entry of f to w
func Seed(ctx context.Context, w Writer, f *Fixture) error {
	for i := range f.Workflows {
		if err := w.SaveWorkflow(ctx, &f.Workflows[i]); err != nil {
			return err
		}
	}
	for i := range f.Nodes {
		if err := w.SaveNode(ctx, &f.Nodes[i]); err != nil {
			return err
		}
	}
	if len(f.Rules) > 0 {
		return w.SaveRules(ctx, f.Rules...)
	}
	return nil
}
