package comfy

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"imagerelay/internal/apperrors"
	"math/rand/v2"
	"os"
	"sort"
	"strconv"
)

//go:embed default_workflow.json
var defaultTemplate []byte

// seedRange is the exclusive upper bound of the sampler seed.
const seedRange int64 = 4284967295 * 10000

// Node is one node of a job description.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// Workflow is a job description: node id to node.
type Workflow map[string]*Node

// Input returns a node input, or nil if the node or input is absent.
func (w Workflow) Input(node, input string) any {
	n, ok := w[node]
	if !ok || n.Inputs == nil {
		return nil
	}
	return n.Inputs[input]
}

// Set overrides a node input. The node must exist.
func (w Workflow) Set(node, input string, value any) error {
	n, ok := w[node]
	if !ok {
		return fmt.Errorf("workflow has no node %q", node)
	}
	if n.Inputs == nil {
		n.Inputs = make(map[string]any)
	}
	n.Inputs[input] = value
	return nil
}

// Template is a parsed job description that is never mutated. Build hands
// out independent copies.
type Template struct {
	raw  []byte
	cfg  WorkflowConfig
	seed func() int64
}

// LoadTemplate reads the template named by cfg.TemplatePath, or the embedded
// default, and checks that every override node is present.
func LoadTemplate(cfg WorkflowConfig) (*Template, error) {
	cfg = cfg.withDefaults()

	raw := defaultTemplate
	if cfg.TemplatePath != "" {
		data, err := os.ReadFile(cfg.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read workflow template: %w", err)
		}
		raw = data
	}

	var parsed Workflow
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse workflow template: %w", err)
	}
	for _, id := range []string{cfg.Nodes.Image, cfg.Nodes.Sampler, cfg.Nodes.Prompt, cfg.Nodes.Size} {
		if _, ok := parsed[id]; !ok {
			return nil, fmt.Errorf("workflow template has no node %q", id)
		}
	}

	return &Template{
		raw:  raw,
		cfg:  cfg,
		seed: func() int64 { return rand.Int64N(seedRange) },
	}, nil
}

// Build returns a fresh job description for the uploaded image with the
// per-job overrides applied. The seed is drawn anew on every call.
func (t *Template) Build(imageName string) (Workflow, error) {
	if imageName == "" {
		return nil, apperrors.Validation("imageName", "an uploaded image name is required")
	}

	var wf Workflow
	if err := json.Unmarshal(t.raw, &wf); err != nil {
		return nil, apperrors.Internal("workflow.build", err)
	}

	nodes := t.cfg.Nodes
	overrides := []struct {
		node, input string
		value       any
	}{
		{nodes.Image, "image", t.cfg.ImagePrefix + imageName},
		{nodes.Sampler, "denoise", t.cfg.Denoise},
		{nodes.Sampler, "seed", t.seed()},
		{nodes.Prompt, "text", t.cfg.Prompt},
		{nodes.Size, "width", t.cfg.Width},
		{nodes.Size, "height", t.cfg.Height},
	}
	for _, o := range overrides {
		if err := wf.Set(o.node, o.input, o.value); err != nil {
			return nil, apperrors.Internal("workflow.build", err)
		}
	}
	return wf, nil
}

// sortNodeIDs orders numeric ids by value, then any non-numeric ids
// lexically after them.
func sortNodeIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, aErr := parseNodeID(ids[i])
		b, bErr := parseNodeID(ids[j])
		switch {
		case aErr == nil && bErr == nil:
			if a != b {
				return a < b
			}
			return ids[i] < ids[j]
		case aErr == nil:
			return true
		case bErr == nil:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
}

func parseNodeID(id string) (uint64, error) {
	return strconv.ParseUint(id, 10, 64)
}
