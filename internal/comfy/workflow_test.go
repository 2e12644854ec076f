package comfy

import (
	"encoding/json"
	"errors"
	"imagerelay/internal/apperrors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func testWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{ImagePrefix: "/workspace/ComfyUI/input/"}.withDefaults()
}

func TestTemplate_BuildAppliesOverrides(t *testing.T) {
	t.Parallel()
	tmpl, err := LoadTemplate(testWorkflowConfig())
	if err != nil {
		t.Fatalf("LoadTemplate failed: %v", err)
	}
	tmpl.seed = func() int64 { return 1234 }

	wf, err := tmpl.Build("img_1.png")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	tests := []struct {
		node, input string
		want        any
	}{
		{"13", "image", "/workspace/ComfyUI/input/img_1.png"},
		{"3", "denoise", 1.0},
		{"3", "seed", int64(1234)},
		{"6", "text", DefaultPrompt},
		{"29", "width", 618},
		{"29", "height", 884},
	}
	for _, tt := range tests {
		if got := wf.Input(tt.node, tt.input); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("node %s input %s = %v (%T), want %v (%T)", tt.node, tt.input, got, got, tt.want, tt.want)
		}
	}

	// untouched inputs survive
	if got := wf.Input("3", "steps"); got != float64(25) {
		t.Errorf("expected steps to be kept from template, got %v", got)
	}
}

func TestTemplate_BuildReturnsIndependentCopies(t *testing.T) {
	t.Parallel()
	tmpl, _ := LoadTemplate(testWorkflowConfig())

	a, _ := tmpl.Build("a.png")
	b, _ := tmpl.Build("b.png")
	a.Set("6", "text", "dog")

	if b.Input("6", "text") != DefaultPrompt {
		t.Error("mutating one workflow must not affect another")
	}
	if b.Input("13", "image") != "/workspace/ComfyUI/input/b.png" {
		t.Errorf("unexpected image for b: %v", b.Input("13", "image"))
	}

	c, _ := tmpl.Build("c.png")
	if c.Input("6", "text") != DefaultPrompt {
		t.Error("template was mutated by a previous build")
	}
}

func TestTemplate_SeedRerolledWithinRange(t *testing.T) {
	t.Parallel()
	tmpl, _ := LoadTemplate(testWorkflowConfig())

	seen := make(map[int64]bool)
	for i := 0; i < 50; i++ {
		wf, _ := tmpl.Build("x.png")
		seed := wf.Input("3", "seed").(int64)
		if seed < 0 || seed >= seedRange {
			t.Fatalf("seed %d out of range", seed)
		}
		seen[seed] = true
	}
	if len(seen) < 2 {
		t.Error("expected seed to vary across builds")
	}
}

func TestTemplate_BuildRequiresImageName(t *testing.T) {
	t.Parallel()
	tmpl, _ := LoadTemplate(testWorkflowConfig())

	if _, err := tmpl.Build(""); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestLoadTemplate_FromFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	valid := map[string]any{
		"1": map[string]any{"class_type": "LoadImage", "inputs": map[string]any{}},
		"2": map[string]any{"class_type": "KSampler", "inputs": map[string]any{}},
		"3": map[string]any{"class_type": "CLIPTextEncode", "inputs": map[string]any{}},
		"4": map[string]any{"class_type": "ImageScale", "inputs": map[string]any{}},
	}
	data, _ := json.Marshal(valid)
	path := filepath.Join(dir, "wf.json")
	os.WriteFile(path, data, 0o644)

	cfg := WorkflowConfig{TemplatePath: path, Nodes: NodeIDs{Image: "1", Sampler: "2", Prompt: "3", Size: "4"}}
	tmpl, err := LoadTemplate(cfg)
	if err != nil {
		t.Fatalf("LoadTemplate failed: %v", err)
	}
	wf, err := tmpl.Build("in.png")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if wf.Input("1", "image") != "in.png" {
		t.Errorf("unexpected image input %v", wf.Input("1", "image"))
	}
}

func TestLoadTemplate_Errors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	broken := filepath.Join(dir, "broken.json")
	os.WriteFile(broken, []byte("{not json"), 0o644)

	tests := []struct {
		name string
		cfg  WorkflowConfig
	}{
		{"missing file", WorkflowConfig{TemplatePath: filepath.Join(dir, "nope.json")}},
		{"invalid json", WorkflowConfig{TemplatePath: broken}},
		{"missing override node", WorkflowConfig{Nodes: NodeIDs{Image: "999"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadTemplate(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWorkflow_SetMissingNode(t *testing.T) {
	t.Parallel()
	wf := Workflow{"1": {ClassType: "X"}}

	if err := wf.Set("2", "a", 1); err == nil {
		t.Error("expected error for missing node")
	}
	if err := wf.Set("1", "a", 1); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if wf.Input("1", "a") != 1 {
		t.Error("expected input to be set on node with nil inputs")
	}
}

func TestSortNodeIDs(t *testing.T) {
	t.Parallel()
	ids := []string{"29", "3", "save", "13", "100", "9"}
	sortNodeIDs(ids)

	want := []string{"3", "9", "13", "29", "100", "save"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("got %v, want %v", ids, want)
	}
}
