package comfy

import (
	"imagerelay/internal/config"
	"imagerelay/pkg/circuitbreaker"
	"strings"
	"time"
)

// DefaultPrompt is the positive prompt written into the prompt node.
const DefaultPrompt = "猫"

// Config holds backend client configuration.
type Config struct {
	BaseURL          string
	HTTPTimeout      time.Duration // per request (default: 30s)
	MaxResponseBytes int64         // cap on any response body (default: 64 MiB)
	Breaker          circuitbreaker.Config
	Workflow         WorkflowConfig
}

// WorkflowConfig controls how a job description is built from the template.
type WorkflowConfig struct {
	TemplatePath string // empty uses the embedded default
	ImagePrefix  string // prepended to the server image name
	Prompt       string
	Denoise      float64
	Width        int
	Height       int
	Nodes        NodeIDs
}

// NodeIDs names the template nodes that receive per-job overrides.
type NodeIDs struct {
	Image   string // inputs.image
	Sampler string // inputs.seed, inputs.denoise
	Prompt  string // inputs.text
	Size    string // inputs.width, inputs.height
}

// LoadConfigFromEnv loads backend client configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BaseURL:          config.GetEnv("BASE_URL", "http://127.0.0.1:8188"),
		HTTPTimeout:      config.GetDurationEnv("BACKEND_HTTP_TIMEOUT", 30*time.Second),
		MaxResponseBytes: int64(config.GetIntEnv("BACKEND_MAX_RESPONSE_BYTES", 64<<20)),
		Breaker: circuitbreaker.Config{
			Threshold: config.GetIntEnv("BACKEND_BREAKER_THRESHOLD", 5),
			Cooldown:  config.GetDurationEnv("BACKEND_BREAKER_COOLDOWN", 30*time.Second),
		},
		Workflow: WorkflowConfig{
			TemplatePath: config.GetEnv("WORKFLOW_TEMPLATE", ""),
			ImagePrefix:  config.GetEnv("IMAGE_INPUT_PREFIX", "/workspace/ComfyUI/input/"),
			Prompt:       config.GetEnv("WORKFLOW_PROMPT", DefaultPrompt),
			Denoise:      config.GetFloatEnv("WORKFLOW_DENOISE", 1.0),
			Width:        config.GetIntEnv("WORKFLOW_WIDTH", 618),
			Height:       config.GetIntEnv("WORKFLOW_HEIGHT", 884),
			Nodes: NodeIDs{
				Image:   config.GetEnv("WORKFLOW_IMAGE_NODE", "13"),
				Sampler: config.GetEnv("WORKFLOW_SAMPLER_NODE", "3"),
				Prompt:  config.GetEnv("WORKFLOW_PROMPT_NODE", "6"),
				Size:    config.GetEnv("WORKFLOW_SIZE_NODE", "29"),
			},
		},
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "http://127.0.0.1:8188"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = 64 << 20
	}
	c.Workflow = c.Workflow.withDefaults()
	return c
}

func (c WorkflowConfig) withDefaults() WorkflowConfig {
	if c.Prompt == "" {
		c.Prompt = DefaultPrompt
	}
	if c.Denoise <= 0 {
		c.Denoise = 1.0
	}
	if c.Width <= 0 {
		c.Width = 618
	}
	if c.Height <= 0 {
		c.Height = 884
	}
	if c.Nodes.Image == "" {
		c.Nodes.Image = "13"
	}
	if c.Nodes.Sampler == "" {
		c.Nodes.Sampler = "3"
	}
	if c.Nodes.Prompt == "" {
		c.Nodes.Prompt = "6"
	}
	if c.Nodes.Size == "" {
		c.Nodes.Size = "29"
	}
	return c
}
