package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models veristage.yml.
type Config struct {
	Issuer struct {
		ID string `yaml:"id"`
	} `yaml:"issuer"`
	Methodology struct {
		Version string `yaml:"version"`
	} `yaml:"methodology"`
	Scorer struct {
		Kind     string             `yaml:"kind"`
		Version  string             `yaml:"version"`
		Endpoint string             `yaml:"endpoint,omitempty"`
		Static   map[string]float64 `yaml:"static,omitempty"`
	} `yaml:"scorer"`
	Datasets struct {
		Dir string `yaml:"dir"`
	} `yaml:"datasets"`
	Evidence struct {
		Dir string `yaml:"dir"`
	} `yaml:"evidence"`
	Adapters map[string]AdapterConfig `yaml:"adapters"`
	Invocation struct {
		TimeoutSeconds float64 `yaml:"timeout_seconds"`
		RetryCount     int     `yaml:"retry_count"`
		BackoffSeconds float64 `yaml:"backoff_seconds"`
		SanitizeInput  bool    `yaml:"sanitize_input"`
	} `yaml:"invocation"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type AdapterConfig struct {
	Kind     string `yaml:"kind"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events,omitempty"`
	Secret string   `yaml:"secret,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with vst init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Issuer.ID == "" {
		return fmt.Errorf("config.issuer.id is required")
	}
	if c.Methodology.Version == "" {
		return fmt.Errorf("config.methodology.version is required")
	}
	switch c.Scorer.Kind {
	case "static":
	case "http":
		if strings.TrimSpace(c.Scorer.Endpoint) == "" {
			return fmt.Errorf("config.scorer.endpoint is required for http scorer")
		}
	case "":
		return fmt.Errorf("config.scorer.kind is required")
	default:
		return fmt.Errorf("config.scorer.kind must be 'static' or 'http', got %q", c.Scorer.Kind)
	}
	if c.Scorer.Version == "" {
		return fmt.Errorf("config.scorer.version is required")
	}
	for name, a := range c.Adapters {
		if name == "" {
			return fmt.Errorf("config.adapters contains empty adapter name")
		}
		switch a.Kind {
		case "http":
			if strings.TrimSpace(a.Endpoint) == "" {
				return fmt.Errorf("adapter %s is http but has no endpoint", name)
			}
		case "local", "mock":
		default:
			return fmt.Errorf("adapter %s has unknown kind %q", name, a.Kind)
		}
	}
	if c.Invocation.TimeoutSeconds < 0 {
		return fmt.Errorf("config.invocation.timeout_seconds must not be negative")
	}
	if c.Invocation.RetryCount < 0 {
		return fmt.Errorf("config.invocation.retry_count must not be negative")
	}
	for i, w := range c.Webhooks {
		if strings.TrimSpace(w.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "veristage.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(issuerID string) string {
	return fmt.Sprintf(defaultTemplate, issuerID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an issuer.
func Default(issuerID string) *Config {
	var cfg Config
	cfg.Issuer.ID = issuerID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, issuerID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Invocation
// defaults are preset before decoding, so a config that omits the
// section (or single keys in it) still gets timeout 30s, two retries,
// 1s backoff and input sanitizing.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	cfg.Invocation.TimeoutSeconds = 30
	cfg.Invocation.RetryCount = 2
	cfg.Invocation.BackoffSeconds = 1
	cfg.Invocation.SanitizeInput = true
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `issuer:
  id: %s

methodology:
  version: "1.0.0"

scorer:
  kind: static
  version: "static-0.0.0"

datasets:
  dir: datasets

evidence:
  dir: evidence

adapters:
  local:
    kind: local
  mock:
    kind: mock

invocation:
  timeout_seconds: 30
  retry_count: 2
  backoff_seconds: 1
  sanitize_input: true
`
