package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"waveline/internal/fsio"
)

// Config models waveline.yml.
type Config struct {
	Registry struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"registry"`
	Tool struct {
		Binary       string  `yaml:"binary"`
		Model        string  `yaml:"model"`
		Temperature  float64 `yaml:"temperature"`
		MaxTokens    int     `yaml:"max_tokens"`
		ApprovalMode string  `yaml:"approval_mode"`
	} `yaml:"tool"`
	Limits struct {
		PerMinute int `yaml:"per_minute"`
		PerDay    int `yaml:"per_day"`
		Burst     int `yaml:"burst"`
	} `yaml:"limits"`
	Retry struct {
		BaseSeconds int `yaml:"base_seconds"`
		CapSeconds  int `yaml:"cap_seconds"`
	} `yaml:"retry"`
	Lock struct {
		TTLMinutes int `yaml:"ttl_minutes"`
	} `yaml:"lock"`
	Cleanup struct {
		KeepDays        int  `yaml:"keep_days"`
		RequireCleanGit bool `yaml:"require_clean_git"`
	} `yaml:"cleanup"`
	Notify struct {
		OnSuccess string `yaml:"on_success"`
		OnFailure string `yaml:"on_failure"`
	} `yaml:"notify"`
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "waveline.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Defaults fill
// any field the file leaves unset.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Registry.Backend {
	case "yaml", "sqlite":
	default:
		return fmt.Errorf("config.registry.backend must be 'yaml' or 'sqlite', got %q", c.Registry.Backend)
	}
	if c.Registry.Backend == "yaml" && c.Registry.Path == "" {
		return fmt.Errorf("config.registry.path is required for the yaml backend")
	}
	if c.Tool.Binary == "" {
		return fmt.Errorf("config.tool.binary is required")
	}
	if c.Limits.PerMinute <= 0 {
		return fmt.Errorf("config.limits.per_minute must be positive")
	}
	if c.Limits.PerDay < c.Limits.PerMinute {
		return fmt.Errorf("config.limits.per_day must be >= per_minute")
	}
	if c.Limits.Burst < 0 {
		return fmt.Errorf("config.limits.burst must not be negative")
	}
	if c.Retry.BaseSeconds <= 0 || c.Retry.CapSeconds < c.Retry.BaseSeconds {
		return fmt.Errorf("config.retry base/cap seconds invalid")
	}
	if c.Lock.TTLMinutes <= 0 {
		return fmt.Errorf("config.lock.ttl_minutes must be positive")
	}
	if c.Cleanup.KeepDays <= 0 {
		return fmt.Errorf("config.cleanup.keep_days must be positive")
	}
	return nil
}

// Fingerprint returns a digest of the run-relevant settings, recorded on
// ledger entries so a run is traceable to the parameters that produced it.
func (c *Config) Fingerprint() string {
	data, _ := yaml.Marshal(c)
	return fsio.HashBytes(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `registry:
  backend: yaml
  path: registry.yml

tool:
  binary: gemini
  model: gemini-2.5-flash
  temperature: 0.35
  max_tokens: 4096
  approval_mode: yolo

limits:
  per_minute: 8
  per_day: 240
  burst: 8

retry:
  base_seconds: 2
  cap_seconds: 60

lock:
  ttl_minutes: 120

cleanup:
  keep_days: 30
  require_clean_git: true

notify:
  on_success: ""
  on_failure: ""

server:
  addr: "127.0.0.1:8787"
  jwt_secret: ""
`
