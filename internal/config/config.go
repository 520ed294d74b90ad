package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models packline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Storage struct {
		DataDir string `yaml:"data_dir"`
	} `yaml:"storage"`
	Tool struct {
		Bin string `yaml:"bin"`
	} `yaml:"tool"`
	Upload struct {
		MaxSizeBytes  int64  `yaml:"max_size_bytes"`
		RequiredEntry string `yaml:"required_entry"`
	} `yaml:"upload"`
	Tasks struct {
		Workers int `yaml:"workers"`
	} `yaml:"tasks"`
}

// Load reads and validates config from the workspace, falling back to
// defaults when no file exists.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(workspace), nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = filepath.Join(workspace, "data")
	}
	return cfg, nil
}

// Validate ensures the config meets the required structure.
func (c *Config) Validate() error {
	if c.Upload.MaxSizeBytes < 0 {
		return fmt.Errorf("config.upload.max_size_bytes must not be negative")
	}
	if c.Tasks.Workers < 0 {
		return fmt.Errorf("config.tasks.workers must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "packline.yml")
}

// Default returns the default Config for a workspace.
func Default(workspace string) *Config {
	var cfg Config
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Server.BasePath = "/v1"
	cfg.Storage.DataDir = filepath.Join(workspace, "data")
	cfg.Tool.Bin = "apktool"
	cfg.Upload.MaxSizeBytes = 500 * 1024 * 1024
	cfg.Upload.RequiredEntry = "AndroidManifest.xml"
	cfg.Tasks.Workers = 4
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes, filling
// defaults for anything unset.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default(".")
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

// GenerateDefault returns the default config YAML for a workspace.
func GenerateDefault(workspace string) string {
	return fmt.Sprintf(defaultTemplate, filepath.Join(workspace, "data"))
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

storage:
  data_dir: %s

tool:
  # apktool-compatible binary used for unpack (d) and repack (b)
  bin: apktool

upload:
  max_size_bytes: 524288000
  required_entry: AndroidManifest.xml

tasks:
  workers: 4
`
