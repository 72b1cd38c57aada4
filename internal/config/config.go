package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models rotaro.yml.
type Config struct {
	Source struct {
		File string `yaml:"file"`
	} `yaml:"source"`
	Driver struct {
		Interval    time.Duration `yaml:"interval"`
		CallTimeout time.Duration `yaml:"call_timeout"`
	} `yaml:"driver"`
	Google struct {
		CredentialsFile string `yaml:"credentials_file"`
		TokensDir       string `yaml:"tokens_dir"`
	} `yaml:"google"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rotaro config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Source.File == "" {
		return fmt.Errorf("config.source.file is required")
	}
	if c.Driver.Interval <= 0 {
		return fmt.Errorf("config.driver.interval must be positive")
	}
	if c.Driver.CallTimeout <= 0 {
		return fmt.Errorf("config.driver.call_timeout must be positive")
	}
	if c.Google.TokensDir == "" {
		return fmt.Errorf("config.google.tokens_dir is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "rotaro.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
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

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `source:
  file: ./definitions.yml

driver:
  interval: 5m
  call_timeout: 20s

google:
  credentials_file: ./credentials.json
  tokens_dir: ./.rotaro/tokens

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
