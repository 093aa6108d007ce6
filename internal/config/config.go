package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TaskAnchorPlan  = "plan"
	TaskAnchorStage = "stage"

	LockMemory = "memory"
	LockRedis  = "redis"
)

// Config models stageline.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Engine struct {
		Timezone   string `yaml:"timezone"`
		TaskAnchor string `yaml:"task_anchor"`
		MaxRetries int    `yaml:"max_retries"`
	} `yaml:"engine"`
	Lock struct {
		Backend  string        `yaml:"backend"`
		RedisURL string        `yaml:"redis_url"`
		TTL      time.Duration `yaml:"ttl"`
		Retry    time.Duration `yaml:"retry"`
	} `yaml:"lock"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
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
	switch c.Engine.TaskAnchor {
	case TaskAnchorPlan, TaskAnchorStage:
	default:
		return fmt.Errorf("config.engine.task_anchor must be 'plan' or 'stage'")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("config.engine.max_retries must not be negative")
	}
	if c.Engine.Timezone != "" {
		if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
			return fmt.Errorf("config.engine.timezone: %w", err)
		}
	}
	switch c.Lock.Backend {
	case LockMemory:
	case LockRedis:
		if c.Lock.RedisURL == "" {
			return fmt.Errorf("config.lock.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.lock.backend must be 'memory' or 'redis'")
	}
	if c.Lock.TTL < 0 || c.Lock.Retry < 0 {
		return fmt.Errorf("config.lock durations must not be negative")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config.log.format must be 'json' or 'text'")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
// Keys missing from data keep their default values.
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""

engine:
  # timezone used to decide "today" for completion dates and new plans
  timezone: UTC
  # plan: task weights count days from the plan creation date
  # stage: task weights count days from the start of the task's stage
  task_anchor: plan
  max_retries: 3

lock:
  backend: memory
  redis_url: ""
  ttl: 30s
  retry: 50ms

log:
  level: info
  format: json
`
