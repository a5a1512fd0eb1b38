package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level talos configuration.
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Engine      EngineConfig      `json:"engine" yaml:"engine"`
	Twitter     TwitterConfig     `json:"twitter" yaml:"twitter"`
	Perspective PerspectiveConfig `json:"perspective" yaml:"perspective"`
	API         APIConfig         `json:"api" yaml:"api"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// EngineConfig sizes the ticket worker pool and controls retention.
type EngineConfig struct {
	Workers       int      `json:"workers" yaml:"workers"`
	QueueSize     int      `json:"queue_size" yaml:"queue_size"`
	Retention     Duration `json:"retention" yaml:"retention"`
	SweepSchedule string   `json:"sweep_schedule" yaml:"sweep_schedule"`
}

// TwitterConfig points at the platform gateway. Without a gateway URL the
// twitter tools are registered but fail with a missing collaborator error.
type TwitterConfig struct {
	GatewayURL string `json:"gateway_url,omitempty" yaml:"gateway_url,omitempty"`
	GatewayKey string `json:"gateway_key,omitempty" yaml:"gateway_key,omitempty"`
}

// PerspectiveConfig enables content moderation. An empty API key disables it.
type PerspectiveConfig struct {
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	Key  string `json:"api_key" yaml:"api_key"`
}

// Duration is a time.Duration written as a string such as "168h" in config files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"24h\": %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns a config with every optional field at its default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{DataDir: "/data"},
		Engine: EngineConfig{
			Workers:       4,
			QueueSize:     128,
			Retention:     Duration{168 * time.Hour},
			SweepSchedule: "@every 1h",
		},
		API: APIConfig{Host: "0.0.0.0", Port: 8080},
	}
}

// Load reads configuration from a file. Files ending in .yaml or .yml are
// parsed as YAML, anything else as JSON. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds a config from environment variables with TALOS_ prefix.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	cfg.Server.DataDir = getenv("TALOS_DATA_DIR", cfg.Server.DataDir)

	cfg.Engine.Workers = getenvInt("TALOS_WORKERS", cfg.Engine.Workers)
	cfg.Engine.QueueSize = getenvInt("TALOS_QUEUE_SIZE", cfg.Engine.QueueSize)
	if v := os.Getenv("TALOS_RETENTION"); v != "" {
		if err := cfg.Engine.Retention.parse(v); err != nil {
			return nil, fmt.Errorf("config: TALOS_RETENTION: %w", err)
		}
	}
	cfg.Engine.SweepSchedule = getenv("TALOS_SWEEP_SCHEDULE", cfg.Engine.SweepSchedule)

	cfg.Twitter.GatewayURL = os.Getenv("TALOS_GATEWAY_URL")
	cfg.Twitter.GatewayKey = os.Getenv("TALOS_GATEWAY_KEY")

	cfg.Perspective.APIKey = os.Getenv("TALOS_PERSPECTIVE_API_KEY")
	cfg.Perspective.BaseURL = os.Getenv("TALOS_PERSPECTIVE_BASE_URL")

	cfg.API.Host = getenv("TALOS_API_HOST", cfg.API.Host)
	cfg.API.Port = getenvInt("TALOS_API_PORT", cfg.API.Port)
	cfg.API.Key = os.Getenv("TALOS_API_KEY")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.DataDir == "" {
		errs = append(errs, "server.data_dir is required")
	}

	if c.Engine.Workers < 1 {
		errs = append(errs, "engine.workers must be at least 1")
	}
	if c.Engine.QueueSize < 1 {
		errs = append(errs, "engine.queue_size must be at least 1")
	}
	if c.Engine.Retention.Duration <= 0 {
		errs = append(errs, "engine.retention must be positive")
	}
	if _, err := cron.ParseStandard(c.Engine.SweepSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("engine.sweep_schedule %q is invalid: %v", c.Engine.SweepSchedule, err))
	}

	if c.Twitter.GatewayURL != "" && !validHTTPURL(c.Twitter.GatewayURL) {
		errs = append(errs, fmt.Sprintf("twitter.gateway_url %q is not an http(s) URL", c.Twitter.GatewayURL))
	}
	if c.Perspective.BaseURL != "" && !validHTTPURL(c.Perspective.BaseURL) {
		errs = append(errs, fmt.Sprintf("perspective.base_url %q is not an http(s) URL", c.Perspective.BaseURL))
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port %d is out of range", c.API.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// DBPath is where the ticket database lives.
func (c *Config) DBPath() string {
	return filepath.Join(c.Server.DataDir, "talos.db")
}

func validHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
