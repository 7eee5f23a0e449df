package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gustycube/chainlens/internal/network"
	"github.com/gustycube/chainlens/internal/snapshot"
)

// Config represents the complete configuration for chainlens
type Config struct {
	// Listeners
	ListenAddr  string `yaml:"listen_addr" json:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`

	// Upstreams
	ConnectorURL      string `yaml:"connector_url" json:"connector_url"`
	KnowledgeBaseURL  string `yaml:"knowledge_base_url" json:"knowledge_base_url"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec" json:"request_timeout_sec"`
	StatusCacheSec    int    `yaml:"status_cache_sec" json:"status_cache_sec"`

	// Knowledge
	KnowledgeRefreshSec int            `yaml:"knowledge_refresh_sec" json:"knowledge_refresh_sec"`
	NetworkIDLength     int            `yaml:"network_id_length" json:"network_id_length"`
	Networks            network.Config `yaml:"networks" json:"networks"`

	// API
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst" json:"rate_limit_burst"`

	// Redis
	RedisAddr   string `yaml:"redis_addr" json:"redis_addr"`
	SnapshotKey string `yaml:"snapshot_key" json:"snapshot_key"`

	// Observability
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9901"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.KnowledgeBaseURL == "" {
		c.KnowledgeBaseURL = "https://static-data.lisk.com"
	}
	if c.KnowledgeRefreshSec == 0 {
		c.KnowledgeRefreshSec = 300
	}
	if c.NetworkIDLength == 0 {
		c.NetworkIDLength = network.DefaultIDLength
	}
	if len(c.Networks) == 0 {
		c.Networks = network.Default()
	}
	if c.RequestTimeoutSec == 0 {
		c.RequestTimeoutSec = 15
	}
	if c.StatusCacheSec == 0 {
		c.StatusCacheSec = 10
	}
	if c.RateLimitPerSec == 0 {
		c.RateLimitPerSec = 20
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = 40
	}
	if c.SnapshotKey == "" {
		c.SnapshotKey = snapshot.DefaultKey
	}
	if c.OTELService == "" {
		c.OTELService = "chainlens"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ConnectorURL == "" {
		return fmt.Errorf("connector_url is required")
	}
	if c.KnowledgeRefreshSec < 1 {
		return fmt.Errorf("knowledge_refresh_sec must be at least 1")
	}
	if c.NetworkIDLength < 1 {
		return fmt.Errorf("network_id_length must be at least 1")
	}
	if c.RequestTimeoutSec < 1 {
		return fmt.Errorf("request_timeout_sec must be at least 1")
	}
	if c.StatusCacheSec < 0 {
		return fmt.Errorf("status_cache_sec must not be negative")
	}
	if c.RateLimitPerSec < 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("rate_limit_per_sec must not be negative and rate_limit_burst must be at least 1")
	}
	for _, g := range c.Networks {
		if g.Network == "" {
			return fmt.Errorf("networks: entry without a network name")
		}
	}
	return nil
}

func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.KnowledgeRefreshSec) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (c *Config) StatusCacheTTL() time.Duration {
	return time.Duration(c.StatusCacheSec) * time.Second
}

// LoadFromFile loads configuration from a YAML or JSON file
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	return &config, nil
}

// Load reads the optional config file, then the environment, then flags.
// Defaults fill whatever is still unset before validation.
func Load(path, envFile string, flags map[string]interface{}) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	cfg.LoadFromEnv()
	cfg.MergeWithFlags(flags)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads a .env file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// FlagValues collects the flags that were set on the command line, keyed by
// flag name, for MergeWithFlags. Flags left at their default are absent.
func FlagValues(fs *flag.FlagSet) map[string]interface{} {
	values := make(map[string]interface{})
	fs.Visit(func(f *flag.Flag) {
		if g, ok := f.Value.(flag.Getter); ok {
			values[f.Name] = g.Get()
		}
	})
	return values
}

// MergeWithFlags merges command-line flags with file configuration
// Command-line flags take precedence over file configuration
func (c *Config) MergeWithFlags(flags map[string]interface{}) {
	if v, ok := flags["listen_addr"].(string); ok && v != "" {
		c.ListenAddr = v
	}
	if v, ok := flags["metrics_addr"].(string); ok && v != "" {
		c.MetricsAddr = v
	}
	if v, ok := flags["connector_url"].(string); ok && v != "" {
		c.ConnectorURL = v
	}
	if v, ok := flags["knowledge_base_url"].(string); ok && v != "" {
		c.KnowledgeBaseURL = v
	}
	if v, ok := flags["knowledge_refresh_sec"].(int); ok && v > 0 {
		c.KnowledgeRefreshSec = v
	}
	if v, ok := flags["request_timeout_sec"].(int); ok && v > 0 {
		c.RequestTimeoutSec = v
	}
	if v, ok := flags["redis_addr"].(string); ok && v != "" {
		c.RedisAddr = v
	}
	if v, ok := flags["otel_endpoint"].(string); ok && v != "" {
		c.OTELEndpoint = v
	}
	if v, ok := flags["otel_insecure"].(bool); ok {
		c.OTELInsecure = v
	}
	if v, ok := flags["otel_service"].(string); ok && v != "" {
		c.OTELService = v
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("CONNECTOR_URL"); v != "" {
		c.ConnectorURL = v
	}
	if v := os.Getenv("KNOWLEDGE_BASE_URL"); v != "" {
		c.KnowledgeBaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("SNAPSHOT_KEY"); v != "" {
		c.SnapshotKey = v
	}
}
