package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Catalog  CatalogConfig  `json:"catalog"`
	Dataset  DatasetConfig  `json:"dataset"`
	Metrics  MetricsConfig  `json:"metrics"`
	Activity ActivityConfig `json:"activity"`
}

// ServerConfig defines the WebSocket listener
type ServerConfig struct {
	Port              int           `json:"port"`
	Path              string        `json:"path"`
	ReadLimit         int64         `json:"read_limit"` // Maximum inbound message size in bytes
	PingInterval      time.Duration `json:"ping_interval"`
	ReadTimeout       time.Duration `json:"read_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout"`
	RequestsPerSecond float64       `json:"requests_per_second,omitempty"` // 0 = unlimited
	Burst             int           `json:"burst,omitempty"`
}

// CatalogConfig defines where datasets are discovered
type CatalogConfig struct {
	Root          string `json:"root"`
	Suffix        string `json:"suffix"`
	SurfaceErrors bool   `json:"surface_errors,omitempty"` // Send CatalogUnavailable instead of an empty list
}

// DatasetConfig tunes the embedded dataset store
type DatasetConfig struct {
	FrameCacheSize int `json:"frame_cache_size"` // Frames cached per open handle
	BlockCacheMB   int `json:"block_cache_mb"`   // Block cache shared by all open stores
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// ActivityConfig defines the optional NATS activity feed
type ActivityConfig struct {
	Enabled       bool   `json:"enabled"`
	NATSURL       string `json:"nats_url"`
	SubjectPrefix string `json:"subject_prefix"`
	ClientName    string `json:"client_name,omitempty"`
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{
		config: cfg,
	}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically updates the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	copied := *c
	return &copied
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Path:         "/ws",
			ReadLimit:    1 << 20,
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			Burst:        1,
		},
		Catalog: CatalogConfig{
			Root:   ".",
			Suffix: ".rocksdb",
		},
		Dataset: DatasetConfig{
			FrameCacheSize: 64,
			BlockCacheMB:   8,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Activity: ActivityConfig{
			Enabled:       false,
			NATSURL:       "nats://localhost:4222",
			SubjectPrefix: "vf2.activity",
			ClientName:    "vfserver",
		},
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if err := validatePort("server.port", c.Server.Port); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with '/': %q", c.Server.Path)
	}
	if c.Server.ReadLimit <= 0 {
		return errors.New("server.read_limit must be positive")
	}
	if c.Server.PingInterval <= 0 {
		return errors.New("server.ping_interval must be positive")
	}
	if c.Server.ReadTimeout <= c.Server.PingInterval {
		return fmt.Errorf("server.read_timeout (%v) must exceed server.ping_interval (%v)",
			c.Server.ReadTimeout, c.Server.PingInterval)
	}
	if c.Server.WriteTimeout <= 0 {
		return errors.New("server.write_timeout must be positive")
	}
	if c.Server.RequestsPerSecond < 0 {
		return errors.New("server.requests_per_second cannot be negative")
	}
	if c.Server.RequestsPerSecond > 0 && c.Server.Burst < 1 {
		return errors.New("server.burst must be at least 1 when rate limiting is enabled")
	}

	if c.Catalog.Root == "" {
		return errors.New("catalog.root is required")
	}
	if c.Catalog.Suffix == "" {
		return errors.New("catalog.suffix is required")
	}
	if strings.ContainsAny(c.Catalog.Suffix, `/\`) {
		return fmt.Errorf("catalog.suffix cannot contain path separators: %q", c.Catalog.Suffix)
	}

	if c.Dataset.FrameCacheSize < 0 {
		return errors.New("dataset.frame_cache_size cannot be negative")
	}
	if c.Dataset.BlockCacheMB < 0 {
		return errors.New("dataset.block_cache_mb cannot be negative")
	}

	if c.Metrics.Enabled {
		if err := validatePort("metrics.port", c.Metrics.Port); err != nil {
			return err
		}
		if c.Metrics.Port == c.Server.Port {
			return fmt.Errorf("metrics.port and server.port must differ (both %d)", c.Server.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with '/': %q", c.Metrics.Path)
		}
	}

	if c.Activity.Enabled {
		if c.Activity.NATSURL == "" {
			return errors.New("activity.nats_url is required when activity is enabled")
		}
		if c.Activity.SubjectPrefix == "" {
			return errors.New("activity.subject_prefix is required when activity is enabled")
		}
	}

	return nil
}

func validatePort(field string, port int) error {
	// Port 0 asks the kernel for a free port
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s out of range: %d", field, port)
	}
	return nil
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: true,
		envPrefix:  "VF2",
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		rawConfig, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg, err = l.mergeFromMap(cfg, rawConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadRaw loads a JSON or YAML file as a map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var rawConfig map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &rawConfig); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &rawConfig); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}

	if err := l.parseDurations(rawConfig); err != nil {
		return nil, err
	}

	return rawConfig, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}

	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedMap := l.deepMergeMaps(baseMap, override)

	mergedJSON, err := json.Marshal(mergedMap)
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}

	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func (l *Loader) deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any)

	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}

		if baseMap, baseOk := base[k].(map[string]any); baseOk {
			if overrideMap, overrideOk := v.(map[string]any); overrideOk {
				result[k] = l.deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}

		result[k] = v
	}

	return result
}

// durationFields lists the server keys that accept duration strings like "30s"
var durationFields = []string{"ping_interval", "read_timeout", "write_timeout"}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func (l *Loader) parseDurations(data map[string]any) error {
	server, ok := data["server"].(map[string]any)
	if !ok {
		return nil
	}
	for _, field := range durationFields {
		raw, ok := server[field].(string)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("server.%s: %w", field, err)
		}
		server[field] = d.Nanoseconds()
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv(l.envPrefix + "_PORT"); val != "" {
		if err := validateEnvVar(l.envPrefix+"_PORT", val); err != nil {
			return err
		}
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_PORT: %w", l.envPrefix, err)
		}
		cfg.Server.Port = port
	}
	if val := os.Getenv(l.envPrefix + "_CATALOG_ROOT"); val != "" {
		if err := validateEnvVar(l.envPrefix+"_CATALOG_ROOT", val); err != nil {
			return err
		}
		cfg.Catalog.Root = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_URL"); val != "" {
		if err := validateEnvVar(l.envPrefix+"_NATS_URL", val); err != nil {
			return err
		}
		cfg.Activity.NATSURL = val
	}
	return nil
}

// String returns the configuration as indented JSON for logging
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
