// Package config loads and validates daemon configuration from layered
// JSON or YAML files with environment variable overrides. Later layers
// win field-by-field; environment variables win over every layer.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/castkit/simulcastd/errors"
	"github.com/castkit/simulcastd/matcher"
)

// Store backend constants.
const (
	// BackendMemory keeps sessions in process memory only
	BackendMemory = "memory"
	// BackendNATS persists sessions in a NATS JetStream KV bucket
	BackendNATS = "nats"
)

// Config is the complete daemon configuration.
type Config struct {
	Control ControlConfig `json:"control"`
	Matcher MatcherConfig `json:"matcher"`
	Store   StoreConfig   `json:"store"`
	Health  HealthConfig  `json:"health"`
}

// ControlConfig configures the connection to the local control endpoint.
type ControlConfig struct {
	URL            string        `json:"url"`
	Password       string        `json:"password,omitempty"`
	RPCVersion     int           `json:"rpc_version,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	RequestTimeout time.Duration `json:"request_timeout,omitempty"`
}

// MatcherConfig configures the cross-platform matcher. The daemon itself
// does not run matching passes; the threshold is validated here and handed
// to whichever reconciliation caller constructs the matcher against the
// shared store.
type MatcherConfig struct {
	// Threshold is the overlap fraction required to group two platform
	// intervals into one session, 0 < threshold <= 1.
	Threshold float64 `json:"threshold,omitempty"`
}

// StoreConfig selects and configures the session store backend.
type StoreConfig struct {
	Backend string     `json:"backend"`
	NATS    NATSConfig `json:"nats,omitempty"`
}

// NATSConfig defines NATS connection settings for the KV-backed store.
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	Bucket        string        `json:"bucket,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
}

// HealthConfig configures the HTTP surface for health and metrics.
type HealthConfig struct {
	Port        int    `json:"port,omitempty"`
	MetricsPath string `json:"metrics_path,omitempty"`
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Control.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"Config", "Validate", "control.url is required")
	}
	if !strings.HasPrefix(c.Control.URL, "ws://") && !strings.HasPrefix(c.Control.URL, "wss://") {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Config", "Validate",
			fmt.Sprintf("control.url %q must use ws:// or wss://", c.Control.URL))
	}

	if c.Matcher.Threshold <= 0 || c.Matcher.Threshold > 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Config", "Validate",
			fmt.Sprintf("matcher.threshold %v must be in (0, 1]", c.Matcher.Threshold))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendNATS:
		if len(c.Store.NATS.URLs) == 0 {
			return errors.WrapInvalid(errors.ErrMissingConfig,
				"Config", "Validate", "store.nats.urls required for the nats backend")
		}
		if c.Store.NATS.Bucket == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig,
				"Config", "Validate", "store.nats.bucket required for the nats backend")
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Config", "Validate",
			fmt.Sprintf("store.backend %q must be %q or %q", c.Store.Backend, BackendMemory, BackendNATS))
	}

	if c.Health.Port < 0 || c.Health.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Config", "Validate", fmt.Sprintf("health.port %d out of range", c.Health.Port))
	}

	return nil
}

// Loader loads configuration layers and applies environment overrides.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a loader with validation enabled and the SIMULCASTD
// environment prefix.
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  "SIMULCASTD",
	}
}

// AddLayer appends a configuration file layer. Later layers override
// earlier ones field-by-field.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation on Load.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads a single configuration file on top of the defaults.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, all layers, and environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "read layer "+path)
		}
		merged, err := mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "merge layer "+path)
		}
		cfg = merged
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Control: ControlConfig{
			URL:            "ws://127.0.0.1:4455",
			RPCVersion:     1,
			ConnectTimeout: 10 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Matcher: MatcherConfig{
			Threshold: matcher.DefaultThreshold,
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			NATS: NATSConfig{
				URLs:          []string{"nats://localhost:4222"},
				Bucket:        "simulcastd-streams",
				MaxReconnects: -1,
				ReconnectWait: 2 * time.Second,
			},
		},
		Health: HealthConfig{
			Port:        8090,
			MetricsPath: "/metrics",
		},
	}
}

// loadRaw reads one layer into a generic map. YAML files (.yaml/.yml)
// and JSON files share the same key names, so both feed the same merge.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}

	parseDurations(raw)
	return raw, nil
}

// parseDurations converts duration strings like "5s" in known fields to
// nanoseconds so they unmarshal into time.Duration.
func parseDurations(raw map[string]any) {
	if control, ok := raw["control"].(map[string]any); ok {
		parseDurationField(control, "connect_timeout")
		parseDurationField(control, "request_timeout")
	}
	if store, ok := raw["store"].(map[string]any); ok {
		if nats, ok := store["nats"].(map[string]any); ok {
			parseDurationField(nats, "reconnect_wait")
		}
	}
}

func parseDurationField(m map[string]any, key string) {
	if s, ok := m[key].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			m[key] = d.Nanoseconds()
		}
	}
}

// mergeFromMap overlays a raw layer onto the base config field-by-field.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
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

	mergedJSON, err := json.Marshal(deepMerge(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMerge recursively merges two maps, override winning per key.
func deepMerge(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMerge(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies SIMULCASTD_* environment variables on top of
// the merged configuration. Malformed numeric values are ignored.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_CONTROL_URL"); val != "" {
		cfg.Control.URL = val
	}
	if val := os.Getenv(l.envPrefix + "_CONTROL_PASSWORD"); val != "" {
		cfg.Control.Password = val
	}

	if val := os.Getenv(l.envPrefix + "_MATCHER_THRESHOLD"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Matcher.Threshold = f
		}
	}

	if val := os.Getenv(l.envPrefix + "_STORE_BACKEND"); val != "" {
		cfg.Store.Backend = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_URLS"); val != "" {
		cfg.Store.NATS.URLs = strings.Split(val, ",")
	}
	if val := os.Getenv(l.envPrefix + "_NATS_BUCKET"); val != "" {
		cfg.Store.NATS.Bucket = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_USERNAME"); val != "" {
		cfg.Store.NATS.Username = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_PASSWORD"); val != "" {
		cfg.Store.NATS.Password = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_TOKEN"); val != "" {
		cfg.Store.NATS.Token = val
	}

	if val := os.Getenv(l.envPrefix + "_HEALTH_PORT"); val != "" {
		if p, err := strconv.Atoi(val); err == nil {
			cfg.Health.Port = p
		}
	}
}
