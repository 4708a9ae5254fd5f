// Package config provides a standardized way to load, validate, and access application configuration.
// It supports loading configuration from environment variables, files (JSON/YAML), and explicit overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mcncl/http-audit/internal/errors"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Audit     AuditConfig     `json:"audit" yaml:"audit"`
	Collector CollectorConfig `json:"collector" yaml:"collector"`
	PubSub    PubSubConfig    `json:"pubsub" yaml:"pubsub"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Client    ClientConfig    `json:"client" yaml:"client"`
}

// AuditConfig controls what the audit middleware traces and records
type AuditConfig struct {
	// IgnorePatterns is a regular expression; request paths matching it in full are not traced
	IgnorePatterns string `json:"ignore_patterns" yaml:"ignore_patterns"`
	LogHeaders     bool   `json:"log_headers" yaml:"log_headers"`
	MaxBodySize    int64  `json:"max_body_size" yaml:"max_body_size"`
	ServiceName    string `json:"service_name" yaml:"service_name"`
}

// CollectorConfig holds the remote log collector connection details
type CollectorConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	// TrustStoreLocation is a PEM bundle of CA certificates; when set the connection uses TLS
	TrustStoreLocation  string `json:"trust_store_location" yaml:"trust_store_location"`
	ReconnectsPerMinute int    `json:"reconnects_per_minute" yaml:"reconnects_per_minute"`
}

// PubSubConfig holds the optional Pub/Sub audit sink configuration
type PubSubConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	ProjectID       string `json:"project_id" yaml:"project_id"`
	TopicID         string `json:"topic_id" yaml:"topic_id"`
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
}

// ServerConfig holds HTTP server related configuration
type ServerConfig struct {
	Port           int           `json:"port" yaml:"port"`
	LogLevel       string        `json:"log_level" yaml:"log_level"`
	LogFormat      string        `json:"log_format" yaml:"log_format"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout,omitempty"`
	ReadTimeout    time.Duration `json:"read_timeout" yaml:"read_timeout,omitempty"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout,omitempty"`
	IdleTimeout    time.Duration `json:"idle_timeout" yaml:"idle_timeout,omitempty"`
}

// ClientConfig holds outbound HTTP client configuration
type ClientConfig struct {
	Timeout     time.Duration `json:"timeout" yaml:"timeout,omitempty"`
	RetryMax    int           `json:"retry_max" yaml:"retry_max"`
	UpstreamURL string        `json:"upstream_url" yaml:"upstream_url"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Audit: AuditConfig{
			IgnorePatterns: "/(health|ready|metrics)",
			MaxBodySize:    1 * 1024 * 1024, // 1 MB
			ServiceName:    "-",
		},
		Collector: CollectorConfig{
			URL:                 "localhost:8500",
			ReconnectsPerMinute: 6,
		},
		Server: ServerConfig{
			Port:           8080,
			LogLevel:       "info",
			LogFormat:      "json",
			RequestTimeout: 30 * time.Second,
			ReadTimeout:    5 * time.Second,
			WriteTimeout:   10 * time.Second,
			IdleTimeout:    120 * time.Second,
		},
		Client: ClientConfig{
			Timeout:  10 * time.Second,
			RetryMax: 2,
		},
	}
}

// CompileIgnorePattern compiles an ignore pattern so that it only matches a whole path.
// An empty pattern yields a nil expression, meaning every request is traced.
func CompileIgnorePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, errors.WithDetails(
			errors.NewValidationError("Audit.IgnorePatterns is not a valid regular expression"),
			map[string]interface{}{"pattern": pattern, "reason": err.Error()},
		)
	}
	return re, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := CompileIgnorePattern(c.Audit.IgnorePatterns); err != nil {
		return err
	}
	if c.Audit.MaxBodySize <= 0 {
		return errors.NewValidationError("Audit.MaxBodySize must be positive")
	}

	if c.Collector.Enabled && c.Collector.URL == "" {
		return errors.NewValidationError("Collector.URL is required when the collector is enabled")
	}
	if c.Collector.ReconnectsPerMinute < 0 {
		return errors.NewValidationError("Collector.ReconnectsPerMinute cannot be negative")
	}

	if c.PubSub.Enabled {
		if c.PubSub.ProjectID == "" {
			return errors.NewValidationError("PubSub.ProjectID is required when the Pub/Sub sink is enabled")
		}
		if c.PubSub.TopicID == "" {
			return errors.NewValidationError("PubSub.TopicID is required when the Pub/Sub sink is enabled")
		}
	}

	if c.Server.Port < 1024 || c.Server.Port > 65535 {
		return errors.NewValidationError("Server.Port must be between 1024 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if _, ok := validLogLevels[strings.ToLower(c.Server.LogLevel)]; !ok {
		return errors.NewValidationError("Server.LogLevel must be one of: debug, info, warn, error")
	}

	if c.Client.RetryMax < 0 {
		return errors.NewValidationError("Client.RetryMax cannot be negative")
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	// Audit
	if val, ok := os.LookupEnv("AUDIT_IGNORE_PATTERNS"); ok {
		cfg.Audit.IgnorePatterns = val
	}
	if val := os.Getenv("AUDIT_LOG_HEADERS"); val != "" {
		cfg.Audit.LogHeaders = parseBool(val)
	}
	if val := os.Getenv("AUDIT_MAX_BODY_SIZE"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil && size > 0 {
			cfg.Audit.MaxBodySize = size
		}
	}
	if val := os.Getenv("SERVICE_NAME"); val != "" {
		cfg.Audit.ServiceName = val
	}

	// Collector
	if val := os.Getenv("COLLECTOR_ENABLED"); val != "" {
		cfg.Collector.Enabled = parseBool(val)
	}
	if val := os.Getenv("COLLECTOR_URL"); val != "" {
		cfg.Collector.URL = val
	}
	if val := os.Getenv("COLLECTOR_TRUST_STORE"); val != "" {
		cfg.Collector.TrustStoreLocation = val
	}
	if val := os.Getenv("COLLECTOR_RECONNECTS_PER_MINUTE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			cfg.Collector.ReconnectsPerMinute = n
		}
	}

	// Pub/Sub
	if val := os.Getenv("PUBSUB_ENABLED"); val != "" {
		cfg.PubSub.Enabled = parseBool(val)
	}
	if val := os.Getenv("PROJECT_ID"); val != "" {
		cfg.PubSub.ProjectID = val
	}
	if val := os.Getenv("TOPIC_ID"); val != "" {
		cfg.PubSub.TopicID = val
	}
	if val := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); val != "" {
		cfg.PubSub.CredentialsFile = val
	}

	// Server
	if val := os.Getenv("PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Server.Port = port
		}
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Server.LogLevel = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		cfg.Server.LogFormat = val
	}
	setSeconds("REQUEST_TIMEOUT", &cfg.Server.RequestTimeout)
	setSeconds("READ_TIMEOUT", &cfg.Server.ReadTimeout)
	setSeconds("WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	setSeconds("IDLE_TIMEOUT", &cfg.Server.IdleTimeout)

	// Client
	setSeconds("CLIENT_TIMEOUT", &cfg.Client.Timeout)
	if val := os.Getenv("CLIENT_RETRY_MAX"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			cfg.Client.RetryMax = n
		}
	}
	if val := os.Getenv("UPSTREAM_URL"); val != "" {
		cfg.Client.UpstreamURL = val
	}

	return cfg, nil
}

func parseBool(val string) bool {
	return strings.ToLower(val) == "true" || val == "1"
}

func setSeconds(key string, dst *time.Duration) {
	if val := os.Getenv(key); val != "" {
		if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
			*dst = time.Duration(secs) * time.Second
		}
	}
}

// parseDuration accepts either a bare number of seconds or a Go duration string
func parseDuration(val string) (time.Duration, bool) {
	if val == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d, true
	}
	return 0, false
}

// LoadFromFile loads configuration from a JSON or YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	// Durations are read as strings so both "30" and "30s" are accepted
	type fileConfig struct {
		Audit     AuditConfig     `json:"audit" yaml:"audit"`
		Collector CollectorConfig `json:"collector" yaml:"collector"`
		PubSub    PubSubConfig    `json:"pubsub" yaml:"pubsub"`
		Server    struct {
			Port           int    `json:"port" yaml:"port"`
			LogLevel       string `json:"log_level" yaml:"log_level"`
			LogFormat      string `json:"log_format" yaml:"log_format"`
			RequestTimeout string `json:"request_timeout" yaml:"request_timeout"`
			ReadTimeout    string `json:"read_timeout" yaml:"read_timeout"`
			WriteTimeout   string `json:"write_timeout" yaml:"write_timeout"`
			IdleTimeout    string `json:"idle_timeout" yaml:"idle_timeout"`
		} `json:"server" yaml:"server"`
		Client struct {
			Timeout     string `json:"timeout" yaml:"timeout"`
			RetryMax    int    `json:"retry_max" yaml:"retry_max"`
			UpstreamURL string `json:"upstream_url" yaml:"upstream_url"`
		} `json:"client" yaml:"client"`
	}

	var fc fileConfig

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, errors.Wrap(err, "failed to parse JSON config file")
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, errors.Wrap(err, "failed to parse YAML config file")
		}
	default:
		return nil, errors.NewValidationError("unsupported config file format: " + ext)
	}

	// Only set what the file carries; MergeConfigs layers it over the defaults
	cfg := &Config{
		Audit:     fc.Audit,
		Collector: fc.Collector,
		PubSub:    fc.PubSub,
	}
	cfg.Server.Port = fc.Server.Port
	cfg.Server.LogLevel = fc.Server.LogLevel
	cfg.Server.LogFormat = fc.Server.LogFormat
	if d, ok := parseDuration(fc.Server.RequestTimeout); ok {
		cfg.Server.RequestTimeout = d
	}
	if d, ok := parseDuration(fc.Server.ReadTimeout); ok {
		cfg.Server.ReadTimeout = d
	}
	if d, ok := parseDuration(fc.Server.WriteTimeout); ok {
		cfg.Server.WriteTimeout = d
	}
	if d, ok := parseDuration(fc.Server.IdleTimeout); ok {
		cfg.Server.IdleTimeout = d
	}
	if d, ok := parseDuration(fc.Client.Timeout); ok {
		cfg.Client.Timeout = d
	}
	cfg.Client.RetryMax = fc.Client.RetryMax
	cfg.Client.UpstreamURL = fc.Client.UpstreamURL

	return cfg, nil
}

// MergeConfigs merges two configurations, with the second taking precedence
func MergeConfigs(base, override *Config) *Config {
	result := *base

	// Only override non-zero values
	if override == nil {
		return &result
	}

	// Audit config
	if override.Audit.IgnorePatterns != "" {
		result.Audit.IgnorePatterns = override.Audit.IgnorePatterns
	}
	if override.Audit.LogHeaders {
		result.Audit.LogHeaders = true
	}
	if override.Audit.MaxBodySize != 0 {
		result.Audit.MaxBodySize = override.Audit.MaxBodySize
	}
	if override.Audit.ServiceName != "" {
		result.Audit.ServiceName = override.Audit.ServiceName
	}

	// Collector config
	if override.Collector.Enabled {
		result.Collector.Enabled = true
	}
	if override.Collector.URL != "" {
		result.Collector.URL = override.Collector.URL
	}
	if override.Collector.TrustStoreLocation != "" {
		result.Collector.TrustStoreLocation = override.Collector.TrustStoreLocation
	}
	if override.Collector.ReconnectsPerMinute != 0 {
		result.Collector.ReconnectsPerMinute = override.Collector.ReconnectsPerMinute
	}

	// Pub/Sub config
	if override.PubSub.Enabled {
		result.PubSub.Enabled = true
	}
	if override.PubSub.ProjectID != "" {
		result.PubSub.ProjectID = override.PubSub.ProjectID
	}
	if override.PubSub.TopicID != "" {
		result.PubSub.TopicID = override.PubSub.TopicID
	}
	if override.PubSub.CredentialsFile != "" {
		result.PubSub.CredentialsFile = override.PubSub.CredentialsFile
	}

	// Server config
	if override.Server.Port != 0 {
		result.Server.Port = override.Server.Port
	}
	if override.Server.LogLevel != "" {
		result.Server.LogLevel = override.Server.LogLevel
	}
	if override.Server.LogFormat != "" {
		result.Server.LogFormat = override.Server.LogFormat
	}
	if override.Server.RequestTimeout != 0 {
		result.Server.RequestTimeout = override.Server.RequestTimeout
	}
	if override.Server.ReadTimeout != 0 {
		result.Server.ReadTimeout = override.Server.ReadTimeout
	}
	if override.Server.WriteTimeout != 0 {
		result.Server.WriteTimeout = override.Server.WriteTimeout
	}
	if override.Server.IdleTimeout != 0 {
		result.Server.IdleTimeout = override.Server.IdleTimeout
	}

	// Client config
	if override.Client.Timeout != 0 {
		result.Client.Timeout = override.Client.Timeout
	}
	if override.Client.RetryMax != 0 {
		result.Client.RetryMax = override.Client.RetryMax
	}
	if override.Client.UpstreamURL != "" {
		result.Client.UpstreamURL = override.Client.UpstreamURL
	}

	return &result
}

// Load loads the configuration from multiple sources with the following precedence:
// 1. Override (highest precedence)
// 2. Environment variables
// 3. Config file
// 4. Default values (lowest precedence)
func Load(configFile string, override *Config) (*Config, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		fileCfg, err := LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
		cfg = MergeConfigs(cfg, fileCfg)
	}

	envCfg, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}
	cfg = MergeConfigs(cfg, envOnly(envCfg))

	if override != nil {
		cfg = MergeConfigs(cfg, override)
	}

	// A malformed ignore pattern must stop the service before it serves traffic
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// envOnly strips the defaults LoadFromEnv starts from so they do not clobber file values
func envOnly(envCfg *Config) *Config {
	defaults := DefaultConfig()
	diff := *envCfg
	if diff.Audit.IgnorePatterns == defaults.Audit.IgnorePatterns {
		diff.Audit.IgnorePatterns = ""
	}
	if diff.Audit.MaxBodySize == defaults.Audit.MaxBodySize {
		diff.Audit.MaxBodySize = 0
	}
	if diff.Audit.ServiceName == defaults.Audit.ServiceName {
		diff.Audit.ServiceName = ""
	}
	if diff.Collector.URL == defaults.Collector.URL {
		diff.Collector.URL = ""
	}
	if diff.Collector.ReconnectsPerMinute == defaults.Collector.ReconnectsPerMinute {
		diff.Collector.ReconnectsPerMinute = 0
	}
	if diff.Server.Port == defaults.Server.Port {
		diff.Server.Port = 0
	}
	if diff.Server.LogLevel == defaults.Server.LogLevel {
		diff.Server.LogLevel = ""
	}
	if diff.Server.LogFormat == defaults.Server.LogFormat {
		diff.Server.LogFormat = ""
	}
	if diff.Server.RequestTimeout == defaults.Server.RequestTimeout {
		diff.Server.RequestTimeout = 0
	}
	if diff.Server.ReadTimeout == defaults.Server.ReadTimeout {
		diff.Server.ReadTimeout = 0
	}
	if diff.Server.WriteTimeout == defaults.Server.WriteTimeout {
		diff.Server.WriteTimeout = 0
	}
	if diff.Server.IdleTimeout == defaults.Server.IdleTimeout {
		diff.Server.IdleTimeout = 0
	}
	if diff.Client.Timeout == defaults.Client.Timeout {
		diff.Client.Timeout = 0
	}
	if diff.Client.RetryMax == defaults.Client.RetryMax {
		diff.Client.RetryMax = 0
	}
	return &diff
}

// String returns a string representation of the configuration
// with sensitive fields masked
func (c *Config) String() string {
	masked := *c

	if masked.PubSub.CredentialsFile != "" {
		masked.PubSub.CredentialsFile = "********"
	}

	bytes, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Error marshaling config: %v", err)
	}

	return string(bytes)
}
