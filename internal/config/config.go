// Package config provides YAML configuration loading with validation and
// environment variable substitution for the guardpost daemon.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level guardpost configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	LoadShedder    LoadShedderConfig    `yaml:"load_shedder" json:"load_shedder"`
	Cache          CacheConfig          `yaml:"cache" json:"cache"`
	Driver         DriverConfig         `yaml:"driver" json:"driver"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// ServerConfig holds settings for the admin/metrics/health listener.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// LoggingConfig holds log output and rotation settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`               // "debug", "info", "warn", "error"; default: "info"
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// ValidLogLevels are the accepted logging.level strings.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled     bool       `yaml:"enabled" json:"enabled"`           // default: false
	IPAllowlist []string   `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
	Auth        AuthConfig `yaml:"auth" json:"auth"`
}

// AuthConfig holds JWT authentication settings for the admin API.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// CircuitBreakerConfig holds circuit breaker settings. These are fixed
// for the breaker's lifetime; changing them requires a restart.
type CircuitBreakerConfig struct {
	Type             string        `yaml:"type" json:"type"` // "standard"
	Name             string        `yaml:"name" json:"name"`
	Prefix           string        `yaml:"prefix" json:"prefix"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout" json:"open_timeout"`
	StateTTL         time.Duration `yaml:"state_ttl" json:"state_ttl"`
}

// LoadShedderConfig holds load shedder settings. LoadThreshold is the
// only runtime-mutable knob: hot reloads apply it via UpdateThreshold.
type LoadShedderConfig struct {
	Type            string        `yaml:"type" json:"type"` // "static" or "responsive"
	Prefix          string        `yaml:"prefix" json:"prefix"`
	LoadThreshold   float64       `yaml:"load_threshold" json:"load_threshold"`
	MaxInflight     int64         `yaml:"max_inflight" json:"max_inflight"`
	PublishInterval time.Duration `yaml:"publish_interval" json:"publish_interval"`
	Policy          string        `yaml:"policy" json:"policy"` // "echo" or "trend"; responsive only
	TrendAlpha      float64       `yaml:"trend_alpha" json:"trend_alpha"`
	TrendFloor      float64       `yaml:"trend_floor" json:"trend_floor"`
}

// CacheConfig holds shared-store settings. An empty connection string
// means no store: the primitives run on purely local state.
type CacheConfig struct {
	ConnectionString string `yaml:"connection_string" json:"connection_string"`
	// CircuitBreakerFailureThreshold, when positive, overrides the
	// breaker's threshold for the store-wide counter so a fleet trips
	// on its combined failure count. Zero inherits
	// circuit_breaker.failure_threshold.
	CircuitBreakerFailureThreshold int           `yaml:"circuit_breaker_failure_threshold" json:"circuit_breaker_failure_threshold"`
	DialTimeout                    time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	OpTimeout                      time.Duration `yaml:"op_timeout" json:"op_timeout"`
}

// DriverConfig holds settings for the built-in request driver that
// exercises the protection stack against a downstream target.
type DriverConfig struct {
	Enabled     bool              `yaml:"enabled" json:"enabled"`
	Target      string            `yaml:"target" json:"target"`
	Rate        float64           `yaml:"rate" json:"rate"` // requests per second
	Burst       int               `yaml:"burst" json:"burst"`
	PriorityMix PriorityMixConfig `yaml:"priority_mix" json:"priority_mix"`
}

// PriorityMixConfig weights how the driver distributes priorities
// across generated requests. Weights are relative, not percentages.
type PriorityMixConfig struct {
	Low      int `yaml:"low" json:"low"`
	Medium   int `yaml:"medium" json:"medium"`
	High     int `yaml:"high" json:"high"`
	Critical int `yaml:"critical" json:"critical"`
}

// Total returns the sum of all weights.
func (p PriorityMixConfig) Total() int {
	return p.Low + p.Medium + p.High + p.Critical
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}

	// TLS defaults
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	// Circuit breaker defaults
	cb := &cfg.CircuitBreaker
	if cb.Type == "" {
		cb.Type = "standard"
	}
	if cb.Name == "" {
		cb.Name = "downstream"
	}
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.OpenTimeout == 0 {
		cb.OpenTimeout = 30 * time.Second
	}

	// Load shedder defaults
	ls := &cfg.LoadShedder
	if ls.Type == "" {
		ls.Type = "static"
	}
	if ls.Prefix == "" {
		ls.Prefix = "shed"
	}
	if ls.LoadThreshold == 0 {
		ls.LoadThreshold = 0.75
	}
	if ls.MaxInflight == 0 {
		ls.MaxInflight = 1024
	}
	if ls.Policy == "" {
		ls.Policy = "echo"
	}
	if ls.TrendAlpha == 0 {
		ls.TrendAlpha = 0.3
	}
	if ls.TrendFloor == 0 {
		ls.TrendFloor = 0.4
	}

	// Cache defaults
	if cfg.Cache.DialTimeout == 0 {
		cfg.Cache.DialTimeout = 2 * time.Second
	}
	if cfg.Cache.OpTimeout == 0 {
		cfg.Cache.OpTimeout = 150 * time.Millisecond
	}

	// Driver defaults
	d := &cfg.Driver
	if d.Rate == 0 {
		d.Rate = 10
	}
	if d.Burst == 0 {
		d.Burst = 2
	}
	if d.PriorityMix.Total() == 0 {
		d.PriorityMix = PriorityMixConfig{Low: 40, Medium: 30, High: 20, Critical: 10}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}

	// TLS validation
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
		}
	}

	// Logging validation
	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
	}
	if cfg.Admin.Auth.Enabled {
		if cfg.Admin.Auth.JWTSecret == "" {
			return fmt.Errorf("admin.auth.jwt_secret is required when admin auth is enabled")
		}
		if cfg.Admin.Auth.Issuer == "" {
			return fmt.Errorf("admin.auth.issuer is required when admin auth is enabled")
		}
		if cfg.Admin.Auth.Audience == "" {
			return fmt.Errorf("admin.auth.audience is required when admin auth is enabled")
		}
	}

	// Circuit breaker validation
	cb := cfg.CircuitBreaker
	if cb.Type != "standard" {
		return fmt.Errorf("circuit_breaker.type must be \"standard\", got %q", cb.Type)
	}
	if cb.Name == "" {
		return fmt.Errorf("circuit_breaker.name is required")
	}
	if cb.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be a positive integer, got %d", cb.FailureThreshold)
	}
	if cb.OpenTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.open_timeout must be positive, got %s", cb.OpenTimeout)
	}
	if cb.StateTTL < 0 {
		return fmt.Errorf("circuit_breaker.state_ttl must be non-negative")
	}

	// Load shedder validation
	ls := cfg.LoadShedder
	if ls.Type != "static" && ls.Type != "responsive" {
		return fmt.Errorf("load_shedder.type must be \"static\" or \"responsive\", got %q", ls.Type)
	}
	if ls.LoadThreshold <= 0 || ls.LoadThreshold > 1 {
		return fmt.Errorf("load_shedder.load_threshold must be between 0 (exclusive) and 1 (inclusive), got %v", ls.LoadThreshold)
	}
	if ls.MaxInflight < 1 {
		return fmt.Errorf("load_shedder.max_inflight must be positive")
	}
	if ls.PublishInterval < 0 {
		return fmt.Errorf("load_shedder.publish_interval must be non-negative")
	}
	if ls.Policy != "echo" && ls.Policy != "trend" {
		return fmt.Errorf("load_shedder.policy must be \"echo\" or \"trend\", got %q", ls.Policy)
	}
	if ls.Policy == "trend" {
		if ls.TrendAlpha <= 0 || ls.TrendAlpha > 1 {
			return fmt.Errorf("load_shedder.trend_alpha must be between 0 (exclusive) and 1 (inclusive)")
		}
		if ls.TrendFloor <= 0 || ls.TrendFloor > 1 {
			return fmt.Errorf("load_shedder.trend_floor must be between 0 (exclusive) and 1 (inclusive)")
		}
	}

	// Cache validation. Connection strings still holding an unresolved
	// ${VAR} are left for the dialer to reject; collectWarnings flags
	// them and the daemon falls back to local state.
	if cs := cfg.Cache.ConnectionString; cs != "" && !strings.Contains(cs, "${") {
		u, err := url.Parse(cs)
		if err != nil {
			return fmt.Errorf("cache.connection_string: invalid URL: %w", err)
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("cache.connection_string: scheme must be redis or rediss, got %q", u.Scheme)
		}
	}
	if cfg.Cache.CircuitBreakerFailureThreshold < 0 {
		return fmt.Errorf("cache.circuit_breaker_failure_threshold must be non-negative")
	}
	if cfg.Cache.DialTimeout <= 0 {
		return fmt.Errorf("cache.dial_timeout must be positive")
	}
	if cfg.Cache.OpTimeout <= 0 {
		return fmt.Errorf("cache.op_timeout must be positive")
	}

	// Driver validation
	if cfg.Driver.Enabled {
		if cfg.Driver.Target == "" {
			return fmt.Errorf("driver.target is required when driver is enabled")
		}
		u, err := url.Parse(cfg.Driver.Target)
		if err != nil {
			return fmt.Errorf("driver.target: invalid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("driver.target: scheme must be http or https, got %q", u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("driver.target: host is required")
		}
		if cfg.Driver.Rate <= 0 {
			return fmt.Errorf("driver.rate must be positive")
		}
		if cfg.Driver.Burst < 1 {
			return fmt.Errorf("driver.burst must be positive")
		}
		mix := cfg.Driver.PriorityMix
		if mix.Low < 0 || mix.Medium < 0 || mix.High < 0 || mix.Critical < 0 {
			return fmt.Errorf("driver.priority_mix weights must be non-negative")
		}
		if mix.Total() == 0 {
			return fmt.Errorf("driver.priority_mix must have at least one positive weight")
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Admin.Auth.Enabled && strings.Contains(cfg.Admin.Auth.JWTSecret, "${") {
		warnings = append(warnings, "admin.auth.jwt_secret contains unresolved environment variable")
	}
	if strings.Contains(cfg.Cache.ConnectionString, "${") {
		warnings = append(warnings, "cache.connection_string contains unresolved environment variable")
	}
	return warnings
}
