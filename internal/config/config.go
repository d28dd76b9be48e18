// ABOUTME: Configuration loading and parsing for agentgate
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete agentgate configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Protocol   string           `yaml:"protocol" toml:"protocol"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Scopes     ScopesConfig     `yaml:"scopes" toml:"scopes"`
	RateLimits RateLimitsConfig `yaml:"rate_limits" toml:"rate_limits"`
	Reputation ReputationConfig `yaml:"reputation" toml:"reputation"`
	Spending   SpendingConfig   `yaml:"spending" toml:"spending"`
	Detection  DetectionConfig  `yaml:"detection" toml:"detection"`
	Sweep      SweepConfig      `yaml:"sweep" toml:"sweep"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	// TrustProxyHeaders makes the gateway take the client IP from
	// X-Forwarded-For. Enable only behind a proxy that sets it.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" toml:"trust_proxy_headers"`

	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// AuthConfig holds credential and protocol timing configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`

	TokenTTL      time.Duration `yaml:"-" toml:"-"`
	ChallengeTTL  time.Duration `yaml:"-" toml:"-"`
	ReauthSkew    time.Duration `yaml:"-" toml:"-"`
	VerifyTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TokenTTLRaw      string `yaml:"token_ttl" toml:"token_ttl"`
	ChallengeTTLRaw  string `yaml:"challenge_ttl" toml:"challenge_ttl"`
	ReauthSkewRaw    string `yaml:"reauth_skew" toml:"reauth_skew"`
	VerifyTimeoutRaw string `yaml:"verify_timeout" toml:"verify_timeout"`
}

// ScopeConfig is one entry of the scope catalog
type ScopeConfig struct {
	Name        string `yaml:"name" toml:"name"`
	Description string `yaml:"description" toml:"description"`
}

// ScopesConfig holds the offered scopes and those granted by default
type ScopesConfig struct {
	Catalog  []ScopeConfig `yaml:"catalog" toml:"catalog"`
	Defaults []string      `yaml:"defaults" toml:"defaults"`
}

// RateLimitConfig describes a token bucket: Requests per Window
type RateLimitConfig struct {
	Requests  int           `yaml:"requests" toml:"requests"`
	Window    time.Duration `yaml:"-" toml:"-"`
	WindowRaw string        `yaml:"window" toml:"window"`
}

// RateLimitsConfig holds the per-agent default and the per-IP limits on
// endpoints reachable before authentication
type RateLimitsConfig struct {
	Default      RateLimitConfig `yaml:"default" toml:"default"`
	Registration RateLimitConfig `yaml:"registration" toml:"registration"`
	// PreAuth applies per IP and per route to verify and both re-auth endpoints.
	PreAuth RateLimitConfig `yaml:"pre_auth" toml:"pre_auth"`
}

// GateConfig restricts scopes to agents with at least MinReputation
type GateConfig struct {
	Name          string   `yaml:"name" toml:"name"`
	Scopes        []string `yaml:"scopes" toml:"scopes"`
	MinReputation float64  `yaml:"min_reputation" toml:"min_reputation"`
	Action        string   `yaml:"action" toml:"action"`
}

// ReputationConfig holds scoring bounds, weights, thresholds and gates
type ReputationConfig struct {
	Initial          float64            `yaml:"initial" toml:"initial"`
	Min              float64            `yaml:"min" toml:"min"`
	Max              float64            `yaml:"max" toml:"max"`
	FlagThreshold    float64            `yaml:"flag_threshold" toml:"flag_threshold"`
	SuspendThreshold float64            `yaml:"suspend_threshold" toml:"suspend_threshold"`
	Weights          map[string]float64 `yaml:"weights" toml:"weights"` // merged over the defaults
	Gates            []GateConfig       `yaml:"gates" toml:"gates"`

	// PaymentCreditInterval is the minimum time between two payment_success
	// credits earned from self-reported spend. Zero disables the credit.
	PaymentCreditInterval    time.Duration `yaml:"-" toml:"-"`
	PaymentCreditIntervalRaw string        `yaml:"payment_credit_interval" toml:"payment_credit_interval"`
}

// CapConfig limits spend in one currency over one period
type CapConfig struct {
	Name             string  `yaml:"name" toml:"name"`
	Period           string  `yaml:"period" toml:"period"`
	Amount           float64 `yaml:"amount" toml:"amount"`
	Currency         string  `yaml:"currency" toml:"currency"`
	Kind             string  `yaml:"kind" toml:"kind"`
	WarningThreshold float64 `yaml:"warning_threshold" toml:"warning_threshold"`
}

// SpendingConfig holds the spending cap rules
type SpendingConfig struct {
	Caps []CapConfig `yaml:"caps" toml:"caps"`
}

// CloudRangeConfig names extra prefixes attributed to a hosting provider
type CloudRangeConfig struct {
	Provider string   `yaml:"provider" toml:"provider"`
	CIDRs    []string `yaml:"cidrs" toml:"cidrs"`
}

// DetectionConfig holds classifier tuning
type DetectionConfig struct {
	Enabled     bool               `yaml:"enabled" toml:"enabled"`
	Threshold   float64            `yaml:"threshold" toml:"threshold"`
	Weights     map[string]float64 `yaml:"weights" toml:"weights"`
	CloudRanges []CloudRangeConfig `yaml:"cloud_ranges" toml:"cloud_ranges"`
}

// SweepConfig holds the background cleanup interval
type SweepConfig struct {
	Interval    time.Duration `yaml:"-" toml:"-"`
	IntervalRaw string        `yaml:"interval" toml:"interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every optional field populated.
// Loaded files are decoded over it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:           "127.0.0.1:8080",
			ShutdownTimeoutRaw: "5s",
		},
		Protocol: "agentgate",
		Auth: AuthConfig{
			TokenTTLRaw:      "1h",
			ChallengeTTLRaw:  "5m",
			ReauthSkewRaw:    "5m",
			VerifyTimeoutRaw: "2s",
		},
		RateLimits: RateLimitsConfig{
			Default:      RateLimitConfig{Requests: 100, WindowRaw: "1m"},
			Registration: RateLimitConfig{Requests: 10, WindowRaw: "1h"},
			PreAuth:      RateLimitConfig{Requests: 30, WindowRaw: "1m"},
		},
		Reputation: ReputationConfig{
			Initial:          50,
			Min:              0,
			Max:              100,
			FlagThreshold:    20,
			SuspendThreshold: 10,

			PaymentCreditIntervalRaw: "1h",
		},
		Detection: DetectionConfig{
			Enabled:   true,
			Threshold: 0.5,
		},
		Sweep:   SweepConfig{IntervalRaw: "1m"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// envVarPattern matches ${VAR_NAME}
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"auth.challenge_ttl", cfg.Auth.ChallengeTTLRaw, &cfg.Auth.ChallengeTTL},
		{"auth.reauth_skew", cfg.Auth.ReauthSkewRaw, &cfg.Auth.ReauthSkew},
		{"auth.verify_timeout", cfg.Auth.VerifyTimeoutRaw, &cfg.Auth.VerifyTimeout},
		{"rate_limits.default.window", cfg.RateLimits.Default.WindowRaw, &cfg.RateLimits.Default.Window},
		{"rate_limits.registration.window", cfg.RateLimits.Registration.WindowRaw, &cfg.RateLimits.Registration.Window},
		{"rate_limits.pre_auth.window", cfg.RateLimits.PreAuth.WindowRaw, &cfg.RateLimits.PreAuth.Window},
		{"reputation.payment_credit_interval", cfg.Reputation.PaymentCreditIntervalRaw, &cfg.Reputation.PaymentCreditInterval},
		{"sweep.interval", cfg.Sweep.IntervalRaw, &cfg.Sweep.Interval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}

	if c.Protocol == "" || strings.ContainsAny(c.Protocol, ": ") {
		return fmt.Errorf("protocol %q must be non-empty without spaces or colons", c.Protocol)
	}

	if len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}
	for _, f := range []struct {
		name string
		d    time.Duration
	}{
		{"auth.token_ttl", c.Auth.TokenTTL},
		{"auth.challenge_ttl", c.Auth.ChallengeTTL},
		{"auth.reauth_skew", c.Auth.ReauthSkew},
		{"auth.verify_timeout", c.Auth.VerifyTimeout},
	} {
		if f.d <= 0 {
			return fmt.Errorf("%s must be positive", f.name)
		}
	}

	if len(c.Scopes.Catalog) == 0 {
		return errors.New("scopes.catalog must list at least one scope")
	}
	seen := make(map[string]bool, len(c.Scopes.Catalog))
	for i, s := range c.Scopes.Catalog {
		if s.Name == "" {
			return fmt.Errorf("scopes.catalog[%d].name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("scopes.catalog has duplicate scope %q", s.Name)
		}
		seen[s.Name] = true
	}
	for _, d := range c.Scopes.Defaults {
		if !seen[d] {
			return fmt.Errorf("scopes.defaults entry %q is not in the catalog", d)
		}
	}

	if _, err := c.RateLimits.Default.Policy(); err != nil {
		return fmt.Errorf("rate_limits.default: %w", err)
	}
	if _, err := c.RateLimits.Registration.Policy(); err != nil {
		return fmt.Errorf("rate_limits.registration: %w", err)
	}
	if _, err := c.RateLimits.PreAuth.Policy(); err != nil {
		return fmt.Errorf("rate_limits.pre_auth: %w", err)
	}
	if c.Reputation.PaymentCreditInterval < 0 {
		return errors.New("reputation.payment_credit_interval must not be negative")
	}

	if _, err := c.BuildReputation(); err != nil {
		return fmt.Errorf("reputation: %w", err)
	}
	if _, err := c.BuildSpendingRules(); err != nil {
		return fmt.Errorf("spending: %w", err)
	}
	if _, err := c.BuildDetection(); err != nil {
		return fmt.Errorf("detection: %w", err)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// DefaultPath returns the configuration file location.
// Priority: AGENTGATE_CONFIG > XDG_CONFIG_HOME/agentgate/config.yaml > ~/.config/agentgate/config.yaml
func DefaultPath() string {
	if envPath := os.Getenv("AGENTGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agentgate", "config.yaml")
}
