package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	envFile    string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`),
	}
}

// WithEnvFile makes Load read a dotenv file before expanding variables.
// Variables already present in the process environment win.
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", l.envFile, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDerived(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
// Unset variables without a default are left untouched.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := l.envPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(parts[1]); ok && value != "" {
			return value
		}
		if parts[2] != "" {
			return parts[3]
		}
		return match
	})
}

// applyDerived fills values computed from other fields.
func applyDerived(cfg *Config) {
	issuer := strings.TrimSuffix(cfg.Auth.Issuer, "/")
	if cfg.Auth.JWKSURL == "" && issuer != "" {
		cfg.Auth.JWKSURL = issuer + "/protocol/openid-connect/certs"
	}
	if cfg.Auth.AuthorizeURL == "" && issuer != "" {
		cfg.Auth.AuthorizeURL = issuer + "/protocol/openid-connect/auth"
	}
	if cfg.Auth.LogoutURL == "" && issuer != "" {
		cfg.Auth.LogoutURL = issuer + "/protocol/openid-connect/logout"
	}
	for i := range cfg.Routes {
		if cfg.Routes[i].FallbackMessage == "" {
			cfg.Routes[i].FallbackMessage = "The requested service is currently unavailable"
		}
	}
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	switch cfg.Mode {
	case ModeDevelopment, ModeProduction, ModeTest:
	default:
		return fmt.Errorf("invalid mode: %q", cfg.Mode)
	}

	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be > 0")
	}
	if cfg.Server.TLS.Enabled && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls enabled but cert_file or key_file not provided")
	}
	if cfg.Admin.Enabled && cfg.Admin.Listen == "" {
		return fmt.Errorf("admin.listen is required when admin is enabled")
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("invalid logging.format: %q", cfg.Logging.Format)
	}

	if cfg.Tracing.Enabled && (cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	for _, m := range cfg.CORS.AllowedMethods {
		if !validHTTPMethods[strings.ToUpper(m)] {
			return fmt.Errorf("cors: invalid method %q", m)
		}
	}
	if cfg.CORS.MaxAge < 0 {
		return fmt.Errorf("cors.max_age must be >= 0")
	}

	for i, rule := range cfg.Validation {
		if rule.Path == "" {
			return fmt.Errorf("validation rule %d: path is required", i)
		}
		if rule.Schema == "" && rule.SchemaFile == "" {
			return fmt.Errorf("validation rule %s: schema or schema_file is required", rule.Path)
		}
		for _, m := range rule.Methods {
			if !validHTTPMethods[strings.ToUpper(m)] {
				return fmt.Errorf("validation rule %s: invalid method %q", rule.Path, m)
			}
		}
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
		if _, err := parseAbsoluteURL(cfg.Auth.JWKSURL); err != nil {
			return fmt.Errorf("auth.jwks_url: %w", err)
		}
	}

	if err := l.validateRateLimit(cfg.RateLimit); err != nil {
		return err
	}

	if cfg.RateLimit.Enabled && cfg.RateLimit.Store == StoreRedis && cfg.Redis.Address == "" {
		return fmt.Errorf("redis.address is required for the redis rate limit store")
	}

	names := make(map[string]bool)
	for i, route := range cfg.Routes {
		if route.Name == "" {
			return fmt.Errorf("route %d: name is required", i)
		}
		if names[route.Name] {
			return fmt.Errorf("duplicate route name: %s", route.Name)
		}
		names[route.Name] = true

		if !strings.HasPrefix(route.Prefix, "/") {
			return fmt.Errorf("route %s: prefix must start with '/'", route.Name)
		}
		if _, err := parseAbsoluteURL(route.Target); err != nil {
			return fmt.Errorf("route %s: target: %w", route.Name, err)
		}
		if route.Rewrite.Pattern != "" {
			if _, err := regexp.Compile(route.Rewrite.Pattern); err != nil {
				return fmt.Errorf("route %s: invalid rewrite pattern: %w", route.Name, err)
			}
		}
		if route.Timeout < 0 {
			return fmt.Errorf("route %s: timeout must be >= 0", route.Name)
		}
	}

	return nil
}

func (l *Loader) validateRateLimit(cfg RateLimitConfig) error {
	if !cfg.Enabled {
		return nil
	}
	switch cfg.Store {
	case StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("rate_limit: invalid store %q", cfg.Store)
	}
	switch cfg.FailurePolicy {
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("rate_limit: invalid failure_policy %q (want open or closed)", cfg.FailurePolicy)
	}
	if cfg.StoreTimeout <= 0 {
		return fmt.Errorf("rate_limit.store_timeout must be > 0")
	}

	seen := make(map[string]bool)
	for i, tier := range cfg.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("rate_limit tier %d: name is required", i)
		}
		if seen[tier.Name] {
			return fmt.Errorf("duplicate rate_limit tier: %s", tier.Name)
		}
		seen[tier.Name] = true

		if tier.Limit <= 0 {
			return fmt.Errorf("rate_limit tier %s: limit must be > 0", tier.Name)
		}
		if tier.Window <= 0 {
			return fmt.Errorf("rate_limit tier %s: window must be > 0", tier.Name)
		}
		switch tier.Key {
		case KeyIPSubject, KeyAPIKey, KeyRecovery:
		default:
			return fmt.Errorf("rate_limit tier %s: invalid key strategy %q", tier.Name, tier.Key)
		}
		for _, m := range append(append([]string{}, tier.Methods...), tier.SkipMethods...) {
			if !validHTTPMethods[strings.ToUpper(m)] {
				return fmt.Errorf("rate_limit tier %s: invalid method %q", tier.Name, m)
			}
		}
	}
	return nil
}

func parseAbsoluteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%q must be an absolute http(s) URL", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%q has no host", raw)
	}
	return u, nil
}
