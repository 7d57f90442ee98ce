package config

import (
	"time"
)

// Run modes. Production mode hides internal error detail from clients and
// shrinks audit body capture.
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
	ModeTest        = "test"
)

// Rate limit counter store kinds.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Counter store failure policies.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

// Rate limit key strategies.
const (
	KeyIPSubject = "ip_subject"
	KeyAPIKey    = "api_key"
	KeyRecovery  = "recovery"
)

// Config represents the complete gateway configuration
type Config struct {
	Mode       string           `yaml:"mode"`
	Server     ServerConfig     `yaml:"server"`
	Admin      AdminConfig      `yaml:"admin"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Security   SecurityConfig   `yaml:"security_headers"`
	CORS       CORSConfig       `yaml:"cors"`
	Sanitize   SanitizeConfig   `yaml:"sanitize"`
	Validation []ValidationRule `yaml:"validation"`
	Auth       AuthConfig       `yaml:"auth"`
	Redis      RedisConfig      `yaml:"redis"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Transport  TransportConfig  `yaml:"transport"`
	Routes     []RouteConfig    `yaml:"routes"`
	Audit      AuditConfig      `yaml:"audit"`
}

// IsProduction reports whether the gateway runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Mode == ModeProduction
}

// ServerConfig defines the public listener
type ServerConfig struct {
	Listen            string        `yaml:"listen"`
	AppURL            string        `yaml:"app_url"`
	TrustProxy        bool          `yaml:"trust_proxy"` // honour X-Forwarded-For / X-Real-IP from the peer
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	TLS               TLSConfig     `yaml:"tls"`
}

// TLSConfig defines TLS termination settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AdminConfig defines the admin listener serving metrics
type AdminConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	MetricsPath string `yaml:"metrics_path"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`  // debug, info, warn, error
	Format   string            `yaml:"format"` // json or console
	Output   string            `yaml:"output"` // stdout, stderr, or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig configures file rotation when Output is a path
type LogRotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age"`
	Compress   bool `yaml:"compress"`
}

// TracingConfig defines OpenTelemetry export settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// SecurityConfig defines the hardening headers written on every response
type SecurityConfig struct {
	ContentSecurityPolicy        string            `yaml:"content_security_policy"`
	StrictTransportSecurity      string            `yaml:"strict_transport_security"`
	XFrameOptions                string            `yaml:"x_frame_options"`
	ReferrerPolicy               string            `yaml:"referrer_policy"`
	CrossOriginOpenerPolicy      string            `yaml:"cross_origin_opener_policy"`
	CrossOriginResourcePolicy    string            `yaml:"cross_origin_resource_policy"`
	PermittedCrossDomainPolicies string            `yaml:"permitted_cross_domain_policies"`
	XSSProtection                string            `yaml:"xss_protection"`
	NoStorePaths                 []string          `yaml:"no_store_paths"`
	CustomHeaders                map[string]string `yaml:"custom_headers"`
}

// CORSConfig defines the cross-origin policy
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	ExposedHeaders   []string `yaml:"exposed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"` // seconds
}

// SanitizeConfig defines input sanitization
type SanitizeConfig struct {
	Enabled           bool     `yaml:"enabled"`
	StripOperatorKeys bool     `yaml:"strip_operator_keys"` // drop object keys starting with '$' or containing '.'
	DuplicateParams   []string `yaml:"duplicate_params"`    // query keys allowed to repeat
}

// ValidationRule binds a JSON schema to request bodies under a path prefix
type ValidationRule struct {
	Path       string   `yaml:"path"`
	Methods    []string `yaml:"methods"`
	Schema     string   `yaml:"schema"`      // inline JSON schema
	SchemaFile string   `yaml:"schema_file"` // path to JSON schema file
}

// AuthConfig defines bearer token validation against the identity provider
type AuthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Issuer          string        `yaml:"issuer"`
	Audience        string        `yaml:"audience"`
	JWKSURL         string        `yaml:"jwks_url"` // defaults to <issuer>/protocol/openid-connect/certs
	ClientID        string        `yaml:"client_id"`
	Realm           string        `yaml:"realm"`
	Algorithms      []string      `yaml:"algorithms"`
	Leeway          time.Duration `yaml:"leeway"`
	PublicPaths     []string      `yaml:"public_paths"`
	RefreshInterval time.Duration `yaml:"refresh_interval"` // background JWKS refresh
	MissRefreshGap  time.Duration `yaml:"miss_refresh_gap"` // minimum gap between refreshes on unknown kid
	StartupTimeout  time.Duration `yaml:"startup_timeout"`
	AuthorizeURL    string        `yaml:"authorize_url"`
	LogoutURL       string        `yaml:"logout_url"`
}

// RedisConfig defines the shared counter store connection
type RedisConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RateLimitConfig defines tiered fixed-window rate limiting
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Store         string        `yaml:"store"`          // redis or memory
	FailurePolicy string        `yaml:"failure_policy"` // open or closed
	Prefix        string        `yaml:"prefix"`
	StoreTimeout  time.Duration `yaml:"store_timeout"`
	MaxKeys       int           `yaml:"max_keys"` // memory store capacity
	Tiers         []TierConfig  `yaml:"tiers"`
}

// TierConfig is one named rate limit tier. Tiers are evaluated in order and
// the first matching tier applies.
type TierConfig struct {
	Name          string        `yaml:"name"`
	Limit         int64         `yaml:"limit"`
	Window        time.Duration `yaml:"window"`
	Key           string        `yaml:"key"` // ip_subject, api_key, recovery
	Message       string        `yaml:"message"`
	Paths         []string      `yaml:"paths"`
	Methods       []string      `yaml:"methods"`
	RequireHeader string        `yaml:"require_header"`
	SkipPaths     []string      `yaml:"skip_paths"`
	SkipMethods   []string      `yaml:"skip_methods"`
}

// TransportConfig defines upstream connection pooling
type TransportConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
	FlushInterval         time.Duration `yaml:"flush_interval"`
}

// RouteConfig is one entry of the ordered prefix table
type RouteConfig struct {
	Name                 string            `yaml:"name"`
	Prefix               string            `yaml:"prefix"`
	Target               string            `yaml:"target"`
	Rewrite              RewriteConfig     `yaml:"rewrite"`
	Timeout              time.Duration     `yaml:"timeout"`
	WebSocket            bool              `yaml:"websocket"`
	FallbackMessage      string            `yaml:"fallback_message"`
	PreserveHost         bool              `yaml:"preserve_host"`
	ForwardAuthorization bool              `yaml:"forward_authorization"`
	RequestHeaders       map[string]string `yaml:"request_headers"`
	ResponseHeaders      map[string]string `yaml:"response_headers"`
}

// RewriteConfig is a regex path rewrite
type RewriteConfig struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// AuditConfig defines request/response audit logging
type AuditConfig struct {
	Enabled          bool     `yaml:"enabled"`
	SkipPaths        []string `yaml:"skip_paths"`
	SensitiveHeaders []string `yaml:"sensitive_headers"`
	SensitiveFields  []string `yaml:"sensitive_fields"`
	MaxBody          int      `yaml:"max_body"` // 0 picks the mode default
	PreviewChars     int      `yaml:"preview_chars"`
	LogRequestBody   bool     `yaml:"log_request_body"`
}

// AuditBodyCap returns the effective audit body capture limit.
func (c *Config) AuditBodyCap() int {
	if c.Audit.MaxBody > 0 {
		return c.Audit.MaxBody
	}
	if c.IsProduction() {
		return 1 << 10
	}
	return 1 << 20
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Mode: ModeDevelopment,
		Server: ServerConfig{
			Listen:            ":8080",
			AppURL:            "http://localhost:8080",
			MaxBodyBytes:      10 << 20,
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownGrace:     10 * time.Second,
		},
		Admin: AdminConfig{
			Enabled:     true,
			Listen:      ":9091",
			MetricsPath: "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 14,
			},
		},
		Tracing: TracingConfig{
			ServiceName: "edgegate",
			SampleRate:  1.0,
		},
		Security: SecurityConfig{
			ContentSecurityPolicy: "default-src 'self'; script-src 'self' 'unsafe-inline'; " +
				"style-src 'self' 'unsafe-inline'; img-src 'self' data:; object-src 'none'; " +
				"frame-ancestors 'none'; upgrade-insecure-requests",
			StrictTransportSecurity:      "max-age=63072000; includeSubDomains; preload",
			XFrameOptions:                "DENY",
			ReferrerPolicy:               "no-referrer",
			CrossOriginOpenerPolicy:      "same-origin",
			CrossOriginResourcePolicy:    "same-site",
			PermittedCrossDomainPolicies: "none",
			XSSProtection:                "1; mode=block",
			NoStorePaths:                 []string{"/api/v1/auth", "/api/v1/me"},
		},
		CORS: CORSConfig{
			AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:8080"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
			AllowedHeaders:   []string{"Origin", "X-Requested-With", "Content-Type", "Accept", "Authorization", "X-Auth-Token"},
			ExposedHeaders:   []string{"X-Request-Id", "RateLimit-Limit", "RateLimit-Remaining", "RateLimit-Reset"},
			AllowCredentials: true,
			MaxAge:           600,
		},
		Sanitize: SanitizeConfig{
			Enabled:           true,
			StripOperatorKeys: true,
		},
		Auth: AuthConfig{
			Enabled:    true,
			Issuer:     "http://localhost:8085/auth/realms/opera-realm",
			Audience:   "account",
			ClientID:   "opera-gateway",
			Realm:      "api",
			Algorithms: []string{"RS256"},
			PublicPaths: []string{
				"/health", "/actuator/health", "/actuator/info",
				"/swagger-ui/", "/v3/api-docs", "/swagger-resources",
				"/playground", "/graphiql", "/graphql",
				"/login", "/oauth2",
				"/api/v1/public",
				"/api/v1/auth/login", "/api/v1/auth/logout", "/api/v1/auth/callback", "/api/v1/auth/me",
			},
			RefreshInterval: 15 * time.Minute,
			MissRefreshGap:  10 * time.Second,
			StartupTimeout:  30 * time.Second,
		},
		Redis: RedisConfig{
			Address:     "localhost:6379",
			PoolSize:    20,
			DialTimeout: 2 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			Store:         StoreRedis,
			FailurePolicy: FailOpen,
			Prefix:        "rate-limit:",
			StoreTimeout:  100 * time.Millisecond,
			MaxKeys:       100000,
			Tiers:         DefaultTiers(),
		},
		Transport: TransportConfig{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialTimeout:         30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			InsecureSkipVerify:  true,
			FlushInterval:       100 * time.Millisecond,
		},
		Routes: DefaultRoutes("http://localhost:8081", "http://localhost:8082"),
		Audit: AuditConfig{
			Enabled:   true,
			SkipPaths: []string{"/health", "/metrics", "/favicon.ico", "/robots.txt", "/public/"},
			SensitiveHeaders: []string{
				"authorization", "cookie", "set-cookie", "x-api-key",
				"x-access-token", "x-refresh-token", "proxy-authorization", "x-auth-token",
			},
			SensitiveFields: []string{
				"password", "newPassword", "currentPassword", "confirmPassword",
				"token", "accessToken", "refreshToken", "apiKey", "secret",
				"creditCard", "cardNumber", "cvv", "ssn", "socialSecurityNumber", "authorization",
			},
			PreviewChars:   500,
			LogRequestBody: true,
		},
	}
}

// DefaultTiers returns the stock rate limit tiers, most specific first.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{
			Name:    "recovery",
			Limit:   5,
			Window:  time.Hour,
			Key:     KeyRecovery,
			Message: "Too many recovery attempts, please try again later.",
			Paths:   []string{"/api/v1/auth/recover"},
		},
		{
			Name:    "sensitive",
			Limit:   10,
			Window:  time.Hour,
			Key:     KeyIPSubject,
			Message: "Too many attempts, please try again later.",
			Paths:   []string{"/api/v1/auth/password", "/api/v1/account/delete"},
		},
		{
			Name:          "apikey",
			Limit:         1000,
			Window:        time.Hour,
			Key:           KeyAPIKey,
			Message:       "Too many requests, please try again later.",
			RequireHeader: "X-API-Key",
			SkipMethods:   []string{"OPTIONS"},
		},
		{
			Name:    "auth",
			Limit:   20,
			Window:  15 * time.Minute,
			Key:     KeyIPSubject,
			Message: "Too many login attempts, please try again later.",
			Paths:   []string{"/api/v1/auth"},
		},
		{
			Name:      "api",
			Limit:     100,
			Window:    15 * time.Minute,
			Key:       KeyIPSubject,
			Message:   "Too many requests, please try again later.",
			Paths:     []string{"/api"},
			SkipPaths: []string{"/health", "/static/"},
		},
		{
			Name:        "public",
			Limit:       200,
			Window:      15 * time.Minute,
			Key:         KeyIPSubject,
			Message:     "Too many requests, please try again later.",
			SkipPaths:   []string{"/health"},
			SkipMethods: []string{"OPTIONS"},
		},
	}
}

// DefaultRoutes returns the stock backend table for the opera and shows services.
func DefaultRoutes(operaURL, showsURL string) []RouteConfig {
	return []RouteConfig{
		{
			Name:            "opera-service",
			Prefix:          "/opera",
			Target:          operaURL,
			Rewrite:         RewriteConfig{Pattern: "^/opera", Replacement: "/api"},
			Timeout:         30 * time.Second,
			WebSocket:       true,
			FallbackMessage: "Opera Service is currently unavailable",
		},
		{
			Name:            "shows-service",
			Prefix:          "/shows",
			Target:          showsURL,
			Rewrite:         RewriteConfig{Pattern: "^/shows", Replacement: "/api"},
			Timeout:         30 * time.Second,
			WebSocket:       true,
			FallbackMessage: "Shows Service is currently unavailable",
		},
		{
			Name:            "graphql",
			Prefix:          "/graphql",
			Target:          operaURL,
			Timeout:         30 * time.Second,
			WebSocket:       true,
			FallbackMessage: "GraphQL Service is currently unavailable",
		},
		{
			Name:            "playground",
			Prefix:          "/playground",
			Target:          operaURL,
			Timeout:         30 * time.Second,
			WebSocket:       true,
			FallbackMessage: "Playground is currently unavailable",
		},
	}
}
