// Package config handles loading and validation of civicarchive configuration
// from a YAML file and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// CIVICARCHIVE_ prefix:
//
//	server.address → CIVICARCHIVE_SERVER_ADDRESS
//	rate_limit.per_minute → CIVICARCHIVE_RATE_LIMIT_PER_MINUTE
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via CIVICARCHIVE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/civicarchive/config.yaml"

// minJWTSecretBytes is the minimum accepted length for the JWT signing
// secret. Shorter secrets make HS-family tokens brute-forceable offline.
const minJWTSecretBytes = 32

// ---------------------------------------------------------------------------
// Enum types: typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// RateLimitBackend selects where fixed-window counters live.
type RateLimitBackend string

const (
	RateLimitBackendMemory RateLimitBackend = "memory"
	RateLimitBackendRedis  RateLimitBackend = "redis"
)

func (b RateLimitBackend) Valid() bool {
	switch b {
	case RateLimitBackendMemory, RateLimitBackendRedis:
		return true
	}
	return false
}

// FailMode controls request admission while the remote counter backend is
// in a failure cooldown: admit everything (open) or reject everything
// (closed).
type FailMode string

const (
	FailModeOpen   FailMode = "open"
	FailModeClosed FailMode = "closed"
)

func (m FailMode) Valid() bool {
	switch m {
	case FailModeOpen, FailModeClosed:
		return true
	}
	return false
}

// JWTAlgorithm is the symmetric signing algorithm for bearer tokens.
type JWTAlgorithm string

const (
	JWTAlgorithmHS256 JWTAlgorithm = "hs256"
	JWTAlgorithmHS384 JWTAlgorithm = "hs384"
	JWTAlgorithmHS512 JWTAlgorithm = "hs512"
)

func (a JWTAlgorithm) Valid() bool {
	switch a {
	case JWTAlgorithmHS256, JWTAlgorithmHS384, JWTAlgorithmHS512:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// Config is the top-level civicarchive configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	Database  DatabaseConfig  `yaml:"database"   envPrefix:"DATABASE_"`
	Auth      AuthConfig      `yaml:"auth"       envPrefix:"AUTH_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Redis     RedisConfig     `yaml:"redis"      envPrefix:"REDIS_"`
	HTTP      HTTPConfig      `yaml:"http"       envPrefix:"HTTP_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`

	// Strict enables the production policy guardrails: startup fails when
	// no authentication mechanism is enabled, when wildcard host or origin
	// allowances remain, or when rate limiting is disabled.
	Strict bool `yaml:"strict" env:"STRICT"`
}

// ServerConfig holds the main API server settings.
type ServerConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`

	// MaxRequestBodyBytes caps state-changing request bodies. The payload
	// guard streams the body and aborts once the ceiling is exceeded.
	MaxRequestBodyBytes int64 `yaml:"max_request_body_bytes" env:"MAX_REQUEST_BODY_BYTES"`

	// TrustedProxies lists CIDR ranges whose X-Forwarded-For header is
	// honored for client identity resolution. When empty, the header is
	// never trusted and the connection peer address is always used.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// DatabaseConfig holds archive storage settings.
type DatabaseConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `yaml:"path" env:"PATH"`
}

// AuthConfig holds the authentication mechanisms. API key and JWT are
// independently configurable; either satisfies an authenticated request.
type AuthConfig struct {
	RequireAPIKey bool           `yaml:"require_api_key" env:"REQUIRE_API_KEY"`
	APIKey        RedactedString `yaml:"api_key"         env:"API_KEY"`
	// APIKeyHeader is the header carrying the key. Default: X-API-Key.
	APIKeyHeader string `yaml:"api_key_header" env:"API_KEY_HEADER"`

	RequireJWT   bool           `yaml:"require_jwt"   env:"REQUIRE_JWT"`
	JWTSecret    RedactedString `yaml:"jwt_secret"    env:"JWT_SECRET"`
	JWTAlgorithm JWTAlgorithm   `yaml:"jwt_algorithm" env:"JWT_ALGORITHM"`
	JWTAudience  string         `yaml:"jwt_audience"  env:"JWT_AUDIENCE"`
	JWTIssuer    string         `yaml:"jwt_issuer"    env:"JWT_ISSUER"`

	// Required scope per method class. Empty disables the check for that
	// class. AdminRole bypasses scope checking when the token's role claim
	// matches.
	ReadScope   string `yaml:"read_scope"   env:"READ_SCOPE"`
	WriteScope  string `yaml:"write_scope"  env:"WRITE_SCOPE"`
	DeleteScope string `yaml:"delete_scope" env:"DELETE_SCOPE"`
	AdminRole   string `yaml:"admin_role"   env:"ADMIN_ROLE"`
}

// Enabled reports whether any authentication mechanism is required.
func (a AuthConfig) Enabled() bool {
	return a.RequireAPIKey || a.RequireJWT
}

// RateLimitConfig holds fixed-window rate limiting settings.
type RateLimitConfig struct {
	// PerMinute is the per-identity request budget. 0 disables limiting.
	PerMinute int64 `yaml:"per_minute" env:"PER_MINUTE"`

	Backend RateLimitBackend `yaml:"backend" env:"BACKEND"`

	// KeyPrefix namespaces counter keys in the shared store.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`

	// Window is the fixed window length.
	Window string `yaml:"window" env:"WINDOW"`

	// Cooldown is how long the redis backend is skipped after a failure.
	Cooldown string `yaml:"cooldown" env:"COOLDOWN"`

	// FailMode decides requests while the backend is in cooldown.
	FailMode FailMode `yaml:"fail_mode" env:"FAIL_MODE"`

	// Timeout bounds each redis backend call.
	Timeout string `yaml:"timeout" env:"TIMEOUT"`
}

// Enabled reports whether rate limiting is active.
func (r RateLimitConfig) Enabled() bool { return r.PerMinute > 0 }

// HTTPConfig holds the outer HTTP policy: host allowlist and CORS.
type HTTPConfig struct {
	// AllowedHosts is a Host-header allowlist. A "*" entry allows any host
	// and is rejected in strict mode.
	AllowedHosts []string `yaml:"allowed_hosts" env:"ALLOWED_HOSTS" envSeparator:","`

	CORSAllowOrigins []string `yaml:"cors_allow_origins" env:"CORS_ALLOW_ORIGINS" envSeparator:","`
	CORSAllowMethods []string `yaml:"cors_allow_methods" env:"CORS_ALLOW_METHODS" envSeparator:","`
	CORSAllowHeaders []string `yaml:"cors_allow_headers" env:"CORS_ALLOW_HEADERS" envSeparator:","`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedactedString is a string that masks its value in String(), GoString(),
// and MarshalJSON() to prevent accidental leakage in logs or serialized
// output. Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:             ":8000",
			ReadTimeout:         "30s",
			WriteTimeout:        "30s",
			IdleTimeout:         "120s",
			DrainTimeout:        "30s",
			MaxRequestBodyBytes: 1 << 20,
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Database: DatabaseConfig{
			Path: "/var/lib/civicarchive/archive.db",
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
			JWTAlgorithm: JWTAlgorithmHS256,
			ReadScope:    "archive:read",
			WriteScope:   "archive:write",
			DeleteScope:  "archive:delete",
		},
		RateLimit: RateLimitConfig{
			Backend:   RateLimitBackendMemory,
			KeyPrefix: "rl:civicarchive",
			Window:    "1m",
			Cooldown:  "30s",
			FailMode:  FailModeOpen,
			Timeout:   "200ms",
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		HTTP: HTTPConfig{
			AllowedHosts:     []string{"*"},
			CORSAllowOrigins: []string{"*"},
			CORSAllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			CORSAllowHeaders: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "civicarchive",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("CIVICARCHIVE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/civicarchive/config.yaml
// and can be overridden via CIVICARCHIVE_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile)
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "CIVICARCHIVE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Redis" or
// env values like "HS256" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.RateLimit.Backend = RateLimitBackend(strings.ToLower(string(cfg.RateLimit.Backend)))
	cfg.RateLimit.FailMode = FailMode(strings.ToLower(string(cfg.RateLimit.FailMode)))
	cfg.Auth.JWTAlgorithm = JWTAlgorithm(strings.ToLower(string(cfg.Auth.JWTAlgorithm)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
}

// Validate checks that the configuration is internally consistent.
// Invalid configuration is a fatal startup error, never a per-request one.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateServer(cfg); err != nil {
		return err
	}
	if err := validateAuth(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	if err := validateTracing(cfg); err != nil {
		return err
	}
	return validateStrict(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"rate_limit.window", cfg.RateLimit.Window},
		{"rate_limit.cooldown", cfg.RateLimit.Cooldown},
		{"rate_limit.timeout", cfg.RateLimit.Timeout},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateServer(cfg *Config) error {
	if cfg.Server.MaxRequestBodyBytes < 0 {
		return fmt.Errorf("server.max_request_body_bytes must be >= 0")
	}
	for _, raw := range cfg.Server.TrustedProxies {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(value); err != nil {
			return fmt.Errorf("invalid server.trusted_proxies entry %q: %w", value, err)
		}
	}
	return nil
}

func validateAuth(cfg *Config) error {
	if cfg.Auth.APIKeyHeader == "" {
		cfg.Auth.APIKeyHeader = "X-API-Key"
	}
	if cfg.Auth.RequireAPIKey && cfg.Auth.APIKey.Value() == "" {
		return fmt.Errorf("auth.api_key is required when auth.require_api_key is true")
	}
	if cfg.Auth.RequireJWT {
		if !cfg.Auth.JWTAlgorithm.Valid() {
			return fmt.Errorf("invalid auth.jwt_algorithm %q: must be hs256, hs384, or hs512", cfg.Auth.JWTAlgorithm)
		}
		if len(cfg.Auth.JWTSecret.Value()) < minJWTSecretBytes {
			return fmt.Errorf("auth.jwt_secret must be at least %d bytes when auth.require_jwt is true", minJWTSecretBytes)
		}
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	if cfg.RateLimit.PerMinute < 0 {
		return fmt.Errorf("rate_limit.per_minute must be >= 0")
	}
	if !cfg.RateLimit.Backend.Valid() {
		return fmt.Errorf("invalid rate_limit.backend %q: must be memory or redis", cfg.RateLimit.Backend)
	}
	if !cfg.RateLimit.FailMode.Valid() {
		return fmt.Errorf("invalid rate_limit.fail_mode %q: must be open or closed", cfg.RateLimit.FailMode)
	}
	if cfg.RateLimit.Enabled() && cfg.RateLimit.Backend == RateLimitBackendRedis && len(cfg.Redis.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints is required when rate_limit.backend is redis")
	}
	return nil
}

func validateRedis(cfg *Config) error {
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// validateStrict enforces the production guardrails. These gate startup
// only; they never change per-request behavior.
func validateStrict(cfg *Config) error {
	if !cfg.Strict {
		return nil
	}
	if !cfg.Auth.Enabled() {
		return fmt.Errorf("strict mode: at least one of auth.require_api_key or auth.require_jwt must be enabled")
	}
	if !cfg.RateLimit.Enabled() {
		return fmt.Errorf("strict mode: rate_limit.per_minute must be > 0")
	}
	if containsWildcard(cfg.HTTP.AllowedHosts) {
		return fmt.Errorf("strict mode: http.allowed_hosts must not contain %q", "*")
	}
	if containsWildcard(cfg.HTTP.CORSAllowOrigins) {
		return fmt.Errorf("strict mode: http.cors_allow_origins must not contain %q", "*")
	}
	return nil
}

func containsWildcard(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) == "*" {
			return true
		}
	}
	return false
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}
