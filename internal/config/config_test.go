package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parseEnv is a test helper that applies env overrides to cfg using the same
// mechanism as Load(). It mirrors the CIVICARCHIVE_ prefix used in production.
func parseEnv(t *testing.T, cfg *Config) {
	t.Helper()
	require.NoError(t, env.ParseWithOptions(cfg, env.Options{Prefix: "CIVICARCHIVE_"}))
}

func TestDefaults(t *testing.T) {
	t.Run("returns non-nil config with sensible defaults", func(t *testing.T) {
		cfg := Defaults()

		assert.Equal(t, ":8000", cfg.Server.Address)
		assert.Equal(t, ":9090", cfg.Admin.Address)
		assert.Equal(t, "30s", cfg.Server.ReadTimeout)
		assert.Equal(t, int64(1<<20), cfg.Server.MaxRequestBodyBytes)
		assert.Empty(t, cfg.Server.TrustedProxies)
		assert.Equal(t, "X-API-Key", cfg.Auth.APIKeyHeader)
		assert.Equal(t, JWTAlgorithmHS256, cfg.Auth.JWTAlgorithm)
		assert.Equal(t, int64(0), cfg.RateLimit.PerMinute)
		assert.Equal(t, RateLimitBackendMemory, cfg.RateLimit.Backend)
		assert.Equal(t, FailModeOpen, cfg.RateLimit.FailMode)
		assert.Equal(t, "1m", cfg.RateLimit.Window)
		assert.Equal(t, RedisModeSingle, cfg.Redis.Mode)
		assert.Equal(t, []string{"localhost:6379"}, cfg.Redis.Endpoints)
		assert.Equal(t, 10, cfg.Redis.PoolSize)
		assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
		assert.Equal(t, LogFormatJSON, cfg.Logging.Format)
		assert.Equal(t, "civicarchive", cfg.Tracing.ServiceName)
		assert.Equal(t, 0.1, cfg.Tracing.SampleRate)
		assert.False(t, cfg.Strict)
	})

	t.Run("defaults pass validation", func(t *testing.T) {
		require.NoError(t, Validate(Defaults()))
	})
}

func TestLoadFromYAML(t *testing.T) {
	t.Run("parses valid YAML file", func(t *testing.T) {
		yamlContent := `
server:
  address: ":9999"
  max_request_body_bytes: 2048
  trusted_proxies:
    - "10.0.0.0/8"
rate_limit:
  per_minute: 120
  backend: memory
auth:
  require_api_key: true
  api_key: "super-secret-key"
logging:
  level: "debug"
  format: "text"
`
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte(yamlContent), 0o644))

		t.Setenv("CIVICARCHIVE_CONFIG_FILE", cfgFile)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":9999", cfg.Server.Address)
		assert.Equal(t, int64(2048), cfg.Server.MaxRequestBodyBytes)
		assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Server.TrustedProxies)
		assert.Equal(t, int64(120), cfg.RateLimit.PerMinute)
		assert.True(t, cfg.Auth.RequireAPIKey)
		assert.Equal(t, "super-secret-key", cfg.Auth.APIKey.Value())
		assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
		assert.Equal(t, LogFormatText, cfg.Logging.Format)
	})

	t.Run("missing file falls back to defaults", func(t *testing.T) {
		t.Setenv("CIVICARCHIVE_CONFIG_FILE", "/nonexistent/config.yaml")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ":8000", cfg.Server.Address)
	})

	t.Run("malformed YAML is rejected", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte("{{{not yaml"), 0o644))

		t.Setenv("CIVICARCHIVE_CONFIG_FILE", cfgFile)

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing config file")
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Run("env vars override file values", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte("server:\n  address: \":7777\"\n"), 0o644))

		t.Setenv("CIVICARCHIVE_CONFIG_FILE", cfgFile)
		t.Setenv("CIVICARCHIVE_SERVER_ADDRESS", ":8888")
		t.Setenv("CIVICARCHIVE_RATE_LIMIT_PER_MINUTE", "60")
		t.Setenv("CIVICARCHIVE_RATE_LIMIT_BACKEND", "redis")
		t.Setenv("CIVICARCHIVE_REDIS_ENDPOINTS", "redis-a:6379")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":8888", cfg.Server.Address)
		assert.Equal(t, int64(60), cfg.RateLimit.PerMinute)
		assert.Equal(t, RateLimitBackendRedis, cfg.RateLimit.Backend)
		assert.Equal(t, []string{"redis-a:6379"}, cfg.Redis.Endpoints)
	})

	t.Run("comma-separated list envs", func(t *testing.T) {
		cfg := Defaults()
		t.Setenv("CIVICARCHIVE_SERVER_TRUSTED_PROXIES", "10.0.0.0/8,192.168.0.0/16")
		t.Setenv("CIVICARCHIVE_HTTP_ALLOWED_HOSTS", "archive.example.com,localhost")
		parseEnv(t, cfg)

		assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, cfg.Server.TrustedProxies)
		assert.Equal(t, []string{"archive.example.com", "localhost"}, cfg.HTTP.AllowedHosts)
	})

	t.Run("secret envs are parsed into redacted strings", func(t *testing.T) {
		cfg := Defaults()
		t.Setenv("CIVICARCHIVE_AUTH_JWT_SECRET", strings.Repeat("k", 32))
		parseEnv(t, cfg)

		assert.Equal(t, strings.Repeat("k", 32), cfg.Auth.JWTSecret.Value())
	})
}

func TestNormalize(t *testing.T) {
	t.Run("lowercases enum fields", func(t *testing.T) {
		cfg := Defaults()
		cfg.RateLimit.Backend = "Redis"
		cfg.RateLimit.FailMode = "CLOSED"
		cfg.Auth.JWTAlgorithm = "HS256"
		cfg.Redis.Mode = "Sentinel"
		cfg.Logging.Level = "DEBUG"
		cfg.Logging.Format = "Text"

		cfg.normalize()

		assert.Equal(t, RateLimitBackendRedis, cfg.RateLimit.Backend)
		assert.Equal(t, FailModeClosed, cfg.RateLimit.FailMode)
		assert.Equal(t, JWTAlgorithmHS256, cfg.Auth.JWTAlgorithm)
		assert.Equal(t, RedisModeSentinel, cfg.Redis.Mode)
		assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
		assert.Equal(t, LogFormatText, cfg.Logging.Format)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config { return Defaults() }

	t.Run("rejects negative body ceiling", func(t *testing.T) {
		cfg := valid()
		cfg.Server.MaxRequestBodyBytes = -1
		require.Error(t, Validate(cfg))
	})

	t.Run("rejects malformed trusted proxy CIDR", func(t *testing.T) {
		cfg := valid()
		cfg.Server.TrustedProxies = []string{"10.0.0.1"}
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "trusted_proxies")
	})

	t.Run("accepts IPv6 trusted proxy CIDR", func(t *testing.T) {
		cfg := valid()
		cfg.Server.TrustedProxies = []string{"fd00::/8"}
		require.NoError(t, Validate(cfg))
	})

	t.Run("rejects invalid duration strings", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.Cooldown = "banana"
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate_limit.cooldown")
	})

	t.Run("requires api_key when require_api_key", func(t *testing.T) {
		cfg := valid()
		cfg.Auth.RequireAPIKey = true
		require.Error(t, Validate(cfg))

		cfg.Auth.APIKey = "some-key"
		require.NoError(t, Validate(cfg))
	})

	t.Run("requires strong jwt secret when require_jwt", func(t *testing.T) {
		cfg := valid()
		cfg.Auth.RequireJWT = true
		cfg.Auth.JWTSecret = "short"
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jwt_secret")

		cfg.Auth.JWTSecret = RedactedString(strings.Repeat("a", 32))
		require.NoError(t, Validate(cfg))
	})

	t.Run("rejects unsupported jwt algorithm", func(t *testing.T) {
		cfg := valid()
		cfg.Auth.RequireJWT = true
		cfg.Auth.JWTSecret = RedactedString(strings.Repeat("a", 32))
		cfg.Auth.JWTAlgorithm = "rs256"
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jwt_algorithm")
	})

	t.Run("rejects negative per_minute", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.PerMinute = -5
		require.Error(t, Validate(cfg))
	})

	t.Run("rejects unknown rate limit backend", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.Backend = "memcached"
		require.Error(t, Validate(cfg))
	})

	t.Run("rejects unknown fail mode", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.FailMode = "maybe"
		require.Error(t, Validate(cfg))
	})

	t.Run("redis backend requires endpoints", func(t *testing.T) {
		cfg := valid()
		cfg.RateLimit.PerMinute = 10
		cfg.RateLimit.Backend = RateLimitBackendRedis
		cfg.Redis.Endpoints = nil
		require.Error(t, Validate(cfg))
	})

	t.Run("single mode rejects multiple endpoints", func(t *testing.T) {
		cfg := valid()
		cfg.Redis.Endpoints = []string{"a:6379", "b:6379"}
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "single mode")
	})

	t.Run("sentinel mode requires master name", func(t *testing.T) {
		cfg := valid()
		cfg.Redis.Mode = RedisModeSentinel
		cfg.Redis.Endpoints = []string{"a:26379", "b:26379"}
		require.Error(t, Validate(cfg))

		cfg.Redis.MasterName = "mymaster"
		require.NoError(t, Validate(cfg))
	})

	t.Run("tracing enabled requires endpoint", func(t *testing.T) {
		cfg := valid()
		cfg.Tracing.Enabled = true
		require.Error(t, Validate(cfg))

		cfg.Tracing.Endpoint = "localhost:4318"
		require.NoError(t, Validate(cfg))
	})
}

func TestValidateStrict(t *testing.T) {
	// strictBase is a config that satisfies every strict-mode guardrail.
	strictBase := func() *Config {
		cfg := Defaults()
		cfg.Strict = true
		cfg.Auth.RequireAPIKey = true
		cfg.Auth.APIKey = "strict-key"
		cfg.RateLimit.PerMinute = 60
		cfg.HTTP.AllowedHosts = []string{"archive.example.com"}
		cfg.HTTP.CORSAllowOrigins = []string{"https://archive.example.com"}
		return cfg
	}

	t.Run("valid strict config passes", func(t *testing.T) {
		require.NoError(t, Validate(strictBase()))
	})

	t.Run("fails without any auth mechanism", func(t *testing.T) {
		cfg := strictBase()
		cfg.Auth.RequireAPIKey = false
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "strict mode")
	})

	t.Run("jwt alone satisfies the auth guardrail", func(t *testing.T) {
		cfg := strictBase()
		cfg.Auth.RequireAPIKey = false
		cfg.Auth.RequireJWT = true
		cfg.Auth.JWTSecret = RedactedString(strings.Repeat("s", 32))
		require.NoError(t, Validate(cfg))
	})

	t.Run("fails with rate limiting disabled", func(t *testing.T) {
		cfg := strictBase()
		cfg.RateLimit.PerMinute = 0
		require.Error(t, Validate(cfg))
	})

	t.Run("fails with wildcard hosts", func(t *testing.T) {
		cfg := strictBase()
		cfg.HTTP.AllowedHosts = []string{"archive.example.com", "*"}
		require.Error(t, Validate(cfg))
	})

	t.Run("fails with wildcard CORS origins", func(t *testing.T) {
		cfg := strictBase()
		cfg.HTTP.CORSAllowOrigins = []string{"*"}
		require.Error(t, Validate(cfg))
	})

	t.Run("guardrails are inert outside strict mode", func(t *testing.T) {
		cfg := strictBase()
		cfg.Strict = false
		cfg.Auth.RequireAPIKey = false
		cfg.RateLimit.PerMinute = 0
		cfg.HTTP.AllowedHosts = []string{"*"}
		require.NoError(t, Validate(cfg))
	})
}

func TestRedactedString(t *testing.T) {
	t.Run("masks value in String", func(t *testing.T) {
		s := RedactedString("secret")
		assert.Equal(t, "[REDACTED]", s.String())
		assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
		assert.Equal(t, "[REDACTED]", fmt.Sprintf("%s", s))
	})

	t.Run("empty value stays empty", func(t *testing.T) {
		assert.Equal(t, "", RedactedString("").String())
	})

	t.Run("masks value in JSON", func(t *testing.T) {
		data, err := json.Marshal(RedactedString("secret"))
		require.NoError(t, err)
		assert.Equal(t, `"[REDACTED]"`, string(data))

		data, err = json.Marshal(RedactedString(""))
		require.NoError(t, err)
		assert.Equal(t, `""`, string(data))
	})

	t.Run("Value exposes the secret", func(t *testing.T) {
		assert.Equal(t, "secret", RedactedString("secret").Value())
	})
}

func TestParseDuration(t *testing.T) {
	t.Run("empty string returns default", func(t *testing.T) {
		d, err := ParseDuration("", 5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), int64(d))
	})

	t.Run("parses valid duration", func(t *testing.T) {
		d, err := ParseDuration("30s", 0)
		require.NoError(t, err)
		assert.Equal(t, "30s", d.String())
	})

	t.Run("MustParseDuration falls back on error", func(t *testing.T) {
		assert.Equal(t, int64(7), int64(MustParseDuration("garbage", 7)))
	})
}
