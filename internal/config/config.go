// Package config resolves the inference environment and loads server
// configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment names a deployment of the inference service.
type Environment string

const (
	Local Environment = "local"
	Prod  Environment = "prod"
	Pprd  Environment = "pprd"
)

// EnvConfig is the client configuration for one environment.
type EnvConfig struct {
	ClientID    string
	Host        string
	APIBasePath string
}

var environments = map[Environment]EnvConfig{
	Local: newEnvConfig("imageinf.localdev", "http://localhost:8080"),
	Prod:  newEnvConfig("imageinf.prod", "https://prod.imageinf-service.tacc.utexas.edu"),
	Pprd:  newEnvConfig("imageinf.pprd", "https://pprd.imageinf-service.tacc.utexas.edu"),
}

func newEnvConfig(clientID, host string) EnvConfig {
	return EnvConfig{ClientID: clientID, Host: host, APIBasePath: host + "/api"}
}

// ResolveEnvironment maps the hostname the app is served from to an
// environment. Unknown hosts resolve to prod.
func ResolveEnvironment(hostname string) Environment {
	switch strings.ToLower(stripPort(hostname)) {
	case "localhost":
		return Local
	case "pprd.imageinf-service.tacc.utexas.edu":
		return Pprd
	case "prod.imageinf-service.tacc.utexas.edu":
		return Prod
	default:
		return Prod
	}
}

// ForEnvironment returns the configuration of env, or prod for an unknown value.
func ForEnvironment(env Environment) EnvConfig {
	if c, ok := environments[env]; ok {
		return c
	}
	return environments[Prod]
}

// ForHost returns the configuration for the environment hostname resolves to.
func ForHost(hostname string) EnvConfig {
	return ForEnvironment(ResolveEnvironment(hostname))
}

// ParseEnvironment validates an environment name.
func ParseEnvironment(s string) (Environment, error) {
	env := Environment(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := environments[env]; !ok {
		return "", fmt.Errorf("unknown environment %q (want local, prod or pprd)", s)
	}
	return env, nil
}

func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if i := strings.Index(host, "]"); i > 0 {
			return host[1:i]
		}
		return host
	}
	if i := strings.LastIndex(host, ":"); i >= 0 {
		return host[:i]
	}
	return host
}

// Config holds the demo server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string
	// PublicURL is the origin used for OAuth redirects when set; otherwise
	// it is derived from each request.
	PublicURL string

	// Logging
	LogLevel  string
	LogFormat string

	// Environment forces the inference environment instead of deriving it
	// from the request host.
	Environment Environment

	// Auth
	IdentityHost   string
	BridgeOrigin   string
	TokenStaleTime time.Duration

	// Sessions ("memory", "redis" or "postgres")
	SessionBackend string
	SessionURL     string
	SessionTTL     time.Duration
	CookieSecure   bool

	// File content cache
	CacheDir     string
	CacheMaxSize int64
	CacheTTL     time.Duration

	// Inference submissions per minute per session, 0 = unlimited.
	InferenceRequestsPerMin int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:              envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:             envOr("METRICS_ADDR", ":9090"),
		PublicURL:               strings.TrimRight(envOr("PUBLIC_URL", ""), "/"),
		LogLevel:                envOr("LOG_LEVEL", "info"),
		LogFormat:               envOr("LOG_FORMAT", "json"),
		IdentityHost:            strings.TrimRight(envOr("TAPIS_IDENTITY_HOST", "https://designsafe.tapis.io"), "/"),
		BridgeOrigin:            strings.TrimRight(envOr("AUTH_BRIDGE_ORIGIN", ""), "/"),
		TokenStaleTime:          envDuration("TOKEN_STALE_TIME", 5*time.Minute),
		SessionBackend:          envOr("SESSION_BACKEND", "memory"),
		SessionURL:              envOr("SESSION_URL", ""),
		SessionTTL:              envDuration("SESSION_TTL", 24*time.Hour),
		CookieSecure:            envBool("COOKIE_SECURE", false),
		CacheDir:                envOr("CACHE_DIR", defaultCacheDir()),
		CacheMaxSize:            envInt64("CACHE_MAX_SIZE", 256*1024*1024),
		CacheTTL:                envDuration("CACHE_TTL", 5*time.Minute),
		InferenceRequestsPerMin: envInt("INFERENCE_REQUESTS_PER_MINUTE", 30),
	}

	if v := os.Getenv("IMAGEINF_ENV"); v != "" {
		env, err := ParseEnvironment(v)
		if err != nil {
			return nil, err
		}
		cfg.Environment = env
	}

	switch cfg.SessionBackend {
	case "memory":
	case "redis", "postgres":
		if cfg.SessionURL == "" {
			return nil, fmt.Errorf("SESSION_URL is required for the %s session backend", cfg.SessionBackend)
		}
	default:
		return nil, fmt.Errorf("unknown SESSION_BACKEND %q", cfg.SessionBackend)
	}

	return cfg, nil
}

// EnvFor returns the inference environment for a request host, honouring a
// forced environment.
func (c *Config) EnvFor(host string) EnvConfig {
	return ForEnvironment(c.EnvironmentFor(host))
}

// EnvironmentFor returns the environment name serving host.
func (c *Config) EnvironmentFor(host string) Environment {
	if c.Environment != "" {
		return c.Environment
	}
	return ResolveEnvironment(host)
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/imageinf"
	}
	return os.TempDir() + "/imageinf"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
