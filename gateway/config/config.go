package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"rpcguard/gateway/extensions"
	"rpcguard/gateway/upstream"
)

const (
	EnvUpstreamURL = "RPCGUARD_UPSTREAM_URL"
	EnvJWTSecret   = "RPCGUARD_JWT_SECRET"
)

type RateLimitConfig struct {
	ID                string  `yaml:"id" toml:"id"`
	RequestsPerMinute float64 `yaml:"requestsPerMinute" toml:"requestsPerMinute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName" toml:"serviceName"`
	Environment   string `yaml:"environment" toml:"environment"`
	Metrics       bool   `yaml:"metrics" toml:"metrics"`
	Tracing       bool   `yaml:"tracing" toml:"tracing"`
	LogRequests   bool   `yaml:"logRequests" toml:"logRequests"`
	MetricsPrefix string `yaml:"metricsPrefix" toml:"metricsPrefix"`
	LogFile       string `yaml:"logFile" toml:"logFile"`

	// OTLP exporter settings. The OTEL_EXPORTER_OTLP_* variables override the
	// endpoint, headers and transport security.
	OTLPEndpoint       string            `yaml:"otlpEndpoint" toml:"otlpEndpoint"`
	OTLPInsecure       bool              `yaml:"otlpInsecure" toml:"otlpInsecure"`
	OTLPHeaders        map[string]string `yaml:"otlpHeaders" toml:"otlpHeaders"`
	TraceSampleRatio   float64           `yaml:"traceSampleRatio" toml:"traceSampleRatio"`
	ResourceAttributes map[string]string `yaml:"resourceAttributes" toml:"resourceAttributes"`
}

type LimitsConfig struct {
	MaxBodyBytes  int64 `yaml:"maxBodyBytes" toml:"maxBodyBytes"`
	MaxRawTxBytes int   `yaml:"maxRawTxBytes" toml:"maxRawTxBytes"`
	MaxBatchSize  int   `yaml:"maxBatchSize" toml:"maxBatchSize"`
	TxCacheSize   int   `yaml:"txCacheSize" toml:"txCacheSize"`
}

type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins" toml:"allowedOrigins"`
	AllowedHeaders   []string `yaml:"allowedHeaders" toml:"allowedHeaders"`
	AllowCredentials bool     `yaml:"allowCredentials" toml:"allowCredentials"`
}

type Config struct {
	ListenAddress string                     `yaml:"listen" toml:"listen"`
	ReadTimeout   time.Duration              `yaml:"readTimeout" toml:"readTimeout"`
	WriteTimeout  time.Duration              `yaml:"writeTimeout" toml:"writeTimeout"`
	IdleTimeout   time.Duration              `yaml:"idleTimeout" toml:"idleTimeout"`
	Upstream      upstream.Config            `yaml:"upstream" toml:"upstream"`
	RateLimits    []RateLimitConfig          `yaml:"rateLimits" toml:"rateLimits"`
	MethodLimits  []extensions.MethodLimit   `yaml:"methodLimits" toml:"methodLimits"`
	Observability ObservabilityConfig        `yaml:"observability" toml:"observability"`
	Auth          AuthConfig                 `yaml:"auth" toml:"auth"`
	Security      SecurityConfig             `yaml:"security" toml:"security"`
	CORS          CORSConfig                 `yaml:"cors" toml:"cors"`
	Limits        LimitsConfig               `yaml:"limits" toml:"limits"`
	Whitelist     extensions.WhitelistConfig `yaml:"whitelist" toml:"whitelist"`
}

type AuthConfig struct {
	Enabled           bool          `yaml:"enabled" toml:"enabled"`
	HMACSecret        string        `yaml:"hmacSecret" toml:"hmacSecret"`
	Issuer            string        `yaml:"issuer" toml:"issuer"`
	Audience          string        `yaml:"audience" toml:"audience"`
	ScopeClaim        string        `yaml:"scopeClaim" toml:"scopeClaim"`
	RequiredScopes    []string      `yaml:"requiredScopes" toml:"requiredScopes"`
	OptionalPaths     []string      `yaml:"optionalPaths" toml:"optionalPaths"`
	AllowAnonymous    bool          `yaml:"allowAnonymous" toml:"allowAnonymous"`
	ClockSkew         time.Duration `yaml:"clockSkew" toml:"clockSkew"`

	// MethodScopes lists the token scopes a caller needs per RPC method.
	MethodScopes map[string][]string `yaml:"methodScopes" toml:"methodScopes"`

	allowAnonymousSet bool
	enabledSet        bool
}

func (a *AuthConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawAuthConfig struct {
		Enabled        *bool               `yaml:"enabled"`
		HMACSecret     string              `yaml:"hmacSecret"`
		Issuer         string              `yaml:"issuer"`
		Audience       string              `yaml:"audience"`
		ScopeClaim     string              `yaml:"scopeClaim"`
		RequiredScopes []string            `yaml:"requiredScopes"`
		OptionalPaths  []string            `yaml:"optionalPaths"`
		AllowAnonymous *bool               `yaml:"allowAnonymous"`
		ClockSkew      time.Duration       `yaml:"clockSkew"`
		MethodScopes   map[string][]string `yaml:"methodScopes"`
	}
	var raw rawAuthConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*a = AuthConfig{
		HMACSecret:     raw.HMACSecret,
		Issuer:         raw.Issuer,
		Audience:       raw.Audience,
		ScopeClaim:     raw.ScopeClaim,
		RequiredScopes: raw.RequiredScopes,
		OptionalPaths:  raw.OptionalPaths,
		ClockSkew:      raw.ClockSkew,
		MethodScopes:   raw.MethodScopes,
	}
	if raw.Enabled != nil {
		a.Enabled = *raw.Enabled
		a.enabledSet = true
	}
	if raw.AllowAnonymous != nil {
		a.AllowAnonymous = *raw.AllowAnonymous
		a.allowAnonymousSet = true
	}
	return nil
}

type SecurityConfig struct {
	AutoUpgradeHTTP bool   `yaml:"autoUpgradeHTTP" toml:"autoUpgradeHTTP"`
	AllowInsecure   bool   `yaml:"allowInsecure" toml:"allowInsecure"`
	TLSCertFile     string `yaml:"tlsCertFile" toml:"tlsCertFile"`
	TLSKeyFile      string `yaml:"tlsKeyFile" toml:"tlsKeyFile"`
	TLSClientCAFile string `yaml:"tlsClientCAFile" toml:"tlsClientCAFile"`
}

func defaults() Config {
	return Config{
		ListenAddress: ":8545",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		Upstream: upstream.Config{
			Endpoint: "http://127.0.0.1:8546",
			Timeout:  upstream.DefaultTimeout,
		},
		Observability: ObservabilityConfig{
			ServiceName:   "rpcguard",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "rpcguard",
			OTLPInsecure:  true,
		},
		Auth: AuthConfig{
			ScopeClaim: "scope",
			ClockSkew:  2 * time.Minute,
		},
		Limits: LimitsConfig{
			MaxBodyBytes:  1 << 20,
			MaxRawTxBytes: 1 << 20,
			MaxBatchSize:  100,
		},
	}
}

// Load reads a YAML or TOML file, chosen by extension, on top of the
// defaults. An empty path loads the defaults alone. Environment overrides are
// applied before validation.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	cfg.applyAuthDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		cfg.Auth.enabledSet = md.IsDefined("auth", "enabled")
		cfg.Auth.allowAnonymousSet = md.IsDefined("auth", "allowAnonymous")
		return nil
	case ".yaml", ".yml", "":
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

func (cfg *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvUpstreamURL)); v != "" {
		cfg.Upstream.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvJWTSecret)); v != "" {
		cfg.Auth.HMACSecret = v
	}
}

// applyAuthDefaults turns auth on for TLS or auto-upgrade deployments unless
// the file says otherwise.
func (cfg *Config) applyAuthDefaults() {
	if cfg == nil {
		return
	}
	if !cfg.Auth.enabledSet {
		cfg.Auth.Enabled = cfg.isSensitiveDeployment()
		cfg.Auth.enabledSet = true
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 2 * time.Minute
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if !cfg.Auth.allowAnonymousSet {
		cfg.Auth.AllowAnonymous = false
	}
}

var (
	ErrAuthSecretMissing = errors.New("auth.hmacSecret (or " + EnvJWTSecret + ") is required when auth is enabled")
	ErrUpstreamMissing   = errors.New("upstream.endpoint is required")
)

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Upstream.Endpoint) == "" {
		return ErrUpstreamMissing
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return ErrAuthSecretMissing
	}
	if cfg.Auth.AllowAnonymous && !cfg.Auth.allowAnonymousSet {
		return fmt.Errorf("auth.allowAnonymous must be explicitly set to true to enable anonymous access")
	}
	trimmed := make([]string, len(cfg.Auth.OptionalPaths))
	for i, path := range cfg.Auth.OptionalPaths {
		trimmedPath := strings.TrimSpace(path)
		if trimmedPath == "" {
			return fmt.Errorf("auth.optionalPaths[%d] cannot be empty", i)
		}
		if !strings.HasPrefix(trimmedPath, "/") {
			return fmt.Errorf("auth.optionalPaths[%d] must start with '/'", i)
		}
		trimmed[i] = trimmedPath
	}
	cfg.Auth.OptionalPaths = trimmed
	if cfg.Auth.Enabled && cfg.Auth.AllowAnonymous && len(cfg.Auth.OptionalPaths) == 0 {
		return fmt.Errorf("auth.optionalPaths must list at least one entry when auth.allowAnonymous is true")
	}
	if len(cfg.Auth.MethodScopes) > 0 && !cfg.Auth.Enabled {
		return fmt.Errorf("auth.methodScopes requires auth.enabled")
	}
	for method, scopes := range cfg.Auth.MethodScopes {
		if strings.TrimSpace(method) == "" {
			return fmt.Errorf("auth.methodScopes has an empty method name")
		}
		for _, scope := range scopes {
			if strings.TrimSpace(scope) == "" {
				return fmt.Errorf("auth.methodScopes[%s] contains an empty scope", method)
			}
		}
	}
	if r := cfg.Observability.TraceSampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("observability.traceSampleRatio must be within [0, 1], got %v", r)
	}
	if cfg.Limits.MaxBodyBytes < 0 || cfg.Limits.MaxRawTxBytes < 0 || cfg.Limits.MaxBatchSize < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if cfg.Limits.MaxRawTxBytes > 0 && cfg.Limits.MaxBodyBytes > 0 && int64(cfg.Limits.MaxRawTxBytes) > cfg.Limits.MaxBodyBytes {
		return fmt.Errorf("limits.maxRawTxBytes (%d) exceeds limits.maxBodyBytes (%d)", cfg.Limits.MaxRawTxBytes, cfg.Limits.MaxBodyBytes)
	}
	for i, rl := range cfg.RateLimits {
		if strings.TrimSpace(rl.ID) == "" {
			return fmt.Errorf("rateLimits[%d].id cannot be empty", i)
		}
		if rl.RequestsPerMinute <= 0 {
			return fmt.Errorf("rateLimits[%d].requestsPerMinute must be positive", i)
		}
	}
	if err := cfg.Whitelist.Normalize(); err != nil {
		return err
	}
	return nil
}

// UpstreamURL parses the configured node endpoint.
func (cfg Config) UpstreamURL() (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(cfg.Upstream.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("parse upstream endpoint: %w", err)
	}
	return parsed, nil
}

func (cfg *Config) isSensitiveDeployment() bool {
	if cfg == nil {
		return false
	}
	if cfg.Security.AutoUpgradeHTTP {
		return true
	}
	if strings.TrimSpace(cfg.Security.TLSCertFile) != "" {
		return true
	}
	if strings.TrimSpace(cfg.Security.TLSKeyFile) != "" {
		return true
	}
	if strings.TrimSpace(cfg.Security.TLSClientCAFile) != "" {
		return true
	}
	return false
}

// EnforceSecureScheme ensures the supplied URL uses HTTPS outside of the dev environment.
// If autoUpgrade is enabled, insecure HTTP URLs are transparently upgraded to HTTPS.
// The returned boolean indicates whether an upgrade occurred.
func EnforceSecureScheme(env string, target *url.URL, autoUpgrade bool) (*url.URL, bool, error) {
	if target == nil {
		return nil, false, fmt.Errorf("target URL is nil")
	}
	scheme := strings.ToLower(strings.TrimSpace(target.Scheme))
	switch scheme {
	case "https":
		return target, false, nil
	case "http":
		if isDevEnv(env) || isLoopback(target) {
			return target, false, nil
		}
		if autoUpgrade {
			upgraded := *target
			upgraded.Scheme = "https"
			return &upgraded, true, nil
		}
		if strings.TrimSpace(env) == "" {
			env = "(unset)"
		}
		return nil, false, fmt.Errorf("plaintext HTTP upstreams are not permitted for environment %s", env)
	case "":
		return nil, false, fmt.Errorf("URL scheme is required")
	default:
		return nil, false, fmt.Errorf("unsupported URL scheme %q", target.Scheme)
	}
}

func isDevEnv(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "dev")
}

func isLoopback(target *url.URL) bool {
	switch target.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
