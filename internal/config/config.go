// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/edge-gateway/config.toml",
	"configs/config.toml",
}

// placeholderSecret is the value shipped in the example config.
const placeholderSecret = "CHANGE_ME"

// Backend names referenced by routes.
const (
	BackendIdentity = "identity"
	BackendPosts    = "posts"
	BackendMedia    = "media"
	BackendSearch   = "search"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config          string        `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host            string        `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port            int           `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	RedisURL        string        `kong:"name='redis-url',help='Counter store address, redis://host:port/db or host:port (overrides config).',env='REDIS_URL'"`
	IdentityURL     string        `kong:"name='identity-url',help='Identity service base URL.',env='IDENTITY_SERVICE_URL'"`
	PostsURL        string        `kong:"name='posts-url',help='Post service base URL.',env='POST_SERVICE_URL'"`
	MediaURL        string        `kong:"name='media-url',help='Media service base URL.',env='MEDIA_SERVICE_URL'"`
	SearchURL       string        `kong:"name='search-url',help='Search service base URL.',env='SEARCH_SERVICE_URL'"`
	JWTSecret       string        `kong:"name='jwt-secret',help='Shared HS256 secret used to validate bearer tokens.',env='JWT_SECRET'"`
	RateLimitWindow time.Duration `kong:"name='rate-limit-window',help='Rate limit window, e.g. 15m (overrides config).',env='RATE_LIMIT_WINDOW'"`
	RateLimitMax    int           `kong:"name='rate-limit-max',help='Requests allowed per window (overrides config).',env='RATE_LIMIT_MAX'"`
	UploadMaxBytes  int64         `kong:"name='upload-max-bytes',help='Upload file size ceiling in bytes (overrides config).',env='UPLOAD_MAX_BYTES'"`
	LogLevel        string        `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	CounterStore CounterStoreConfig `toml:"counter_store"`
	RateLimit    RateLimitConfig    `toml:"rate_limit"`
	Auth         AuthConfig         `toml:"auth"`
	Backends     BackendsConfig     `toml:"backends"`
	Upstream     UpstreamConfig     `toml:"upstream"`
	Upload       UploadConfig       `toml:"upload"`
	Routes       []RouteConfig      `toml:"routes"`
	Log          LogConfig          `toml:"log"`
	Metrics      MetricsConfig      `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (3000)
	BodyMaxBytes int64  `toml:"body_max_bytes"`
	// ClientIP selects how the client address is derived: direct (socket peer),
	// xff (X-Forwarded-For) or real-ip (X-Real-IP).
	ClientIP string `toml:"client_ip"`
}

// CounterStoreConfig selects the shared counter backend.
type CounterStoreConfig struct {
	Driver    string `toml:"driver"` // redis | memory
	URL       string `toml:"url"`
	KeyPrefix string `toml:"key_prefix"`
}

// RateLimitConfig controls the shared fixed-window limiter.
type RateLimitConfig struct {
	WindowSeconds int    `toml:"window_seconds"`
	MaxRequests   int    `toml:"max_requests"`
	KeyByRoute    bool   `toml:"key_by_route"`
	OnStoreError  string `toml:"on_store_error"` // local | allow | deny
	// Disabled turns limiting off. Limiting is on unless explicitly disabled,
	// since TOML cannot distinguish an omitted boolean from false.
	Disabled bool `toml:"disabled"`

	Enabled bool `toml:"-"` // derived from Disabled by setDefaults
}

// Window returns the configured window as a duration.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// AuthConfig holds bearer token validation settings.
type AuthConfig struct {
	JWTSecret     string `toml:"jwt_secret"`
	Issuer        string `toml:"issuer"`
	LeewaySeconds int    `toml:"leeway_seconds"`
}

// BackendsConfig holds the base URL of every internal service.
type BackendsConfig struct {
	Identity string `toml:"identity"`
	Posts    string `toml:"posts"`
	Media    string `toml:"media"`
	Search   string `toml:"search"`
}

// ByName returns the base URL configured for a backend name.
func (b BackendsConfig) ByName(name string) (string, bool) {
	switch name {
	case BackendIdentity:
		return b.Identity, true
	case BackendPosts:
		return b.Posts, true
	case BackendMedia:
		return b.Media, true
	case BackendSearch:
		return b.Search, true
	}
	return "", false
}

// UpstreamConfig holds backend connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int                  `toml:"timeout_seconds"`
	IdleConnections int                  `toml:"idle_connections"`
	CircuitBreaker  CircuitBreakerConfig `toml:"circuit_breaker"`
}

// Timeout returns the per-request backend timeout.
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// CircuitBreakerConfig controls the optional per-backend breaker.
type CircuitBreakerConfig struct {
	Enabled          bool `toml:"enabled"`
	FailureThreshold int  `toml:"failure_threshold"`
	OpenSeconds      int  `toml:"open_seconds"`
}

// UploadConfig holds the upload policy for streaming routes.
type UploadConfig struct {
	MaxBytes  int64  `toml:"max_bytes"`
	FieldName string `toml:"field_name"`
}

// RouteConfig declares one route rule.
type RouteConfig struct {
	Prefix   string         `toml:"prefix"`
	Backend  string         `toml:"backend"`
	Rewrite  string         `toml:"rewrite"`
	Auth     bool           `toml:"auth"`
	BodyMode string         `toml:"body_mode"`
	Inject   []InjectConfig `toml:"inject"`
}

// InjectConfig declares one header injector of a route.
type InjectConfig struct {
	Header string `toml:"header"`
	Source string `toml:"source"`
	Value  string `toml:"value"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings. Metrics are served unless
// explicitly disabled.
type MetricsConfig struct {
	Disabled bool   `toml:"disabled"`
	Path     string `toml:"path"`

	Enabled bool `toml:"-"` // derived from Disabled by setDefaults
}

// DefaultRoutes returns the public route table of the gateway.
func DefaultRoutes() []RouteConfig {
	jsonUser := []InjectConfig{
		{Header: "Content-Type", Source: "json_content_type"},
		{Header: "x-user-id", Source: "user_id"},
		{Header: "X-Request-Id", Source: "request_id"},
	}
	return []RouteConfig{
		{
			Prefix:   "/v1/auth",
			Backend:  BackendIdentity,
			Rewrite:  "/api/auth",
			BodyMode: "buffered",
			Inject: []InjectConfig{
				{Header: "Content-Type", Source: "json_content_type"},
				{Header: "X-Request-Id", Source: "request_id"},
			},
		},
		{Prefix: "/v1/posts", Backend: BackendPosts, Rewrite: "/api/posts", Auth: true, BodyMode: "buffered", Inject: jsonUser},
		{
			Prefix:   "/v1/media/upload",
			Backend:  BackendMedia,
			Rewrite:  "/api/media/upload",
			Auth:     true,
			BodyMode: "streaming",
			Inject: []InjectConfig{
				{Header: "x-user-id", Source: "user_id"},
				{Header: "X-Request-Id", Source: "request_id"},
			},
		},
		{Prefix: "/v1/media", Backend: BackendMedia, Rewrite: "/api/media", Auth: true, BodyMode: "buffered", Inject: jsonUser},
		{Prefix: "/v1/search", Backend: BackendSearch, Rewrite: "/api/search", Auth: true, BodyMode: "buffered", Inject: jsonUser},
	}
}

// Load reads the TOML config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/edge-gateway/config.toml then configs/config.toml; when neither exists
// the gateway is configured from flags and environment alone.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	if err := validateCLI(cli); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// validateCLI rejects flag values that cannot be represented in the file
// config. The rate limit window is kept in whole seconds.
func validateCLI(cli *CLI) error {
	if w := cli.RateLimitWindow; w < 0 || (w > 0 && (w < time.Second || w%time.Second != 0)) {
		return fmt.Errorf("rate-limit-window must be a whole number of seconds, at least 1s; got %s", w)
	}
	return nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.RedisURL != "" {
		c.CounterStore.URL = cli.RedisURL
	}
	if cli.IdentityURL != "" {
		c.Backends.Identity = cli.IdentityURL
	}
	if cli.PostsURL != "" {
		c.Backends.Posts = cli.PostsURL
	}
	if cli.MediaURL != "" {
		c.Backends.Media = cli.MediaURL
	}
	if cli.SearchURL != "" {
		c.Backends.Search = cli.SearchURL
	}
	if cli.JWTSecret != "" {
		c.Auth.JWTSecret = cli.JWTSecret
	}
	if cli.RateLimitWindow > 0 {
		c.RateLimit.WindowSeconds = int(cli.RateLimitWindow / time.Second)
	}
	if cli.RateLimitMax != 0 {
		c.RateLimit.MaxRequests = cli.RateLimitMax
	}
	if cli.UploadMaxBytes != 0 {
		c.Upload.MaxBytes = cli.UploadMaxBytes
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or set JWT_SECRET)")
	}
	if c.Auth.JWTSecret == placeholderSecret {
		return fmt.Errorf("auth.jwt_secret contains placeholder value; set the secret shared with the identity service")
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upload.MaxBytes < 0 {
		return fmt.Errorf("upload.max_bytes must be non-negative; got %d", c.Upload.MaxBytes)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.WindowSeconds <= 0 {
			return fmt.Errorf("rate_limit.window_seconds must be > 0; got %d", c.RateLimit.WindowSeconds)
		}
		if c.RateLimit.MaxRequests <= 0 {
			return fmt.Errorf("rate_limit.max_requests must be > 0; got %d", c.RateLimit.MaxRequests)
		}
	}
	switch c.RateLimit.OnStoreError {
	case "local", "allow", "deny":
	default:
		return fmt.Errorf("rate_limit.on_store_error must be one of: local, allow, deny; got %q", c.RateLimit.OnStoreError)
	}
	cb := c.Upstream.CircuitBreaker
	if cb.Enabled && (cb.FailureThreshold <= 0 || cb.OpenSeconds <= 0) {
		return fmt.Errorf("upstream.circuit_breaker needs failure_threshold > 0 and open_seconds > 0 when enabled")
	}

	switch c.CounterStore.Driver {
	case "redis":
		if c.CounterStore.URL == "" {
			return fmt.Errorf("counter_store.url is required for the redis driver")
		}
	case "memory":
	default:
		return fmt.Errorf("counter_store.driver must be one of: redis, memory; got %q", c.CounterStore.Driver)
	}

	switch strings.ToLower(c.Server.ClientIP) {
	case "direct", "xff", "real-ip":
	default:
		return fmt.Errorf("server.client_ip must be one of: direct, xff, real-ip; got %q", c.Server.ClientIP)
	}

	if err := c.validateRoutes(); err != nil {
		return err
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p == "" || p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, r := range c.Routes {
			if p == r.Prefix || strings.HasPrefix(p, r.Prefix+"/") {
				return fmt.Errorf("metrics.path %q conflicts with route %q", p, r.Prefix)
			}
		}
	}

	return nil
}

// validateRoutes checks that every route references a configured backend with a
// usable base URL. Rule-level semantics (body modes, injector sources) are
// checked again when the route table is built.
func (c *Config) validateRoutes() error {
	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	for i, r := range c.Routes {
		if r.Prefix == "" || r.Prefix[0] != '/' {
			return fmt.Errorf("routes[%d].prefix must start with '/'; got %q", i, r.Prefix)
		}
		base, ok := c.Backends.ByName(r.Backend)
		if !ok {
			return fmt.Errorf("routes[%d] (%s) references unknown backend %q", i, r.Prefix, r.Backend)
		}
		if base == "" {
			return fmt.Errorf("backends.%s is required by route %s", r.Backend, r.Prefix)
		}
		u, err := url.Parse(base)
		if err != nil {
			return fmt.Errorf("backends.%s is not a valid URL: %w", r.Backend, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("backends.%s must use http or https; got %q", r.Backend, base)
		}
		if u.Host == "" {
			return fmt.Errorf("backends.%s has no host; got %q", r.Backend, base)
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with the reference policy.
// For integer fields zero means "unset" because TOML cannot distinguish an
// explicit 0 from an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.ClientIP == "" {
		c.Server.ClientIP = "direct"
	}
	if c.CounterStore.Driver == "" {
		c.CounterStore.Driver = "redis"
	}
	if c.CounterStore.KeyPrefix == "" {
		c.CounterStore.KeyPrefix = "rl:"
	}
	c.RateLimit.Enabled = !c.RateLimit.Disabled
	if c.RateLimit.WindowSeconds == 0 {
		c.RateLimit.WindowSeconds = 15 * 60
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = 100
	}
	if c.RateLimit.OnStoreError == "" {
		c.RateLimit.OnStoreError = "local"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upload.MaxBytes == 0 {
		c.Upload.MaxBytes = 5 * 1024 * 1024 // 5 MB
	}
	if c.Upload.FieldName == "" {
		c.Upload.FieldName = "file"
	}
	if len(c.Routes) == 0 {
		c.Routes = DefaultRoutes()
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	c.Metrics.Enabled = !c.Metrics.Disabled
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file carries the JWT secret.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
