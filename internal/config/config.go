package config

import (
	"fmt"
	"time"
)

// DefaultServiceTimeout applies when a service declares no timeout.
const DefaultServiceTimeout = 60 * time.Second

// Config is the normalized form of one configuration generation. It is
// built fresh on every load and never mutated afterwards.
type Config struct {
	Server   ServerConfig
	Logging  LoggingConfig
	Admin    AdminConfig
	Watcher  WatcherConfig
	Redis    RedisConfig
	Tracing  TracingConfig
	Plugins  []PluginConfig
	Services []Service

	// Path is the file the config was loaded from, empty for in-memory sources.
	Path string
	// Raw is the decoded document after environment expansion.
	Raw map[string]any
}

// ServerConfig configures the public listener.
type ServerConfig struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// Compression gzips eligible responses on the public listener.
	Compression bool
	PoweredBy   string
	// DebugEndpoints exposes /debug/gateway.
	DebugEndpoints bool
	MetricsPath    string
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string
	File       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// AdminConfig configures the admin API mounted under BasePath.
type AdminConfig struct {
	Enabled  bool
	BasePath string
	Auth     AdminAuthConfig
}

// AdminAuthConfig selects how admin requests authenticate.
type AdminAuthConfig struct {
	Type     string // none, basic or token
	Username string
	Password string
	Token    string
}

// WatcherConfig controls reloads driven by config file changes.
type WatcherConfig struct {
	Enabled  bool
	Debounce int // milliseconds
}

// DebounceDuration returns the quiet period, defaulting to 500ms.
func (w WatcherConfig) DebounceDuration() time.Duration {
	if w.Debounce <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(w.Debounce) * time.Millisecond
}

// RedisConfig is the shared Redis connection used by distributed policies.
// Empty fields fall back to REDIS_HOST, REDIS_PORT, REDIS_PASSWORD and
// REDIS_DB.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// TracingConfig configures OpenTelemetry export for the tracing policy.
type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRate  float64
	Headers     map[string]string
}

// PluginConfig references a registered policy by name.
type PluginConfig struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

// Service is a named backend target with its routes.
type Service struct {
	Name string `json:"name"`
	// URL is the raw target with "localhost" replaced by 127.0.0.1; empty
	// when the declaration omitted it.
	URL             string         `json:"url"`
	Timeout         time.Duration  `json:"timeout"`
	TLSSkipVerify   bool           `json:"tls_skip_verify,omitempty"`
	FollowRedirects bool           `json:"follow_redirects,omitempty"`
	MaxRedirects    int            `json:"max_redirects,omitempty"`
	Routes          []Route        `json:"routes"`
	Plugins         []PluginConfig `json:"plugins,omitempty"`
}

// Route declares which inbound paths and methods reach a service.
type Route struct {
	Name         string         `json:"name"`
	Paths        []string       `json:"paths"`
	Methods      []string       `json:"methods,omitempty"`
	StripPath    bool           `json:"strip_path"`
	RewritePath  string         `json:"rewrite_path,omitempty"`
	PreserveHost bool           `json:"preserve_host,omitempty"`
	ResourceID   bool           `json:"resource_id"`
	Plugins      []PluginConfig `json:"plugins,omitempty"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":3000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // bounded per service by the proxy deadline
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			PoweredBy:       "API Gateway",
			DebugEndpoints:  true,
			MetricsPath:     "/metrics",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    20,
			MaxBackups: 14,
			MaxAge:     14,
		},
		Admin: AdminConfig{
			Enabled:  true,
			BasePath: "/admin",
			Auth:     AdminAuthConfig{Type: "none"},
		},
		Watcher: WatcherConfig{
			Enabled:  true,
			Debounce: 500,
		},
		Tracing: TracingConfig{
			ServiceName: "api-gateway",
			SampleRate:  1.0,
		},
	}
}

// RouteCount returns the number of declared routes across all services.
func (c *Config) RouteCount() int {
	n := 0
	for _, s := range c.Services {
		n += len(s.Routes)
	}
	return n
}

// Duration decodes from integer milliseconds or a Go duration string.
type Duration time.Duration

// UnmarshalYAML implements yaml.InterfaceUnmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var v any
	if err := unmarshal(&v); err != nil {
		return err
	}
	if v == nil {
		*d = 0
		return nil
	}
	parsed, ok := asMillis(v)
	if !ok {
		return fmt.Errorf("invalid duration %v", v)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
