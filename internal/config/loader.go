package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/wudi/routegate/internal/errors"
	"github.com/wudi/routegate/internal/logging"
	"go.uber.org/zap"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`),
		lookupEnv:  os.LookupEnv,
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{Op: "read", Path: path, Err: err}
	}

	cfg, err := l.Parse(data)
	if err != nil {
		if ce, ok := err.(*errors.ConfigError); ok {
			ce.Path = path
		}
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse parses configuration from YAML bytes. Only an unparsable document or
// a missing services list is fatal; malformed entries below services and
// mistyped ambient settings are normalized away with a warning.
func (l *Loader) Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &errors.ConfigError{Op: "parse", Err: err}
	}
	l.expandMap(raw)

	services, ok := raw["services"].([]any)
	if !ok {
		return nil, &errors.ConfigError{Op: "validate", Err: fmt.Errorf("services must be a list")}
	}

	cfg := DefaultConfig()
	normalizeAmbient(raw, cfg)

	cfg.Raw = raw
	cfg.Plugins = normalizePlugins(raw["plugins"])
	cfg.Services = make([]Service, 0, len(services))
	for i, item := range services {
		m, ok := item.(map[string]any)
		if !ok {
			logging.Warn("Ignoring service entry that is not a mapping", zap.Int("index", i))
			continue
		}
		cfg.Services = append(cfg.Services, normalizeService(i, m))
	}

	applyAmbientDefaults(cfg)
	return cfg, nil
}

// expandMap resolves placeholders in every string value below m, in place.
// Keys are left alone.
func (l *Loader) expandMap(m map[string]any) {
	for k, v := range m {
		m[k] = l.expandValue(v)
	}
}

func (l *Loader) expandValue(v any) any {
	switch t := v.(type) {
	case string:
		return l.expandString(t)
	case map[string]any:
		l.expandMap(t)
	case []any:
		for i, item := range t {
			t[i] = l.expandValue(item)
		}
	}
	return v
}

// expandString replaces ${NAME} and ${NAME:-default} with environment values.
// An unset or empty variable without a default expands to "". A value that is
// exactly one placeholder and resolves to an integer or boolean literal takes
// that type, so numeric policy settings can come from the environment.
func (l *Loader) expandString(input string) any {
	if !strings.Contains(input, "${") {
		return input
	}
	out := l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := l.envPattern.FindStringSubmatch(match)
		name, hasDefault, def := groups[1], groups[2] != "", groups[3]

		if value, exists := l.lookupEnv(name); exists && value != "" {
			return value
		}
		if hasDefault {
			return def
		}
		logging.Warn("Environment variable is not set", zap.String("name", name), zap.String("expression", match))
		return ""
	})

	if loc := l.envPattern.FindStringIndex(input); loc == nil || loc[0] != 0 || loc[1] != len(input) {
		return out
	}
	if n, err := strconv.Atoi(out); err == nil && strconv.Itoa(n) == out {
		return n
	}
	if out == "true" || out == "false" {
		return out == "true"
	}
	return out
}

func applyAmbientDefaults(cfg *Config) {
	if cfg.Admin.BasePath == "" {
		cfg.Admin.BasePath = "/admin"
	}
	if !strings.HasPrefix(cfg.Admin.BasePath, "/") {
		cfg.Admin.BasePath = "/" + cfg.Admin.BasePath
	}
	cfg.Admin.BasePath = strings.TrimSuffix(cfg.Admin.BasePath, "/")
	if cfg.Admin.BasePath == "" {
		cfg.Admin.BasePath = "/admin"
	}

	auth := &cfg.Admin.Auth
	auth.Type = strings.ToLower(auth.Type)
	if auth.Type == "" {
		auth.Type = "none"
	}
	if auth.Username == "" {
		auth.Username = os.Getenv("ADMIN_USER")
	}
	if auth.Password == "" {
		auth.Password = os.Getenv("ADMIN_PASS")
	}
	if auth.Token == "" {
		auth.Token = os.Getenv("ADMIN_TOKEN")
	}

	if cfg.Server.PoweredBy == "" {
		cfg.Server.PoweredBy = "API Gateway"
	}
}

func normalizeService(index int, m map[string]any) Service {
	svc := Service{
		Name:            asString(m["name"]),
		URL:             NormalizeURL(asString(m["url"])),
		Timeout:         serviceTimeout(m),
		TLSSkipVerify:   asBool(m["tls_skip_verify"], false),
		FollowRedirects: asBool(m["follow_redirects"], false),
		MaxRedirects:    asInt(m["max_redirects"]),
		Plugins:         normalizePlugins(m["plugins"]),
	}
	if svc.Name == "" {
		svc.Name = fmt.Sprintf("service-%d", index)
	}

	routes := asList(m["routes"])
	svc.Routes = make([]Route, 0, len(routes))
	for i, item := range routes {
		rm, ok := item.(map[string]any)
		if !ok {
			logging.Warn("Ignoring route entry that is not a mapping",
				zap.String("service", svc.Name), zap.Int("index", i))
			continue
		}
		svc.Routes = append(svc.Routes, normalizeRoute(svc.Name, i, rm))
	}
	return svc
}

func normalizeRoute(service string, index int, m map[string]any) Route {
	r := Route{
		Name:         asString(m["name"]),
		Paths:        asStrings(m["paths"]),
		StripPath:    asBool(m["strip_path"], false),
		RewritePath:  asString(m["rewrite_path"]),
		PreserveHost: asBool(m["preserve_host"], false),
		ResourceID:   asBool(m["resource_id"], true),
		Plugins:      normalizePlugins(m["plugins"]),
	}
	if r.Name == "" {
		r.Name = fmt.Sprintf("%s-route-%d", service, index)
	}
	for _, method := range asStrings(m["methods"]) {
		r.Methods = append(r.Methods, strings.ToUpper(strings.TrimSpace(method)))
	}
	return r
}

func normalizePlugins(v any) []PluginConfig {
	items := asList(v)
	plugins := make([]PluginConfig, 0, len(items))
	for _, item := range items {
		switch p := item.(type) {
		case string:
			plugins = append(plugins, PluginConfig{Name: p})
		case map[string]any:
			pc := PluginConfig{Name: asString(p["name"])}
			if c, ok := p["config"].(map[string]any); ok {
				pc.Config = c
			}
			plugins = append(plugins, pc)
		}
	}
	return plugins
}

// serviceTimeout resolves timeout, then connect_timeout, read_timeout and
// write_timeout, falling back to DefaultServiceTimeout.
func serviceTimeout(m map[string]any) time.Duration {
	for _, key := range []string{"timeout", "connect_timeout", "read_timeout", "write_timeout"} {
		if d, ok := asMillis(m[key]); ok && d > 0 {
			return d
		}
	}
	return DefaultServiceTimeout
}

// NormalizeURL rewrites a localhost target to 127.0.0.1 so dialing never
// picks an IPv6 loopback the backend is not bound to.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	if u.Hostname() == "localhost" {
		if port := u.Port(); port != "" {
			u.Host = "127.0.0.1:" + port
		} else {
			u.Host = "127.0.0.1"
		}
	}
	return u.String()
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	default:
		return fmt.Sprint(s)
	}
}

func asList(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return nil
}

func asStrings(v any) []string {
	items := asList(v)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := asString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func asBool(v any, def bool) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
			return parsed
		}
	}
	return def
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(strings.TrimSpace(n))
		return i
	}
	return 0
}

// asMillis reads a duration given either as integer milliseconds or as a
// Go duration string such as "1m30s".
func asMillis(v any) (time.Duration, bool) {
	switch n := v.(type) {
	case int, int64, uint64, float64:
		return time.Duration(asInt(n)) * time.Millisecond, true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		if ms, err := strconv.Atoi(s); err == nil {
			return time.Duration(ms) * time.Millisecond, true
		}
		if d, err := time.ParseDuration(s); err == nil {
			return d, true
		}
	}
	return 0, false
}
