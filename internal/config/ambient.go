package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/wudi/routegate/internal/logging"
	"go.uber.org/zap"
)

// normalizeAmbient copies the server, logging, admin, watcher, redis and
// tracing sections from raw onto cfg. A value of the wrong type keeps the
// default and logs a warning.
func normalizeAmbient(raw map[string]any, cfg *Config) {
	if s, ok := sectionOf(raw, "server"); ok {
		srv := &cfg.Server
		s.str("address", &srv.Address)
		s.duration("read_timeout", &srv.ReadTimeout)
		s.duration("write_timeout", &srv.WriteTimeout)
		s.duration("idle_timeout", &srv.IdleTimeout)
		s.duration("shutdown_timeout", &srv.ShutdownTimeout)
		s.boolean("compression", &srv.Compression)
		s.str("powered_by", &srv.PoweredBy)
		s.boolean("debug_endpoints", &srv.DebugEndpoints)
		s.str("metrics_path", &srv.MetricsPath)
	}

	if s, ok := sectionOf(raw, "logging"); ok {
		lc := &cfg.Logging
		s.str("level", &lc.Level)
		s.str("file", &lc.File)
		s.integer("max_size", &lc.MaxSize)
		s.integer("max_backups", &lc.MaxBackups)
		s.integer("max_age", &lc.MaxAge)
		s.boolean("compress", &lc.Compress)
	}

	if s, ok := sectionOf(raw, "admin"); ok {
		ac := &cfg.Admin
		s.boolean("enabled", &ac.Enabled)
		s.str("base_path", &ac.BasePath)
		if auth, ok := s.sub("auth"); ok {
			auth.str("type", &ac.Auth.Type)
			auth.str("username", &ac.Auth.Username)
			auth.str("password", &ac.Auth.Password)
			auth.str("token", &ac.Auth.Token)
		}
	}

	if s, ok := sectionOf(raw, "watcher"); ok {
		s.boolean("enabled", &cfg.Watcher.Enabled)
		var debounce time.Duration
		if s.duration("debounce", &debounce) {
			cfg.Watcher.Debounce = int(debounce.Milliseconds())
		}
	}

	if s, ok := sectionOf(raw, "redis"); ok {
		rc := &cfg.Redis
		s.str("host", &rc.Host)
		s.integer("port", &rc.Port)
		s.str("password", &rc.Password)
		s.integer("db", &rc.DB)
	}

	if s, ok := sectionOf(raw, "tracing"); ok {
		tc := &cfg.Tracing
		s.boolean("enabled", &tc.Enabled)
		s.str("endpoint", &tc.Endpoint)
		s.boolean("insecure", &tc.Insecure)
		s.str("service_name", &tc.ServiceName)
		s.float("sample_rate", &tc.SampleRate)
		if headers, ok := s.sub("headers"); ok {
			tc.Headers = make(map[string]string, len(headers.m))
			for k, v := range headers.m {
				tc.Headers[k] = asString(v)
			}
		}
	}
}

// section is one mapping of the document, named by its dotted path.
type section struct {
	name string
	m    map[string]any
}

func sectionOf(raw map[string]any, name string) (section, bool) {
	return lookupSection(raw, name, name)
}

func lookupSection(parent map[string]any, key, name string) (section, bool) {
	v, present := parent[key]
	if !present || v == nil {
		return section{}, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		logging.Warn("Ignoring config section that is not a mapping", zap.String("section", name))
		return section{}, false
	}
	return section{name: name, m: m}, true
}

func (s section) sub(key string) (section, bool) {
	return lookupSection(s.m, key, s.name+"."+key)
}

func (s section) value(key string) (any, bool) {
	v, ok := s.m[key]
	return v, ok && v != nil
}

func (s section) invalid(key string, v any) {
	logging.Warn("Ignoring invalid config value",
		zap.String("key", s.name+"."+key),
		zap.Any("value", v),
	)
}

func (s section) str(key string, dst *string) {
	v, ok := s.value(key)
	if !ok {
		return
	}
	switch v.(type) {
	case map[string]any, []any:
		s.invalid(key, v)
	default:
		*dst = asString(v)
	}
}

func (s section) boolean(key string, dst *bool) {
	v, ok := s.value(key)
	if !ok {
		return
	}
	switch b := v.(type) {
	case bool:
		*dst = b
		return
	case string:
		if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
			*dst = parsed
			return
		}
	}
	s.invalid(key, v)
}

func (s section) integer(key string, dst *int) {
	v, ok := s.value(key)
	if !ok {
		return
	}
	switch n := v.(type) {
	case int, int64, uint64:
		*dst = asInt(n)
		return
	case float64:
		if n == float64(int(n)) {
			*dst = int(n)
			return
		}
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			*dst = parsed
			return
		}
	}
	s.invalid(key, v)
}

func (s section) float(key string, dst *float64) {
	v, ok := s.value(key)
	if !ok {
		return
	}
	switch n := v.(type) {
	case float64:
		*dst = n
		return
	case int, int64, uint64:
		*dst = float64(asInt(n))
		return
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			*dst = parsed
			return
		}
	}
	s.invalid(key, v)
}

// duration accepts integer milliseconds or a Go duration string and reports
// whether dst was set.
func (s section) duration(key string, dst *time.Duration) bool {
	v, ok := s.value(key)
	if !ok {
		return false
	}
	d, ok := asMillis(v)
	if !ok || d < 0 {
		s.invalid(key, v)
		return false
	}
	*dst = d
	return true
}
