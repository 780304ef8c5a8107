package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/wudi/routegate/internal/logging"
	"go.uber.org/zap"
)

// LoggingConfig configures the request logging middleware
type LoggingConfig struct {
	// SkipPaths are request paths that are never logged
	SkipPaths []string `yaml:"skip_paths"`
	// Message overrides the log message
	Message string `yaml:"message"`

	Service string      `yaml:"-"`
	Route   string      `yaml:"-"`
	Logger  *zap.Logger `yaml:"-"`
}

// Logging creates a request logging middleware with default config
func Logging() Middleware {
	return LoggingWithConfig(LoggingConfig{})
}

// LoggingWithConfig logs one structured entry per request once the response
// has been produced.
func LoggingWithConfig(cfg LoggingConfig) Middleware {
	msg := cfg.Message
	if msg == "" {
		msg = "Gateway request"
	}
	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := NewStatusWriter(w)
			next.ServeHTTP(sw, r)
			duration := time.Since(start)

			fields := make([]zap.Field, 0, 10)
			fields = append(fields,
				zap.String("method", r.Method),
				zap.String("path", r.URL.RequestURI()),
				zap.Int("status", sw.Status()),
				zap.Int64("duration", duration.Milliseconds()),
				zap.Int64("body_bytes", sw.BytesWritten()),
				zap.String("remote_addr", clientIP(r)),
			)
			if cfg.Service != "" {
				fields = append(fields, zap.String("service", cfg.Service))
			}
			if cfg.Route != "" {
				fields = append(fields, zap.String("route", cfg.Route))
			}
			if id := RequestIDFromContext(r.Context()); id != "" {
				fields = append(fields, zap.String("request_id", id))
			}
			if ua := r.UserAgent(); ua != "" {
				fields = append(fields, zap.String("user_agent", ua))
			}

			if cfg.Logger != nil {
				cfg.Logger.Info(msg, fields...)
				return
			}
			logging.Info(msg, fields...)
		})
	}
}

// clientIP returns the left-most X-Forwarded-For address or the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientIP is exported for policies that key on the caller address.
func ClientIP(r *http.Request) string {
	return clientIP(r)
}
