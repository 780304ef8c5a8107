package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wudi/routegate/internal/errors"
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/middleware/auth"
	"go.uber.org/zap"
)

// Config is the rate-limit policy configuration. Durations are in seconds.
type Config struct {
	Points        int    `yaml:"points"`
	Duration      int    `yaml:"duration"`
	BlockDuration int    `yaml:"block_duration"`
	KeyPrefix     string `yaml:"key_prefix"`
	// KeyType is ip (default), header, query or subject.
	KeyType string `yaml:"key_type"`
	KeyName string `yaml:"key_name"`
	// Policy selects the store: memory (default) or redis.
	Policy  string       `yaml:"policy"`
	MaxKeys int          `yaml:"max_keys"`
	Redis   *RedisConfig `yaml:"redis"`
}

// RedisConfig overrides the shared redis connection for one policy.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c *Config) applyDefaults() {
	if c.Points <= 0 {
		c.Points = 10
	}
	if c.Duration <= 0 {
		c.Duration = 60
	}
	if c.BlockDuration < 0 {
		c.BlockDuration = 0
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "gateway"
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = 10000
	}
	c.KeyType = strings.ToLower(c.KeyType)
	c.Policy = strings.ToLower(c.Policy)
	if c.Policy == "" {
		c.Policy = "memory"
	}
}

// Window returns the counting window.
func (c Config) Window() time.Duration {
	return time.Duration(c.Duration) * time.Second
}

// Block returns how long a key stays rejected after exceeding its budget.
func (c Config) Block() time.Duration {
	return time.Duration(c.BlockDuration) * time.Second
}

// Result is the outcome of consuming one point.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Store consumes points for a key.
type Store interface {
	Take(ctx context.Context, key string) (Result, error)
}

// Limiter provides rate limiting middleware
type Limiter struct {
	store   Store
	points  string
	prefix  string
	keyFn   func(*http.Request) string
	service string
}

// NewLimiter creates a limiter over store. cfg must already carry defaults.
func NewLimiter(cfg Config, store Store, service string) *Limiter {
	return &Limiter{
		store:   store,
		points:  strconv.Itoa(cfg.Points),
		prefix:  cfg.KeyPrefix + ":",
		keyFn:   BuildKeyFunc(cfg.KeyType, cfg.KeyName),
		service: service,
	}
}

// BuildKeyFunc returns a key extraction function. Every strategy falls back
// to the client IP when its value is absent.
func BuildKeyFunc(keyType, keyName string) func(*http.Request) string {
	switch {
	case keyType == "header" && keyName != "":
		return func(r *http.Request) string {
			if v := r.Header.Get(keyName); v != "" {
				return "header:" + keyName + ":" + v
			}
			return middleware.ClientIP(r)
		}
	case keyType == "query" && keyName != "":
		return func(r *http.Request) string {
			if v := r.URL.Query().Get(keyName); v != "" {
				return "query:" + keyName + ":" + v
			}
			return middleware.ClientIP(r)
		}
	case keyType == "subject":
		return func(r *http.Request) string {
			if id := auth.IdentityFromContext(r.Context()); id != nil && id.Subject != "" {
				return "sub:" + id.Subject
			}
			return middleware.ClientIP(r)
		}
	default:
		return middleware.ClientIP
	}
}

// Middleware rejects requests over budget with 429. Store failures let the
// request through.
func (l *Limiter) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := l.store.Take(r.Context(), l.prefix+l.keyFn(r))
			if err != nil {
				logging.Warn("Rate limiter unavailable, failing open",
					zap.String("service", l.service), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", l.points)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))

			if !res.Allowed {
				retryAfter := int(time.Until(res.Reset).Seconds() + 0.999)
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				errors.ErrTooManyRequests.WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// New builds a limiter from policy config. A redis policy asks clients for its
// connection, passing its own redis block or nil for the shared one.
func New(cfg Config, clients RedisClientFactory, service string) (*Limiter, error) {
	cfg.applyDefaults()

	switch cfg.Policy {
	case "memory":
		store, err := NewMemoryStore(cfg)
		if err != nil {
			return nil, err
		}
		return NewLimiter(cfg, store, service), nil
	case "redis":
		client, err := redisClientFor(cfg.Redis, clients)
		if err != nil {
			return nil, err
		}
		return NewLimiter(cfg, NewRedisStore(client, cfg), service), nil
	default:
		return nil, fmt.Errorf("unknown rate limit policy %q", cfg.Policy)
	}
}
