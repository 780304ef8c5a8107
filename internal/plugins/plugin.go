package plugins

import (
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/wudi/routegate/internal/metrics"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/middleware/ratelimit"
	"github.com/wudi/routegate/internal/tracing"
	"go.uber.org/zap"
)

// Kind classifies a policy.
type Kind int

const (
	KindAuthentication Kind = iota
	KindRateLimit
	KindCORS
	KindLogging
	KindTraffic
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindRateLimit:
		return "rate_limit"
	case KindCORS:
		return "cors"
	case KindLogging:
		return "logging"
	case KindTraffic:
		return "traffic"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Config is the raw configuration of one policy declaration.
type Config map[string]any

// Decode copies the configuration into out, a pointer to a struct with yaml
// tags. A nil Config leaves out untouched.
func (c Config) Decode(out any) error {
	if len(c) == 0 {
		return nil
	}
	data, err := yaml.Marshal(map[string]any(c))
	if err != nil {
		return fmt.Errorf("encode plugin config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode plugin config: %w", err)
	}
	return nil
}

// Context tells a factory where the policy is being attached. Service and
// Route are empty for global policies.
type Context struct {
	Service string
	Route   string
	// Redis returns the shared client for distributed policies.
	Redis  ratelimit.RedisClientFactory
	Tracer *tracing.Tracer
	Logger *zap.Logger

	// Metrics is optional; nil disables policy metrics.
	Metrics *metrics.Collector
}

// Scope returns a readable name for the attachment point.
func (c Context) Scope() string {
	switch {
	case c.Service == "":
		return "global"
	case c.Route == "":
		return c.Service
	default:
		return c.Service + "/" + c.Route
	}
}

// Factory builds the middleware for one declaration. It may return zero,
// one or several middlewares; they run in the returned order.
type Factory func(cfg Config, ctx Context) ([]middleware.Middleware, error)

// Plugin is a named policy in the registry.
type Plugin struct {
	Name    string
	Kind    Kind
	Factory Factory
}

// Unit is one resolved middleware together with the policy it came from.
type Unit struct {
	Plugin     string
	Kind       Kind
	Middleware middleware.Middleware
}

// Chain concatenates global, service and route units in that order.
func Chain(global, service, route []Unit) []Unit {
	out := make([]Unit, 0, len(global)+len(service)+len(route))
	out = append(out, global...)
	out = append(out, service...)
	return append(out, route...)
}

// Compose turns units into a middleware chain, first unit outermost.
func Compose(units []Unit) *middleware.Chain {
	mws := make([]middleware.Middleware, len(units))
	for i, u := range units {
		mws[i] = u.Middleware
	}
	return middleware.NewChain(mws...)
}

// Names lists the policy names of units, for diagnostics.
func Names(units []Unit) []string {
	names := make([]string, len(units))
	for i, u := range units {
		names[i] = u.Plugin
	}
	return names
}
