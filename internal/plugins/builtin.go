package plugins

import (
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/middleware/auth"
	"github.com/wudi/routegate/internal/middleware/circuitbreaker"
	"github.com/wudi/routegate/internal/middleware/cors"
	"github.com/wudi/routegate/internal/middleware/ratelimit"
	"github.com/wudi/routegate/internal/middleware/retry"
	"github.com/wudi/routegate/internal/rules"
	"go.uber.org/zap"
)

// Builtins returns the policies shipped with the gateway.
func Builtins() []Plugin {
	return []Plugin{
		{Name: "jwt-auth", Kind: KindAuthentication, Factory: jwtAuthFactory},
		{Name: "rate-limit", Kind: KindRateLimit, Factory: rateLimitFactory},
		{Name: "cors", Kind: KindCORS, Factory: corsFactory},
		{Name: "logging", Kind: KindLogging, Factory: loggingFactory},
		{Name: "request-id", Kind: KindLogging, Factory: requestIDFactory},
		{Name: "tracing", Kind: KindLogging, Factory: tracingFactory},
		{Name: "retry", Kind: KindTraffic, Factory: retryFactory},
		{Name: "circuit-breaker", Kind: KindTraffic, Factory: circuitBreakerFactory},
		{Name: "request-rules", Kind: KindCustom, Factory: requestRulesFactory},
	}
}

func one(mw middleware.Middleware) []middleware.Middleware {
	return []middleware.Middleware{mw}
}

func jwtAuthFactory(cfg Config, ctx Context) ([]middleware.Middleware, error) {
	var c auth.JWTConfig
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	a, err := auth.NewJWTAuth(c, ctx.Service)
	if err != nil {
		return nil, err
	}
	return one(a.Middleware()), nil
}

func rateLimitFactory(cfg Config, ctx Context) ([]middleware.Middleware, error) {
	var c ratelimit.Config
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	l, err := ratelimit.New(c, ctx.Redis, ctx.Scope())
	if err != nil {
		return nil, err
	}
	return one(l.Middleware()), nil
}

func corsFactory(cfg Config, _ Context) ([]middleware.Middleware, error) {
	var c cors.Config
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	h, err := cors.New(c)
	if err != nil {
		return nil, err
	}
	return one(h.Middleware()), nil
}

func loggingFactory(cfg Config, ctx Context) ([]middleware.Middleware, error) {
	var c middleware.LoggingConfig
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	c.Service = ctx.Service
	c.Route = ctx.Route
	c.Logger = ctx.Logger
	return one(middleware.LoggingWithConfig(c)), nil
}

func requestIDFactory(cfg Config, _ Context) ([]middleware.Middleware, error) {
	var c middleware.RequestIDConfig
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	return one(middleware.RequestIDWithConfig(c)), nil
}

func tracingFactory(_ Config, ctx Context) ([]middleware.Middleware, error) {
	if !ctx.Tracer.IsEnabled() {
		logging.Warn("Tracing plugin declared but tracing is disabled", zap.String("scope", ctx.Scope()))
		return nil, nil
	}
	return one(ctx.Tracer.Middleware(ctx.Service, ctx.Route)), nil
}

func retryFactory(cfg Config, ctx Context) ([]middleware.Middleware, error) {
	var c retry.Config
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	p := retry.NewPolicy(c, ctx.Scope())
	if ctx.Metrics != nil {
		p.OnRetry = ctx.Metrics.RecordRetry
	}
	return one(p.Middleware()), nil
}

func circuitBreakerFactory(cfg Config, ctx Context) ([]middleware.Middleware, error) {
	var c circuitbreaker.Config
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	if ctx.Metrics != nil {
		c.OnStateChange = ctx.Metrics.SetCircuitBreakerState
	}
	return one(circuitbreaker.New(c, ctx.Scope()).Middleware()), nil
}

func requestRulesFactory(cfg Config, ctx Context) ([]middleware.Middleware, error) {
	var c rules.Config
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	e, err := rules.NewEngine(c, ctx.Scope())
	if err != nil {
		return nil, err
	}
	return one(e.Middleware()), nil
}
