package gateway

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/errors"
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/metrics"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/middleware/ratelimit"
	"github.com/wudi/routegate/internal/plugins"
	"github.com/wudi/routegate/internal/proxy"
	"github.com/wudi/routegate/internal/router"
	"github.com/wudi/routegate/internal/tracing"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Options wires the process-wide collaborators of a Gateway. Nil fields get
// defaults.
type Options struct {
	// ConfigPath is the file Reload reads.
	ConfigPath string
	Registry   *plugins.Registry
	Metrics    *metrics.Collector
	Tracer     *tracing.Tracer
	Transports *proxy.TransportPool
	Loader     *config.Loader
}

// Gateway is the main API gateway. It owns the live dispatch table and
// rebuilds it from configuration.
type Gateway struct {
	configPath string
	loader     *config.Loader
	registry   *plugins.Registry
	metrics    *metrics.Collector
	tracer     *tracing.Tracer
	transports *proxy.TransportPool

	table  router.Holder
	config atomic.Pointer[config.Config]

	// mu serializes builds so two applies never interleave their swaps.
	mu      sync.Mutex
	reloads singleflight.Group

	historyMu sync.RWMutex
	history   []ReloadResult

	// redisClients holds one client per resolved connection, reused across
	// builds and closed with the gateway.
	redisMu      sync.Mutex
	redisClients map[string]*redis.Client
	redisConfig  atomic.Pointer[config.RedisConfig]
}

// New creates a gateway with an empty table. Call Apply or Reload before
// serving traffic.
func New(opts Options) *Gateway {
	g := &Gateway{
		configPath: opts.ConfigPath,
		loader:     opts.Loader,
		registry:   opts.Registry,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		transports: opts.Transports,
	}
	if g.loader == nil {
		g.loader = config.NewLoader()
	}
	if g.registry == nil {
		g.registry = plugins.NewDefaultRegistry()
	}
	if g.metrics == nil {
		g.metrics = metrics.NewCollector()
	}
	if g.tracer == nil {
		g.tracer, _ = tracing.New(config.TracingConfig{})
	}
	if g.transports == nil {
		g.transports = proxy.NewTransportPool(proxy.DefaultTransportConfig)
	}
	return g
}

// redisClient returns the cached client for cfg, connecting lazily. A nil cfg
// selects the shared connection from the current configuration's redis
// section.
func (g *Gateway) redisClient(cfg *ratelimit.RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		cfg = &ratelimit.RedisConfig{}
		if rc := g.redisConfig.Load(); rc != nil {
			cfg = &ratelimit.RedisConfig{Host: rc.Host, Port: rc.Port, Password: rc.Password, DB: rc.DB}
		}
	}
	opts := ratelimit.RedisOptions(*cfg)
	key := fmt.Sprintf("%s/%d/%s", opts.Addr, opts.DB, opts.Password)

	g.redisMu.Lock()
	defer g.redisMu.Unlock()
	if client, ok := g.redisClients[key]; ok {
		return client, nil
	}
	if g.redisClients == nil {
		g.redisClients = make(map[string]*redis.Client)
	}
	client := redis.NewClient(opts)
	g.redisClients[key] = client
	logging.Debug("Redis client created", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return client, nil
}

// ServeHTTP dispatches against one table snapshot.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	entry, m, ok := g.table.Lookup(r.Method, r.URL.Path)
	if !ok {
		g.metrics.RecordNotFound()
		errors.ErrNotFound.
			WithDetails(fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path)).
			WithRequestID(middleware.RequestIDFromContext(r.Context())).
			WriteJSON(w)
		return
	}

	sw := middleware.NewStatusWriter(w)
	entry.Handler.ServeHTTP(sw, r.WithContext(router.WithMatch(r.Context(), entry, m)))
	g.metrics.RecordRequest(entry.Service, entry.Route, r.Method, sw.Status(), time.Since(start))
}

// Lookup resolves method and path against the live table.
func (g *Gateway) Lookup(method, path string) (*router.Entry, router.Match, bool) {
	return g.table.Lookup(method, path)
}

// Table returns the live dispatch table, nil before the first apply.
func (g *Gateway) Table() *router.Table {
	return g.table.Current()
}

// CurrentConfig returns the configuration behind the live table.
func (g *Gateway) CurrentConfig() *config.Config {
	return g.config.Load()
}

// Metrics returns the collector the gateway records into.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Close releases pooled connections and every Redis client.
func (g *Gateway) Close() error {
	g.transports.CloseIdleConnections()

	g.redisMu.Lock()
	defer g.redisMu.Unlock()
	var firstErr error
	for key, client := range g.redisClients {
		if err := client.Close(); err != nil {
			logging.Warn("Closing redis client failed", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(g.redisClients, key)
	}
	return firstErr
}
