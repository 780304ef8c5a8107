package gateway

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/errors"
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/plugins"
	"github.com/wudi/routegate/internal/proxy"
	"github.com/wudi/routegate/internal/router"
	"go.uber.org/zap"
)

const maxReloadHistory = 50

// ReloadResult represents the outcome of a config reload.
type ReloadResult struct {
	Success   bool                  `json:"success"`
	Timestamp time.Time             `json:"timestamp"`
	Error     string                `json:"error,omitempty"`
	Changes   []string              `json:"changes,omitempty"`
	Warnings  []errors.RouteWarning `json:"warnings,omitempty"`
	Entries   int                   `json:"entries"`
}

// BuildReport summarizes one table build.
type BuildReport struct {
	Services int                   `json:"services"`
	Routes   int                   `json:"routes"`
	Entries  int                   `json:"entries"`
	Warnings []errors.RouteWarning `json:"warnings,omitempty"`
}

// ErrNoConfigPath is returned by Reload when the gateway was built without
// a configuration file.
var ErrNoConfigPath = stderrors.New("no config path configured")

// build turns cfg into a complete table off to the side. Nothing it creates
// is visible to requests until Apply swaps it in.
func (g *Gateway) build(cfg *config.Config) (*router.Table, BuildReport, map[string]bool, error) {
	var report BuildReport
	b := router.NewBuilder()
	services := make(map[string]bool, len(cfg.Services))

	px := proxy.New(proxy.Config{
		PoweredBy: cfg.Server.PoweredBy,
		Observe: func(service string, _ int, kind errors.TransportKind, d time.Duration) {
			g.metrics.RecordUpstream(service, string(kind), d)
		},
	})

	base := plugins.Context{
		Redis:   g.redisClient,
		Tracer:  g.tracer,
		Logger:  logging.Global(),
		Metrics: g.metrics,
	}

	global, warnings, err := g.registry.Resolve(cfg.Plugins, base)
	report.Warnings = append(report.Warnings, warnings...)
	if err != nil {
		return nil, report, nil, err
	}

	for _, svc := range cfg.Services {
		if svc.URL == "" {
			b.Warn(svc.Name, "", "service has no url")
			continue
		}
		target, err := proxy.NewTarget(svc, g.transports.For(svc))
		if err != nil {
			b.Warn(svc.Name, "", fmt.Sprintf("invalid service url %q: %v", svc.URL, err))
			continue
		}
		services[svc.Name] = true
		report.Services++

		for _, rt := range svc.Routes {
			if len(rt.Paths) == 0 {
				b.Warn(svc.Name, rt.Name, "route has no paths")
				continue
			}

			// Service policies are instantiated per route so stateful ones,
			// such as in-memory rate limits, never share state across routes.
			rctx := base
			rctx.Service = svc.Name
			rctx.Route = rt.Name
			svcUnits, warnings, err := g.registry.Resolve(svc.Plugins, rctx)
			report.Warnings = append(report.Warnings, warnings...)
			if err != nil {
				return nil, report, nil, err
			}
			routeUnits, warnings, err := g.registry.Resolve(rt.Plugins, rctx)
			report.Warnings = append(report.Warnings, warnings...)
			if err != nil {
				return nil, report, nil, err
			}

			units := plugins.Chain(global, svcUnits, routeUnits)
			t := target
			t.PreserveHost = rt.PreserveHost
			handler := plugins.Compose(units).Then(px.Handler(t))
			report.Routes++

			for _, path := range rt.Paths {
				_, err := b.Declare(router.Declaration{
					Service:     svc.Name,
					Route:       rt.Name,
					Path:        path,
					Methods:     rt.Methods,
					StripPath:   rt.StripPath,
					RewritePath: rt.RewritePath,
					ResourceID:  rt.ResourceID,
					Target:      svc.URL,
					Policies:    plugins.Names(units),
					Handler:     handler,
				})
				if err != nil {
					b.Warn(svc.Name, rt.Name, fmt.Sprintf("invalid path %q: %v", path, err))
				}
			}
		}
	}

	for _, w := range b.Warnings() {
		logging.Warn("Route registration warning",
			zap.String("service", w.Service),
			zap.String("route", w.Route),
			zap.String("message", w.Message),
		)
	}
	report.Warnings = append(report.Warnings, b.Warnings()...)

	table := b.Build()
	report.Entries = table.Len()
	return table, report, services, nil
}

// Validate builds a table from cfg without serving it, surfacing every error
// Apply would hit at startup. Connections opened by policies are released
// before it returns.
func Validate(cfg *config.Config) (BuildReport, error) {
	g := New(Options{})
	defer g.Close()
	g.redisConfig.Store(&cfg.Redis)
	_, report, _, err := g.build(cfg)
	return report, err
}

// Apply builds a table from an already parsed configuration and makes it
// live. On error the previous table and configuration stay in place.
func (g *Gateway) Apply(cfg *config.Config) (BuildReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.redisConfig.Store(&cfg.Redis)
	table, report, services, err := g.build(cfg)
	if err != nil {
		logging.Error("Configuration build failed", zap.Error(err))
		return report, err
	}

	g.table.Replace(table)
	g.config.Store(cfg)
	g.transports.Retain(services)
	g.metrics.SetTableSize(report.Services, report.Entries)

	logging.Info("Configuration applied",
		zap.Int("services", report.Services),
		zap.Int("routes", report.Routes),
		zap.Int("entries", report.Entries),
		zap.Int("warnings", len(report.Warnings)),
	)
	return report, nil
}

// Reload loads the configuration file and applies it. Concurrent calls share
// one load. A failed load or build leaves the live table untouched.
func (g *Gateway) Reload() (*config.Config, error) {
	v, err, _ := g.reloads.Do("reload", func() (any, error) {
		return g.reload()
	})
	if err != nil {
		return nil, err
	}
	return v.(*config.Config), nil
}

func (g *Gateway) reload() (*config.Config, error) {
	result := ReloadResult{Timestamp: time.Now()}
	defer func() {
		g.metrics.RecordReload(result.Success)
		g.recordReload(result)
	}()

	if g.configPath == "" {
		result.Error = ErrNoConfigPath.Error()
		return nil, ErrNoConfigPath
	}

	cfg, err := g.loader.Load(g.configPath)
	if err != nil {
		result.Error = err.Error()
		logging.Error("Configuration reload failed", zap.String("path", g.configPath), zap.Error(err))
		return nil, err
	}

	previous := g.CurrentConfig()
	report, err := g.Apply(cfg)
	result.Warnings = report.Warnings
	if err != nil {
		result.Error = err.Error()
		return nil, err
	}

	result.Success = true
	result.Entries = report.Entries
	result.Changes = diffConfig(previous, cfg)
	logging.Info("Configuration reloaded",
		zap.String("path", g.configPath),
		zap.Strings("changes", result.Changes),
	)
	return cfg, nil
}

func (g *Gateway) recordReload(result ReloadResult) {
	g.historyMu.Lock()
	defer g.historyMu.Unlock()
	g.history = append(g.history, result)
	if len(g.history) > maxReloadHistory {
		g.history = g.history[len(g.history)-maxReloadHistory:]
	}
}

// History returns the most recent reload results, oldest first.
func (g *Gateway) History() []ReloadResult {
	g.historyMu.RLock()
	defer g.historyMu.RUnlock()
	out := make([]ReloadResult, len(g.history))
	copy(out, g.history)
	return out
}

// diffConfig returns a list of human-readable changes between old and new configs.
func diffConfig(oldCfg, newCfg *config.Config) []string {
	var changes []string

	oldServices := make(map[string]config.Service)
	if oldCfg != nil {
		for _, s := range oldCfg.Services {
			oldServices[s.Name] = s
		}
	}
	newServices := make(map[string]config.Service, len(newCfg.Services))
	for _, s := range newCfg.Services {
		newServices[s.Name] = s
	}

	for name, s := range newServices {
		old, ok := oldServices[name]
		switch {
		case !ok:
			changes = append(changes, fmt.Sprintf("service added: %s", name))
		case old.URL != s.URL:
			changes = append(changes, fmt.Sprintf("service target changed: %s", name))
		case routeSignature(old) != routeSignature(s):
			changes = append(changes, fmt.Sprintf("service routes changed: %s", name))
		}
	}
	for name := range oldServices {
		if _, ok := newServices[name]; !ok {
			changes = append(changes, fmt.Sprintf("service removed: %s", name))
		}
	}

	if oldCfg != nil && len(oldCfg.Plugins) != len(newCfg.Plugins) {
		changes = append(changes, fmt.Sprintf("global plugins changed: %d -> %d", len(oldCfg.Plugins), len(newCfg.Plugins)))
	}

	sort.Strings(changes)
	return changes
}

func routeSignature(s config.Service) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d|%d", len(s.Plugins), s.Timeout)
	for _, r := range s.Routes {
		fmt.Fprintf(&sb, "|%s:%v:%v:%t:%s:%t:%t:%d",
			r.Name, r.Paths, r.Methods, r.StripPath, r.RewritePath, r.PreserveHost, r.ResourceID, len(r.Plugins))
	}
	return sb.String()
}
