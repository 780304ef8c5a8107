package plugins

import (
	"fmt"
	"sort"
	"sync"

	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/errors"
	"github.com/wudi/routegate/internal/logging"
	"go.uber.org/zap"
)

// ErrDuplicatePlugin is returned when a name is registered twice.
var ErrDuplicatePlugin = fmt.Errorf("plugin already registered")

// Registry maps policy names to factories. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// NewDefaultRegistry creates a registry holding every built-in policy.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, p := range Builtins() {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a policy. Names must be unique and factories non-nil.
func (r *Registry) Register(p Plugin) error {
	if p.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if p.Factory == nil {
		return fmt.Errorf("plugin %q: factory is required", p.Name)
	}
	if p.Kind < KindAuthentication || p.Kind > KindCustom {
		return fmt.Errorf("plugin %q: invalid kind %d", p.Name, p.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[p.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, p.Name)
	}
	r.plugins[p.Name] = p
	return nil
}

// Lookup returns the policy registered under name.
func (r *Registry) Lookup(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Names returns the registered policy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the units for decls in declaration order. Unnamed and
// unknown declarations are skipped and reported as warnings. A factory
// error aborts resolution with a *errors.PolicyError.
func (r *Registry) Resolve(decls []config.PluginConfig, ctx Context) ([]Unit, []errors.RouteWarning, error) {
	var (
		units    []Unit
		warnings []errors.RouteWarning
	)

	for i, d := range decls {
		if d.Name == "" {
			warnings = append(warnings, r.warn(ctx, fmt.Sprintf("plugin declaration %d has no name", i)))
			continue
		}
		p, ok := r.Lookup(d.Name)
		if !ok {
			warnings = append(warnings, r.warn(ctx, fmt.Sprintf("unknown plugin %q", d.Name)))
			continue
		}

		mws, err := p.Factory(Config(d.Config), ctx)
		if err != nil {
			return nil, warnings, &errors.PolicyError{Plugin: d.Name, Service: ctx.Service, Route: ctx.Route, Err: err}
		}
		for _, mw := range mws {
			if mw == nil {
				continue
			}
			units = append(units, Unit{Plugin: p.Name, Kind: p.Kind, Middleware: mw})
		}
	}
	return units, warnings, nil
}

func (r *Registry) warn(ctx Context, msg string) errors.RouteWarning {
	logging.Warn("Skipping plugin", zap.String("scope", ctx.Scope()), zap.String("reason", msg))
	return errors.RouteWarning{Service: ctx.Service, Route: ctx.Route, Message: msg}
}
