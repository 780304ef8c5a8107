package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/wudi/routegate/internal/errors"
)

// supportedMethods lists the methods a route may declare.
var supportedMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodOptions,
	http.MethodConnect, http.MethodTrace,
}

func isSupportedMethod(m string) bool {
	for _, s := range supportedMethods {
		if s == m {
			return true
		}
	}
	return false
}

// Entry is one executable dispatch entry.
type Entry struct {
	Service string
	Route   string
	// Method is "" when the route declared no methods and matches every one.
	Method     string
	Pattern    *Pattern
	Rewrite    *Rewrite
	Target     string
	Policies   []string
	ResourceID bool
	Handler    http.Handler
}

// Declaration describes one declared route path before expansion.
type Declaration struct {
	Service     string
	Route       string
	Path        string
	Methods     []string
	StripPath   bool
	RewritePath string
	// ResourceID enables the derived {path}/{uuid} entry for plain paths.
	ResourceID bool
	Target     string
	Policies   []string
	Handler    http.Handler
}

// Builder collects entries for a table that is not yet visible to readers.
type Builder struct {
	entries  []*Entry
	warnings []errors.RouteWarning
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Declare expands a declared path into its entries: one canonical entry per
// method, each preceded by its resource-id variant when one applies.
// Routes bound to methods match the declared path exactly; routes without
// methods match everything below it. Unsupported methods are skipped with a
// warning. An invalid pattern is returned as an error and nothing is
// registered for the path.
func (b *Builder) Declare(d Declaration) ([]*Entry, error) {
	compile := Compile
	if len(d.Methods) > 0 {
		compile = CompileExact
	}
	pattern, err := compile(d.Path)
	if err != nil {
		return nil, err
	}
	rewrite := NewRewrite(d.StripPath, d.RewritePath)

	var variant *Pattern
	if d.ResourceID && IsPlainPath(d.Path) && pattern.prefix != "" {
		variant = compileResourceID(pattern.prefix)
	}

	methods := d.Methods
	if len(methods) == 0 {
		methods = []string{""}
	}

	var added []*Entry
	for _, method := range methods {
		if method != "" && !isSupportedMethod(method) {
			b.Warn(d.Service, d.Route, fmt.Sprintf("unsupported method %q", method))
			continue
		}
		if variant != nil {
			added = append(added, &Entry{
				Service:    d.Service,
				Route:      d.Route,
				Method:     method,
				Pattern:    variant,
				Rewrite:    newResourceIDRewrite(pattern.prefix),
				Target:     d.Target,
				Policies:   d.Policies,
				ResourceID: true,
				Handler:    d.Handler,
			})
		}
		added = append(added, &Entry{
			Service:  d.Service,
			Route:    d.Route,
			Method:   method,
			Pattern:  pattern,
			Rewrite:  rewrite,
			Target:   d.Target,
			Policies: d.Policies,
			Handler:  d.Handler,
		})
	}
	b.entries = append(b.entries, added...)
	return added, nil
}

// Register appends a prepared entry.
func (b *Builder) Register(e *Entry) {
	b.entries = append(b.entries, e)
}

// Warn records a non-fatal registration problem.
func (b *Builder) Warn(service, route, message string) {
	b.warnings = append(b.warnings, errors.RouteWarning{Service: service, Route: route, Message: message})
}

// Warnings returns the warnings collected so far.
func (b *Builder) Warnings() []errors.RouteWarning {
	return b.warnings
}

// Build freezes the collected entries into a table. The builder must not be
// used afterwards.
func (b *Builder) Build() *Table {
	t := &Table{
		entries:  b.entries,
		byMethod: make(map[string][]*Entry, len(supportedMethods)),
		BuiltAt:  time.Now(),
	}
	for _, e := range b.entries {
		if e.Method == "" {
			t.any = append(t.any, e)
		}
	}
	for _, m := range supportedMethods {
		var list []*Entry
		for _, e := range b.entries {
			if e.Method == "" || e.Method == m || (m == http.MethodHead && e.Method == http.MethodGet) {
				list = append(list, e)
			}
		}
		t.byMethod[m] = list
	}
	return t
}

// Table is an immutable dispatch table for one configuration generation.
type Table struct {
	entries  []*Entry
	byMethod map[string][]*Entry
	any      []*Entry
	BuiltAt  time.Time
}

// Lookup returns the first entry, in declaration order, matching the method
// and path.
func (t *Table) Lookup(method, path string) (*Entry, Match, bool) {
	if t == nil {
		return nil, Match{}, false
	}
	path = httprouter.CleanPath(path)

	candidates, ok := t.byMethod[strings.ToUpper(method)]
	if !ok {
		candidates = t.any
	}
	for _, e := range candidates {
		if m, ok := e.Pattern.Match(path); ok {
			return e, m, true
		}
	}
	return nil, Match{}, false
}

// Entries returns the entries in declaration order.
func (t *Table) Entries() []*Entry {
	if t == nil {
		return nil
	}
	out := make([]*Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of entries.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Holder publishes the live table. Readers never block and always observe a
// complete table.
type Holder struct {
	current atomic.Pointer[Table]
}

// Replace installs t as the live table in a single pointer store.
func (h *Holder) Replace(t *Table) {
	h.current.Store(t)
}

// Current returns the live table, or nil before the first install.
func (h *Holder) Current() *Table {
	return h.current.Load()
}

// Lookup resolves against the live table snapshot.
func (h *Holder) Lookup(method, path string) (*Entry, Match, bool) {
	return h.current.Load().Lookup(method, path)
}

// State reports "empty" before the first install and "live" afterwards.
// Tables under construction are never held here.
func (h *Holder) State() string {
	if h.current.Load() == nil {
		return "empty"
	}
	return "live"
}

type ctxKey struct{}

type matched struct {
	entry *Entry
	match Match
}

// WithMatch stores the dispatched entry and its match in the context. Path
// parameters are also exposed under httprouter.ParamsKey.
func WithMatch(ctx context.Context, e *Entry, m Match) context.Context {
	ctx = context.WithValue(ctx, ctxKey{}, matched{entry: e, match: m})
	if len(m.Params) > 0 {
		ctx = context.WithValue(ctx, httprouter.ParamsKey, m.Params)
	}
	return ctx
}

// MatchFromContext returns the entry and match stored by WithMatch.
func MatchFromContext(ctx context.Context) (*Entry, Match, bool) {
	v, ok := ctx.Value(ctxKey{}).(matched)
	if !ok {
		return nil, Match{}, false
	}
	return v.entry, v.match, true
}
