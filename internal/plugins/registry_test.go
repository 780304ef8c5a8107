package plugins

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/errors"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/tracing"
)

// tagFactory appends its "tag" config value to X-Order on the way in.
func tagFactory(cfg Config, _ Context) ([]middleware.Middleware, error) {
	tag := fmt.Sprint(cfg["tag"])
	return []middleware.Middleware{func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Header.Add("X-Order", tag)
			next.ServeHTTP(w, r)
		})
	}}, nil
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	if err := r.Register(Plugin{Name: "tag", Kind: KindCustom, Factory: tagFactory}); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRegisterValidation(t *testing.T) {
	r := testRegistry(t)

	tests := []struct {
		name string
		p    Plugin
	}{
		{"empty name", Plugin{Kind: KindCustom, Factory: tagFactory}},
		{"nil factory", Plugin{Name: "x", Kind: KindCustom}},
		{"bad kind", Plugin{Name: "x", Kind: Kind(42), Factory: tagFactory}},
		{"duplicate", Plugin{Name: "tag", Kind: KindCustom, Factory: tagFactory}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.p); err == nil {
				t.Error("expected registration error")
			}
		})
	}

	err := r.Register(Plugin{Name: "tag", Kind: KindCustom, Factory: tagFactory})
	if !stderrors.Is(err, ErrDuplicatePlugin) {
		t.Errorf("expected ErrDuplicatePlugin, got %v", err)
	}
}

func TestChainOrdering(t *testing.T) {
	r := testRegistry(t)
	resolve := func(tag string, ctx Context) []Unit {
		units, _, err := r.Resolve([]config.PluginConfig{{Name: "tag", Config: map[string]any{"tag": tag}}}, ctx)
		if err != nil {
			t.Fatal(err)
		}
		return units
	}

	global := resolve("A", Context{})
	service := resolve("B", Context{Service: "users"})
	route := resolve("C", Context{Service: "users", Route: "list"})

	var seen []string
	h := Compose(Chain(global, service, route)).Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Values("X-Order")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if strings.Join(seen, ",") != "A,B,C" {
		t.Errorf("expected A,B,C got %v", seen)
	}
}

func TestResolveSkipsUnknown(t *testing.T) {
	r := testRegistry(t)
	units, warnings, err := r.Resolve([]config.PluginConfig{
		{Name: "does-not-exist"},
		{Name: ""},
		{Name: "tag", Config: map[string]any{"tag": "ok"}},
	}, Context{Service: "users", Route: "list"})
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 1 || units[0].Plugin != "tag" {
		t.Errorf("unexpected units %v", Names(units))
	}
	if len(warnings) != 2 || warnings[0].Service != "users" || warnings[0].Route != "list" {
		t.Errorf("unexpected warnings %+v", warnings)
	}
}

func TestResolveFactoryError(t *testing.T) {
	r := testRegistry(t)
	boom := stderrors.New("boom")
	r.Register(Plugin{Name: "broken", Kind: KindCustom, Factory: func(Config, Context) ([]middleware.Middleware, error) {
		return nil, boom
	}})

	_, _, err := r.Resolve([]config.PluginConfig{{Name: "broken"}}, Context{Service: "users"})
	var pe *errors.PolicyError
	if !stderrors.As(err, &pe) {
		t.Fatalf("expected PolicyError, got %v", err)
	}
	if pe.Plugin != "broken" || pe.Service != "users" || !stderrors.Is(err, boom) {
		t.Errorf("unexpected policy error %+v", pe)
	}
}

func TestConfigDecode(t *testing.T) {
	var out struct {
		Points   int             `yaml:"points"`
		Names    []string        `yaml:"names"`
		Window   config.Duration `yaml:"window"`
		Optional *bool           `yaml:"optional"`
	}
	cfg := Config{"points": 5, "names": []any{"a", "b"}, "window": "1s", "optional": false}
	if err := cfg.Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Points != 5 || len(out.Names) != 2 || out.Window.Std().Seconds() != 1 || out.Optional == nil || *out.Optional {
		t.Errorf("unexpected decode %+v", out)
	}

	if err := Config(nil).Decode(&out); err != nil {
		t.Errorf("nil config should decode cleanly: %v", err)
	}
}

func TestDefaultRegistryBuiltins(t *testing.T) {
	r := NewDefaultRegistry()
	want := []string{"circuit-breaker", "cors", "jwt-auth", "logging", "rate-limit", "request-id", "request-rules", "retry", "tracing"}
	if got := strings.Join(r.Names(), ","); got != strings.Join(want, ",") {
		t.Errorf("builtins = %s", got)
	}

	t.Setenv("JWT_SECRET", "")
	tracer, _ := tracing.New(config.TracingConfig{})
	ctx := Context{Service: "users", Route: "list", Tracer: tracer}

	decls := []config.PluginConfig{
		{Name: "request-id"},
		{Name: "logging", Config: map[string]any{"skip_paths": []any{"/health"}}},
		{Name: "cors", Config: map[string]any{"origins": []any{"https://a.example"}}},
		{Name: "rate-limit", Config: map[string]any{"points": 2, "duration": 1}},
		{Name: "retry", Config: map[string]any{"max_retries": 1, "initial_backoff": 10}},
		{Name: "circuit-breaker", Config: map[string]any{"failure_threshold": 3, "timeout": "5s"}},
		{Name: "request-rules", Config: map[string]any{"rules": []any{
			map[string]any{"id": "r1", "expression": `http.request.method == "TRACE"`},
		}}},
		{Name: "tracing"},
	}
	units, warnings, err := r.Resolve(decls, ctx)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings %v", warnings)
	}
	// tracing is disabled and contributes nothing
	if len(units) != 7 {
		t.Errorf("expected 7 units, got %v", Names(units))
	}

	_, _, err = r.Resolve([]config.PluginConfig{{Name: "jwt-auth"}}, ctx)
	var pe *errors.PolicyError
	if !stderrors.As(err, &pe) || pe.Plugin != "jwt-auth" {
		t.Errorf("jwt-auth without secret should fail, got %v", err)
	}

	_, _, err = r.Resolve([]config.PluginConfig{{Name: "request-rules", Config: map[string]any{
		"rules": []any{map[string]any{"id": "bad", "expression": "1 +"}},
	}}}, ctx)
	if err == nil {
		t.Error("invalid rule expression should fail the policy")
	}
}

func TestKindString(t *testing.T) {
	if KindRateLimit.String() != "rate_limit" || Kind(99).String() != "unknown" {
		t.Error("unexpected kind names")
	}
}
