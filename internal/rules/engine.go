package rules

import (
	"net/http"
	"sync/atomic"

	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/middleware"
	"go.uber.org/zap"
)

// Config is the request-rules policy configuration.
type Config struct {
	Rules []RuleConfig `yaml:"rules"`
}

// Engine evaluates compiled rules in declaration order.
type Engine struct {
	rules   []*CompiledRule
	service string
	metrics Metrics
}

// Metrics counts rule outcomes.
type Metrics struct {
	Evaluated atomic.Int64
	Matched   atomic.Int64
	Blocked   atomic.Int64
	Errors    atomic.Int64
}

// NewEngine compiles every rule. Any compile error fails the whole policy.
func NewEngine(cfg Config, service string) (*Engine, error) {
	e := &Engine{service: service}
	for _, rc := range cfg.Rules {
		cr, err := Compile(rc)
		if err != nil {
			return nil, err
		}
		e.rules = append(e.rules, cr)
	}
	return e, nil
}

// Len returns the number of compiled rules.
func (e *Engine) Len() int {
	return len(e.rules)
}

// Metrics returns the engine counters.
func (e *Engine) Metrics() *Metrics {
	return &e.metrics
}

// Evaluate runs the rules against r and returns the first terminating
// action, applying non-terminating actions to r along the way.
func (e *Engine) Evaluate(r *http.Request) (Action, bool) {
	env := NewRequestEnv(r)

	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		e.metrics.Evaluated.Add(1)

		matched, err := rule.Evaluate(env)
		if err != nil {
			e.metrics.Errors.Add(1)
			logging.Error("Rule evaluation error",
				zap.String("service", e.service),
				zap.String("rule_id", rule.ID),
				zap.Error(err),
			)
			continue
		}
		if !matched {
			continue
		}
		e.metrics.Matched.Add(1)

		if IsTerminating(rule.Action) {
			e.metrics.Blocked.Add(1)
			return rule.Action, true
		}

		switch rule.Action.Type {
		case "set_headers":
			applyHeaders(r, rule.Action.Headers)
		case "log":
			logging.Info("Rule matched",
				zap.String("service", e.service),
				zap.String("rule_id", rule.ID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
		}
	}
	return Action{}, false
}

// Middleware returns the request-rules middleware.
func (e *Engine) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if action, stop := e.Evaluate(r); stop {
				writeTerminating(w, r, action)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func applyHeaders(r *http.Request, h HeaderTransform) {
	for k, v := range h.Add {
		r.Header.Add(k, v)
	}
	for k, v := range h.Set {
		r.Header.Set(k, v)
	}
	for _, k := range h.Remove {
		r.Header.Del(k)
	}
}

func writeTerminating(w http.ResponseWriter, r *http.Request, action Action) {
	switch action.Type {
	case "block":
		status := action.StatusCode
		if status == 0 {
			status = http.StatusForbidden
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(status)
		if action.Body != "" {
			w.Write([]byte(action.Body))
		} else {
			w.Write([]byte(http.StatusText(status)))
		}

	case "custom_response":
		status := action.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(status)
		if action.Body != "" {
			w.Write([]byte(action.Body))
		}

	case "redirect":
		status := action.StatusCode
		if status == 0 {
			status = http.StatusFound
		}
		http.Redirect(w, r, action.RedirectURL, status)
	}
}
