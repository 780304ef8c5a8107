package rules

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// RuleConfig declares one request rule.
type RuleConfig struct {
	ID         string `yaml:"id"`
	Enabled    *bool  `yaml:"enabled"`
	Expression string `yaml:"expression"`
	// Action is block, custom_response, redirect, set_headers or log.
	Action      string            `yaml:"action"`
	StatusCode  int               `yaml:"status_code"`
	Body        string            `yaml:"body"`
	RedirectURL string            `yaml:"redirect_url"`
	Headers     HeaderTransform   `yaml:"headers"`
	Tags        map[string]string `yaml:"tags"`
}

// HeaderTransform edits request headers before they are forwarded.
type HeaderTransform struct {
	Add    map[string]string `yaml:"add"`
	Set    map[string]string `yaml:"set"`
	Remove []string          `yaml:"remove"`
}

// CompiledRule is a pre-compiled expression rule ready for evaluation.
type CompiledRule struct {
	ID         string
	Expression string
	program    *vm.Program
	Action     Action
	Enabled    bool
}

// Action defines what happens when a rule matches.
type Action struct {
	Type        string
	StatusCode  int
	Body        string
	RedirectURL string
	Headers     HeaderTransform
}

var actionTypes = map[string]bool{
	"block":           true,
	"custom_response": true,
	"redirect":        true,
	"set_headers":     true,
	"log":             true,
}

// IsTerminating returns true for actions that end request processing.
func IsTerminating(action Action) bool {
	switch action.Type {
	case "block", "custom_response", "redirect":
		return true
	default:
		return false
	}
}

// Compile compiles a rule against the request environment.
func Compile(cfg RuleConfig) (*CompiledRule, error) {
	if cfg.Action == "" {
		cfg.Action = "block"
	}
	if !actionTypes[cfg.Action] {
		return nil, fmt.Errorf("rule %s: unknown action %q", cfg.ID, cfg.Action)
	}
	if cfg.Action == "redirect" && cfg.RedirectURL == "" {
		return nil, fmt.Errorf("rule %s: redirect requires redirect_url", cfg.ID)
	}

	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}

	program, err := expr.Compile(cfg.Expression, expr.Env(RequestEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("rule %s: failed to compile expression: %w", cfg.ID, err)
	}

	return &CompiledRule{
		ID:         cfg.ID,
		Expression: cfg.Expression,
		program:    program,
		Action: Action{
			Type:        cfg.Action,
			StatusCode:  cfg.StatusCode,
			Body:        cfg.Body,
			RedirectURL: cfg.RedirectURL,
			Headers:     cfg.Headers,
		},
		Enabled: enabled,
	}, nil
}

// Evaluate runs the compiled program against the given environment.
func (cr *CompiledRule) Evaluate(env RequestEnv) (bool, error) {
	output, err := expr.Run(cr.program, env)
	if err != nil {
		return false, err
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("rule %s: expression did not return bool", cr.ID)
	}
	return result, nil
}
