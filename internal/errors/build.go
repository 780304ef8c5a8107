package errors

import (
	"fmt"
)

// ConfigError is returned when a configuration source cannot be turned into
// a usable configuration. A reload that fails with a ConfigError leaves the
// previous table live.
type ConfigError struct {
	Op   string // "read", "parse" or "validate"
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// PolicyError is returned when a policy factory rejects its configuration.
type PolicyError struct {
	Plugin  string
	Service string
	Route   string
	Err     error
}

func (e *PolicyError) Error() string {
	scope := e.Service
	if e.Route != "" {
		scope += "/" + e.Route
	}
	if scope == "" {
		scope = "global"
	}
	return fmt.Sprintf("plugin %q (%s): %v", e.Plugin, scope, e.Err)
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}

// RouteWarning describes a declaration that was skipped while building the
// dispatch table. Warnings never abort a build.
type RouteWarning struct {
	Service string `json:"service,omitempty"`
	Route   string `json:"route,omitempty"`
	Message string `json:"message"`
}

func (w RouteWarning) String() string {
	switch {
	case w.Service == "":
		return w.Message
	case w.Route == "":
		return fmt.Sprintf("service %s: %s", w.Service, w.Message)
	default:
		return fmt.Sprintf("service %s route %s: %s", w.Service, w.Route, w.Message)
	}
}
