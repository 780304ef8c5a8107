package rules

import (
	"net/http"

	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/middleware/auth"
	"github.com/wudi/routegate/internal/router"
)

// RequestEnv is the expression environment for request rules.
// Field names use dot notation via expr struct tags.
type RequestEnv struct {
	HTTP  HTTPEnv  `expr:"http"`
	IP    IPEnv    `expr:"ip"`
	Route RouteEnv `expr:"route"`
	Auth  AuthEnv  `expr:"auth"`
}

// HTTPEnv groups HTTP-related fields.
type HTTPEnv struct {
	Request HTTPRequestEnv `expr:"request"`
}

// HTTPRequestEnv provides request fields.
type HTTPRequestEnv struct {
	Method   string            `expr:"method"`
	URI      URIEnv            `expr:"uri"`
	Headers  map[string]string `expr:"headers"`
	Cookies  map[string]string `expr:"cookies"`
	Host     string            `expr:"host"`
	Scheme   string            `expr:"scheme"`
	BodySize int64             `expr:"body_size"`
}

// URIEnv provides URI components.
type URIEnv struct {
	Path  string            `expr:"path"`
	Query string            `expr:"query"`
	Full  string            `expr:"full"`
	Args  map[string]string `expr:"args"`
}

// IPEnv provides IP-related fields.
type IPEnv struct {
	Src string `expr:"src"`
}

// RouteEnv exposes the dispatch entry that matched the request.
type RouteEnv struct {
	Service    string            `expr:"service"`
	Name       string            `expr:"name"`
	Params     map[string]string `expr:"params"`
	ResourceID string            `expr:"resource_id"`
}

// AuthEnv provides authentication context.
type AuthEnv struct {
	Subject string         `expr:"subject"`
	Type    string         `expr:"type"`
	Claims  map[string]any `expr:"claims"`
}

// NewRequestEnv builds a RequestEnv from the request, its dispatch match and
// any identity attached by an authentication policy.
func NewRequestEnv(r *http.Request) RequestEnv {
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	args := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			args[k] = v[0]
		}
	}

	cookies := make(map[string]string)
	for _, c := range r.Cookies() {
		cookies[c.Name] = c.Value
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	route := RouteEnv{Params: make(map[string]string)}
	if entry, m, ok := router.MatchFromContext(r.Context()); ok {
		route.Service = entry.Service
		route.Name = entry.Route
		route.ResourceID = m.ResourceID
		for _, p := range m.Params {
			route.Params[p.Key] = p.Value
		}
	}

	authEnv := AuthEnv{Claims: make(map[string]any)}
	if id := auth.IdentityFromContext(r.Context()); id != nil {
		authEnv.Subject = id.Subject
		authEnv.Type = id.AuthType
		if id.Claims != nil {
			authEnv.Claims = id.Claims
		}
	}

	return RequestEnv{
		HTTP: HTTPEnv{
			Request: HTTPRequestEnv{
				Method: r.Method,
				URI: URIEnv{
					Path:  r.URL.Path,
					Query: r.URL.RawQuery,
					Full:  r.RequestURI,
					Args:  args,
				},
				Headers:  headers,
				Cookies:  cookies,
				Host:     r.Host,
				Scheme:   scheme,
				BodySize: r.ContentLength,
			},
		},
		IP:    IPEnv{Src: middleware.ClientIP(r)},
		Route: route,
		Auth:  authEnv,
	}
}
