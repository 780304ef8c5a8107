package cors

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/middleware"
	"go.uber.org/zap"
)

// Config is the cors policy configuration.
type Config struct {
	Origins        []string `yaml:"origins"`
	OriginPatterns []string `yaml:"origin_patterns"`
	Methods        []string `yaml:"methods"`
	Headers        []string `yaml:"headers"`
	ExposedHeaders []string `yaml:"exposed_headers"`
	// Credentials defaults to true when unset.
	Credentials       *bool `yaml:"credentials"`
	MaxAge            int   `yaml:"max_age"`
	PreflightContinue bool  `yaml:"preflight_continue"`
}

// Handler applies CORS headers for one policy instance.
type Handler struct {
	allowOrigins        []string
	allowOriginPatterns []*regexp.Regexp
	allowMethods        string
	allowHeaders        string
	exposeHeaders       string
	allowCredentials    bool
	maxAge              string
	allowAllOrigins     bool
	preflightContinue   bool
}

// New creates a CORS handler from config
func New(cfg Config) (*Handler, error) {
	h := &Handler{
		allowOrigins:      cfg.Origins,
		allowCredentials:  true,
		preflightContinue: cfg.PreflightContinue,
	}
	if cfg.Credentials != nil {
		h.allowCredentials = *cfg.Credentials
	}
	if len(h.allowOrigins) == 0 {
		h.allowOrigins = []string{"*"}
	}

	for _, pattern := range cfg.OriginPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		h.allowOriginPatterns = append(h.allowOriginPatterns, re)
	}

	if len(cfg.Methods) > 0 {
		h.allowMethods = strings.Join(cfg.Methods, ", ")
	} else {
		h.allowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	}

	if len(cfg.Headers) > 0 {
		h.allowHeaders = strings.Join(cfg.Headers, ", ")
	} else {
		h.allowHeaders = "Content-Type, Authorization"
	}

	if len(cfg.ExposedHeaders) > 0 {
		h.exposeHeaders = strings.Join(cfg.ExposedHeaders, ", ")
	}

	if cfg.MaxAge > 0 {
		h.maxAge = strconv.Itoa(cfg.MaxAge)
	} else {
		h.maxAge = "3600"
	}

	for _, o := range h.allowOrigins {
		if o == "*" {
			h.allowAllOrigins = true
			break
		}
	}

	return h, nil
}

// IsPreflight returns true if the request is a CORS preflight
func (h *Handler) IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Origin") != "" && r.Header.Get("Access-Control-Request-Method") != ""
}

// HandlePreflight writes the preflight headers. It reports whether the
// response was completed.
func (h *Handler) HandlePreflight(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if !h.isOriginAllowed(origin) {
		logging.Warn("CORS origin not allowed", zap.String("origin", origin))
		w.WriteHeader(http.StatusNoContent)
		return true
	}

	w.Header().Set("Access-Control-Allow-Origin", h.responseOrigin(origin))
	w.Header().Set("Access-Control-Allow-Methods", h.allowMethods)
	w.Header().Set("Access-Control-Allow-Headers", h.allowHeaders)
	if h.allowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	if h.exposeHeaders != "" {
		w.Header().Set("Access-Control-Expose-Headers", h.exposeHeaders)
	}
	w.Header().Set("Access-Control-Max-Age", h.maxAge)
	w.Header().Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")

	if h.preflightContinue {
		return false
	}
	w.WriteHeader(http.StatusNoContent)
	return true
}

// ApplyHeaders adds CORS headers to a normal (non-preflight) response
func (h *Handler) ApplyHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !h.isOriginAllowed(origin) {
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", h.responseOrigin(origin))
	if h.allowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	if h.exposeHeaders != "" {
		w.Header().Set("Access-Control-Expose-Headers", h.exposeHeaders)
	}
	w.Header().Add("Vary", "Origin")
}

// responseOrigin echoes the request origin; a literal "*" is only sent when
// credentials are off, since browsers reject it alongside credentials.
func (h *Handler) responseOrigin(origin string) string {
	if h.allowAllOrigins && !h.allowCredentials {
		return "*"
	}
	return origin
}

func (h *Handler) isOriginAllowed(origin string) bool {
	if h.allowAllOrigins {
		return true
	}

	for _, allowed := range h.allowOrigins {
		if allowed == origin {
			return true
		}
		// *.example.com
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return true
		}
	}

	for _, re := range h.allowOriginPatterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}

// Middleware answers preflights and decorates every other response.
func (h *Handler) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.IsPreflight(r) {
				if h.HandlePreflight(w, r) {
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			h.ApplyHeaders(w, r)
			next.ServeHTTP(w, r)
		})
	}
}
