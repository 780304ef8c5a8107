package gateway

import (
	"net/http"
	"os"

	"github.com/wudi/routegate/internal/middleware/auth"
)

// adminHandler serves the admin API relative to its base path.
func (s *Server) adminHandler() (http.Handler, error) {
	cfg := s.config.Admin.Auth
	a, err := auth.NewStaticAuth(auth.StaticConfig{
		Type:     cfg.Type,
		Username: firstNonEmpty(cfg.Username, os.Getenv("ADMIN_USER")),
		Password: firstNonEmpty(cfg.Password, os.Getenv("ADMIN_PASS")),
		Token:    firstNonEmpty(cfg.Token, os.Getenv("ADMIN_TOKEN")),
	})
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /reload", s.handleReload)
	mux.HandleFunc("GET /reload/status", s.handleReloadStatus)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /routes", s.handleRoutes)
	return a.Middleware()(mux), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// handleReload reloads the configuration file.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if _, err := s.gateway.Reload(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"message": "Failed to reload configuration",
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Configuration reloaded successfully",
	})
}

// handleReloadStatus returns the reload history.
func (s *Server) handleReloadStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.History())
}

// handleConfig returns the live configuration without admin credentials.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.gateway.CurrentConfig()
	if cfg == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "No configuration loaded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":     cfg.Path,
		"services": cfg.Services,
		"plugins":  cfg.Plugins,
		"watcher": map[string]any{
			"enabled":  cfg.Watcher.Enabled,
			"debounce": cfg.Watcher.DebounceDuration().Milliseconds(),
		},
		"admin": map[string]any{
			"enabled":   cfg.Admin.Enabled,
			"base_path": cfg.Admin.BasePath,
			"auth":      cfg.Admin.Auth.Type,
		},
	})
}

type routeInfo struct {
	Service    string   `json:"service"`
	Route      string   `json:"route"`
	Method     string   `json:"method"`
	Pattern    string   `json:"pattern"`
	Kind       string   `json:"kind"`
	Target     string   `json:"target"`
	Rewrite    string   `json:"rewrite,omitempty"`
	ResourceID bool     `json:"resource_id,omitempty"`
	Policies   []string `json:"policies"`
}

// handleRoutes lists the live dispatch entries in lookup order.
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	entries := s.gateway.Table().Entries()
	out := make([]routeInfo, 0, len(entries))
	for _, e := range entries {
		method := e.Method
		if method == "" {
			method = "*"
		}
		policies := e.Policies
		if policies == nil {
			policies = []string{}
		}
		out = append(out, routeInfo{
			Service:    e.Service,
			Route:      e.Route,
			Method:     method,
			Pattern:    e.Pattern.String(),
			Kind:       e.Pattern.Kind(),
			Target:     e.Target,
			Rewrite:    e.Rewrite.Target(),
			ResourceID: e.ResourceID,
			Policies:   policies,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
