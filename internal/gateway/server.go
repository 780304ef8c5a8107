package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/klauspost/compress/gzhttp"
	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/tracing"
	"go.uber.org/zap"
)

// Server wraps the gateway with HTTP server functionality
type Server struct {
	gateway    *Gateway
	httpServer *http.Server
	config     *config.Config
	configPath string
	tracer     *tracing.Tracer
	watcher    *config.Watcher
	debounce   *debouncer
	startTime  time.Time

	listener net.Listener
	errCh    chan error
	stop     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new gateway server and applies cfg.
// configPath is the path to the YAML config file (used for reload).
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	gw := New(Options{ConfigPath: configPath, Tracer: tracer})
	if _, err := gw.Apply(cfg); err != nil {
		tracer.Close(context.Background())
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		config:     cfg,
		configPath: configPath,
		tracer:     tracer,
		debounce:   newDebouncer(cfg.Watcher.DebounceDuration()),
		startTime:  time.Now(),
		errCh:      make(chan error, 1),
		stop:       make(chan struct{}),
	}

	handler, err := s.Handler()
	if err != nil {
		return nil, err
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s, nil
}

// Handler returns the public handler: operational endpoints first, then the
// admin API, then the dispatch table.
func (s *Server) Handler() (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	if s.config.Server.DebugEndpoints {
		mux.HandleFunc("GET /debug/gateway", s.handleDebug)
	}
	if path := s.config.Server.MetricsPath; path != "" {
		mux.Handle("GET "+path, s.gateway.Metrics().Handler())
	}
	if s.config.Admin.Enabled {
		admin, err := s.adminHandler()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize admin API: %w", err)
		}
		base := strings.TrimSuffix(s.config.Admin.BasePath, "/")
		mux.Handle(base+"/", http.StripPrefix(base, admin))
	}
	mux.Handle("/", s.gateway)

	var h http.Handler = middleware.NewChain(middleware.Recovery()).Then(mux)
	if s.config.Server.Compression {
		h = gzhttp.GzipHandler(h)
	}
	return h, nil
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()
	logging.Info("Gateway listening", zap.String("address", ln.Addr().String()))

	if s.config.Watcher.Enabled && s.configPath != "" {
		if err := s.startWatcher(); err != nil {
			logging.Warn("Config watcher disabled", zap.Error(err))
		}
	}
	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) startWatcher() error {
	w, err := config.NewWatcher(s.configPath)
	if err != nil {
		return err
	}
	w.OnChange(func(fsnotify.Event) {
		s.debounce.Trigger()
	})
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	s.watcher = w

	go func() {
		for {
			select {
			case <-s.debounce.C():
				s.reload("file change")
			case <-s.stop:
				return
			}
		}
	}()
	return nil
}

func (s *Server) reload(trigger string) {
	if _, err := s.gateway.Reload(); err != nil {
		logging.Error("Config reload failed", zap.String("trigger", trigger), zap.Error(err))
		return
	}
	logging.Info("Config reloaded successfully", zap.String("trigger", trigger))
}

// Run starts the server and handles graceful shutdown.
// SIGHUP triggers a config reload; SIGINT/SIGTERM triggers shutdown.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)

	for {
		select {
		case sig := <-quit:
			if sig == syscall.SIGHUP {
				s.reload("signal")
				continue
			}
			logging.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
			return s.Shutdown(s.config.Server.ShutdownTimeout)
		case err := <-s.errCh:
			s.Shutdown(s.config.Server.ShutdownTimeout)
			return err
		}
	}
}

// Shutdown stops accepting requests, waits for in-flight ones up to
// timeout, then releases the gateway's resources.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.stopOnce.Do(func() { close(s.stop) })
	s.debounce.Stop()
	if s.watcher != nil {
		s.watcher.Stop()
	}

	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("HTTP server shutdown error", zap.Error(err))
		firstErr = err
	}
	if err := s.tracer.Close(ctx); err != nil {
		logging.Error("Tracer shutdown error", zap.Error(err))
	}
	if err := s.gateway.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	logging.Info("Server shutdown complete")
	return firstErr
}

// Gateway returns the gateway
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).Seconds(),
	})
}

type serviceSummary struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	RoutesCount int    `json:"routesCount"`
}

// handleDebug summarizes the live configuration and table.
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	cfg := s.gateway.CurrentConfig()
	services := []serviceSummary{}
	if cfg != nil {
		for _, svc := range cfg.Services {
			services = append(services, serviceSummary{Name: svc.Name, URL: svc.URL, RoutesCount: len(svc.Routes)})
		}
	}

	body := map[string]any{
		"status":        "ok",
		"configLoaded":  cfg != nil,
		"servicesCount": len(services),
		"services":      services,
		"tableState":    s.gateway.table.State(),
		"entries":       s.gateway.Table().Len(),
	}
	if t := s.gateway.Table(); t != nil {
		body["builtAt"] = t.BuiltAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}
