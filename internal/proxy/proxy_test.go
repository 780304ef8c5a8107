package proxy

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/errors"
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/router"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type seen struct {
	Path   string      `json:"path"`
	Query  string      `json:"query"`
	Host   string      `json:"host"`
	Header http.Header `json:"header"`
}

func echoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "close")
		json.NewEncoder(w).Encode(seen{Path: r.URL.Path, Query: r.URL.RawQuery, Host: r.Host, Header: r.Header})
	}))
	t.Cleanup(s.Close)
	return s
}

func mustTarget(t *testing.T, svc config.Service) Target {
	t.Helper()
	if svc.Name == "" {
		svc.Name = "users"
	}
	target, err := NewTarget(svc, nil)
	if err != nil {
		t.Fatal(err)
	}
	return target
}

// serve dispatches req through a one-route table the way the gateway does.
func serve(t *testing.T, d router.Declaration, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	b := router.NewBuilder()
	d.Handler = h
	if _, err := b.Declare(d); err != nil {
		t.Fatal(err)
	}
	entry, m, ok := b.Build().Lookup(req.Method, req.URL.Path)
	if !ok {
		t.Fatalf("no entry for %s %s", req.Method, req.URL.Path)
	}
	rec := httptest.NewRecorder()
	entry.Handler.ServeHTTP(rec, req.WithContext(router.WithMatch(req.Context(), entry, m)))
	return rec
}

func decodeSeen(t *testing.T, rec *httptest.ResponseRecorder) seen {
	t.Helper()
	var s seen
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatalf("decode backend echo: %v", err)
	}
	return s
}

func TestProxyForwardsPath(t *testing.T) {
	backend := echoBackend(t)
	p := New(Config{})

	tests := []struct {
		name   string
		decl   router.Declaration
		url    string
		target string
		path   string
		query  string
	}{
		{"identity", router.Declaration{Path: "/api/users"}, "/api/users/42?x=1", "", "/api/users/42", "x=1"},
		{"strip", router.Declaration{Path: "/api", StripPath: true}, "/api/users", "", "/users", ""},
		{"rewrite", router.Declaration{Path: "/api/v1", RewritePath: "/v2"}, "/api/v1/items/9", "", "/v2/items/9", ""},
		{"target base path", router.Declaration{Path: "/api", StripPath: true}, "/api/users", "/internal", "/internal/users", ""},
		{"resource id", router.Declaration{Path: "/resource", ResourceID: true}, "/resource/3fa85f64-5717-4562-b3fc-2c963f66afa6?v=1", "", "/resource", "v=1&id=3fa85f64-5717-4562-b3fc-2c963f66afa6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := p.Handler(mustTarget(t, config.Service{URL: backend.URL + tt.target}))
			rec := serve(t, tt.decl, h, httptest.NewRequest("GET", tt.url, nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			s := decodeSeen(t, rec)
			if s.Path != tt.path || s.Query != tt.query {
				t.Errorf("backend saw %s?%s, want %s?%s", s.Path, s.Query, tt.path, tt.query)
			}
		})
	}
}

func TestProxyForwardedHeaders(t *testing.T) {
	backend := echoBackend(t)
	p := New(Config{PoweredBy: "API Gateway"})
	h := p.Handler(mustTarget(t, config.Service{URL: backend.URL}))

	req := httptest.NewRequest("GET", "/api/users?page=2", nil)
	req.Host = "gateway.example"
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	req.Header.Set("Connection", "X-Hop")
	req.Header.Set("X-Hop", "drop")

	rec := serve(t, router.Declaration{Path: "/api"}, h, req)
	s := decodeSeen(t, rec)

	checks := map[string]string{
		"X-Forwarded-For":   "198.51.100.1, 192.0.2.10",
		"X-Forwarded-Proto": "http",
		"X-Forwarded-Host":  "gateway.example",
		"X-Forwarded-Path":  "/api/users?page=2",
		"X-Hop":             "",
	}
	for k, want := range checks {
		if got := s.Header.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if s.Host == "gateway.example" {
		t.Error("host should be the target host without preserve_host")
	}
	if rec.Header().Get("X-Powered-By") != "API Gateway" {
		t.Errorf("missing X-Powered-By, got %q", rec.Header().Get("X-Powered-By"))
	}
	if rec.Header().Get("Connection") != "" {
		t.Error("hop header leaked into the response")
	}
}

func TestProxyPreserveHost(t *testing.T) {
	backend := echoBackend(t)
	target := mustTarget(t, config.Service{URL: backend.URL})
	target.PreserveHost = true

	req := httptest.NewRequest("GET", "/api", nil)
	req.Host = "gateway.example"
	rec := serve(t, router.Declaration{Path: "/api"}, New(Config{}).Handler(target), req)

	if s := decodeSeen(t, rec); s.Host != "gateway.example" {
		t.Errorf("expected preserved host, got %q", s.Host)
	}
}

func TestProxyRequestBody(t *testing.T) {
	var got string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer backend.Close()

	h := New(Config{}).Handler(mustTarget(t, config.Service{URL: backend.URL}))
	rec := serve(t, router.Declaration{Path: "/users"}, h, httptest.NewRequest("POST", "/users", strings.NewReader(`{"name":"ada"}`)))

	if rec.Code != http.StatusCreated || got != `{"name":"ada"}` {
		t.Errorf("unexpected %d %q", rec.Code, got)
	}
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestProxyUpstreamErrors(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()

	tests := []struct {
		name   string
		svc    config.Service
		status int
		code   errors.TransportKind
	}{
		{"connection refused", config.Service{URL: "http://" + closedAddr(t)}, http.StatusServiceUnavailable, errors.TransportConnectionRefused},
		{"timeout", config.Service{URL: slow.URL, Timeout: 50 * time.Millisecond}, http.StatusGatewayTimeout, errors.TransportTimedOut},
		{"host not found", config.Service{URL: "http://nonexistent.invalid"}, http.StatusBadGateway, errors.TransportHostNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var observed errors.TransportKind
			p := New(Config{Observe: func(_ string, _ int, kind errors.TransportKind, _ time.Duration) {
				observed = kind
			}})
			target := mustTarget(t, tt.svc)
			rec := serve(t, router.Declaration{Path: "/api"}, p.Handler(target), httptest.NewRequest("GET", "/api", nil))

			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
			var body errors.UpstreamError
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Code != tt.code || body.Service != "users" || body.Target != tt.svc.URL {
				t.Errorf("unexpected body %+v", body)
			}
			if observed != tt.code {
				t.Errorf("observer saw %q", observed)
			}
		})
	}
}

func TestProxyErrorAfterHeadersSent(t *testing.T) {
	h := New(Config{}).Handler(mustTarget(t, config.Service{URL: "http://" + closedAddr(t)}))

	rec := httptest.NewRecorder()
	sw := middleware.NewStatusWriter(rec)
	sw.WriteHeader(http.StatusAccepted)
	h.ServeHTTP(sw, httptest.NewRequest("GET", "/api", nil))

	if rec.Code != http.StatusAccepted || rec.Body.Len() != 0 {
		t.Errorf("error body must not follow a sent response, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestProxyTruncatedBodyLogged(t *testing.T) {
	original := logging.Global()
	core, obs := observer.New(zapcore.ErrorLevel)
	logging.SetGlobal(zap.New(core))
	defer logging.SetGlobal(original)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 1000\r\n\r\npartial")
		buf.Flush()
	}))
	defer backend.Close()

	target := mustTarget(t, config.Service{URL: backend.URL})
	rec := serve(t, router.Declaration{Path: "/api"}, New(Config{}).Handler(target), httptest.NewRequest("GET", "/api", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected backend status to pass through, got %d", rec.Code)
	}
	entries := obs.FilterMessage("Proxy response copy failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one copy failure log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["service"] != "users" || fields["target"] != backend.URL {
		t.Errorf("unexpected log fields: %v", fields)
	}
}

func TestNewTargetValidation(t *testing.T) {
	for _, raw := range []string{"", "users.internal", "ftp://files.internal", "http://"} {
		if _, err := NewTarget(config.Service{Name: "users", URL: raw}, nil); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
	target, err := NewTarget(config.Service{Name: "users", URL: "http://users.internal"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if target.Timeout != config.DefaultServiceTimeout {
		t.Errorf("expected default timeout, got %v", target.Timeout)
	}
}
