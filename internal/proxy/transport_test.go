package proxy

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/wudi/routegate/internal/config"
)

func TestNewTransport(t *testing.T) {
	cfg := DefaultTransportConfig
	cfg.InsecureSkipVerify = true
	cfg.IdleConnTimeout = 5 * time.Second

	tr := NewTransport(cfg)
	if tr.MaxIdleConns != 100 || tr.MaxIdleConnsPerHost != 10 {
		t.Errorf("unexpected idle limits %d/%d", tr.MaxIdleConns, tr.MaxIdleConnsPerHost)
	}
	if tr.IdleConnTimeout != 5*time.Second {
		t.Errorf("unexpected idle timeout %v", tr.IdleConnTimeout)
	}
	if !tr.TLSClientConfig.InsecureSkipVerify {
		t.Error("expected InsecureSkipVerify")
	}
}

func TestTransportPoolReuse(t *testing.T) {
	pool := NewTransportPool(DefaultTransportConfig)
	svc := config.Service{Name: "users", URL: "http://users.internal"}

	first := pool.For(svc)
	if pool.For(svc) != first {
		t.Error("same settings should reuse the transport")
	}

	svc.TLSSkipVerify = true
	rebuilt := pool.For(svc)
	if rebuilt == first {
		t.Error("changed settings should rebuild the transport")
	}
	if tr, ok := rebuilt.(*http.Transport); !ok || !tr.TLSClientConfig.InsecureSkipVerify {
		t.Errorf("expected insecure *http.Transport, got %T", rebuilt)
	}
}

func TestTransportPoolRedirects(t *testing.T) {
	pool := NewTransportPool(DefaultTransportConfig)
	rt := pool.For(config.Service{Name: "legacy", FollowRedirects: true, MaxRedirects: 4})

	redirect, ok := rt.(*RedirectTransport)
	if !ok {
		t.Fatalf("expected *RedirectTransport, got %T", rt)
	}
	if redirect.Stats().MaxRedirects != 4 {
		t.Errorf("unexpected max redirects %d", redirect.Stats().MaxRedirects)
	}
}

func TestTransportPoolRetain(t *testing.T) {
	pool := NewTransportPool(DefaultTransportConfig)
	for _, name := range []string{"a", "b", "c"} {
		pool.For(config.Service{Name: name})
	}

	pool.Retain(map[string]bool{"a": true, "c": true})
	if got := strings.Join(pool.Names(), ","); got != "a,c" {
		t.Errorf("expected a,c got %s", got)
	}
	pool.CloseIdleConnections()
}
