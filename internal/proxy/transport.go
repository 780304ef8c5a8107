package proxy

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/wudi/routegate/internal/config"
)

// TransportConfig configures the HTTP transport
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration

	InsecureSkipVerify bool
	ForceHTTP2         bool
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           30 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceHTTP2:            true,
}

// NewTransport creates a new HTTP transport with the given configuration
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}
}

type pooled struct {
	key       string
	transport *http.Transport
	rt        http.RoundTripper
}

// TransportPool hands out one round tripper per service. Entries survive
// reloads while the service's transport settings stay the same, so
// keep-alive connections are reused across configuration generations.
type TransportPool struct {
	mu         sync.Mutex
	base       TransportConfig
	transports map[string]*pooled
}

// NewTransportPool creates a pool whose transports start from base.
func NewTransportPool(base TransportConfig) *TransportPool {
	return &TransportPool{
		base:       base,
		transports: make(map[string]*pooled),
	}
}

func transportKey(svc config.Service) string {
	return fmt.Sprintf("skip=%t redirects=%t max=%d", svc.TLSSkipVerify, svc.FollowRedirects, svc.MaxRedirects)
}

// For returns the round tripper for svc, creating it on first use or when
// its settings changed.
func (tp *TransportPool) For(svc config.Service) http.RoundTripper {
	key := transportKey(svc)

	tp.mu.Lock()
	defer tp.mu.Unlock()

	if p, ok := tp.transports[svc.Name]; ok {
		if p.key == key {
			return p.rt
		}
		p.transport.CloseIdleConnections()
	}

	cfg := tp.base
	cfg.InsecureSkipVerify = svc.TLSSkipVerify
	t := NewTransport(cfg)

	var rt http.RoundTripper = t
	if svc.FollowRedirects {
		rt = NewRedirectTransport(t, svc.MaxRedirects)
	}
	tp.transports[svc.Name] = &pooled{key: key, transport: t, rt: rt}
	return rt
}

// Retain drops transports for services not in names.
func (tp *TransportPool) Retain(names map[string]bool) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for name, p := range tp.transports {
		if !names[name] {
			p.transport.CloseIdleConnections()
			delete(tp.transports, name)
		}
	}
}

// Names returns the services that currently own a transport.
func (tp *TransportPool) Names() []string {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	names := make([]string, 0, len(tp.transports))
	for name := range tp.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseIdleConnections closes idle connections on all transports
func (tp *TransportPool) CloseIdleConnections() {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for _, p := range tp.transports {
		p.transport.CloseIdleConnections()
	}
}
