package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/errors"
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/router"
	"github.com/wudi/routegate/internal/tracing"
	"go.uber.org/zap"
)

// Target describes where one route forwards to.
type Target struct {
	Service string
	// Raw is the service url as declared, reported in error bodies.
	Raw          string
	URL          *url.URL
	Timeout      time.Duration
	PreserveHost bool
	Transport    http.RoundTripper
}

// Config holds proxy configuration
type Config struct {
	// PoweredBy is set as X-Powered-By on proxied responses when non-empty.
	PoweredBy     string
	FlushInterval time.Duration
	// Observe, when set, is called once per backend call.
	Observe func(service string, status int, kind errors.TransportKind, d time.Duration)
}

// Proxy handles proxying requests to backends
type Proxy struct {
	poweredBy     string
	flushInterval time.Duration
	observe       func(string, int, errors.TransportKind, time.Duration)
}

// New creates a new proxy
func New(cfg Config) *Proxy {
	return &Proxy{
		poweredBy:     cfg.PoweredBy,
		flushInterval: cfg.FlushInterval,
		observe:       cfg.Observe,
	}
}

// NewTarget builds the target for svc. It fails when the service url is
// missing or does not parse to an absolute http(s) url.
func NewTarget(svc config.Service, transport http.RoundTripper) (Target, error) {
	if svc.URL == "" {
		return Target{}, errors.New(http.StatusBadGateway, "service has no url")
	}
	u, err := url.Parse(svc.URL)
	if err != nil {
		return Target{}, err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Target{}, errors.New(http.StatusBadGateway, "service url must be an absolute http(s) url")
	}

	timeout := svc.Timeout
	if timeout <= 0 {
		timeout = config.DefaultServiceTimeout
	}
	return Target{
		Service:   svc.Name,
		Raw:       svc.URL,
		URL:       u,
		Timeout:   timeout,
		Transport: transport,
	}, nil
}

// Handler returns the terminal handler for one route. The forwarded path and
// query come from the dispatch match stored in the request context.
func (p *Proxy) Handler(t Target) http.Handler {
	transport := t.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), t.Timeout)
		defer cancel()

		sw := middleware.NewStatusWriter(w)
		proxyReq := p.createProxyRequest(ctx, r, t)

		start := time.Now()
		resp, err := transport.RoundTrip(proxyReq)
		if err != nil {
			p.handleError(sw, r, t, err, time.Since(start))
			return
		}
		defer resp.Body.Close()

		if p.observe != nil {
			p.observe(t.Service, resp.StatusCode, "", time.Since(start))
		}

		copyHeaders(sw.Header(), resp.Header)
		if p.poweredBy != "" {
			sw.Header().Set("X-Powered-By", p.poweredBy)
		}
		sw.WriteHeader(resp.StatusCode)
		if err := p.copyBody(sw, resp); err != nil {
			// Headers are already out; the client sees a truncated body.
			logging.Error("Proxy response copy failed",
				zap.String("service", t.Service),
				zap.String("target", t.Raw),
				zap.String("path", r.URL.RequestURI()),
				zap.Error(err),
			)
		}
	})
}

// forwardedURL computes the backend url for r.
func forwardedURL(r *http.Request, target *url.URL) *url.URL {
	path := httprouter.CleanPath(r.URL.Path)
	query := r.URL.RawQuery
	if entry, m, ok := router.MatchFromContext(r.Context()); ok {
		path = entry.Rewrite.Path(path, m)
		query = entry.Rewrite.Query(query, m)
	}

	out := *target
	if target.Path != "" && target.Path != "/" {
		out.Path = singleJoiningSlash(target.Path, path)
	} else {
		out.Path = path
	}
	out.RawPath = ""
	out.RawQuery = query
	return &out
}

// createProxyRequest creates the request to send to the backend.
func (p *Proxy) createProxyRequest(ctx context.Context, r *http.Request, t Target) *http.Request {
	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           forwardedURL(r, t.URL),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header, len(r.Header)+4),
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          t.URL.Host,
	}).WithContext(ctx)
	if r.ContentLength == 0 {
		proxyReq.Body = nil
	}

	for k, vv := range r.Header {
		proxyReq.Header[k] = vv
	}
	removeHopHeaders(proxyReq.Header)

	if t.PreserveHost {
		proxyReq.Host = r.Host
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		if prior := proxyReq.Header.Get("X-Forwarded-For"); prior != "" {
			proxyReq.Header.Set("X-Forwarded-For", prior+", "+host)
		} else {
			proxyReq.Header.Set("X-Forwarded-For", host)
		}
	}
	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)

	original := r.RequestURI
	if original == "" {
		original = r.URL.RequestURI()
	}
	proxyReq.Header.Set("X-Forwarded-Path", original)

	tracing.InjectHeaders(r, proxyReq)
	return proxyReq
}

// handleError classifies a failed backend call. The structured body is only
// written while the response is still untouched.
func (p *Proxy) handleError(sw *middleware.StatusWriter, r *http.Request, t Target, err error, d time.Duration) {
	ue := errors.NewUpstreamError(t.Service, t.Raw, err)

	logging.Error("Proxy error",
		zap.String("service", t.Service),
		zap.String("target", t.Raw),
		zap.String("code", string(ue.Code)),
		zap.String("path", r.URL.RequestURI()),
		zap.Error(err),
	)
	if p.observe != nil {
		p.observe(t.Service, ue.Status(), ue.Code, d)
	}

	if sw.Written() {
		return
	}
	ue.WriteJSON(sw)
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

// copyBody copies the response body, flushing as it goes for streaming
// responses.
func (p *Proxy) copyBody(w http.ResponseWriter, resp *http.Response) error {
	stream := p.flushInterval > 0 || strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
	flusher, ok := w.(http.Flusher)
	if !stream || !ok {
		_, err := io.Copy(w, resp.Body)
		return err
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			flusher.Flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, f := range header["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = strings.TrimSpace(sf); sf != "" {
				header.Del(sf)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
