package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
)

const defaultMaxRedirects = 10

// RedirectTransport follows backend 3xx responses itself so the client only
// sees the final answer. Services opt in with follow_redirects.
type RedirectTransport struct {
	inner        http.RoundTripper
	maxRedirects int

	followed    atomic.Int64
	maxExceeded atomic.Int64
}

// NewRedirectTransport wraps inner. maxRedirects <= 0 means 10.
func NewRedirectTransport(inner http.RoundTripper, maxRedirects int) *RedirectTransport {
	if maxRedirects <= 0 {
		maxRedirects = defaultMaxRedirects
	}
	return &RedirectTransport{inner: inner, maxRedirects: maxRedirects}
}

// RoundTrip implements http.RoundTripper. When the hop limit is reached, or
// a hop cannot be replayed, the last redirect response is returned as is.
func (rt *RedirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	current := req
	for hops := 0; ; hops++ {
		resp, err := rt.inner.RoundTrip(current)
		if err != nil {
			return nil, err
		}
		location := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || location == "" {
			return resp, nil
		}
		if hops >= rt.maxRedirects {
			rt.maxExceeded.Add(1)
			return resp, nil
		}

		next, err := rt.follow(req, current, resp, location)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		if next == nil {
			return resp, nil
		}

		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		rt.followed.Add(1)
		current = next
	}
}

// follow builds the request for the next hop, or returns nil when the
// original body is needed but cannot be replayed.
func (rt *RedirectTransport) follow(orig, current *http.Request, resp *http.Response, location string) (*http.Request, error) {
	target, err := resolveRedirectURL(current.URL, location)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect location %q: %w", location, err)
	}

	method := current.Method
	keepBody := resp.StatusCode == http.StatusTemporaryRedirect || resp.StatusCode == http.StatusPermanentRedirect
	if resp.StatusCode == http.StatusSeeOther && method != http.MethodHead {
		method = http.MethodGet
	}

	var body io.ReadCloser
	if keepBody && orig.Body != nil && orig.Body != http.NoBody {
		if orig.GetBody == nil {
			return nil, nil
		}
		if body, err = orig.GetBody(); err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
	}

	next, err := http.NewRequestWithContext(current.Context(), method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build redirect request: %w", err)
	}
	if body != nil {
		next.ContentLength = orig.ContentLength
		next.GetBody = orig.GetBody
	}

	next.Header = orig.Header.Clone()
	if !keepBody {
		next.Header.Del("Content-Length")
		next.Header.Del("Content-Type")
	}
	if target.Host == orig.URL.Host {
		next.Host = orig.Host
	} else {
		next.Header.Del("Authorization")
		next.Header.Del("Cookie")
	}
	return next, nil
}

// RedirectStats is a point-in-time view of redirect handling.
type RedirectStats struct {
	Followed     int64 `json:"redirects_followed"`
	MaxExceeded  int64 `json:"max_exceeded"`
	MaxRedirects int   `json:"max_redirects"`
}

// Stats returns the counters.
func (rt *RedirectTransport) Stats() RedirectStats {
	return RedirectStats{
		Followed:     rt.followed.Load(),
		MaxExceeded:  rt.maxExceeded.Load(),
		MaxRedirects: rt.maxRedirects,
	}
}

func isRedirect(code int) bool {
	return code == http.StatusMovedPermanently ||
		code == http.StatusFound ||
		code == http.StatusSeeOther ||
		code == http.StatusTemporaryRedirect ||
		code == http.StatusPermanentRedirect
}

// resolveRedirectURL resolves a Location header against the request URL.
// Protocol-relative locations keep the current scheme.
func resolveRedirectURL(base *url.URL, location string) (*url.URL, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	switch {
	case loc.IsAbs():
		return loc, nil
	case strings.HasPrefix(location, "//"):
		loc.Scheme = base.Scheme
		return loc, nil
	default:
		return base.ResolveReference(loc), nil
	}
}
