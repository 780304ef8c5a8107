package retry

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/middleware"
	"go.uber.org/zap"
)

// DefaultRetryableStatuses are HTTP status codes that trigger a retry
var DefaultRetryableStatuses = []int{502, 503, 504}

// DefaultRetryableMethods are HTTP methods safe to retry
var DefaultRetryableMethods = []string{"GET", "HEAD", "OPTIONS"}

// Config is the retry policy configuration.
type Config struct {
	MaxRetries        int             `yaml:"max_retries"`
	InitialBackoff    config.Duration `yaml:"initial_backoff"`
	MaxBackoff        config.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64         `yaml:"backoff_multiplier"`
	RetryableStatuses []int           `yaml:"retryable_statuses"`
	RetryableMethods  []string        `yaml:"retryable_methods"`
	// MaxBodyBytes bounds the request body buffered for replay. Larger
	// bodies are forwarded once without retries.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// Policy re-runs the downstream handler while it answers with a retryable
// status, buffering each attempt so only the final one reaches the client.
type Policy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	RetryableStatuses map[int]bool
	RetryableMethods  map[string]bool
	MaxBodyBytes      int64
	Metrics           *Metrics

	// OnRetry, when set, is called before every repeated attempt.
	OnRetry func(service string)
	service string
}

// Metrics tracks retry statistics for one policy instance
type Metrics struct {
	Requests  atomic.Int64
	Retries   atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of retry metrics
type MetricsSnapshot struct {
	Requests  int64 `json:"requests"`
	Retries   int64 `json:"retries"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Snapshot returns a point-in-time copy of the metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:  m.Requests.Load(),
		Retries:   m.Retries.Load(),
		Successes: m.Successes.Load(),
		Failures:  m.Failures.Load(),
	}
}

// NewPolicy creates a retry policy from config
func NewPolicy(cfg Config, service string) *Policy {
	p := &Policy{
		MaxRetries:        cfg.MaxRetries,
		InitialBackoff:    cfg.InitialBackoff.Std(),
		MaxBackoff:        cfg.MaxBackoff.Std(),
		BackoffMultiplier: cfg.BackoffMultiplier,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		Metrics:           &Metrics{},
		service:           service,
	}

	if p.MaxRetries <= 0 {
		p.MaxRetries = 2
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 2 * time.Second
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = 2.0
	}
	if p.MaxBodyBytes <= 0 {
		p.MaxBodyBytes = 1 << 20
	}

	statuses := cfg.RetryableStatuses
	if len(statuses) == 0 {
		statuses = DefaultRetryableStatuses
	}
	p.RetryableStatuses = make(map[int]bool, len(statuses))
	for _, s := range statuses {
		p.RetryableStatuses[s] = true
	}

	methods := cfg.RetryableMethods
	if len(methods) == 0 {
		methods = DefaultRetryableMethods
	}
	p.RetryableMethods = make(map[string]bool, len(methods))
	for _, m := range methods {
		p.RetryableMethods[m] = true
	}

	return p
}

// IsRetryable returns true if the method+status combination should be retried
func (p *Policy) IsRetryable(method string, statusCode int) bool {
	return p.RetryableMethods[method] && p.RetryableStatuses[statusCode]
}

func (p *Policy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = p.BackoffMultiplier
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(p.MaxRetries))
}

type retryableStatusError int

func (e retryableStatusError) Error() string {
	return fmt.Sprintf("upstream answered %d", int(e))
}

// Middleware returns the retry middleware.
func (p *Policy) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !p.RetryableMethods[r.Method] {
				next.ServeHTTP(w, r)
				return
			}

			body, ok := p.bufferBody(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			p.Metrics.Requests.Add(1)
			var last *bufferedResponse
			attempt := 0

			operation := func() error {
				attempt++
				if attempt > 1 {
					p.Metrics.Retries.Add(1)
					if p.OnRetry != nil {
						p.OnRetry(p.service)
					}
				}
				rec := newBufferedResponse()
				req := r.Clone(r.Context())
				if body != nil {
					req.Body = io.NopCloser(bytes.NewReader(body))
					req.ContentLength = int64(len(body))
				}
				next.ServeHTTP(rec, req)
				last = rec
				if p.IsRetryable(r.Method, rec.status) {
					return retryableStatusError(rec.status)
				}
				return nil
			}

			b := backoff.WithContext(p.newBackOff(), r.Context())
			err := backoff.RetryNotify(operation, b, func(err error, wait time.Duration) {
				logging.Debug("Retrying upstream request",
					zap.String("service", p.service),
					zap.String("path", r.URL.Path),
					zap.Int("attempt", attempt),
					zap.Duration("backoff", wait),
					zap.Error(err),
				)
			})
			if err != nil {
				p.Metrics.Failures.Add(1)
			} else {
				p.Metrics.Successes.Add(1)
			}

			last.flushTo(w)
		})
	}
}

// bufferBody reads the request body for replay. It reports false when the
// body exceeds MaxBodyBytes, in which case r.Body is restored for a single
// pass-through attempt.
func (p *Policy) bufferBody(r *http.Request) ([]byte, bool) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, true
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, p.MaxBodyBytes+1))
	if err != nil || int64(len(data)) > p.MaxBodyBytes {
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(data), r.Body), r.Body}
		return nil, false
	}
	r.Body.Close()
	return data, true
}

// bufferedResponse holds one attempt's response until it is known to be final.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
	wrote  bool
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header {
	return b.header
}

func (b *bufferedResponse) WriteHeader(status int) {
	if b.wrote {
		return
	}
	b.status = status
	b.wrote = true
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	b.wrote = true
	return b.body.Write(p)
}

func (b *bufferedResponse) flushTo(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	w.WriteHeader(b.status)
	w.Write(b.body.Bytes())
}
