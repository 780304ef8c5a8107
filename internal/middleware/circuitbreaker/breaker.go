package circuitbreaker

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/errors"
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/middleware"
	"go.uber.org/zap"
)

// Config is the circuit breaker policy configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`
	// MaxRequests is the number of trial requests allowed while half-open.
	MaxRequests uint32          `yaml:"max_requests"`
	Timeout     config.Duration `yaml:"timeout"`
	Interval    config.Duration `yaml:"interval"`
	// FailureStatuses defaults to every 5xx status.
	FailureStatuses []int `yaml:"failure_statuses"`

	// OnStateChange is called after every transition with the new state.
	OnStateChange func(name, state string) `yaml:"-"`
}

var errUpstreamFailure = stderrors.New("upstream failure")

// Breaker rejects requests with 503 while its backend keeps failing.
type Breaker struct {
	cb       *gobreaker.CircuitBreaker[int]
	failures map[int]bool
	timeout  time.Duration
}

// New creates a breaker named after the scope it protects.
func New(cfg Config, name string) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	maxRequests := cfg.MaxRequests
	if maxRequests == 0 {
		maxRequests = 1
	}
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	b := &Breaker{timeout: timeout}
	if len(cfg.FailureStatuses) > 0 {
		b.failures = make(map[int]bool, len(cfg.FailureStatuses))
		for _, s := range cfg.FailureStatuses {
			b.failures[s] = true
		}
	}

	b.cb = gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        name,
		MaxRequests: maxRequests,
		Interval:    cfg.Interval.Std(),
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, to.String())
			}
		},
	})
	return b
}

func (b *Breaker) isFailure(status int) bool {
	if b.failures != nil {
		return b.failures[status]
	}
	return status >= 500
}

// State returns closed, half-open or open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Counts returns the breaker's counters for the current generation.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// Middleware returns the circuit breaker middleware.
func (b *Breaker) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, err := b.cb.Execute(func() (int, error) {
				sw := middleware.NewStatusWriter(w)
				next.ServeHTTP(sw, r)
				if b.isFailure(sw.Status()) {
					return sw.Status(), errUpstreamFailure
				}
				return sw.Status(), nil
			})

			if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
				w.Header().Set("Retry-After", strconv.Itoa(int(b.timeout.Seconds())))
				errors.ErrServiceUnavailable.WithDetails("circuit breaker is " + b.State()).WriteJSON(w)
			}
		})
	}
}
