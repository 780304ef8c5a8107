package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// RequestIDConfig configures the request ID middleware
type RequestIDConfig struct {
	// Header is the header name to use for the request ID
	Header string `yaml:"header"`
	// TrustHeader keeps a request ID sent by the client
	TrustHeader *bool `yaml:"trust_header"`
	// Generator generates a new request ID
	Generator func() string `yaml:"-"`
}

func defaultIDGenerator() string {
	return uuid.New().String()
}

// RequestID creates a request ID middleware with default config
func RequestID() Middleware {
	return RequestIDWithConfig(RequestIDConfig{})
}

// RequestIDWithConfig creates a request ID middleware with custom config
func RequestIDWithConfig(cfg RequestIDConfig) Middleware {
	header := cfg.Header
	if header == "" {
		header = "X-Request-ID"
	}
	generate := cfg.Generator
	if generate == nil {
		generate = defaultIDGenerator
	}
	trust := cfg.TrustHeader == nil || *cfg.TrustHeader

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var requestID string
			if trust {
				requestID = r.Header.Get(header)
			}
			if requestID == "" {
				requestID = generate()
			}

			r.Header.Set(header, requestID)
			w.Header().Set(header, requestID)

			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
		})
	}
}

type requestIDKey struct{}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from context
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
