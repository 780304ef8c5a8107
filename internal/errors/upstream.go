package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
)

// TransportKind classifies a failed backend call.
type TransportKind string

const (
	TransportConnectionRefused TransportKind = "connection_refused"
	TransportTimedOut          TransportKind = "timed_out"
	TransportHostNotFound      TransportKind = "host_not_found"
	TransportOther             TransportKind = "other"
)

// Status maps the kind to the HTTP status sent downstream.
func (k TransportKind) Status() int {
	switch k {
	case TransportConnectionRefused:
		return http.StatusServiceUnavailable
	case TransportTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// ClassifyTransport inspects a round-trip error.
func ClassifyTransport(err error) TransportKind {
	if err == nil {
		return TransportOther
	}

	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return TransportTimedOut
		}
		return TransportHostNotFound
	}

	if stderrors.Is(err, syscall.ECONNREFUSED) {
		return TransportConnectionRefused
	}

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, os.ErrDeadlineExceeded) {
		return TransportTimedOut
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return TransportTimedOut
	}

	return TransportOther
}

// UpstreamError is the body written when a backend call fails before any
// response bytes reached the client.
type UpstreamError struct {
	Error   string        `json:"error"`
	Service string        `json:"service"`
	Target  string        `json:"target"`
	Code    TransportKind `json:"code"`

	status int
}

// NewUpstreamError classifies err and builds the client-facing body.
func NewUpstreamError(service, target string, err error) *UpstreamError {
	kind := ClassifyTransport(err)

	var msg string
	switch kind {
	case TransportConnectionRefused:
		msg = fmt.Sprintf("Service %s is not available: connection refused to %s", service, target)
	case TransportTimedOut:
		msg = fmt.Sprintf("Service %s timeout: %s did not respond in time", service, target)
	case TransportHostNotFound:
		msg = fmt.Sprintf("Service %s host not found: %s", service, target)
	default:
		msg = fmt.Sprintf("Error occurred while trying to proxy to %s: %v", service, err)
	}

	return &UpstreamError{
		Error:   msg,
		Service: service,
		Target:  target,
		Code:    kind,
		status:  kind.Status(),
	}
}

// Status returns the HTTP status for this failure.
func (e *UpstreamError) Status() int {
	return e.status
}

// WriteJSON writes the error body with its mapped status.
func (e *UpstreamError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.status)
	json.NewEncoder(w).Encode(e)
}
