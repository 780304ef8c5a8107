package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"syscall"
	"testing"
)

func TestClassifyTransport(t *testing.T) {
	refused := &net.OpError{
		Op:  "dial",
		Net: "tcp",
		Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED},
	}

	tests := []struct {
		name string
		err  error
		want TransportKind
	}{
		{"refused", refused, TransportConnectionRefused},
		{"refused in url error", &url.Error{Op: "Get", URL: "http://x", Err: refused}, TransportConnectionRefused},
		{"deadline", context.DeadlineExceeded, TransportTimedOut},
		{"deadline in url error", &url.Error{Op: "Get", URL: "http://x", Err: context.DeadlineExceeded}, TransportTimedOut},
		{"dns not found", &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}, TransportHostNotFound},
		{"dns timeout", &net.DNSError{Err: "i/o timeout", Name: "slow.example", IsTimeout: true}, TransportTimedOut},
		{"other", fmt.Errorf("malformed HTTP response"), TransportOther},
		{"nil", nil, TransportOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyTransport(tt.err); got != tt.want {
				t.Errorf("ClassifyTransport() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTransportKindStatus(t *testing.T) {
	tests := map[TransportKind]int{
		TransportConnectionRefused: http.StatusServiceUnavailable,
		TransportTimedOut:          http.StatusGatewayTimeout,
		TransportHostNotFound:      http.StatusBadGateway,
		TransportOther:             http.StatusBadGateway,
	}
	for kind, want := range tests {
		if got := kind.Status(); got != want {
			t.Errorf("%s.Status() = %d, want %d", kind, got, want)
		}
	}
}

func TestUpstreamErrorWriteJSON(t *testing.T) {
	ue := NewUpstreamError("users", "http://127.0.0.1:9", context.DeadlineExceeded)

	w := httptest.NewRecorder()
	ue.WriteJSON(w)

	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["service"] != "users" || body["target"] != "http://127.0.0.1:9" || body["code"] != "timed_out" {
		t.Errorf("unexpected body: %v", body)
	}
	if body["error"] == "" {
		t.Error("error message should be set")
	}
}
