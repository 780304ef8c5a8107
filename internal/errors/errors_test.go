package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew(t *testing.T) {
	e := New(400, "bad request")
	if e.Code != 400 {
		t.Errorf("Code = %d, want 400", e.Code)
	}
	if e.Error() != "bad request" {
		t.Errorf("Error() = %q, want %q", e.Error(), "bad request")
	}
}

func TestWrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	e := Wrap(inner, 502, "upstream error")

	want := "upstream error: connection refused"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
	if !errors.Is(e, inner) {
		t.Error("errors.Is should find the underlying error")
	}
}

func TestWithDetailsAndRequestID(t *testing.T) {
	inner := fmt.Errorf("root cause")
	e := Wrap(inner, 400, "Bad Request").
		WithDetails("missing field").
		WithRequestID("req-456")

	if e.Details != "missing field" {
		t.Errorf("Details = %q, want %q", e.Details, "missing field")
	}
	if e.RequestID != "req-456" {
		t.Errorf("RequestID = %q, want %q", e.RequestID, "req-456")
	}
	if e.Unwrap() != inner {
		t.Error("WithDetails should preserve underlying error")
	}
}

func TestAsGatewayError(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		ge, ok := AsGatewayError(New(404, "Not Found"))
		if !ok || ge.Code != 404 {
			t.Fatalf("AsGatewayError = %v, %v", ge, ok)
		}
	})

	t.Run("wrapped", func(t *testing.T) {
		err := fmt.Errorf("auth: %w", ErrUnauthorized.WithDetails("expired"))
		ge, ok := AsGatewayError(err)
		if !ok || ge.Code != http.StatusUnauthorized {
			t.Fatalf("AsGatewayError = %v, %v", ge, ok)
		}
	})

	t.Run("regular error", func(t *testing.T) {
		if _, ok := AsGatewayError(fmt.Errorf("regular error")); ok {
			t.Error("AsGatewayError should return false for regular error")
		}
	})

	t.Run("nil", func(t *testing.T) {
		if _, ok := AsGatewayError(nil); ok {
			t.Error("AsGatewayError should return false for nil")
		}
	})
}

func TestWriteJSON_PreSerialized(t *testing.T) {
	singletons := []*GatewayError{
		ErrNotFound, ErrUnauthorized, ErrTooManyRequests,
		ErrServiceUnavailable, ErrInternalServer,
	}

	if len(preSerialized) != len(singletons) {
		t.Errorf("preSerialized has %d entries, want %d", len(preSerialized), len(singletons))
	}

	for _, e := range singletons {
		t.Run(e.Message, func(t *testing.T) {
			w := httptest.NewRecorder()
			e.WriteJSON(w)

			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want %q", ct, "application/json")
			}
			if w.Code != e.Code {
				t.Errorf("status = %d, want %d", w.Code, e.Code)
			}

			var body map[string]interface{}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if body["message"] != e.Message {
				t.Errorf("body message = %v, want %q", body["message"], e.Message)
			}
		})
	}
}

func TestWriteJSON_WithDetails(t *testing.T) {
	e := ErrUnauthorized.WithDetails("missing field 'name'").WithRequestID("req-abc")

	w := httptest.NewRecorder()
	e.WriteJSON(w)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["details"] != "missing field 'name'" {
		t.Errorf("body details = %v", body["details"])
	}
	if body["request_id"] != "req-abc" {
		t.Errorf("body request_id = %v", body["request_id"])
	}
}

func TestConfigError(t *testing.T) {
	inner := fmt.Errorf("no such file")
	err := error(&ConfigError{Op: "read", Path: "gateway.yaml", Err: inner})

	if got, want := err.Error(), "config read gateway.yaml: no such file"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	var ce *ConfigError
	if !errors.As(fmt.Errorf("reload: %w", err), &ce) {
		t.Fatal("errors.As should find ConfigError")
	}
	if !errors.Is(err, inner) {
		t.Error("ConfigError should unwrap to its cause")
	}
}

func TestPolicyErrorScope(t *testing.T) {
	tests := []struct {
		err  *PolicyError
		want string
	}{
		{&PolicyError{Plugin: "jwt-auth", Err: fmt.Errorf("no secret")}, `plugin "jwt-auth" (global): no secret`},
		{&PolicyError{Plugin: "jwt-auth", Service: "users", Err: fmt.Errorf("no secret")}, `plugin "jwt-auth" (users): no secret`},
		{&PolicyError{Plugin: "cors", Service: "users", Route: "list", Err: fmt.Errorf("bad")}, `plugin "cors" (users/list): bad`},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestRouteWarningString(t *testing.T) {
	w := RouteWarning{Service: "users", Route: "r0", Message: "no paths"}
	if got := w.String(); got != "service users route r0: no paths" {
		t.Errorf("String() = %q", got)
	}
	w = RouteWarning{Message: "unknown plugin"}
	if got := w.String(); got != "unknown plugin" {
		t.Errorf("String() = %q", got)
	}
}
