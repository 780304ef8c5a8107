package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRecovery(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	final := RecoveryWithConfig(RecoveryConfig{})(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()

	// Should not panic
	final.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", rr.Code)
	}
}

func TestRecoveryWithConfig(t *testing.T) {
	var loggedErr any
	var loggedStack []byte

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("custom panic")
	})

	final := RecoveryWithConfig(RecoveryConfig{
		PrintStack: true,
		LogFunc: func(err any, stack []byte) {
			loggedErr = err
			loggedStack = stack
		},
	})(handler)

	rr := httptest.NewRecorder()
	final.ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	if loggedErr != "custom panic" {
		t.Errorf("Expected 'custom panic', got %v", loggedErr)
	}
	if len(loggedStack) == 0 {
		t.Error("Expected stack trace to be captured")
	}
}

func TestRecoveryNoPanic(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("success"))
	})

	rr := httptest.NewRecorder()
	Recovery()(handler).ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "success" {
		t.Errorf("Expected 'success', got %s", rr.Body.String())
	}
}

func TestRecoveryAfterResponseStarted(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("partial"))
		panic("late panic")
	})

	rr := httptest.NewRecorder()
	RecoveryWithConfig(RecoveryConfig{})(handler).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if rr.Code != http.StatusAccepted {
		t.Errorf("status must not be overwritten, got %d", rr.Code)
	}
	if rr.Body.String() != "partial" {
		t.Errorf("no error body may follow a started response, got %q", rr.Body.String())
	}
}

func TestRecoveryIncludesRequestID(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("id panic")
	})

	final := RequestIDWithConfig(RequestIDConfig{Generator: func() string { return "req-abc-123" }})(
		RecoveryWithConfig(RecoveryConfig{})(handler),
	)

	rr := httptest.NewRecorder()
	final.ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["request_id"] != "req-abc-123" {
		t.Errorf("expected request_id in body, got %v", body)
	}
}
