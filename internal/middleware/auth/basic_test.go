package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func mustHash(password string) string {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return string(h)
}

func mustStatic(t *testing.T, cfg StaticConfig) *StaticAuth {
	t.Helper()
	a, err := NewStaticAuth(cfg)
	if err != nil {
		t.Fatalf("NewStaticAuth: %v", err)
	}
	return a
}

func TestStaticAuthBasic(t *testing.T) {
	tests := []struct {
		name     string
		password string
		user     string
		pass     string
		wantErr  bool
	}{
		{"plain valid", "secret123", "alice", "secret123", false},
		{"plain wrong password", "secret123", "alice", "nope", true},
		{"wrong user", "secret123", "mallory", "secret123", true},
		{"bcrypt valid", mustHash("secret123"), "alice", "secret123", false},
		{"bcrypt wrong password", mustHash("secret123"), "alice", "secret124", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := mustStatic(t, StaticConfig{Type: "basic", Username: "alice", Password: tt.password})
			req := httptest.NewRequest("GET", "/", nil)
			req.SetBasicAuth(tt.user, tt.pass)
			err := a.Authenticate(req)
			if (err != nil) != tt.wantErr {
				t.Errorf("Authenticate err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStaticAuthToken(t *testing.T) {
	a := mustStatic(t, StaticConfig{Type: "token", Token: "s3cret"})

	header := httptest.NewRequest("GET", "/", nil)
	header.Header.Set("X-Admin-Token", "s3cret")
	if err := a.Authenticate(header); err != nil {
		t.Errorf("header token rejected: %v", err)
	}

	query := httptest.NewRequest("GET", "/?token=s3cret", nil)
	if err := a.Authenticate(query); err != nil {
		t.Errorf("query token rejected: %v", err)
	}

	wrong := httptest.NewRequest("GET", "/?token=other", nil)
	if err := a.Authenticate(wrong); err == nil {
		t.Error("wrong token accepted")
	}
	if err := a.Authenticate(httptest.NewRequest("GET", "/", nil)); err == nil {
		t.Error("missing token accepted")
	}
}

func TestStaticAuthConfigErrors(t *testing.T) {
	for _, cfg := range []StaticConfig{
		{Type: "basic", Username: "alice"},
		{Type: "token"},
		{Type: "digest"},
	} {
		if _, err := NewStaticAuth(cfg); err == nil {
			t.Errorf("expected error for %+v", cfg)
		}
	}
}

func TestStaticAuthMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	none := mustStatic(t, StaticConfig{}).Middleware()(next)
	rr := httptest.NewRecorder()
	none.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("type none should pass through, got %d", rr.Code)
	}

	basic := mustStatic(t, StaticConfig{Type: "basic", Username: "u", Password: "p"}).Middleware()(next)
	rr = httptest.NewRecorder()
	basic.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got != `Basic realm="Admin Area"` {
		t.Errorf("unexpected WWW-Authenticate %q", got)
	}
}
