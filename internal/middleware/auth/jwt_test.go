package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestJWT(t *testing.T, cfg JWTConfig) *JWTAuth {
	t.Helper()
	a, err := NewJWTAuth(cfg, "users")
	if err != nil {
		t.Fatalf("NewJWTAuth: %v", err)
	}
	return a
}

func TestJWTAuth(t *testing.T) {
	a := newTestJWT(t, JWTConfig{Secret: "test-secret-key", Issuer: "test-issuer"})

	token, err := a.GenerateToken(map[string]any{
		"sub": "user-123",
		"iss": "test-issuer",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("Authorization", "bearer "+token)

	identity, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("expected successful auth, got error: %v", err)
	}
	if identity.Subject != "user-123" {
		t.Errorf("expected subject 'user-123', got '%s'", identity.Subject)
	}
	if identity.AuthType != "jwt" {
		t.Errorf("expected auth_type 'jwt', got '%s'", identity.AuthType)
	}
}

func TestJWTAuthInvalidToken(t *testing.T) {
	a := newTestJWT(t, JWTConfig{Secret: "test-secret", Issuer: "issuer"})

	other := newTestJWT(t, JWTConfig{Secret: "different-secret"})
	foreign, _ := other.GenerateToken(map[string]any{"sub": "x", "iss": "issuer"})
	expired, _ := a.GenerateToken(map[string]any{"sub": "x", "iss": "issuer", "exp": time.Now().Add(-time.Hour).Unix()})
	wrongIssuer, _ := a.GenerateToken(map[string]any{"sub": "x", "iss": "someone-else"})
	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "x", "iss": "issuer"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name       string
		authHeader string
	}{
		{"no header", ""},
		{"invalid format", "InvalidToken"},
		{"basic scheme", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.token"},
		{"wrong secret", "Bearer " + foreign},
		{"expired", "Bearer " + expired},
		{"wrong issuer", "Bearer " + wrongIssuer},
		{"alg none", "Bearer " + noneAlg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			if _, err := a.Authenticate(req); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestJWTAuthSecretFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := NewJWTAuth(JWTConfig{}, "svc"); err == nil {
		t.Fatal("expected error without any secret")
	}

	t.Setenv("JWT_SECRET", "env-secret")
	if _, err := NewJWTAuth(JWTConfig{}, "svc"); err != nil {
		t.Fatalf("JWT_SECRET should be used: %v", err)
	}
}

func TestJWTAuthAudience(t *testing.T) {
	a := newTestJWT(t, JWTConfig{Secret: "s", Audience: []string{"orders"}})

	good, _ := a.GenerateToken(map[string]any{"sub": "x", "aud": []string{"orders", "users"}})
	bad, _ := a.GenerateToken(map[string]any{"sub": "x", "aud": "billing"})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+good)
	if _, err := a.Authenticate(req); err != nil {
		t.Errorf("matching audience rejected: %v", err)
	}

	req.Header.Set("Authorization", "Bearer "+bad)
	if _, err := a.Authenticate(req); err == nil {
		t.Error("foreign audience accepted")
	}
}

func TestJWTMiddleware(t *testing.T) {
	a := newTestJWT(t, JWTConfig{Secret: "s", ForwardPayloadAs: "X-User"})

	var forwarded string
	var identity *Identity
	handler := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded = r.Header.Get("X-User")
		identity = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate header")
	}

	token, _ := a.GenerateToken(map[string]any{"sub": "user-7", "role": "admin"})
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if identity == nil || identity.Subject != "user-7" {
		t.Errorf("identity not attached: %+v", identity)
	}
	var claims map[string]any
	if err := json.Unmarshal([]byte(forwarded), &claims); err != nil {
		t.Fatalf("forwarded payload is not JSON: %q", forwarded)
	}
	if claims["role"] != "admin" {
		t.Errorf("unexpected forwarded claims %v", claims)
	}
}
