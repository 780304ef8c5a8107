package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/wudi/routegate/internal/errors"
	"github.com/wudi/routegate/internal/middleware"
)

// StaticConfig configures a single fixed credential.
type StaticConfig struct {
	// Type is "none", "basic" or "token".
	Type     string
	Username string
	// Password is compared in constant time, or with bcrypt when it is a
	// bcrypt hash.
	Password string
	Token    string
	Realm    string
	// TokenHeader and TokenQuery locate the token; defaults are
	// X-Admin-Token and token.
	TokenHeader string
	TokenQuery  string
}

// StaticAuth authenticates against one configured credential.
type StaticAuth struct {
	kind        string
	username    []byte
	password    []byte
	hashed      bool
	token       []byte
	realm       string
	tokenHeader string
	tokenQuery  string
}

// NewStaticAuth validates the config and builds the authenticator.
func NewStaticAuth(cfg StaticConfig) (*StaticAuth, error) {
	a := &StaticAuth{
		kind:        strings.ToLower(cfg.Type),
		realm:       cfg.Realm,
		tokenHeader: cfg.TokenHeader,
		tokenQuery:  cfg.TokenQuery,
	}
	if a.kind == "" {
		a.kind = "none"
	}
	if a.realm == "" {
		a.realm = "Admin Area"
	}
	if a.tokenHeader == "" {
		a.tokenHeader = "X-Admin-Token"
	}
	if a.tokenQuery == "" {
		a.tokenQuery = "token"
	}

	switch a.kind {
	case "none":
	case "basic":
		if cfg.Username == "" || cfg.Password == "" {
			return nil, fmt.Errorf("basic auth requires username and password")
		}
		a.username = []byte(cfg.Username)
		a.password = []byte(cfg.Password)
		a.hashed = isBcryptHash(cfg.Password)
	case "token":
		if cfg.Token == "" {
			return nil, fmt.Errorf("token auth requires a token")
		}
		a.token = []byte(cfg.Token)
	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}
	return a, nil
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// Authenticate checks the request credentials.
func (a *StaticAuth) Authenticate(r *http.Request) error {
	switch a.kind {
	case "basic":
		username, password, ok := r.BasicAuth()
		if !ok {
			return errors.ErrUnauthorized.WithDetails("Basic credentials not provided")
		}
		userOK := subtle.ConstantTimeCompare([]byte(username), a.username) == 1
		var passOK bool
		if a.hashed {
			passOK = bcrypt.CompareHashAndPassword(a.password, []byte(password)) == nil
		} else {
			passOK = subtle.ConstantTimeCompare([]byte(password), a.password) == 1
		}
		if !userOK || !passOK {
			return errors.ErrUnauthorized.WithDetails("Invalid credentials")
		}
	case "token":
		token := r.Header.Get(a.tokenHeader)
		if token == "" {
			token = r.URL.Query().Get(a.tokenQuery)
		}
		if token == "" || subtle.ConstantTimeCompare([]byte(token), a.token) != 1 {
			return errors.ErrUnauthorized.WithDetails("Invalid token")
		}
	}
	return nil
}

// Type returns the configured auth type.
func (a *StaticAuth) Type() string {
	return a.kind
}

// Middleware rejects unauthenticated requests with 401.
func (a *StaticAuth) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if a.kind == "none" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := a.Authenticate(r); err != nil {
				if a.kind == "basic" {
					w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", a.realm))
				}
				gwErr, ok := errors.AsGatewayError(err)
				if !ok {
					gwErr = errors.ErrUnauthorized
				}
				gwErr.WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
