package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wudi/routegate/internal/errors"
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/middleware"
	"go.uber.org/zap"
)

// JWTConfig is the jwt-auth policy configuration.
type JWTConfig struct {
	Secret    string   `yaml:"secret"`
	PublicKey string   `yaml:"public_key"`
	Algorithm string   `yaml:"algorithm"`
	Issuer    string   `yaml:"issuer"`
	Audience  []string `yaml:"audience"`
	// ForwardPayloadAs names a request header that receives the verified
	// claims as JSON. ForwardPayloadHeader is the older spelling.
	ForwardPayloadAs     string `yaml:"forward_payload_as"`
	ForwardPayloadHeader string `yaml:"forward_payload_header"`
}

// JWTAuth provides JWT authentication
type JWTAuth struct {
	secret        []byte
	publicKey     *rsa.PublicKey
	issuer        string
	audience      []string
	algorithm     string
	forwardHeader string
	keyFunc       jwt.Keyfunc

	service string
}

// NewJWTAuth creates a JWT authenticator. HMAC algorithms fall back to the
// JWT_SECRET environment variable; without any secret construction fails.
func NewJWTAuth(cfg JWTConfig, service string) (*JWTAuth, error) {
	a := &JWTAuth{
		issuer:        cfg.Issuer,
		audience:      cfg.Audience,
		algorithm:     strings.ToUpper(cfg.Algorithm),
		forwardHeader: cfg.ForwardPayloadAs,
		service:       service,
	}
	if a.algorithm == "" {
		a.algorithm = "HS256"
	}
	if a.forwardHeader == "" {
		a.forwardHeader = cfg.ForwardPayloadHeader
	}

	switch {
	case strings.HasPrefix(a.algorithm, "HS"):
		secret := cfg.Secret
		if secret == "" {
			secret = os.Getenv("JWT_SECRET")
		}
		if secret == "" {
			return nil, fmt.Errorf("JWT secret is not configured: set JWT_SECRET or provide secret")
		}
		a.secret = []byte(secret)
		a.keyFunc = func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return a.secret, nil
		}

	case strings.HasPrefix(a.algorithm, "RS"):
		block, _ := pem.Decode([]byte(cfg.PublicKey))
		if block == nil {
			return nil, fmt.Errorf("failed to parse PEM block containing public key")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not an RSA key")
		}
		a.publicKey = rsaPub
		a.keyFunc = func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return a.publicKey, nil
		}

	default:
		return nil, fmt.Errorf("unsupported JWT algorithm %q", cfg.Algorithm)
	}

	return a, nil
}

// Authenticate verifies the bearer token and returns the identity
func (a *JWTAuth) Authenticate(r *http.Request) (*Identity, error) {
	tokenString := extractBearer(r)
	if tokenString == "" {
		return nil, errors.ErrUnauthorized.WithDetails("Bearer token not provided")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{a.algorithm})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, a.keyFunc, opts...)
	if err != nil || !token.Valid {
		return nil, errors.ErrUnauthorized.WithDetails("Invalid token")
	}

	if len(a.audience) > 0 {
		aud, _ := claims.GetAudience()
		if !containsAny(aud, a.audience) {
			return nil, errors.ErrUnauthorized.WithDetails("Invalid token audience")
		}
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		subject, _ = claims["client_id"].(string)
	}

	return &Identity{
		Subject:  subject,
		AuthType: "jwt",
		Claims:   claims,
	}, nil
}

// extractBearer returns the token of a case-insensitive "Bearer" header.
func extractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func containsAny(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

// Middleware rejects requests without a valid token. Verified claims are
// attached to the context and optionally forwarded upstream as a JSON header.
func (a *JWTAuth) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := a.Authenticate(r)
			if err != nil {
				logging.Warn("JWT verification failed",
					zap.String("service", a.service),
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
				gwErr, _ := errors.AsGatewayError(err)
				if gwErr == nil {
					gwErr = errors.ErrUnauthorized
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
				gwErr.WriteJSON(w)
				return
			}

			if a.forwardHeader != "" {
				if payload, err := json.Marshal(identity.Claims); err == nil {
					r.Header.Set(a.forwardHeader, string(payload))
				}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// GenerateToken signs claims with the configured HMAC secret.
func (a *JWTAuth) GenerateToken(claims map[string]any) (string, error) {
	var method jwt.SigningMethod
	switch a.algorithm {
	case "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return "", fmt.Errorf("unsupported algorithm for token generation: %s", a.algorithm)
	}
	return jwt.NewWithClaims(method, jwt.MapClaims(claims)).SignedString(a.secret)
}
