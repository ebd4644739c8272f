// Package auth verifies request credentials: a shared API key carried in a
// designated header and HS-family JWT bearer tokens with scope-based
// authorization. Which mechanisms are enforced is decided at startup; per
// request the package only answers "who is this" and "may they do that".
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/civicarchive/civicarchive/internal/config"
)

// Credential kinds.
const (
	KindAPIKey = "api_key"
	KindJWT    = "jwt"
)

// Credential is the verified identity attached to an admitted request.
type Credential struct {
	Kind    string
	Subject string
	Scopes  []string
	Role    string
}

// HasScope reports whether the credential carries the given scope.
func (c *Credential) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Authentication and authorization failures. The gatekeeper maps
// ErrForbidden to 403 and everything else to 401.
var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidAPIKey      = errors.New("invalid api key")
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token expired")
	ErrForbidden          = errors.New("insufficient scope")
)

// Authenticator enforces the configured credential mechanisms. When both
// API key and JWT are required, a request must satisfy both.
type Authenticator struct {
	requireAPIKey bool
	apiKey        []byte
	apiKeyHeader  string

	requireJWT  bool
	jwt         *JWTVerifier
	readScope   string
	writeScope  string
	deleteScope string
	adminRole   string
}

// New builds an Authenticator from validated configuration.
func New(cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{
		requireAPIKey: cfg.RequireAPIKey,
		apiKey:        []byte(cfg.APIKey.Value()),
		apiKeyHeader:  cfg.APIKeyHeader,
		requireJWT:    cfg.RequireJWT,
		readScope:     cfg.ReadScope,
		writeScope:    cfg.WriteScope,
		deleteScope:   cfg.DeleteScope,
		adminRole:     cfg.AdminRole,
	}
	if a.apiKeyHeader == "" {
		a.apiKeyHeader = "X-API-Key"
	}
	if cfg.RequireJWT {
		v, err := NewJWTVerifier(cfg)
		if err != nil {
			return nil, fmt.Errorf("building jwt verifier: %w", err)
		}
		a.jwt = v
	}
	return a, nil
}

// Enabled reports whether any mechanism is enforced.
func (a *Authenticator) Enabled() bool {
	return a.requireAPIKey || a.requireJWT
}

// Authenticate verifies the request credentials and, for JWT, authorizes
// the token's scopes against the request method. The returned credential
// is the strongest one presented (JWT over API key).
func (a *Authenticator) Authenticate(r *http.Request) (*Credential, error) {
	if !a.Enabled() {
		return nil, nil
	}

	var cred *Credential

	if a.requireAPIKey {
		presented := r.Header.Get(a.apiKeyHeader)
		if presented == "" {
			return nil, fmt.Errorf("%w: missing %s header", ErrMissingCredentials, a.apiKeyHeader)
		}
		if subtle.ConstantTimeCompare([]byte(presented), a.apiKey) != 1 {
			return nil, ErrInvalidAPIKey
		}
		cred = &Credential{Kind: KindAPIKey}
	}

	if a.requireJWT {
		token, err := bearerToken(r)
		if err != nil {
			return nil, err
		}
		jwtCred, err := a.jwt.Verify(token)
		if err != nil {
			return nil, err
		}
		if err := a.authorize(r.Method, jwtCred); err != nil {
			return nil, err
		}
		cred = jwtCred
	}

	return cred, nil
}

// authorize checks the credential's scopes against the scope required for
// the method class. The admin role bypasses scope checking entirely.
func (a *Authenticator) authorize(method string, cred *Credential) error {
	if a.adminRole != "" && cred.Role == a.adminRole {
		return nil
	}

	required := a.requiredScope(method)
	if required == "" {
		return nil
	}
	if !cred.HasScope(required) {
		return fmt.Errorf("%w: %s requires scope %q", ErrForbidden, method, required)
	}
	return nil
}

// requiredScope maps a method to its scope. Unknown methods fall into the
// write class so nothing state-changing slips through unchecked.
func (a *Authenticator) requiredScope(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return a.readScope
	case http.MethodDelete:
		return a.deleteScope
	default:
		return a.writeScope
	}
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: missing Authorization header", ErrMissingCredentials)
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", fmt.Errorf("%w: Authorization header is not a bearer token", ErrInvalidToken)
	}
	return strings.TrimSpace(token), nil
}
