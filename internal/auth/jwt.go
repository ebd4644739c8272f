package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/civicarchive/civicarchive/internal/config"
)

// JWTVerifier validates HS-family bearer tokens against a single configured
// algorithm. Tokens signed with any other algorithm are rejected outright,
// including "none".
type JWTVerifier struct {
	secret   []byte
	alg      string
	audience string
	issuer   string
}

// NewJWTVerifier builds a verifier from validated configuration.
func NewJWTVerifier(cfg config.AuthConfig) (*JWTVerifier, error) {
	var alg string
	switch cfg.JWTAlgorithm {
	case config.JWTAlgorithmHS256:
		alg = jwt.SigningMethodHS256.Alg()
	case config.JWTAlgorithmHS384:
		alg = jwt.SigningMethodHS384.Alg()
	case config.JWTAlgorithmHS512:
		alg = jwt.SigningMethodHS512.Alg()
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %q", cfg.JWTAlgorithm)
	}
	return &JWTVerifier{
		secret:   []byte(cfg.JWTSecret.Value()),
		alg:      alg,
		audience: cfg.JWTAudience,
		issuer:   cfg.JWTIssuer,
	}, nil
}

// Verify parses and validates the token, returning the credential carried
// in its claims. Expiry is always required; audience and issuer are checked
// when configured.
func (v *JWTVerifier) Verify(tokenString string) (*Credential, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.alg}),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	cred := &Credential{
		Kind:   KindJWT,
		Scopes: extractScopes(claims),
	}
	if sub, ok := claims["sub"].(string); ok {
		cred.Subject = sub
	}
	if role, ok := claims["role"].(string); ok {
		cred.Role = role
	}
	return cred, nil
}

// extractScopes reads scopes from the claims. Both the OAuth-style
// space-delimited "scope" string and a "scopes" list are accepted.
func extractScopes(claims jwt.MapClaims) []string {
	var scopes []string

	if raw, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(raw) {
			scopes = append(scopes, s)
		}
	}
	if raw, ok := claims["scopes"].([]any); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				scopes = append(scopes, s)
			}
		}
	}
	return scopes
}
