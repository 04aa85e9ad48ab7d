package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Secrets resolves the HMAC secret for a guard.
type Secrets struct {
	Default []byte
	Guards  map[string][]byte
}

// For returns the guard-specific secret, else the default secret.
func (s Secrets) For(guard string) []byte {
	if secret, ok := s.Guards[guard]; ok && len(secret) > 0 {
		return secret
	}
	return s.Default
}

// TokenVerifier validates three-segment HMAC-signed tokens.
type TokenVerifier struct {
	secrets Secrets
	now     Clock
}

// NewTokenVerifier creates a verifier. A nil clock uses time.Now.
func NewTokenVerifier(secrets Secrets, now Clock) *TokenVerifier {
	if now == nil {
		now = time.Now
	}
	return &TokenVerifier{secrets: secrets, now: now}
}

// Verify checks the signature with the guard's secret and the exp claim.
func (v *TokenVerifier) Verify(token, guard string) (*Identity, error) {
	secret := v.secrets.For(guard)
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: no secret for guard %q", ErrUnknownGuard, guard)
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	id := &Identity{UserID: sub, Guard: guard, Method: MethodToken}
	if name, ok := claims["username"].(string); ok {
		id.Username = name
	} else if name, ok := claims["name"].(string); ok {
		id.Username = name
	}
	id.Roles = stringList(claims["roles"])
	return id, nil
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
