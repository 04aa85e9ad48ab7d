package auth

import (
	"context"
	"fmt"
)

// Authenticator resolves credentials to an Identity using guard-specific
// token secrets or session records.
type Authenticator struct {
	tokens       *TokenVerifier
	sessions     *SessionResolver
	guards       map[string]bool
	defaultGuard string
}

// NewAuthenticator creates an authenticator. sessions may be nil, in which
// case session credentials are rejected. guards lists the accepted guard
// names; it must contain defaultGuard.
func NewAuthenticator(tokens *TokenVerifier, sessions *SessionResolver, defaultGuard string, guards ...string) *Authenticator {
	known := make(map[string]bool, len(guards)+1)
	known[defaultGuard] = true
	for _, g := range guards {
		known[g] = true
	}
	return &Authenticator{tokens: tokens, sessions: sessions, guards: known, defaultGuard: defaultGuard}
}

// DefaultGuard returns the guard used when credentials name none.
func (a *Authenticator) DefaultGuard() string { return a.defaultGuard }

func (a *Authenticator) Authenticate(ctx context.Context, c Credentials) (*Identity, error) {
	guard := c.Guard
	if guard == "" {
		guard = a.defaultGuard
	}
	if !a.guards[guard] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGuard, guard)
	}

	switch {
	case c.Token != "":
		if a.tokens == nil {
			return nil, fmt.Errorf("%w: token authentication disabled", ErrInvalidToken)
		}
		return a.tokens.Verify(c.Token, guard)
	case c.SessionID != "":
		if a.sessions == nil {
			return nil, fmt.Errorf("%w: session authentication disabled", ErrSessionNotFound)
		}
		return a.sessions.Resolve(ctx, c.SessionID, guard)
	default:
		return nil, ErrNoCredentials
	}
}
