package auth

import (
	"errors"
	"time"
)

// Authentication methods recorded on an Identity.
const (
	MethodToken   = "token"
	MethodSession = "session"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
	ErrUnknownGuard     = errors.New("unknown guard")
	ErrNoCredentials    = errors.New("no credentials supplied")
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionTooLarge  = errors.New("session record exceeds size limit")
	ErrSessionMalformed = errors.New("session record unparseable")
	ErrNotLoggedIn      = errors.New("session has no identity for guard")
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID   string
	Username string
	Roles    []string
	Guard    string
	Method   string
}

// Credentials is an authentication attempt. Exactly one of Token or
// SessionID is expected; Guard falls back to the authenticator default.
type Credentials struct {
	Token     string
	SessionID string
	Guard     string
}

// CredentialsFrom reads credentials from a decoded auth payload.
func CredentialsFrom(data map[string]any) Credentials {
	var c Credentials
	c.Token, _ = data["token"].(string)
	c.SessionID, _ = data["session_id"].(string)
	c.Guard, _ = data["guard"].(string)
	return c
}

// Map is the inverse of CredentialsFrom.
func (c Credentials) Map() map[string]any {
	m := make(map[string]any, 3)
	if c.Token != "" {
		m["token"] = c.Token
	}
	if c.SessionID != "" {
		m["session_id"] = c.SessionID
	}
	if c.Guard != "" {
		m["guard"] = c.Guard
	}
	return m
}

// Empty reports whether no credential was supplied.
func (c Credentials) Empty() bool {
	return c.Token == "" && c.SessionID == ""
}

// Clock returns the current time; injectable for tests.
type Clock func() time.Time
