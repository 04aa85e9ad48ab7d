package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultSessionLimit caps how many bytes of a session record are read.
const DefaultSessionLimit = 1 << 20

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{22,256}$`)

// ValidSessionID reports whether id is safe to use as a store key.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// SessionStore loads raw session records. Implementations must return
// ErrSessionTooLarge rather than buffering more than limit bytes.
type SessionStore interface {
	Read(ctx context.Context, id string, limit int64) ([]byte, error)
}

// FileStore reads sessions from one file per id under Dir.
type FileStore struct {
	Dir string
}

func (s FileStore) Read(_ context.Context, id string, limit int64) ([]byte, error) {
	f, err := os.Open(filepath.Join(s.Dir, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, ErrSessionTooLarge
	}
	return data, nil
}

// RedisStore reads sessions stored as plain string values under Prefix+id.
type RedisStore struct {
	Client redis.UniversalClient
	Prefix string
}

func (s RedisStore) Read(ctx context.Context, id string, limit int64) ([]byte, error) {
	key := s.Prefix + id
	size, err := s.Client.StrLen(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("session size: %w", err)
	}
	if size == 0 {
		return nil, ErrSessionNotFound
	}
	if size > limit {
		return nil, ErrSessionTooLarge
	}
	data, err := s.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, ErrSessionTooLarge
	}
	return data, nil
}

// SessionFormat tags which on-disk shape a record was parsed as.
type SessionFormat int

const (
	Unparseable SessionFormat = iota
	FrameworkFormat
	NativeFormat
)

func (f SessionFormat) String() string {
	switch f {
	case FrameworkFormat:
		return "framework"
	case NativeFormat:
		return "native"
	default:
		return "unparseable"
	}
}

// SessionRecord is a parsed session.
type SessionRecord struct {
	Format SessionFormat
	Values map[string]any
}

type frameworkEnvelope struct {
	ID           string          `json:"id"`
	Payload      json.RawMessage `json:"payload"`
	LastActivity int64           `json:"last_activity"`
}

// ParseSession tries the framework envelope ({"payload": {...}}) first and
// the native flat object second. Nothing else is attempted.
func ParseSession(data []byte) SessionRecord {
	data = bytes.TrimSpace(data)

	var env frameworkEnvelope
	if err := json.Unmarshal(data, &env); err == nil && len(env.Payload) > 0 && env.Payload[0] == '{' {
		var values map[string]any
		if err := json.Unmarshal(env.Payload, &values); err == nil {
			return SessionRecord{Format: FrameworkFormat, Values: values}
		}
	}

	var values map[string]any
	if err := json.Unmarshal(data, &values); err == nil && values != nil {
		return SessionRecord{Format: NativeFormat, Values: values}
	}
	return SessionRecord{Format: Unparseable}
}

// IdentityKey is the session key holding the user id for a guard.
func IdentityKey(guard string) string {
	return "login_" + guard
}

// SessionResolver maps a session id to an Identity.
type SessionResolver struct {
	store SessionStore
	limit int64
}

// NewSessionResolver creates a resolver; limit <= 0 uses DefaultSessionLimit.
func NewSessionResolver(store SessionStore, limit int64) *SessionResolver {
	if limit <= 0 {
		limit = DefaultSessionLimit
	}
	return &SessionResolver{store: store, limit: limit}
}

func (r *SessionResolver) Resolve(ctx context.Context, id, guard string) (*Identity, error) {
	if !ValidSessionID(id) {
		return nil, ErrInvalidSessionID
	}
	data, err := r.store.Read(ctx, id, r.limit)
	if err != nil {
		return nil, err
	}

	rec := ParseSession(data)
	if rec.Format == Unparseable {
		return nil, ErrSessionMalformed
	}

	key := IdentityKey(guard)
	userID := scalarString(rec.Values[key])
	if userID == "" {
		return nil, ErrNotLoggedIn
	}
	ident := &Identity{UserID: userID, Guard: guard, Method: MethodSession}
	ident.Username, _ = rec.Values[key+"_name"].(string)
	ident.Roles = stringList(rec.Values[key+"_roles"])
	return ident, nil
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		return ""
	}
}
