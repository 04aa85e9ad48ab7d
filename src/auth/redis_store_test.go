package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*miniredis.Miniredis, RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, RedisStore{Client: client, Prefix: "sessions:"}
}

func TestRedisStoreRead(t *testing.T) {
	mr, store := newTestRedisStore(t)
	require.NoError(t, mr.Set("sessions:"+testSessionID, `{"login_web":"12"}`))

	data, err := store.Read(context.Background(), testSessionID, 64)
	require.NoError(t, err)
	assert.Equal(t, `{"login_web":"12"}`, string(data))
}

func TestRedisStoreMissingKey(t *testing.T) {
	_, store := newTestRedisStore(t)

	_, err := store.Read(context.Background(), testSessionID, 64)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisStoreOversizedValue(t *testing.T) {
	mr, store := newTestRedisStore(t)
	require.NoError(t, mr.Set("sessions:"+testSessionID, strings.Repeat("x", 65)))

	_, err := store.Read(context.Background(), testSessionID, 64)
	assert.ErrorIs(t, err, ErrSessionTooLarge)

	// Exactly at the limit is still readable.
	require.NoError(t, mr.Set("sessions:"+testSessionID, strings.Repeat("x", 64)))
	data, err := store.Read(context.Background(), testSessionID, 64)
	require.NoError(t, err)
	assert.Len(t, data, 64)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr, store := newTestRedisStore(t)
	mr.Close()

	_, err := store.Read(context.Background(), testSessionID, 64)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionResolverRedisStore(t *testing.T) {
	mr, store := newTestRedisStore(t)
	require.NoError(t, mr.Set("sessions:"+testSessionID, `{"payload":{"login_web":12,"login_web_name":"ann"}}`))

	r := NewSessionResolver(store, 0)
	id, err := r.Resolve(context.Background(), testSessionID, "web")
	require.NoError(t, err)
	assert.Equal(t, "12", id.UserID)
	assert.Equal(t, "ann", id.Username)

	_, err = r.Resolve(context.Background(), strings.Repeat("Z", 24), "web")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
