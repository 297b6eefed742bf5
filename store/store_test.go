package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/pravuX/ksunira/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, ttl), mr
}

// every backend must behave the same for the lifecycle operations
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore(time.Hour))
	})
	t.Run("redis", func(t *testing.T) {
		s, _ := newRedisStore(t, time.Hour)
		fn(t, s)
	})
}

func TestSessionLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		sess, err := s.CreateSession(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, sess.ID)
		assert.NotEmpty(t, sess.HostSecret)
		assert.True(t, sess.Active)

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, sess.HostSecret, got.HostSecret)

		ok, err := s.SessionExists(ctx, sess.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.DeleteSession(ctx, sess.ID))
		ok, err = s.SessionExists(ctx, sess.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.GetSession(ctx, sess.ID)
		assert.ErrorIs(t, err, errs.ErrNotFound)
		assert.ErrorIs(t, s.DeleteSession(ctx, sess.ID), errs.ErrNotFound)
	})
}

func TestUsers(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess, err := s.CreateSession(ctx)
		require.NoError(t, err)

		host, err := s.AddUser(ctx, sess.ID, "dj", true)
		require.NoError(t, err)
		guest, err := s.AddUser(ctx, sess.ID, "listener", false)
		require.NoError(t, err)

		isHost, err := s.IsHost(ctx, sess.ID, host.ID)
		require.NoError(t, err)
		assert.True(t, isHost)
		isHost, err = s.IsHost(ctx, sess.ID, guest.ID)
		require.NoError(t, err)
		assert.False(t, isHost)
		isHost, err = s.IsHost(ctx, sess.ID, "nobody")
		require.NoError(t, err)
		assert.False(t, isHost)

		u, err := s.GetUser(ctx, sess.ID, guest.ID)
		require.NoError(t, err)
		assert.Equal(t, "listener", u.Nickname)

		_, err = s.GetUser(ctx, sess.ID, "nobody")
		assert.ErrorIs(t, err, errs.ErrNotFound)

		users, err := s.ListUsers(ctx, sess.ID)
		require.NoError(t, err)
		assert.Len(t, users, 2)

		_, err = s.AddUser(ctx, "missing", "x", false)
		assert.ErrorIs(t, err, errs.ErrSessionGone)
		_, err = s.ListUsers(ctx, "missing")
		assert.ErrorIs(t, err, errs.ErrSessionGone)
	})
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	sess, err := s.CreateSession(ctx)
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	require.NoError(t, s.Touch(ctx, sess.ID))

	now = now.Add(50 * time.Second)
	ok, err := s.SessionExists(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, ok, "touch should have extended the ttl")

	now = now.Add(2 * time.Minute)
	ok, err = s.SessionExists(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Count())
	assert.ErrorIs(t, s.Touch(ctx, sess.ID), errs.ErrSessionGone)
}

func TestRedisStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t, time.Minute)

	sess, err := s.CreateSession(ctx)
	require.NoError(t, err)
	_, err = s.AddUser(ctx, sess.ID, "dj", true)
	require.NoError(t, err)

	mr.FastForward(50 * time.Second)
	require.NoError(t, s.Touch(ctx, sess.ID))
	mr.FastForward(50 * time.Second)

	ok, err := s.SessionExists(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = s.SessionExists(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists(usersKey(sess.ID)))
	assert.ErrorIs(t, s.Touch(ctx, sess.ID), errs.ErrSessionGone)
}
