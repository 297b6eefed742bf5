package config

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pravuX/ksunira/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 12*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 5*time.Minute, cfg.RoomIdleTimeout)
	assert.True(t, cfg.GuestControl)
	assert.True(t, cfg.Autoplay)
	assert.Equal(t, int64(50<<20), cfg.MaxUploadBytes)
	assert.Equal(t, "schedule", cfg.ScheduleChannel)
	assert.Equal(t, time.Hour, cfg.ResolverCacheTTL)
	assert.False(t, cfg.KubeDiscovery)
	assert.Equal(t, "tier=backend", cfg.KubeLabelSelector)
	assert.Equal(t, 8080, cfg.BackendPort)
	assert.Empty(t, cfg.Backends)
	assert.Nil(t, cfg.RedisClient())
	assert.IsType(t, &store.MemoryStore{}, cfg.NewStore(nil))
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("SESSION_TTL", "1h")
	t.Setenv("ROOM_IDLE_TIMEOUT", "30s")
	t.Setenv("GUEST_CONTROL", "false")
	t.Setenv("AUTOPLAY", "false")
	t.Setenv("WS_MAX_MESSAGE_SIZE", "1024")
	t.Setenv("BACKENDS", "b1:8080,b2:8080")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.Equal(t, []string{"b1:8080", "b2:8080"}, cfg.Backends)

	sc := cfg.ServerConfig()
	assert.False(t, sc.Room.GuestControl)
	assert.False(t, sc.Room.Autoplay)
	assert.Equal(t, 30*time.Second, sc.Room.IdleTimeout)
	assert.Equal(t, int64(1024), sc.MaxMessageSize)

	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1), "debug is off at warn")
}

func TestLoadRejectsBadValues(t *testing.T) {

	t.Setenv("SESSION_TTL", "soon")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("SESSION_TTL", "0s")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("SESSION_TTL", "1h")
	t.Setenv("RESOLVER_CACHE_TTL", "0s")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("RESOLVER_CACHE_TTL", "30m")
	t.Setenv("LOG_LEVEL", "loud")
	_, err = Load()
	assert.Error(t, err)
}

func TestRedisBackedStore(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())

	cfg, err := Load()
	require.NoError(t, err)
	rc := cfg.RedisClient()
	require.NotNil(t, rc)
	defer rc.Close()
	assert.IsType(t, &store.RedisStore{}, cfg.NewStore(rc))
}

func TestComponentsFromConfig(t *testing.T) {
	t.Setenv("UPLOAD_DIR", t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	assert.NotNil(t, cfg.NewResolver(logger))
	uploads, err := cfg.NewUploads(logger)
	require.NoError(t, err)
	assert.Equal(t, cfg.UploadDir, uploads.Dir())
}
