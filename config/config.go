// Package config loads process configuration from the environment and
// builds the shared logger.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-redis/redis"
	"github.com/joho/godotenv"
	"github.com/pravuX/ksunira/resolver"
	"github.com/pravuX/ksunira/server"
	"github.com/pravuX/ksunira/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds every setting of the ksunira binaries. Not every binary uses
// every field.
type Config struct {
	AppEnv     string `env:"APP_ENV" envDefault:"development"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	SessionTTL      time.Duration `env:"SESSION_TTL" envDefault:"12h"`
	RoomIdleTimeout time.Duration `env:"ROOM_IDLE_TIMEOUT" envDefault:"5m"`
	GuestControl    bool          `env:"GUEST_CONTROL" envDefault:"true"`
	Autoplay        bool          `env:"AUTOPLAY" envDefault:"true"`

	UploadDir         string `env:"UPLOAD_DIR" envDefault:"./uploads"`
	MaxUploadBytes    int64  `env:"MAX_UPLOAD_BYTES" envDefault:"52428800"`
	YTDLPPath         string `env:"YTDLP_PATH" envDefault:"yt-dlp"`
	ResolverCacheSize int    `env:"RESOLVER_CACHE_SIZE" envDefault:"512"`
	// ResolverCacheTTL must stay below the lifetime of yt-dlp stream urls.
	ResolverCacheTTL time.Duration `env:"RESOLVER_CACHE_TTL" envDefault:"1h"`

	WSReadBufferSize  int   `env:"WS_READ_BUFFER_SIZE" envDefault:"1024"`
	WSWriteBufferSize int   `env:"WS_WRITE_BUFFER_SIZE" envDefault:"1024"`
	WSMaxMessageSize  int64 `env:"WS_MAX_MESSAGE_SIZE" envDefault:"65536"`

	Backends        []string `env:"BACKENDS" envSeparator:","`
	ScheduleChannel string   `env:"SCHEDULE_CHANNEL" envDefault:"schedule"`

	// KubeDiscovery makes the orchestrator list backend pods instead of
	// reading BACKENDS.
	KubeDiscovery     bool   `env:"KUBE_DISCOVERY"`
	KubeNamespace     string `env:"KUBE_NAMESPACE"`
	KubeLabelSelector string `env:"KUBE_LABEL_SELECTOR" envDefault:"tier=backend"`
	BackendPort       int    `env:"BACKEND_PORT" envDefault:"8080"`
}

// Load reads .env if present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.SessionTTL <= 0 {
		return fmt.Errorf("config: SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.RoomIdleTimeout <= 0 {
		return fmt.Errorf("config: ROOM_IDLE_TIMEOUT must be positive, got %s", c.RoomIdleTimeout)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("config: MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.ResolverCacheTTL <= 0 {
		return fmt.Errorf("config: RESOLVER_CACHE_TTL must be positive, got %s", c.ResolverCacheTTL)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return nil
}

// IsDevelopment is true unless APP_ENV says otherwise.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.AppEnv, "development")
}

// NewLogger builds the process logger: development encoding when
// APP_ENV=development, production JSON otherwise, at LOG_LEVEL.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.IsDevelopment() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// RedisClient returns a client for REDIS_ADDR, or nil when it is unset.
func (c *Config) RedisClient() *redis.Client {
	if c.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
}

// NewStore returns the Redis session store when Redis is configured and the
// in-memory one otherwise.
func (c *Config) NewStore(rc *redis.Client) store.Store {
	if rc != nil {
		return store.NewRedisStore(rc, c.SessionTTL)
	}
	return store.NewMemoryStore(c.SessionTTL)
}

// ServerConfig maps the environment onto a backend server.Config.
func (c *Config) ServerConfig() server.Config {
	sc := server.DefaultConfig()
	sc.Room = server.RoomConfig{
		GuestControl: c.GuestControl,
		Autoplay:     c.Autoplay,
		IdleTimeout:  c.RoomIdleTimeout,
	}
	sc.ReadBufferSize = c.WSReadBufferSize
	sc.WriteBufferSize = c.WSWriteBufferSize
	sc.MaxMessageSize = c.WSMaxMessageSize
	return sc
}

// NewResolver builds the YouTube resolver backed by yt-dlp.
func (c *Config) NewResolver(logger *zap.Logger) *resolver.YouTube {
	return resolver.NewYouTube(&resolver.YTDLP{Path: c.YTDLPPath}, c.ResolverCacheSize, c.ResolverCacheTTL, logger)
}

// NewUploads prepares upload storage under UPLOAD_DIR.
func (c *Config) NewUploads(logger *zap.Logger) (*resolver.Uploads, error) {
	return resolver.NewUploads(c.UploadDir, c.MaxUploadBytes, logger)
}
