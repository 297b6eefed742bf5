package schedule

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-redis/redis"
	"github.com/pravuX/ksunira/errs"
)

// StorageBackendType selects the registry implementation.
type StorageBackendType int

const (
	StorageBackendMem StorageBackendType = iota
	StorageBackendRedis
)

// registryKey is the Redis hash mapping session id to backend host.
const registryKey = "ksunira:registry"

// ReadOnlyStorage is the session registry as seen by the reverse proxy.
// Get returns errs.ErrNotFound for unknown sessions.
type ReadOnlyStorage interface {
	BackendType() StorageBackendType
	Get(sessionID string) (string, error)
}

// Storage is the session -> backend registry.
type Storage interface {
	ReadOnlyStorage
	Set(sessionID, backend string) error
	Del(sessionID string) error
}

type memBackend struct {
	m     map[string]string
	mutex sync.RWMutex
}

func (b *memBackend) Get(k string) (string, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	v, ok := b.m[k]
	if !ok {
		return "", errs.ErrNotFound
	}
	return v, nil
}

func (b *memBackend) Set(k string, v string) error {
	b.mutex.Lock()
	b.m[k] = v
	b.mutex.Unlock()
	return nil
}

func (b *memBackend) Del(k string) error {
	b.mutex.Lock()
	delete(b.m, k)
	b.mutex.Unlock()
	return nil
}

func (b *memBackend) BackendType() StorageBackendType {
	return StorageBackendMem
}

type redisBackend struct {
	client *redis.Client
}

// NewRedisStorage returns a registry kept in a Redis hash, shared by every
// scheduler, proxy and orchestrator pointed at the same Redis.
func NewRedisStorage(client *redis.Client) Storage {
	return &redisBackend{client: client}
}

func (b *redisBackend) Get(k string) (string, error) {
	v, err := b.client.HGet(registryKey, k).Result()
	if err == redis.Nil {
		return "", errs.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("registry get %s: %w", k, err)
	}
	return v, nil
}

func (b *redisBackend) Set(k string, v string) error {
	return b.client.HSet(registryKey, k, v).Err()
}

func (b *redisBackend) Del(k string) error {
	return b.client.HDel(registryKey, k).Err()
}

func (b *redisBackend) BackendType() StorageBackendType {
	return StorageBackendRedis
}

// NewStorageBackend creates a registry of the given type. The Redis backend
// needs a client.
func NewStorageBackend(typ StorageBackendType, client *redis.Client) (Storage, error) {
	switch typ {
	case StorageBackendMem:
		return &memBackend{m: make(map[string]string)}, nil
	case StorageBackendRedis:
		if client == nil {
			return nil, errors.New("redis backend needs a client")
		}
		return NewRedisStorage(client), nil
	default:
		return nil, errors.New("unsupported backend type")
	}
}
