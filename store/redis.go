package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/pravuX/ksunira/errs"
)

const keyPrefix = "ksunira:session:"

func sessionKey(id string) string { return keyPrefix + id }
func usersKey(id string) string   { return keyPrefix + id + ":users" }

// RedisStore keeps sessions in redis hashes with a rolling TTL, so several
// backends can share one session namespace.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) CreateSession(_ context.Context) (*Session, error) {
	sess := Session{
		ID:         uuid.NewString(),
		HostSecret: uuid.NewString(),
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	key := sessionKey(sess.ID)
	_, err := s.client.TxPipelined(func(pipe redis.Pipeliner) error {
		pipe.HMSet(key, map[string]interface{}{
			"host_secret": sess.HostSecret,
			"active":      "1",
			"created_at":  sess.CreatedAt.Format(time.RFC3339Nano),
		})
		pipe.Expire(key, s.ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) GetSession(_ context.Context, id string) (*Session, error) {
	fields, err := s.client.HGetAll(sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
	}
	created, _ := time.Parse(time.RFC3339Nano, fields["created_at"])
	active, _ := strconv.ParseBool(fields["active"])
	return &Session{
		ID:         id,
		HostSecret: fields["host_secret"],
		Active:     active,
		CreatedAt:  created,
	}, nil
}

func (s *RedisStore) SessionExists(_ context.Context, id string) (bool, error) {
	n, err := s.client.Exists(sessionKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("session exists %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *RedisStore) DeleteSession(_ context.Context, id string) error {
	n, err := s.client.Del(sessionKey(id), usersKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (s *RedisStore) Touch(_ context.Context, id string) error {
	ok, err := s.client.Expire(sessionKey(id), s.ttl).Result()
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("session %s: %w", id, errs.ErrSessionGone)
	}
	// the users hash may not exist yet, ignore the result
	s.client.Expire(usersKey(id), s.ttl)
	return nil
}

func (s *RedisStore) AddUser(ctx context.Context, sessionID, nickname string, isHost bool) (*User, error) {
	exists, err := s.SessionExists(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("session %s: %w", sessionID, errs.ErrSessionGone)
	}
	u := User{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Nickname:  nickname,
		IsHost:    isHost,
		JoinedAt:  time.Now().UTC(),
	}
	b, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	_, err = s.client.TxPipelined(func(pipe redis.Pipeliner) error {
		pipe.HSet(usersKey(sessionID), u.ID, string(b))
		pipe.Expire(usersKey(sessionID), s.ttl)
		pipe.Expire(sessionKey(sessionID), s.ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("add user: %w", err)
	}
	return &u, nil
}

func (s *RedisStore) GetUser(ctx context.Context, sessionID, userID string) (*User, error) {
	v, err := s.client.HGet(usersKey(sessionID), userID).Result()
	if err == redis.Nil {
		exists, xerr := s.SessionExists(ctx, sessionID)
		if xerr != nil {
			return nil, xerr
		}
		if !exists {
			return nil, fmt.Errorf("session %s: %w", sessionID, errs.ErrSessionGone)
		}
		return nil, fmt.Errorf("user %s: %w", userID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	var u User
	if err := json.Unmarshal([]byte(v), &u); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", userID, err)
	}
	return &u, nil
}

func (s *RedisStore) ListUsers(ctx context.Context, sessionID string) ([]User, error) {
	exists, err := s.SessionExists(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("session %s: %w", sessionID, errs.ErrSessionGone)
	}
	vals, err := s.client.HVals(usersKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]User, 0, len(vals))
	for _, v := range vals {
		var u User
		if err := json.Unmarshal([]byte(v), &u); err != nil {
			continue
		}
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].JoinedAt.Before(users[j].JoinedAt)
	})
	return users, nil
}

func (s *RedisStore) IsHost(ctx context.Context, sessionID, userID string) (bool, error) {
	u, err := s.GetUser(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return u.IsHost, nil
}

var _ Store = (*RedisStore)(nil)
