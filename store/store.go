// Package store keeps session and user records. The coordinator only needs
// the SessionStore view of it; the REST surface uses the full Store.
package store

import (
	"context"
	"time"
)

// DefaultSessionTTL is how long a session lives without activity.
const DefaultSessionTTL = 12 * time.Hour

// Session is one listening party.
type Session struct {
	ID         string    `json:"id"`
	HostSecret string    `json:"host_secret"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// User is a participant of a session. Only presence changes after creation,
// and presence is tracked by the hub, not here.
type User struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Nickname  string    `json:"nickname"`
	IsHost    bool      `json:"is_host"`
	JoinedAt  time.Time `json:"joined_at"`
}

// SessionStore answers the two questions the coordinator asks.
type SessionStore interface {
	SessionExists(ctx context.Context, id string) (bool, error)
	IsHost(ctx context.Context, sessionID, userID string) (bool, error)
}

// Store is the full session/user persistence surface.
type Store interface {
	SessionStore

	CreateSession(ctx context.Context) (*Session, error)
	// GetSession returns errs.ErrNotFound for unknown or expired sessions.
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
	// Touch pushes the session's expiry out by the store TTL.
	Touch(ctx context.Context, id string) error

	AddUser(ctx context.Context, sessionID, nickname string, isHost bool) (*User, error)
	GetUser(ctx context.Context, sessionID, userID string) (*User, error)
	ListUsers(ctx context.Context, sessionID string) ([]User, error)
}
