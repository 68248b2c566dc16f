// Package storage defines persistence interfaces for the proxy.
package storage

import (
	"context"
	"errors"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// User is one proxy access token and its accumulated accounting.
// The token itself is the identity; there is no separate user ID.
type User struct {
	Token        string
	Nickname     string
	IsDisabled   bool
	PromptCount  int64
	TokensInput  int64
	TokensOutput int64
	CreatedAt    time.Time
	LastUsedAt   time.Time
}

// UserStore manages proxy user tokens.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, token string) (*User, error)
	ListUsers(ctx context.Context, offset, limit int) ([]*User, error)
	SetUserDisabled(ctx context.Context, token string, disabled bool) error
	IncrementPromptCount(ctx context.Context, token string) error
	IncrementTokenCount(ctx context.Context, token string, input, output int64) error
}

// UsageStore persists per-request usage records.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []proxy.UsageRecord) error
	SumUsageCost(ctx context.Context, userToken string) (float64, error)
	PruneUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	UsageStore
	Ping(ctx context.Context) error
	Close() error
}
