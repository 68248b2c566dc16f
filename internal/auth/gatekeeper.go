// Package auth gates proxy access. Callers present either the shared proxy
// key or a per-user token; resolved users are cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eugener/palantir/internal/storage"
	"github.com/maypok86/otter/v2"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up token bans promptly
	cacheMaxLen = 10_000           // max concurrent active tokens expected per deployment
)

// Authentication failures surfaced to the HTTP layer.
var (
	ErrUnauthorized  = errors.New("auth: invalid credentials")
	ErrTokenDisabled = errors.New("auth: token disabled")
)

// Gatekeeper validates inbound proxy credentials. Two modes can be active at
// once: a single shared proxy key, and per-user tokens resolved through the
// user store. A request passes if either accepts its Bearer token.
type Gatekeeper struct {
	proxyKey string            // empty = shared-key mode off
	users    storage.UserStore // nil = user-token mode off
	cache    *otter.Cache[string, *storage.User]
}

// New returns a Gatekeeper. proxyKey may be empty and users may be nil, but
// not both: with neither mode active no request could ever pass.
func New(proxyKey string, users storage.UserStore) (*Gatekeeper, error) {
	if proxyKey == "" && users == nil {
		return nil, errors.New("auth: no proxy key and no user store")
	}
	g := &Gatekeeper{proxyKey: proxyKey, users: users}
	if users != nil {
		c, err := otter.New(&otter.Options[string, *storage.User]{
			MaximumSize:      cacheMaxLen,
			ExpiryCalculator: otter.ExpiryWriting[string, *storage.User](cacheTTL),
		})
		if err != nil {
			return nil, fmt.Errorf("create auth cache: %w", err)
		}
		g.cache = c
	}
	return g, nil
}

// Authenticate extracts a Bearer token from the Authorization header and
// validates it. For user tokens it returns the token so downstream usage
// accounting can attribute the request; the shared proxy key returns "".
func (g *Gatekeeper) Authenticate(ctx context.Context, r *http.Request) (string, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return "", ErrUnauthorized
	}

	if g.proxyKey != "" &&
		subtle.ConstantTimeCompare([]byte(raw), []byte(g.proxyKey)) == 1 {
		return "", nil
	}

	if g.users == nil {
		return "", ErrUnauthorized
	}

	if u, ok := g.cache.GetIfPresent(raw); ok {
		if u.IsDisabled {
			return "", ErrTokenDisabled
		}
		g.touch(ctx, raw)
		return raw, nil
	}

	u, err := g.users.GetUser(ctx, raw)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrUnauthorized
		}
		return "", err
	}
	if u.IsDisabled {
		return "", ErrTokenDisabled
	}

	g.cache.Set(raw, u)
	g.touch(ctx, raw)
	return raw, nil
}

// Invalidate drops a cached user so the next request re-reads the store.
// Called when an operator disables a token.
func (g *Gatekeeper) Invalidate(token string) {
	if g.cache != nil {
		g.cache.Invalidate(token)
	}
}

// touch bumps the user's prompt counter asynchronously; a lost update on
// shutdown only skews a statistic.
func (g *Gatekeeper) touch(ctx context.Context, token string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		g.users.IncrementPromptCount(ctx, token) //nolint:errcheck
	}()
}
