package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/eugener/palantir/internal/storage"
)

type fakeUserStore struct {
	mu      sync.Mutex
	users   map[string]*storage.User
	prompts map[string]int
	gets    int
}

func newFakeUserStore(users ...*storage.User) *fakeUserStore {
	s := &fakeUserStore{users: map[string]*storage.User{}, prompts: map[string]int{}}
	for _, u := range users {
		s.users[u.Token] = u
	}
	return s
}

func (s *fakeUserStore) GetUser(_ context.Context, token string) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	u, ok := s.users[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeUserStore) IncrementPromptCount(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[token]++
	return nil
}

func (s *fakeUserStore) CreateUser(context.Context, *storage.User) error { return nil }
func (s *fakeUserStore) ListUsers(context.Context, int, int) ([]*storage.User, error) {
	return nil, nil
}
func (s *fakeUserStore) SetUserDisabled(context.Context, string, bool) error { return nil }
func (s *fakeUserStore) IncrementTokenCount(context.Context, string, int64, int64) error {
	return nil
}

func request(authz string) *http.Request {
	r, _ := http.NewRequest(http.MethodPost, "/openai/v1/chat/completions", nil)
	if authz != "" {
		r.Header.Set("Authorization", authz)
	}
	return r
}

func TestNewRequiresSomeMode(t *testing.T) {
	t.Parallel()
	if _, err := New("", nil); err == nil {
		t.Fatal("expected error for no proxy key and no user store")
	}
}

func TestAuthenticateProxyKey(t *testing.T) {
	t.Parallel()
	g, err := New("hunter2", nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	token, err := g.Authenticate(ctx, request("Bearer hunter2"))
	if err != nil {
		t.Fatal("valid proxy key:", err)
	}
	if token != "" {
		t.Errorf("proxy key should yield empty user token, got %q", token)
	}

	cases := []struct {
		name  string
		authz string
	}{
		{"wrong key", "Bearer hunter3"},
		{"missing header", ""},
		{"no bearer prefix", "hunter2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := g.Authenticate(ctx, request(tc.authz)); !errors.Is(err, ErrUnauthorized) {
				t.Errorf("err = %v, want ErrUnauthorized", err)
			}
		})
	}
}

func TestAuthenticateUserToken(t *testing.T) {
	t.Parallel()
	store := newFakeUserStore(
		&storage.User{Token: "tok-live"},
		&storage.User{Token: "tok-banned", IsDisabled: true},
	)
	g, err := New("", store)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	token, err := g.Authenticate(ctx, request("Bearer tok-live"))
	if err != nil {
		t.Fatal("valid token:", err)
	}
	if token != "tok-live" {
		t.Errorf("token = %q, want tok-live", token)
	}

	if _, err := g.Authenticate(ctx, request("Bearer tok-banned")); !errors.Is(err, ErrTokenDisabled) {
		t.Errorf("banned token: err = %v, want ErrTokenDisabled", err)
	}
	if _, err := g.Authenticate(ctx, request("Bearer tok-unknown")); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unknown token: err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthenticateCachesUsers(t *testing.T) {
	t.Parallel()
	store := newFakeUserStore(&storage.User{Token: "tok-cache"})
	g, err := New("", store)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for range 5 {
		if _, err := g.Authenticate(ctx, request("Bearer tok-cache")); err != nil {
			t.Fatal(err)
		}
	}

	store.mu.Lock()
	gets := store.gets
	store.mu.Unlock()
	if gets != 1 {
		t.Errorf("store reads = %d, want 1 (cache should absorb repeats)", gets)
	}

	// Invalidation forces a store re-read.
	g.Invalidate("tok-cache")
	if _, err := g.Authenticate(ctx, request("Bearer tok-cache")); err != nil {
		t.Fatal(err)
	}
	store.mu.Lock()
	gets = store.gets
	store.mu.Unlock()
	if gets != 2 {
		t.Errorf("store reads after invalidate = %d, want 2", gets)
	}
}

func TestAuthenticateBumpsPromptCount(t *testing.T) {
	t.Parallel()
	store := newFakeUserStore(&storage.User{Token: "tok-count"})
	g, err := New("", store)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := g.Authenticate(context.Background(), request("Bearer tok-count")); err != nil {
		t.Fatal(err)
	}

	// The increment runs on a goroutine; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		n := store.prompts["tok-count"]
		store.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("prompt count was not incremented")
}

func TestProxyKeyAndUserTokensCoexist(t *testing.T) {
	t.Parallel()
	store := newFakeUserStore(&storage.User{Token: "tok-both"})
	g, err := New("sharedkey", store)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if token, err := g.Authenticate(ctx, request("Bearer sharedkey")); err != nil || token != "" {
		t.Errorf("shared key: token=%q err=%v", token, err)
	}
	if token, err := g.Authenticate(ctx, request("Bearer tok-both")); err != nil || token != "tok-both" {
		t.Errorf("user token: token=%q err=%v", token, err)
	}
}
