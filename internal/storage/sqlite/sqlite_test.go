package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Unique file-based temp DB per test; shared :memory: would alias state.
	path := t.TempDir() + "/test.db"
	s, err := New(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u := &storage.User{
		Token:     "tok-alpha",
		Nickname:  "alice",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetUser(ctx, "tok-alpha")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Nickname != "alice" {
		t.Errorf("nickname = %q, want %q", got.Nickname, "alice")
	}
	if got.IsDisabled {
		t.Error("new user should not be disabled")
	}
	if got.PromptCount != 0 {
		t.Errorf("prompt count = %d, want 0", got.PromptCount)
	}

	users, err := s.ListUsers(ctx, 0, 10)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(users) != 1 {
		t.Fatalf("list count = %d, want 1", len(users))
	}
}

func TestGetUserNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.GetUser(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUserCounters(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, &storage.User{Token: "tok-count"}); err != nil {
		t.Fatal("create:", err)
	}

	for range 3 {
		if err := s.IncrementPromptCount(ctx, "tok-count"); err != nil {
			t.Fatal("increment prompt:", err)
		}
	}
	if err := s.IncrementTokenCount(ctx, "tok-count", 120, 45); err != nil {
		t.Fatal("increment tokens:", err)
	}

	got, err := s.GetUser(ctx, "tok-count")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.PromptCount != 3 {
		t.Errorf("prompt count = %d, want 3", got.PromptCount)
	}
	if got.TokensInput != 120 || got.TokensOutput != 45 {
		t.Errorf("tokens = %d/%d, want 120/45", got.TokensInput, got.TokensOutput)
	}
	if got.LastUsedAt.IsZero() {
		t.Error("last used timestamp should be set after prompt increment")
	}

	if err := s.IncrementPromptCount(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("increment on unknown token: err = %v, want ErrNotFound", err)
	}
}

func TestSetUserDisabled(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, &storage.User{Token: "tok-dis"}); err != nil {
		t.Fatal("create:", err)
	}
	if err := s.SetUserDisabled(ctx, "tok-dis", true); err != nil {
		t.Fatal("disable:", err)
	}
	got, err := s.GetUser(ctx, "tok-dis")
	if err != nil {
		t.Fatal("get:", err)
	}
	if !got.IsDisabled {
		t.Error("user should be disabled")
	}
}

func TestInsertAndSumUsage(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	records := []proxy.UsageRecord{
		{
			RequestID:        "req-1",
			UserToken:        "tok-u",
			Service:          proxy.ServiceOpenAI,
			Family:           "gpt-4o",
			Model:            "gpt-4o",
			KeyHash:          "oai-abc",
			PromptTokens:     100,
			CompletionTokens: 20,
			CostUSD:          0.05,
			Streamed:         true,
			LatencyMs:        812,
			CreatedAt:        time.Now(),
		},
		{
			RequestID:        "req-2",
			UserToken:        "tok-u",
			Service:          proxy.ServiceAnthropic,
			Family:           "claude",
			Model:            "claude-3-5-sonnet-20241022",
			KeyHash:          "ant-def",
			PromptTokens:     50,
			CompletionTokens: 10,
			CostUSD:          0.02,
			Retries:          1,
			LatencyMs:        433,
			CreatedAt:        time.Now(),
		},
	}
	if err := s.InsertUsage(ctx, records); err != nil {
		t.Fatal("insert:", err)
	}
	// Empty batch is a no-op.
	if err := s.InsertUsage(ctx, nil); err != nil {
		t.Fatal("insert empty:", err)
	}

	total, err := s.SumUsageCost(ctx, "tok-u")
	if err != nil {
		t.Fatal("sum:", err)
	}
	if total < 0.069 || total > 0.071 {
		t.Errorf("total cost = %f, want ~0.07", total)
	}

	other, err := s.SumUsageCost(ctx, "tok-other")
	if err != nil {
		t.Fatal("sum other:", err)
	}
	if other != 0 {
		t.Errorf("cost for unused token = %f, want 0", other)
	}
}

func TestPruneUsageBefore(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	records := []proxy.UsageRecord{
		{RequestID: "old", Service: proxy.ServiceOpenAI, Family: "gpt-4o", Model: "gpt-4o",
			KeyHash: "h", CreatedAt: now.Add(-48 * time.Hour)},
		{RequestID: "fresh", Service: proxy.ServiceOpenAI, Family: "gpt-4o", Model: "gpt-4o",
			KeyHash: "h", CostUSD: 0.01, UserToken: "tok-p", CreatedAt: now},
	}
	if err := s.InsertUsage(ctx, records); err != nil {
		t.Fatal("insert:", err)
	}

	n, err := s.PruneUsageBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal("prune:", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}

	total, err := s.SumUsageCost(ctx, "tok-p")
	if err != nil {
		t.Fatal("sum:", err)
	}
	if total == 0 {
		t.Error("fresh record should survive the prune")
	}
}
