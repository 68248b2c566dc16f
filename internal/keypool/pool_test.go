package keypool

import (
	"testing"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

// fakeClock is a manually-advanced clock for deterministic selection tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func newTestPool(c *fakeClock) *Pool {
	return New(Options{Clock: c.Now, AllowAWSLogging: true})
}

func addKey(p *Pool, hash string, service proxy.Service, families ...proxy.ModelFamily) {
	p.Add(proxy.Key{
		Hash:          hash,
		Secret:        "sk-" + hash,
		Service:       service,
		ModelFamilies: families,
	})
}

func TestGetReturnsLRUEligibleKey(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := newTestPool(clock)
	addKey(p, "a", proxy.ServiceAnthropic, "claude")
	addKey(p, "b", proxy.ServiceAnthropic, "claude")

	// Equal lastUsed: hash order breaks the tie.
	k1, err := p.Get("claude-3-5-sonnet-20241022", proxy.ServiceAnthropic)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if k1.Hash != "a" {
		t.Fatalf("first Get = %q, want %q", k1.Hash, "a")
	}

	// Key a now carries the reuse delay; b is least recently used.
	clock.Advance(proxy.KeyReuseDelay)
	k2, err := p.Get("claude-3-5-sonnet-20241022", proxy.ServiceAnthropic)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if k2.Hash != "b" {
		t.Fatalf("second Get = %q, want %q", k2.Hash, "b")
	}
}

func TestGetNeverReturnsDisabledKey(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := newTestPool(clock)
	addKey(p, "a", proxy.ServiceOpenAI, "gpt4o")
	p.Disable("a", proxy.ServiceOpenAI, proxy.DisableRevoked)

	if _, err := p.Get("gpt-4o", proxy.ServiceOpenAI); err != proxy.ErrNoKeys {
		t.Fatalf("Get after disable = %v, want ErrNoKeys", err)
	}

	for _, k := range p.List(proxy.ServiceOpenAI) {
		if !k.IsDisabled || !k.IsRevoked {
			t.Fatalf("revoked key state = disabled:%v revoked:%v, want both true", k.IsDisabled, k.IsRevoked)
		}
	}
}

func TestRateLimitLockoutRespected(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := newTestPool(clock)
	addKey(p, "a", proxy.ServiceOpenAI, "gpt4o")

	p.MarkRateLimited("a", proxy.ServiceOpenAI)
	if _, err := p.Get("gpt-4o", proxy.ServiceOpenAI); err != proxy.ErrNoKeys {
		t.Fatalf("Get during lockout = %v, want ErrNoKeys", err)
	}

	// One tick before expiry: still locked.
	clock.Advance(proxy.RateLimitLockout - time.Millisecond)
	if _, err := p.Get("gpt-4o", proxy.ServiceOpenAI); err != proxy.ErrNoKeys {
		t.Fatalf("Get just before lockout end = %v, want ErrNoKeys", err)
	}

	clock.Advance(time.Millisecond)
	if _, err := p.Get("gpt-4o", proxy.ServiceOpenAI); err != nil {
		t.Fatalf("Get after lockout = %v, want success", err)
	}
}

func TestRateLimitWindowRecorded(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := newTestPool(clock)
	addKey(p, "a", proxy.ServiceOpenAI, "gpt4o")

	p.MarkRateLimited("a", proxy.ServiceOpenAI)
	k := p.List(proxy.ServiceOpenAI)[0]
	if k.RateLimitedUntil.Before(k.RateLimitedAt) {
		t.Fatal("rateLimitedUntil < rateLimitedAt")
	}
	if got, want := k.RateLimitedUntil.Sub(k.RateLimitedAt), proxy.RateLimitLockout; got != want {
		t.Fatalf("lockout window = %v, want %v", got, want)
	}
}

func TestMarkRateLimitedForAdvertisedWindow(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := newTestPool(clock)
	addKey(p, "a", proxy.ServiceOpenAI, "gpt4o")

	p.MarkRateLimitedFor("a", proxy.ServiceOpenAI, 30*time.Second)
	k := p.List(proxy.ServiceOpenAI)[0]
	if got := k.RateLimitedUntil.Sub(k.RateLimitedAt); got != 30*time.Second {
		t.Fatalf("lockout window = %v, want 30s", got)
	}

	// An absurd reset claim is clamped.
	p.MarkRateLimitedFor("a", proxy.ServiceOpenAI, 24*time.Hour)
	k = p.List(proxy.ServiceOpenAI)[0]
	if got := k.RateLimitedUntil.Sub(k.RateLimitedAt); got != maxAdvertisedLockout {
		t.Fatalf("clamped window = %v, want %v", got, maxAdvertisedLockout)
	}

	// No advertised window: the service default applies.
	p.MarkRateLimitedFor("a", proxy.ServiceOpenAI, 0)
	k = p.List(proxy.ServiceOpenAI)[0]
	if got := k.RateLimitedUntil.Sub(k.RateLimitedAt); got != proxy.RateLimitLockout {
		t.Fatalf("fallback window = %v, want %v", got, proxy.RateLimitLockout)
	}
}

func TestGetAppliesReuseDelay(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := newTestPool(clock)
	addKey(p, "a", proxy.ServiceOpenAI, "gpt4o")

	if _, err := p.Get("gpt-4o", proxy.ServiceOpenAI); err != nil {
		t.Fatalf("Get: %v", err)
	}
	// Immediately after Get the same key is jittered out.
	if _, err := p.Get("gpt-4o", proxy.ServiceOpenAI); err != proxy.ErrNoKeys {
		t.Fatalf("immediate second Get = %v, want ErrNoKeys", err)
	}
	clock.Advance(proxy.KeyReuseDelay)
	if _, err := p.Get("gpt-4o", proxy.ServiceOpenAI); err != nil {
		t.Fatalf("Get after reuse delay: %v", err)
	}
}

func TestUpdateIsIdempotent(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := newTestPool(clock)
	addKey(p, "a", proxy.ServiceAnthropic, "claude")

	preamble := true
	tier := "build_tier_2"
	patch := Patch{RequiresPreamble: &preamble, Tier: &tier}

	p.Update("a", proxy.ServiceAnthropic, patch)
	first := p.List(proxy.ServiceAnthropic)[0]
	p.Update("a", proxy.ServiceAnthropic, patch)
	second := p.List(proxy.ServiceAnthropic)[0]

	if first.RequiresPreamble != second.RequiresPreamble || first.Tier != second.Tier {
		t.Fatal("double update diverged from single update")
	}

	// Unknown hash is a no-op, not a panic.
	p.Update("nope", proxy.ServiceAnthropic, patch)
}

func TestRemoveFamilyIsPermanent(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := newTestPool(clock)
	addKey(p, "a", proxy.ServiceAWS, "claude", "claude-opus")
	p.Update("a", proxy.ServiceAWS, Patch{AWSLoggingStatus: strPtr("disabled")})

	p.RemoveFamily("a", proxy.ServiceAWS, "claude-opus")

	k := p.List(proxy.ServiceAWS)[0]
	if k.HasFamily("claude-opus") {
		t.Fatal("family still present after RemoveFamily")
	}
	if !k.HasFamily("claude") {
		t.Fatal("unrelated family removed")
	}
}

func TestFamilyOverQuotaIsScoped(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := newTestPool(clock)
	addKey(p, "k", proxy.ServiceGoogleAI, "gemini-pro", "gemini-flash")

	p.MarkFamilyOverQuota("k", proxy.ServiceGoogleAI, "gemini-pro")

	if _, err := p.Get("gemini-1.5-pro", proxy.ServiceGoogleAI); err != proxy.ErrNoKeys {
		t.Fatalf("Get pro after family quota = %v, want ErrNoKeys", err)
	}
	if _, err := p.Get("gemini-1.5-flash", proxy.ServiceGoogleAI); err != nil {
		t.Fatalf("Get flash after pro quota = %v, want success", err)
	}
	k := p.List(proxy.ServiceGoogleAI)[0]
	if !k.FamilyOverQuota("gemini-pro") {
		t.Fatal("overQuotaFamilies missing gemini-pro")
	}
}

func TestLockoutPeriod(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := newTestPool(clock)

	// No key owns the family at all.
	if _, ok := p.LockoutPeriod(proxy.ServiceOpenAI, "gpt4o"); ok {
		t.Fatal("LockoutPeriod ok for unowned family")
	}

	addKey(p, "a", proxy.ServiceOpenAI, "gpt4o")
	d, ok := p.LockoutPeriod(proxy.ServiceOpenAI, "gpt4o")
	if !ok || d != 0 {
		t.Fatalf("LockoutPeriod with eligible key = %v,%v, want 0,true", d, ok)
	}

	p.MarkRateLimited("a", proxy.ServiceOpenAI)
	d, ok = p.LockoutPeriod(proxy.ServiceOpenAI, "gpt4o")
	if !ok || d != proxy.RateLimitLockout {
		t.Fatalf("LockoutPeriod during lockout = %v,%v, want %v,true", d, ok, proxy.RateLimitLockout)
	}
}

func TestAvailableCounts(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := newTestPool(clock)
	addKey(p, "a", proxy.ServiceOpenAI, "gpt4o")
	addKey(p, "b", proxy.ServiceOpenAI, "gpt4o", "turbo")
	addKey(p, "c", proxy.ServiceOpenAI, "turbo")

	if got := p.Available("gpt-4o", proxy.ServiceOpenAI); got != 2 {
		t.Fatalf("Available(gpt-4o) = %d, want 2", got)
	}
	if got := p.Available("all", proxy.ServiceOpenAI); got != 3 {
		t.Fatalf("Available(all) = %d, want 3", got)
	}

	p.Disable("a", proxy.ServiceOpenAI, proxy.DisableQuota)
	if got := p.Available("gpt-4o", proxy.ServiceOpenAI); got != 1 {
		t.Fatalf("Available after disable = %d, want 1", got)
	}
}

func TestIncrementUsage(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := newTestPool(clock)
	addKey(p, "a", proxy.ServiceAnthropic, "claude")

	p.IncrementUsage("a", proxy.ServiceAnthropic, "claude", 100, 25)
	p.IncrementUsage("a", proxy.ServiceAnthropic, "claude", 50, 10)

	k := p.List(proxy.ServiceAnthropic)[0]
	u := k.TokenUsage["claude"]
	if u.Input != 150 || u.Output != 35 {
		t.Fatalf("usage = %+v, want {150 35}", u)
	}
}

func TestGetReturnsValueCopy(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := newTestPool(clock)
	addKey(p, "a", proxy.ServiceAnthropic, "claude")

	k, err := p.Get("claude-3-5-sonnet-20241022", proxy.ServiceAnthropic)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Mutating the copy must not reach the registry.
	k.ModelFamilies[0] = "poisoned"
	k.IsDisabled = true

	got := p.List(proxy.ServiceAnthropic)[0]
	if got.IsDisabled || got.ModelFamilies[0] != "claude" {
		t.Fatal("caller mutation leaked into registry record")
	}
}

func TestAWSLoggingGate(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := New(Options{Clock: clock.Now, AllowAWSLogging: false})
	p.Add(proxy.Key{
		Hash: "a", Secret: "s", Service: proxy.ServiceAWS,
		ModelFamilies: []proxy.ModelFamily{"claude"}, AWSLoggingStatus: "unknown",
	})
	p.Add(proxy.Key{
		Hash: "b", Secret: "s2", Service: proxy.ServiceAWS,
		ModelFamilies: []proxy.ModelFamily{"claude"}, AWSLoggingStatus: "disabled",
	})

	k, err := p.Get("anthropic.claude-3-5-sonnet-20241022-v2:0", proxy.ServiceAWS)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if k.Hash != "b" {
		t.Fatalf("Get = %q, want logging-confirmed key %q", k.Hash, "b")
	}
}

func strPtr(s string) *string { return &s }
