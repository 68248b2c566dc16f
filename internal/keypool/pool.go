// Package keypool implements the per-service credential registries with
// lifecycle state, usage counters, and LRU key selection.
package keypool

import (
	"sort"
	"sync"
	"time"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/models"
)

// lockoutOverrides replaces the default rate-limit lockout for services whose
// vendors document longer windows. Cohere and Moonshot used to be handled by
// sleeping 1-5s inside the request path; the lockout moves that wait into the
// dispatcher's eligibility check instead.
var lockoutOverrides = map[proxy.Service]time.Duration{
	proxy.ServiceCohere:   4 * time.Second,
	proxy.ServiceMoonshot: 4 * time.Second,
	proxy.ServiceAWS:      5 * time.Second,
	proxy.ServiceGoogleAI: 3 * time.Second,
}

// registry holds the canonical key records for one service.
// All mutations happen under its lock.
type registry struct {
	mu   sync.Mutex
	keys map[string]*proxy.Key
}

// Options configures pool-wide policy.
type Options struct {
	// AllowAWSLogging dispatches to Bedrock keys whose prompt-logging
	// posture could not be confirmed disabled.
	AllowAWSLogging bool
	// Clock is injectable for tests. nil means time.Now.
	Clock func() time.Time
}

// Pool is the process-wide credential pool, sharded per service.
// Callers only ever receive value copies of key records.
type Pool struct {
	registries map[proxy.Service]*registry
	opts       Options

	notifyMu sync.Mutex
	onChange func()
}

// New creates an empty pool with one registry per known service.
func New(opts Options) *Pool {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	regs := make(map[proxy.Service]*registry, len(proxy.AllServices))
	for _, s := range proxy.AllServices {
		regs[s] = &registry{keys: make(map[string]*proxy.Key)}
	}
	return &Pool{registries: regs, opts: opts}
}

// SetOnChange registers a callback invoked after any key-state mutation that
// may change dispatch eligibility. The callback must not block.
func (p *Pool) SetOnChange(fn func()) {
	p.notifyMu.Lock()
	p.onChange = fn
	p.notifyMu.Unlock()
}

func (p *Pool) notify() {
	p.notifyMu.Lock()
	fn := p.onChange
	p.notifyMu.Unlock()
	if fn != nil {
		fn()
	}
}

// Add registers a credential. The key's Hash is derived from its secret if
// unset. Duplicate hashes are ignored.
func (p *Pool) Add(k proxy.Key) {
	if k.Hash == "" {
		k.Hash = proxy.HashKey(k.Service, k.Secret)
	}
	if k.TokenUsage == nil {
		k.TokenUsage = make(map[proxy.ModelFamily]proxy.TokenUsage)
	}
	reg := p.registries[k.Service]
	if reg == nil {
		return
	}
	reg.mu.Lock()
	if _, dup := reg.keys[k.Hash]; !dup {
		kc := k.Clone()
		reg.keys[k.Hash] = &kc
	}
	reg.mu.Unlock()
	p.notify()
}

// eligible reports whether k can serve family/model at time now.
func (p *Pool) eligible(k *proxy.Key, family proxy.ModelFamily, model string, now time.Time) bool {
	if k.IsDisabled {
		return false
	}
	if now.Before(k.RateLimitedUntil) {
		return false
	}
	if !k.HasFamily(family) || k.FamilyOverQuota(family) {
		return false
	}
	if model != "" && len(k.ModelIDs) > 0 && !containsStr(k.ModelIDs, model) {
		return false
	}
	if k.Service == proxy.ServiceAWS && !p.opts.AllowAWSLogging && k.AWSLoggingStatus != "disabled" {
		return false
	}
	return true
}

// Get returns a value copy of the least-recently-used eligible key for the
// model under the given service. On success the underlying record is
// mutated: lastUsed advances and rateLimitedUntil is pushed out by
// KeyReuseDelay so the dispatcher cannot flood a key before the in-flight
// request's fate is known. Ties on lastUsed break by hash order so selection
// is deterministic under test.
func (p *Pool) Get(model string, service proxy.Service) (proxy.Key, error) {
	family, ok := models.ResolveForService(model, service)
	if !ok {
		return proxy.Key{}, proxy.ErrModelNotFound
	}

	reg := p.registries[service]
	if reg == nil {
		return proxy.Key{}, proxy.ErrNoKeys
	}

	now := p.opts.Clock()
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var best *proxy.Key
	for _, k := range reg.keys {
		if !p.eligible(k, family, model, now) {
			continue
		}
		if best == nil ||
			k.LastUsed.Before(best.LastUsed) ||
			(k.LastUsed.Equal(best.LastUsed) && k.Hash < best.Hash) {
			best = k
		}
	}
	if best == nil {
		return proxy.Key{}, proxy.ErrNoKeys
	}

	best.LastUsed = now
	best.PromptCount++
	if reuse := now.Add(proxy.KeyReuseDelay); reuse.After(best.RateLimitedUntil) {
		best.RateLimitedUntil = reuse
	}
	return best.Clone(), nil
}

// MarkRateLimited records an upstream 429 on the key, locking it out for the
// service's lockout window.
func (p *Pool) MarkRateLimited(hash string, service proxy.Service) {
	lockout := proxy.RateLimitLockout
	if o, ok := lockoutOverrides[service]; ok {
		lockout = o
	}
	p.lockFor(hash, service, lockout)
}

// maxAdvertisedLockout caps reset windows taken from upstream response
// headers; a poisoned header must not park a key indefinitely.
const maxAdvertisedLockout = time.Minute

// MarkRateLimitedFor parks the key for an upstream-advertised reset window
// instead of the service default. Non-positive windows fall back to
// MarkRateLimited.
func (p *Pool) MarkRateLimitedFor(hash string, service proxy.Service, d time.Duration) {
	if d <= 0 {
		p.MarkRateLimited(hash, service)
		return
	}
	p.lockFor(hash, service, min(d, maxAdvertisedLockout))
}

func (p *Pool) lockFor(hash string, service proxy.Service, d time.Duration) {
	p.mutate(hash, service, func(k *proxy.Key, now time.Time) {
		k.RateLimitedAt = now
		k.RateLimitedUntil = now.Add(d)
	})
}

// Disable removes the key from rotation. reason=revoked is terminal;
// reason=quota keeps the credential valid but unusable for billing reasons.
func (p *Pool) Disable(hash string, service proxy.Service, reason proxy.DisableReason) {
	p.mutate(hash, service, func(k *proxy.Key, _ time.Time) {
		k.IsDisabled = true
		switch reason {
		case proxy.DisableRevoked:
			k.IsRevoked = true
		case proxy.DisableQuota:
			k.IsOverQuota = true
		}
	})
}

// Patch is a field-wise merge applied by Update. nil fields are untouched,
// so applying the same patch twice has the same effect as applying it once.
type Patch struct {
	ModelFamilies       *[]proxy.ModelFamily
	ModelIDs            *[]string
	IsOverQuota         *bool
	IsTrial             *bool
	Tier                *string
	OrganizationID      *string
	IsPozzed            *bool
	RequiresPreamble    *bool
	AllowsMultimodality *bool
	AWSLoggingStatus    *string
	LastChecked         *time.Time
}

// Update merges the patch into the key record. Unknown hashes are ignored.
func (p *Pool) Update(hash string, service proxy.Service, patch Patch) {
	p.mutate(hash, service, func(k *proxy.Key, _ time.Time) {
		if patch.ModelFamilies != nil {
			k.ModelFamilies = append([]proxy.ModelFamily(nil), *patch.ModelFamilies...)
		}
		if patch.ModelIDs != nil {
			k.ModelIDs = append([]string(nil), *patch.ModelIDs...)
		}
		if patch.IsOverQuota != nil {
			k.IsOverQuota = *patch.IsOverQuota
		}
		if patch.IsTrial != nil {
			k.IsTrial = *patch.IsTrial
		}
		if patch.Tier != nil {
			k.Tier = *patch.Tier
		}
		if patch.OrganizationID != nil {
			k.OrganizationID = *patch.OrganizationID
		}
		if patch.IsPozzed != nil {
			k.IsPozzed = *patch.IsPozzed
		}
		if patch.RequiresPreamble != nil {
			k.RequiresPreamble = *patch.RequiresPreamble
		}
		if patch.AllowsMultimodality != nil {
			k.AllowsMultimodality = *patch.AllowsMultimodality
		}
		if patch.AWSLoggingStatus != nil {
			k.AWSLoggingStatus = *patch.AWSLoggingStatus
		}
		if patch.LastChecked != nil {
			k.LastChecked = *patch.LastChecked
		}
	})
}

// RemoveFamily permanently drops a family from the key for this process
// lifetime. Only an explicit recheck restores it.
func (p *Pool) RemoveFamily(hash string, service proxy.Service, family proxy.ModelFamily) {
	p.mutate(hash, service, func(k *proxy.Key, _ time.Time) {
		out := k.ModelFamilies[:0]
		for _, f := range k.ModelFamilies {
			if f != family {
				out = append(out, f)
			}
		}
		k.ModelFamilies = out
	})
}

// MarkFamilyOverQuota flags quota exhaustion for one family only, leaving
// the key usable for its other families. Google AI bills quota per family.
func (p *Pool) MarkFamilyOverQuota(hash string, service proxy.Service, family proxy.ModelFamily) {
	p.mutate(hash, service, func(k *proxy.Key, _ time.Time) {
		if !k.FamilyOverQuota(family) {
			k.OverQuotaFamilies = append(k.OverQuotaFamilies, family)
		}
	})
}

// ClearFamilyOverQuota lifts a per-family quota flag (recheck path).
func (p *Pool) ClearFamilyOverQuota(hash string, service proxy.Service, family proxy.ModelFamily) {
	p.mutate(hash, service, func(k *proxy.Key, _ time.Time) {
		out := k.OverQuotaFamilies[:0]
		for _, f := range k.OverQuotaFamilies {
			if f != family {
				out = append(out, f)
			}
		}
		k.OverQuotaFamilies = out
	})
}

// IncrementUsage credits token usage to the key under the resolved family.
func (p *Pool) IncrementUsage(hash string, service proxy.Service, family proxy.ModelFamily, in, out int64) {
	p.mutate(hash, service, func(k *proxy.Key, _ time.Time) {
		u := k.TokenUsage[family]
		u.Input += in
		u.Output += out
		k.TokenUsage[family] = u
	})
}

// mutate applies fn to the record under the registry lock, then notifies.
// Unknown hashes are a no-op.
func (p *Pool) mutate(hash string, service proxy.Service, fn func(*proxy.Key, time.Time)) {
	reg := p.registries[service]
	if reg == nil {
		return
	}
	now := p.opts.Clock()
	reg.mu.Lock()
	k, ok := reg.keys[hash]
	if ok {
		fn(k, now)
	}
	reg.mu.Unlock()
	if ok {
		p.notify()
	}
}

// Available counts currently-eligible keys for the model under the service.
// model "all" counts keys eligible for any of their families.
func (p *Pool) Available(model string, service proxy.Service) int {
	reg := p.registries[service]
	if reg == nil {
		return 0
	}
	now := p.opts.Clock()

	if model == "all" {
		n := 0
		reg.mu.Lock()
		for _, k := range reg.keys {
			for _, f := range k.ModelFamilies {
				if p.eligible(k, f, "", now) {
					n++
					break
				}
			}
		}
		reg.mu.Unlock()
		return n
	}

	family, ok := models.ResolveForService(model, service)
	if !ok {
		return 0
	}
	return p.AvailableForFamily(service, family)
}

// AvailableForFamily counts eligible keys for a partition. Used by the
// dispatcher before popping a partition head.
func (p *Pool) AvailableForFamily(service proxy.Service, family proxy.ModelFamily) int {
	reg := p.registries[service]
	if reg == nil {
		return 0
	}
	now := p.opts.Clock()
	n := 0
	reg.mu.Lock()
	for _, k := range reg.keys {
		if p.eligible(k, family, "", now) {
			n++
		}
	}
	reg.mu.Unlock()
	return n
}

// LockoutPeriod returns how long until some key can serve the family.
// Zero means a key is eligible now. ok=false means no key owns the family
// at all, in which case the dispatcher must refuse dispatch.
func (p *Pool) LockoutPeriod(service proxy.Service, family proxy.ModelFamily) (time.Duration, bool) {
	reg := p.registries[service]
	if reg == nil {
		return 0, false
	}
	now := p.opts.Clock()

	owned := false
	var minPending time.Duration = -1
	reg.mu.Lock()
	for _, k := range reg.keys {
		if k.IsDisabled || !k.HasFamily(family) || k.FamilyOverQuota(family) {
			continue
		}
		owned = true
		pending := k.RateLimitedUntil.Sub(now)
		if pending < 0 {
			pending = 0
		}
		if minPending < 0 || pending < minPending {
			minPending = pending
		}
	}
	reg.mu.Unlock()

	if !owned {
		return 0, false
	}
	return minPending, true
}

// List returns value copies of every key for the service, sorted by hash.
func (p *Pool) List(service proxy.Service) []proxy.Key {
	reg := p.registries[service]
	if reg == nil {
		return nil
	}
	reg.mu.Lock()
	out := make([]proxy.Key, 0, len(reg.keys))
	for _, k := range reg.keys {
		out = append(out, k.Clone())
	}
	reg.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

// Snapshot returns value copies of every key in the pool.
func (p *Pool) Snapshot() []proxy.Key {
	var out []proxy.Key
	for _, s := range proxy.AllServices {
		out = append(out, p.List(s)...)
	}
	return out
}

func containsStr(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
