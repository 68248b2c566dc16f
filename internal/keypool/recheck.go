package keypool

import (
	"context"
	"hash/fnv"
	"log/slog"
	"net/http"
	"os"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

// recheckIntervals gives the per-service recheck cadence. Services absent
// from the table use the default.
var recheckIntervals = map[proxy.Service]time.Duration{
	proxy.ServiceOpenAI:   8 * time.Hour,
	proxy.ServiceGoogleAI: 1 * time.Hour,
}

const defaultRecheckInterval = 12 * time.Hour

// RecheckInterval returns the recheck cadence for a service.
func RecheckInterval(s proxy.Service) time.Duration {
	if d, ok := recheckIntervals[s]; ok {
		return d
	}
	return defaultRecheckInterval
}

// ProbeResult is the outcome of revalidating one credential.
type ProbeResult struct {
	// Revoked means the provider rejected the credential outright.
	Revoked bool
	// OverQuota means billing currently prevents use.
	OverQuota bool
	// Patch carries any refreshed metadata (tier, org, model IDs).
	Patch Patch
}

// Prober revalidates a single credential against its provider.
type Prober interface {
	Probe(ctx context.Context, key proxy.Key) (ProbeResult, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, key proxy.Key) (ProbeResult, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, key proxy.Key) (ProbeResult, error) {
	return f(ctx, key)
}

// Rechecker is a background worker that periodically revalidates every key
// of one service, clearing transient flags and applying refreshed metadata.
// It satisfies the worker.Worker interface.
type Rechecker struct {
	pool     *Pool
	service  proxy.Service
	interval time.Duration
	prober   Prober
}

// NewRechecker creates a rechecker for the service. interval <= 0 uses the
// per-service default.
func NewRechecker(pool *Pool, service proxy.Service, interval time.Duration, prober Prober) *Rechecker {
	if interval <= 0 {
		interval = RecheckInterval(service)
	}
	return &Rechecker{pool: pool, service: service, interval: interval, prober: prober}
}

// Name returns the worker identifier.
func (r *Rechecker) Name() string { return "recheck_" + string(r.service) }

// Run rechecks all keys on the service's cadence until ctx is cancelled.
// The first pass is delayed by a per-host offset so a fleet restarting
// together does not recheck in lockstep.
func (r *Rechecker) Run(ctx context.Context) error {
	select {
	case <-time.After(hostOffset(r.interval)):
	case <-ctx.Done():
		return nil
	}

	r.recheckAll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.recheckAll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Rechecker) recheckAll(ctx context.Context) {
	for _, key := range r.pool.List(r.service) {
		if key.IsRevoked {
			continue
		}
		res, err := r.prober.Probe(ctx, key)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "key recheck failed",
				slog.String("key_hash", key.Hash),
				slog.String("service", string(r.service)),
				slog.String("error", err.Error()),
			)
			continue
		}

		switch {
		case res.Revoked:
			r.pool.Disable(key.Hash, r.service, proxy.DisableRevoked)
		case res.OverQuota:
			r.pool.Disable(key.Hash, r.service, proxy.DisableQuota)
		default:
			// Credential checks out: lift transient quota flags set during
			// the previous window. Per-family flags are cleared one by one
			// so a still-exhausted family can be re-flagged on next use.
			patch := res.Patch
			now := time.Now()
			patch.LastChecked = &now
			if key.IsOverQuota && !key.IsRevoked {
				f := false
				patch.IsOverQuota = &f
			}
			r.pool.Update(key.Hash, r.service, patch)
			for _, fam := range key.OverQuotaFamilies {
				r.pool.ClearFamilyOverQuota(key.Hash, r.service, fam)
			}
		}
	}
}

// hostOffset derives a stable [0, interval) offset from the hostname to
// decorrelate fleet-wide rechecks.
func hostOffset(interval time.Duration) time.Duration {
	host, err := os.Hostname()
	if err != nil || interval <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(host))
	return time.Duration(h.Sum32()) % interval
}

// HTTPProber revalidates credentials with a lightweight authenticated GET
// against the provider's model-list endpoint.
type HTTPProber struct {
	Client  *http.Client
	BaseURL string
	// BuildRequest constructs the probe request for a key. nil keys the
	// Authorization header with a bearer token.
	BuildRequest func(ctx context.Context, baseURL string, key proxy.Key) (*http.Request, error)
}

// Probe sends the probe request and maps the status to a ProbeResult.
func (hp *HTTPProber) Probe(ctx context.Context, key proxy.Key) (ProbeResult, error) {
	build := hp.BuildRequest
	if build == nil {
		build = bearerProbe
	}
	req, err := build(ctx, hp.BaseURL, key)
	if err != nil {
		return ProbeResult{}, err
	}

	client := hp.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return ProbeResult{}, err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ProbeResult{Revoked: true}, nil
	case resp.StatusCode == http.StatusPaymentRequired:
		return ProbeResult{OverQuota: true}, nil
	default:
		return ProbeResult{}, nil
	}
}

func bearerProbe(ctx context.Context, baseURL string, key proxy.Key) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+key.Secret)
	return req, nil
}
