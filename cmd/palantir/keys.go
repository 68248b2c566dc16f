package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/models"
	"github.com/eugener/palantir/internal/signer"
	"github.com/eugener/palantir/internal/worker"
)

// seedPool registers every configured credential, granting each key all
// families its service can serve. Recheckers narrow the grant later.
func seedPool(pool *keypool.Pool, cfg *config.Config) {
	for svc, secrets := range cfg.Keys {
		for _, secret := range secrets {
			key, err := buildKey(svc, secret)
			if err != nil {
				slog.Warn("credential skipped", "service", svc, "error", err)
				continue
			}
			pool.Add(key)
		}
		slog.Info("credentials configured", "service", svc, "count", len(secrets))
	}
}

// buildKey constructs a pool entry from one credential secret. Cloud
// services pack structured credentials into the secret string.
func buildKey(svc proxy.Service, secret string) (proxy.Key, error) {
	key := proxy.Key{
		Secret:              secret,
		Service:             svc,
		ModelFamilies:       models.Families(svc),
		AllowsMultimodality: true,
	}

	switch svc {
	case proxy.ServiceGCP:
		// "project:region:{service account JSON}"
		parts := strings.SplitN(secret, ":", 3)
		if len(parts) != 3 {
			return proxy.Key{}, fmt.Errorf("GCP credential must be project:region:json")
		}
		key.ProjectID = parts[0]
		key.Region = parts[1]
		key.CredentialsJSON = parts[2]
	case proxy.ServiceAWS:
		// "keyID:secret:region" is validated at signing time; mark the
		// logging posture unknown until the rechecker confirms it.
		if strings.Count(secret, ":") < 2 {
			return proxy.Key{}, fmt.Errorf("AWS credential must be keyID:secret:region")
		}
		key.AWSLoggingStatus = "unknown"
	}
	return key, nil
}

// recheckers builds one background revalidation worker per probeable
// service that has keys. The cloud services (AWS, GCP, Azure) have no cheap
// authenticated probe endpoint and are skipped.
func recheckers(pool *keypool.Pool, cfg *config.Config) []worker.Worker {
	var out []worker.Worker
	for svc, secrets := range cfg.Keys {
		if len(secrets) == 0 {
			continue
		}
		prober, ok := proberFor(svc)
		if !ok {
			continue
		}
		out = append(out, keypool.NewRechecker(pool, svc, 0, prober))
	}
	return out
}

// proberFor returns the credential probe for a service, keyed to how the
// service authenticates its model-list endpoint.
func proberFor(svc proxy.Service) (keypool.Prober, bool) {
	base, ok := signer.DefaultBaseURL(svc)
	if !ok {
		return nil, false
	}
	hp := &keypool.HTTPProber{BaseURL: base}
	switch svc {
	case proxy.ServiceAnthropic:
		hp.BuildRequest = func(ctx context.Context, baseURL string, key proxy.Key) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("x-api-key", key.Secret)
			req.Header.Set("anthropic-version", "2023-06-01")
			return req, nil
		}
	case proxy.ServiceGoogleAI:
		hp.BuildRequest = func(ctx context.Context, baseURL string, key proxy.Key) (*http.Request, error) {
			u := baseURL + "/v1beta/models?key=" + url.QueryEscape(key.Secret)
			return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		}
	default:
		hp.BuildRequest = func(ctx context.Context, baseURL string, key proxy.Key) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+key.Secret)
			return req, nil
		}
	}
	return hp, true
}
