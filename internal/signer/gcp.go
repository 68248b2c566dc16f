package signer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	proxy "github.com/eugener/palantir/internal"
)

const vertexScope = "https://www.googleapis.com/auth/cloud-platform"

// gcpTokenCache holds one auto-refreshing token source per key hash so the
// service-account exchange happens once, not per request.
type gcpTokenCache struct {
	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

func newGCPTokenCache() *gcpTokenCache {
	return &gcpTokenCache{sources: make(map[string]oauth2.TokenSource)}
}

func (c *gcpTokenCache) token(ctx context.Context, keyHash, credentialsJSON string) (string, error) {
	c.mu.Lock()
	ts, ok := c.sources[keyHash]
	if !ok {
		creds, err := google.CredentialsFromJSON(ctx, []byte(credentialsJSON), vertexScope)
		if err != nil {
			c.mu.Unlock()
			return "", fmt.Errorf("signer: parse GCP credentials: %w", err)
		}
		ts = oauth2.ReuseTokenSource(nil, creds.TokenSource)
		c.sources[keyHash] = ts
	}
	c.mu.Unlock()

	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("signer: obtain GCP token: %w", err)
	}
	return tok.AccessToken, nil
}

// signGCP builds a Vertex AI rawPredict call for Anthropic models. The
// access token comes from the key's service-account credentials.
func (s *Signer) signGCP(ctx context.Context, req *proxy.Request) (*proxy.SignedRequest, error) {
	if req.Key.ProjectID == "" || req.Key.Region == "" {
		return nil, fmt.Errorf("signer: GCP key %s missing project or region", req.Key.Hash)
	}

	token, err := s.gcp.token(ctx, req.Key.Hash, req.Key.CredentialsJSON)
	if err != nil {
		return nil, err
	}

	req.Changes.RecordBody(req.Body)
	body, err := sjson.SetBytes(req.Body, "anthropic_version", vertexAnthropicVersion)
	if err != nil {
		return nil, fmt.Errorf("signer: vertex body: %w", err)
	}
	// The model travels in the URL on Vertex.
	body, _ = sjson.DeleteBytes(body, "model")
	req.Body = body

	action := "rawPredict"
	if req.IsStreaming {
		action = "streamRawPredict"
	}
	u := fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/anthropic/models/%s:%s",
		req.Key.Region, url.PathEscape(req.Key.ProjectID), req.Key.Region,
		url.PathEscape(req.Model), action)

	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+token)
	return &proxy.SignedRequest{
		Method: http.MethodPost,
		URL:    u,
		Header: h,
		Body:   body,
	}, nil
}
