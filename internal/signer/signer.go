// Package signer finalizes dispatched requests into the exact upstream
// call: URL, auth headers, and per-service body rewrites. Body mutations
// are recorded in the request's change log so a re-enqueue can revert them.
package signer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	proxy "github.com/eugener/palantir/internal"
)

// Default protocol versions sent upstream.
const (
	anthropicVersion        = "2023-06-01"
	bedrockAnthropicVersion = "bedrock-2023-05-31"
	vertexAnthropicVersion  = "vertex-2023-10-16"
	azureAPIVersion         = "2024-10-21"
)

// baseURLs maps each directly-keyed service to its API origin. AWS, GCP,
// and Azure build their URLs from key material instead.
var baseURLs = map[proxy.Service]string{
	proxy.ServiceOpenAI:    "https://api.openai.com",
	proxy.ServiceAnthropic: "https://api.anthropic.com",
	proxy.ServiceGoogleAI:  "https://generativelanguage.googleapis.com",
	proxy.ServiceMistral:   "https://api.mistral.ai",
	proxy.ServiceDeepseek:  "https://api.deepseek.com",
	proxy.ServiceXAI:       "https://api.x.ai",
	proxy.ServiceCohere:    "https://api.cohere.ai/compatibility",
	proxy.ServiceQwen:      "https://dashscope-intl.aliyuncs.com/compatible-mode",
	proxy.ServiceMoonshot:  "https://api.moonshot.ai",
}

// Signer turns a dispatched request plus its key into a SignedRequest.
type Signer struct {
	now func() time.Time

	overrides map[proxy.Service]string

	gcp *gcpTokenCache
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock overrides the signing timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// WithBaseURL points a service at a different API origin (proxies, tests).
func WithBaseURL(service proxy.Service, base string) Option {
	return func(s *Signer) { s.overrides[service] = base }
}

// New returns a Signer.
func New(opts ...Option) *Signer {
	s := &Signer{
		now:       time.Now,
		overrides: make(map[proxy.Service]string),
		gcp:       newGCPTokenCache(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DefaultBaseURL returns the canonical API origin for a directly-keyed
// service. AWS, GCP, and Azure have none.
func DefaultBaseURL(service proxy.Service) (string, bool) {
	base, ok := baseURLs[service]
	return base, ok
}

// baseURL resolves the API origin for a directly-keyed service.
func (s *Signer) baseURL(service proxy.Service) (string, bool) {
	if base, ok := s.overrides[service]; ok {
		return base, true
	}
	base, ok := baseURLs[service]
	return base, ok
}

// Sign fills req.Signed for the current attempt. Body rewrites are
// snapshotted into req.Changes first so Revert restores the preprocessed
// body.
func (s *Signer) Sign(ctx context.Context, req *proxy.Request) error {
	var (
		signed *proxy.SignedRequest
		err    error
	)
	switch req.Service {
	case proxy.ServiceAnthropic:
		signed, err = s.signAnthropic(req)
	case proxy.ServiceGoogleAI:
		signed, err = s.signGoogleAI(req)
	case proxy.ServiceAWS:
		signed, err = s.signAWS(ctx, req)
	case proxy.ServiceGCP:
		signed, err = s.signGCP(ctx, req)
	case proxy.ServiceAzure:
		signed, err = s.signAzure(req)
	default:
		signed, err = s.signBearer(req)
	}
	if err != nil {
		return err
	}
	req.Signed = signed
	req.Changes.RecordSign()
	return nil
}

// SignEndpoint finalizes a bearer-auth call to an arbitrary API path on a
// directly-keyed service. Used for the embeddings passthrough.
func (s *Signer) SignEndpoint(req *proxy.Request, endpoint string) error {
	signed, err := s.signBearer(req)
	if err != nil {
		return err
	}
	base, _ := s.baseURL(req.Service)
	signed.URL = base + endpoint
	req.Signed = signed
	req.Changes.RecordSign()
	return nil
}

// signBearer covers every OpenAI-dialect service keyed by a plain bearer
// token.
func (s *Signer) signBearer(req *proxy.Request) (*proxy.SignedRequest, error) {
	base, ok := s.baseURL(req.Service)
	if !ok {
		return nil, fmt.Errorf("signer: no base URL for service %s", req.Service)
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+req.Key.Secret)
	if req.Service == proxy.ServiceOpenAI && req.Key.OrganizationID != "" {
		h.Set("OpenAI-Organization", req.Key.OrganizationID)
	}
	return &proxy.SignedRequest{
		Method: http.MethodPost,
		URL:    base + "/v1/chat/completions",
		Header: h,
		Body:   req.Body,
	}, nil
}

func (s *Signer) signAnthropic(req *proxy.Request) (*proxy.SignedRequest, error) {
	body := req.Body
	if req.Key.RequiresPreamble {
		if sys := gjson.GetBytes(body, "system"); !sys.Exists() || sys.String() == "" {
			req.Changes.RecordBody(body)
			var err error
			body, err = sjson.SetBytes(body, "system", "You are a helpful assistant.")
			if err != nil {
				return nil, fmt.Errorf("signer: inject preamble: %w", err)
			}
			req.Body = body
		}
	}

	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("x-api-key", req.Key.Secret)
	h.Set("anthropic-version", anthropicVersion)
	base, _ := s.baseURL(proxy.ServiceAnthropic)
	return &proxy.SignedRequest{
		Method: http.MethodPost,
		URL:    base + "/v1/messages",
		Header: h,
		Body:   body,
	}, nil
}

// signGoogleAI authenticates with a key query parameter; the model and
// action travel in the path.
func (s *Signer) signGoogleAI(req *proxy.Request) (*proxy.SignedRequest, error) {
	action := "generateContent"
	if req.IsStreaming {
		action = "streamGenerateContent"
	}
	base, _ := s.baseURL(proxy.ServiceGoogleAI)
	u := fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s",
		base, url.PathEscape(req.Model), action,
		url.QueryEscape(req.Key.Secret))
	if req.IsStreaming {
		u += "&alt=sse"
	}

	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &proxy.SignedRequest{
		Method: http.MethodPost,
		URL:    u,
		Header: h,
		Body:   req.Body,
	}, nil
}
