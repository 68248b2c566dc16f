package signer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
)

func fixedClock() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func testRequest(service proxy.Service, secret string) *proxy.Request {
	return &proxy.Request{
		ID:      "req-1",
		Service: service,
		Model:   "test-model",
		Body:    []byte(`{"model":"test-model","messages":[{"role":"user","content":"hi"}],"stream":false}`),
		Key:     proxy.Key{Hash: "h1", Secret: secret, Service: service},
	}
}

func TestSignBearer(t *testing.T) {
	t.Parallel()

	s := New(WithClock(fixedClock))
	req := testRequest(proxy.ServiceDeepseek, "sk-deep")
	if err := s.Sign(context.Background(), req); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if req.Signed == nil {
		t.Fatal("Signed not set")
	}
	if req.Signed.URL != "https://api.deepseek.com/v1/chat/completions" {
		t.Errorf("url = %q", req.Signed.URL)
	}
	if got := req.Signed.Header.Get("Authorization"); got != "Bearer sk-deep" {
		t.Errorf("Authorization = %q", got)
	}
	if req.Changes.Len() == 0 {
		t.Error("sign not recorded in change log")
	}
}

func TestSignOpenAIOrganization(t *testing.T) {
	t.Parallel()

	s := New()
	req := testRequest(proxy.ServiceOpenAI, "sk-oai")
	req.Key.OrganizationID = "org-7"
	if err := s.Sign(context.Background(), req); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if got := req.Signed.Header.Get("OpenAI-Organization"); got != "org-7" {
		t.Errorf("OpenAI-Organization = %q", got)
	}
}

func TestSignAnthropic(t *testing.T) {
	t.Parallel()

	s := New()
	req := testRequest(proxy.ServiceAnthropic, "sk-ant")
	if err := s.Sign(context.Background(), req); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if req.Signed.URL != "https://api.anthropic.com/v1/messages" {
		t.Errorf("url = %q", req.Signed.URL)
	}
	if got := req.Signed.Header.Get("x-api-key"); got != "sk-ant" {
		t.Errorf("x-api-key = %q", got)
	}
	if req.Signed.Header.Get("anthropic-version") == "" {
		t.Error("anthropic-version missing")
	}
}

func TestSignAnthropicPreambleInjection(t *testing.T) {
	t.Parallel()

	s := New()
	req := testRequest(proxy.ServiceAnthropic, "sk-ant")
	req.Key.RequiresPreamble = true

	if err := s.Sign(context.Background(), req); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if got := gjson.GetBytes(req.Signed.Body, "system").String(); got == "" {
		t.Fatal("preamble not injected for requiresPreamble key")
	}

	// Revert must restore the preprocessed body for a re-enqueue.
	req.Changes.Revert(req)
	if gjson.GetBytes(req.Body, "system").Exists() {
		t.Error("revert did not restore the original body")
	}
	if req.Signed != nil {
		t.Error("revert did not clear Signed")
	}
}

func TestSignGoogleAI(t *testing.T) {
	t.Parallel()

	s := New()
	req := testRequest(proxy.ServiceGoogleAI, "AIza-secret")
	req.Model = "gemini-1.5-pro"
	req.IsStreaming = true

	if err := s.Sign(context.Background(), req); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	u := req.Signed.URL
	if !strings.Contains(u, "models/gemini-1.5-pro:streamGenerateContent") {
		t.Errorf("url = %q", u)
	}
	if !strings.Contains(u, "key=AIza-secret") || !strings.Contains(u, "alt=sse") {
		t.Errorf("url missing key or alt=sse: %q", u)
	}
}

func TestSignAWS(t *testing.T) {
	t.Parallel()

	s := New(WithClock(fixedClock))
	req := testRequest(proxy.ServiceAWS, "AKIAEXAMPLE:secretkey:us-east-1")
	req.Model = "claude-3-5-sonnet-20241022"
	req.Key.ModelIDs = []string{"anthropic.claude-3-5-sonnet-20241022-v2:0"}

	if err := s.Sign(context.Background(), req); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if !strings.HasPrefix(req.Signed.URL, "https://bedrock-runtime.us-east-1.amazonaws.com/model/") {
		t.Errorf("url = %q", req.Signed.URL)
	}
	if !strings.HasSuffix(req.Signed.URL, "/invoke") {
		t.Errorf("url = %q, want /invoke action", req.Signed.URL)
	}
	auth := req.Signed.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256") || !strings.Contains(auth, "AKIAEXAMPLE") {
		t.Errorf("Authorization = %q", auth)
	}

	body := gjson.ParseBytes(req.Signed.Body)
	if body.Get("model").Exists() || body.Get("stream").Exists() {
		t.Errorf("model/stream not stripped from bedrock body: %s", req.Signed.Body)
	}
	if body.Get("anthropic_version").String() != bedrockAnthropicVersion {
		t.Errorf("anthropic_version = %q", body.Get("anthropic_version").String())
	}
}

func TestSignAWSBadSecret(t *testing.T) {
	t.Parallel()

	s := New()
	req := testRequest(proxy.ServiceAWS, "missing-parts")
	if err := s.Sign(context.Background(), req); err == nil {
		t.Fatal("malformed AWS secret accepted")
	}
}

func TestSignAzure(t *testing.T) {
	t.Parallel()

	s := New()
	req := testRequest(proxy.ServiceAzure, "myresource:gpt4o-prod:azkey123")
	if err := s.Sign(context.Background(), req); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	want := "https://myresource.openai.azure.com/openai/deployments/gpt4o-prod/chat/completions?api-version=" + azureAPIVersion
	if req.Signed.URL != want {
		t.Errorf("url = %q\nwant  %q", req.Signed.URL, want)
	}
	if got := req.Signed.Header.Get("api-key"); got != "azkey123" {
		t.Errorf("api-key = %q", got)
	}
	if gjson.GetBytes(req.Signed.Body, "model").Exists() {
		t.Error("model not stripped from azure body")
	}
}
