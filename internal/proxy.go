// Package proxy defines domain types and interfaces for the Palantir LLM
// reverse proxy. This package has no project imports -- it is the dependency
// root.
package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"
)

// --- Services and dialects ---

// Service identifies one upstream LLM provider API.
type Service string

const (
	ServiceOpenAI    Service = "openai"
	ServiceAnthropic Service = "anthropic"
	ServiceGoogleAI  Service = "google-ai"
	ServiceMistral   Service = "mistral-ai"
	ServiceAWS       Service = "aws"
	ServiceGCP       Service = "gcp"
	ServiceAzure     Service = "azure"
	ServiceDeepseek  Service = "deepseek"
	ServiceXAI       Service = "xai"
	ServiceCohere    Service = "cohere"
	ServiceQwen      Service = "qwen"
	ServiceMoonshot  Service = "moonshot"
)

// AllServices lists every supported service in registration order.
var AllServices = []Service{
	ServiceOpenAI, ServiceAnthropic, ServiceGoogleAI, ServiceMistral,
	ServiceAWS, ServiceGCP, ServiceAzure, ServiceDeepseek,
	ServiceXAI, ServiceCohere, ServiceQwen, ServiceMoonshot,
}

// Valid reports whether s is a known service tag.
func (s Service) Valid() bool { return slices.Contains(AllServices, s) }

// Dialect identifies a concrete wire schema (request body, response body,
// SSE events) of one provider family's completion endpoint.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
	DialectGoogleAI  Dialect = "google-ai"
	DialectMistral   Dialect = "mistral-ai"
)

// NativeDialect returns the wire dialect the service's upstream API speaks.
func NativeDialect(s Service) Dialect {
	switch s {
	case ServiceAnthropic, ServiceAWS, ServiceGCP:
		return DialectAnthropic
	case ServiceGoogleAI:
		return DialectGoogleAI
	case ServiceMistral:
		return DialectMistral
	default:
		// OpenAI plus the OpenAI-compatible vendors (Azure, Deepseek, xAI,
		// Cohere, Qwen, Moonshot).
		return DialectOpenAI
	}
}

// ModelFamily is a coarse grouping of models sharing billing and rate-limit
// characteristics (e.g. "gpt4o", "claude-opus", "gemini-pro").
type ModelFamily string

// --- Key records ---

// TokenUsage is the per-family token counters credited to a key.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Key is one authenticated credential with an upstream provider. The pool
// owns the canonical record; callers only ever see value copies.
type Key struct {
	// Hash is the opaque external handle, derived from the secret.
	Hash string `json:"hash"`
	// Secret is the raw credential. Never serialized.
	Secret string `json:"-"`

	Service       Service       `json:"service"`
	ModelFamilies []ModelFamily `json:"model_families"`

	IsDisabled  bool `json:"is_disabled"`
	IsRevoked   bool `json:"is_revoked"`
	IsOverQuota bool `json:"is_over_quota"`

	PromptCount int64     `json:"prompt_count"`
	LastUsed    time.Time `json:"last_used"`
	LastChecked time.Time `json:"last_checked"`

	RateLimitedAt    time.Time `json:"rate_limited_at"`
	RateLimitedUntil time.Time `json:"rate_limited_until"`

	TokenUsage map[ModelFamily]TokenUsage `json:"token_usage"`

	// OpenAI-specific.
	IsTrial        bool   `json:"is_trial,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`

	// Anthropic-specific.
	Tier                string `json:"tier,omitempty"`
	IsPozzed            bool   `json:"is_pozzed,omitempty"`
	RequiresPreamble    bool   `json:"requires_preamble,omitempty"`
	AllowsMultimodality bool   `json:"allows_multimodality,omitempty"`

	// AWS and Google AI: fine-grained model IDs this key may invoke.
	// Empty means unrestricted within ModelFamilies.
	ModelIDs []string `json:"model_ids,omitempty"`
	// AWSLoggingStatus is "disabled", "enabled", or "unknown" for Bedrock keys.
	AWSLoggingStatus string `json:"aws_logging_status,omitempty"`
	// OverQuotaFamilies lists families quota-exhausted on this key only
	// (Google AI bills quota per family, not per key).
	OverQuotaFamilies []ModelFamily `json:"over_quota_families,omitempty"`

	// GCP Vertex.
	Region    string `json:"region,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	// CredentialsJSON is the service-account key for GCP token exchange.
	CredentialsJSON string `json:"-"`
}

// HasFamily reports whether the key still owns the given model family.
func (k *Key) HasFamily(f ModelFamily) bool {
	return slices.Contains(k.ModelFamilies, f)
}

// FamilyOverQuota reports whether the given family is quota-exhausted on this key.
func (k *Key) FamilyOverQuota(f ModelFamily) bool {
	return slices.Contains(k.OverQuotaFamilies, f)
}

// Clone returns a deep value copy of the key. The pool hands clones to
// callers so registry records are never aliased outside the pool lock.
func (k *Key) Clone() Key {
	c := *k
	c.ModelFamilies = slices.Clone(k.ModelFamilies)
	c.ModelIDs = slices.Clone(k.ModelIDs)
	c.OverQuotaFamilies = slices.Clone(k.OverQuotaFamilies)
	if k.TokenUsage != nil {
		c.TokenUsage = make(map[ModelFamily]TokenUsage, len(k.TokenUsage))
		for f, u := range k.TokenUsage {
			c.TokenUsage[f] = u
		}
	}
	return c
}

// HashKey derives the opaque external handle for a credential secret.
// The handle is service-prefixed so operators can tell pools apart in logs
// without ever seeing the secret.
func HashKey(service Service, secret string) string {
	h := sha256.Sum256([]byte(secret))
	return string(service) + "-" + hex.EncodeToString(h[:8])
}

// DisableReason explains why a key left rotation.
type DisableReason string

const (
	DisableQuota   DisableReason = "quota"
	DisableRevoked DisableReason = "revoked"
)

// --- Tunables ---

const (
	// KeyReuseDelay is the forced jitter applied on every Get so the
	// dispatcher cannot flood one key before the in-flight request's fate
	// is known.
	KeyReuseDelay = 500 * time.Millisecond

	// RateLimitLockout is the default lockout window applied by
	// MarkRateLimited. Services may override it.
	RateLimitLockout = 2 * time.Second

	// MaxRetries bounds how many times a request may be re-enqueued after
	// a retryable upstream failure.
	MaxRetries = 3

	// ImageTokenEstimate is the fixed prompt-token cost charged per image
	// part in multimodal inputs.
	ImageTokenEstimate = 1200
)
