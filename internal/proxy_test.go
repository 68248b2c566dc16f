package proxy

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestHashKey(t *testing.T) {
	t.Parallel()

	got := HashKey(ServiceOpenAI, "sk-secret")
	if !strings.HasPrefix(got, "openai-") {
		t.Errorf("HashKey = %q, want service prefix", got)
	}
	if len(got) != len("openai-")+16 {
		t.Errorf("HashKey len = %d, want 8-byte hex suffix", len(got))
	}
	if strings.Contains(got, "sk-secret") {
		t.Error("hash leaks the secret")
	}

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()
		if HashKey(ServiceOpenAI, "k") != HashKey(ServiceOpenAI, "k") {
			t.Error("HashKey is not deterministic")
		}
	})

	t.Run("service scoping", func(t *testing.T) {
		t.Parallel()
		if HashKey(ServiceOpenAI, "k") == HashKey(ServiceAnthropic, "k") {
			t.Error("same secret hashes identically across services")
		}
	})
}

func TestNativeDialect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		service Service
		want    Dialect
	}{
		{ServiceOpenAI, DialectOpenAI},
		{ServiceAnthropic, DialectAnthropic},
		{ServiceAWS, DialectAnthropic},
		{ServiceGCP, DialectAnthropic},
		{ServiceGoogleAI, DialectGoogleAI},
		{ServiceMistral, DialectMistral},
		{ServiceAzure, DialectOpenAI},
		{ServiceMoonshot, DialectOpenAI},
	}
	for _, tt := range tests {
		if got := NativeDialect(tt.service); got != tt.want {
			t.Errorf("NativeDialect(%s) = %s, want %s", tt.service, got, tt.want)
		}
	}
}

func TestServiceValid(t *testing.T) {
	t.Parallel()

	for _, svc := range AllServices {
		if !svc.Valid() {
			t.Errorf("%s not valid", svc)
		}
	}
	if Service("ollama").Valid() {
		t.Error("unknown service reported valid")
	}
}

func TestKeyClone(t *testing.T) {
	t.Parallel()

	k := Key{
		Hash:          "openai-abc",
		Secret:        "sk-1",
		Service:       ServiceOpenAI,
		ModelFamilies: []ModelFamily{"gpt4o", "turbo"},
		TokenUsage:    map[ModelFamily]TokenUsage{"gpt4o": {Input: 10, Output: 2}},
		ModelIDs:      []string{"gpt-4o"},
	}
	c := k.Clone()

	c.ModelFamilies[0] = "mutated"
	c.ModelIDs[0] = "mutated"
	c.TokenUsage["gpt4o"] = TokenUsage{Input: 999}

	if k.ModelFamilies[0] != "gpt4o" || k.ModelIDs[0] != "gpt-4o" {
		t.Error("Clone shares slice backing with original")
	}
	if k.TokenUsage["gpt4o"].Input != 10 {
		t.Error("Clone shares usage map with original")
	}
}

func TestKeySecretNotSerialized(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(Key{Secret: "sk-very-secret", CredentialsJSON: `{"k":"v"}`})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "sk-very-secret") {
		t.Error("secret escaped into JSON")
	}
	if strings.Contains(string(b), `{"k":"v"}`) {
		t.Error("service-account credentials escaped into JSON")
	}
}

func TestKeyFamilyHelpers(t *testing.T) {
	t.Parallel()

	k := Key{
		ModelFamilies:     []ModelFamily{"claude", "claude-opus"},
		OverQuotaFamilies: []ModelFamily{"claude-opus"},
	}
	if !k.HasFamily("claude") || k.HasFamily("gpt4o") {
		t.Error("HasFamily mismatch")
	}
	if !k.FamilyOverQuota("claude-opus") || k.FamilyOverQuota("claude") {
		t.Error("FamilyOverQuota mismatch")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	err := NewError(ErrTypeUpstreamRateLimited, 429, "slow down")
	if got := err.Error(); got != "upstream_rate_limited: slow down" {
		t.Errorf("Error() = %q", got)
	}
	if err.HTTPStatus() != 429 {
		t.Errorf("HTTPStatus = %d", err.HTTPStatus())
	}

	var pe *Error
	wrapped := errors.Join(errors.New("outer"), err)
	if !errors.As(wrapped, &pe) || pe.Type != ErrTypeUpstreamRateLimited {
		t.Error("typed error lost through wrapping")
	}
}

func TestUpstreamErrorTruncates(t *testing.T) {
	t.Parallel()

	e := &UpstreamError{
		Service:    ServiceAnthropic,
		StatusCode: 529,
		Body:       strings.Repeat("x", 4096),
	}
	msg := e.Error()
	if len(msg) > 200 {
		t.Errorf("error string len = %d, body not truncated", len(msg))
	}
	if !strings.Contains(msg, "529") {
		t.Errorf("error string %q missing status", msg)
	}
}
