package models

import (
	"math"
	"slices"
	"strings"
	"testing"

	proxy "github.com/eugener/palantir/internal"
)

func TestResolve(t *testing.T) {
	t.Parallel()
	tests := []struct {
		model   string
		family  proxy.ModelFamily
		service proxy.Service
	}{
		{"claude-3-opus-20240229", "claude-opus", proxy.ServiceAnthropic},
		{"claude-opus-4-20250514", "claude-opus", proxy.ServiceAnthropic},
		{"claude-3-5-sonnet-20241022", "claude", proxy.ServiceAnthropic},
		{"claude-3-5-sonnet-latest", "claude", proxy.ServiceAnthropic},
		{"claude-3.5-sonnet", "claude", proxy.ServiceAnthropic},
		{"gpt-4o-mini", "gpt4o", proxy.ServiceOpenAI},
		{"gpt-4-turbo-2024-04-09", "gpt4-turbo", proxy.ServiceOpenAI},
		{"gpt-4", "gpt4", proxy.ServiceOpenAI},
		{"gpt-4-32k", "gpt4", proxy.ServiceOpenAI},
		{"gpt-3.5-turbo", "turbo", proxy.ServiceOpenAI},
		{"o1-mini", "o1", proxy.ServiceOpenAI},
		{"text-embedding-3-small", "turbo", proxy.ServiceOpenAI},
		{"models/gemini-1.5-pro", "gemini-pro", proxy.ServiceGoogleAI},
		{"gemini-2.0-flash", "gemini-flash", proxy.ServiceGoogleAI},
		{"open-mixtral-8x22b", "mistral", proxy.ServiceMistral},
		{"codestral-latest", "mistral", proxy.ServiceMistral},
		{"deepseek-reasoner", "deepseek", proxy.ServiceDeepseek},
		{"grok-2-latest", "grok", proxy.ServiceXAI},
		{"command-r-plus", "command", proxy.ServiceCohere},
		{"qwq-32b", "qwen", proxy.ServiceQwen},
		{"kimi-latest", "kimi", proxy.ServiceMoonshot},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			t.Parallel()
			family, service, ok := Resolve(tt.model)
			if !ok {
				t.Fatalf("Resolve(%q) did not match", tt.model)
			}
			if family != tt.family || service != tt.service {
				t.Errorf("Resolve(%q) = (%s, %s), want (%s, %s)",
					tt.model, family, service, tt.family, tt.service)
			}
		})
	}
}

func TestResolveUnknown(t *testing.T) {
	t.Parallel()
	if _, _, ok := Resolve("llama-3-70b"); ok {
		t.Error("unexpected match for out-of-catalog model")
	}
}

func TestResolveForServiceRejectsCrossService(t *testing.T) {
	t.Parallel()
	tests := []struct {
		model   string
		service proxy.Service
		ok      bool
	}{
		{"gpt-4o", proxy.ServiceOpenAI, true},
		{"gpt-4o", proxy.ServiceAnthropic, false},
		{"claude-3-5-sonnet-latest", proxy.ServiceOpenAI, false},
		{"claude-3-5-sonnet-latest", proxy.ServiceAWS, true},
		{"claude-3-5-sonnet-latest", proxy.ServiceGCP, true},
		{"gpt-4o", proxy.ServiceAzure, true},
		{"claude-3-5-sonnet-latest", proxy.ServiceAzure, false},
		{"deepseek-chat", proxy.ServiceXAI, false},
	}
	for _, tt := range tests {
		_, ok := ResolveForService(tt.model, tt.service)
		if ok != tt.ok {
			t.Errorf("ResolveForService(%q, %s) ok = %v, want %v",
				tt.model, tt.service, ok, tt.ok)
		}
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"models/gemini-1.5-pro", "gemini-1.5-pro"},
		{"gemini-pro", "gemini-1.5-pro"},
		{"claude-3-5-sonnet-latest", "claude-3-5-sonnet-20241022"},
		{"claude-3.5-sonnet", "claude-3-5-sonnet-20241022"},
		{"claude-3.5-sonnet-latest", "claude-3-5-sonnet-20241022"},
		{"gpt-4o", "gpt-4o"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFamiliesFronting(t *testing.T) {
	t.Parallel()

	aws := Families(proxy.ServiceAWS)
	if !slices.Contains(aws, proxy.ModelFamily("claude")) {
		t.Errorf("aws families = %v, want claude fronted", aws)
	}
	if slices.Contains(aws, proxy.ModelFamily("gpt4o")) {
		t.Errorf("aws families = %v, must not serve openai models", aws)
	}

	azure := Families(proxy.ServiceAzure)
	if !slices.Contains(azure, proxy.ModelFamily("gpt4o")) {
		t.Errorf("azure families = %v, want gpt4o fronted", azure)
	}
	if slices.Contains(azure, proxy.ModelFamily("claude")) {
		t.Errorf("azure families = %v, must not serve anthropic models", azure)
	}
}

func TestCatalogFronting(t *testing.T) {
	t.Parallel()
	gcp := Catalog(proxy.ServiceGCP)
	var claude bool
	for _, id := range gcp {
		if strings.HasPrefix(id, "claude") {
			claude = true
		}
		if strings.HasPrefix(id, "gpt") {
			t.Errorf("gcp catalog lists %q", id)
		}
	}
	if !claude {
		t.Error("gcp catalog fronts no claude models")
	}
}

func TestContextWindowAndOutputCap(t *testing.T) {
	t.Parallel()
	tests := []struct {
		model  string
		window int
		cap    int
	}{
		{"claude-3-5-sonnet-latest", 200_000, 8192},
		{"claude-2.1", 200_000, 4096},
		{"gpt-4o", 128_000, 16_384},
		{"gpt-4", 8192, 4096},
		{"gemini-1.5-pro", 2_000_000, 8192},
		{"totally-unknown", 16_384, 4096},
	}
	for _, tt := range tests {
		if got := ContextWindow(tt.model); got != tt.window {
			t.Errorf("ContextWindow(%q) = %d, want %d", tt.model, got, tt.window)
		}
		if got := OutputCap(tt.model); got != tt.cap {
			t.Errorf("OutputCap(%q) = %d, want %d", tt.model, got, tt.cap)
		}
	}
}

func TestUsageCost(t *testing.T) {
	t.Parallel()
	// claude: $3/M input, $15/M output.
	got := UsageCost("claude", 1_000_000, 2_000_000)
	if math.Abs(got-33.0) > 1e-9 {
		t.Errorf("UsageCost = %f, want 33.0", got)
	}
	if got := UsageCost("no-such-family", 1_000_000, 1_000_000); got != 0 {
		t.Errorf("unknown family cost = %f, want 0", got)
	}
}
