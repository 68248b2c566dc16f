package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":7860" {
		t.Errorf("addr = %q, want :7860", cfg.Addr)
	}
	if cfg.Env != "production" {
		t.Errorf("env = %q, want production", cfg.Env)
	}
	if !cfg.OpenAuth {
		t.Error("no proxy key and no DSN should mean open auth")
	}
	if cfg.WriteTimeout < time.Minute {
		t.Errorf("write timeout %v too short for streaming", cfg.WriteTimeout)
	}
	if !cfg.Metrics {
		t.Error("metrics should default on")
	}
}

func TestFromEnvFull(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("NODE_ENV", "development")
	t.Setenv("PROXY_KEY", "hunter2")
	t.Setenv("DATABASE_DSN", "palantir.db")
	t.Setenv("CHECK_KEYS", "true")
	t.Setenv("MAX_CONTEXT_TOKENS_OPENAI", "32768")
	t.Setenv("MAX_CONTEXT_TOKENS_ANTHROPIC", "100000")
	t.Setenv("ALLOWED_MODEL_FAMILIES", "gpt-4o, claude")
	t.Setenv("OPENAI_KEY", "sk-a,sk-b")
	t.Setenv("GOOGLE_AI_KEY", "AIza-x")
	t.Setenv("AWS_CREDENTIALS", "AKIA:secret:us-east-1")
	t.Setenv("TRACING_ENABLED", "1")
	t.Setenv("TRACING_SAMPLE_RATE", "0.25")
	t.Setenv("GEOBLOCK_ENABLED", "1")
	t.Setenv("GEOBLOCK_ALLOWED_COUNTRIES", "XX,YY")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Addr)
	}
	if cfg.OpenAuth {
		t.Error("proxy key set: auth should not be open")
	}
	if !cfg.CheckKeys {
		t.Error("CHECK_KEYS not picked up")
	}
	if cfg.MaxContextTokensOpenAI != 32768 || cfg.MaxContextTokensAnthropic != 100000 {
		t.Errorf("context caps = %d/%d", cfg.MaxContextTokensOpenAI, cfg.MaxContextTokensAnthropic)
	}
	if !slices.Equal(cfg.AllowedModelFamilies, []string{"gpt-4o", "claude"}) {
		t.Errorf("allowed families = %v", cfg.AllowedModelFamilies)
	}
	if !slices.Equal(cfg.Keys[proxy.ServiceOpenAI], []string{"sk-a", "sk-b"}) {
		t.Errorf("openai keys = %v", cfg.Keys[proxy.ServiceOpenAI])
	}
	if !slices.Equal(cfg.Keys[proxy.ServiceGoogleAI], []string{"AIza-x"}) {
		t.Errorf("google keys = %v", cfg.Keys[proxy.ServiceGoogleAI])
	}
	if !slices.Equal(cfg.Keys[proxy.ServiceAWS], []string{"AKIA:secret:us-east-1"}) {
		t.Errorf("aws credentials = %v", cfg.Keys[proxy.ServiceAWS])
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.SampleRate != 0.25 {
		t.Errorf("tracing = %+v", cfg.Tracing)
	}
	if !cfg.Geoblock.Enabled {
		t.Error("GEOBLOCK_ENABLED not picked up")
	}
	if !slices.Equal(cfg.Geoblock.AllowedCountries, []string{"XX", "YY"}) {
		t.Errorf("geoblock allowlist = %v", cfg.Geoblock.AllowedCountries)
	}
}

func TestFromEnvBadInt(t *testing.T) {
	t.Setenv("MAX_CONTEXT_TOKENS_OPENAI", "lots")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for non-numeric context cap")
	}
}

func TestKeyEnvName(t *testing.T) {
	t.Parallel()
	cases := []struct {
		svc  proxy.Service
		want string
	}{
		{proxy.ServiceOpenAI, "OPENAI_KEY"},
		{proxy.ServiceGoogleAI, "GOOGLE_AI_KEY"},
		{proxy.ServiceMistral, "MISTRAL_AI_KEY"},
		{proxy.ServiceAWS, "AWS_CREDENTIALS"},
		{proxy.ServiceGCP, "GCP_CREDENTIALS"},
		{proxy.ServiceAzure, "AZURE_CREDENTIALS"},
		{proxy.ServiceMoonshot, "MOONSHOT_KEY"},
	}
	for _, tc := range cases {
		if got := keyEnvName(tc.svc); got != tc.want {
			t.Errorf("keyEnvName(%s) = %q, want %q", tc.svc, got, tc.want)
		}
	}
}

func TestLoadKeyFile(t *testing.T) {
	t.Setenv("SECRET_COHERE_KEY", "co-from-env")
	t.Setenv("OPENAI_KEY", "sk-env")

	yaml := `
keys:
  openai:
    - sk-file-1
    - sk-file-2
  cohere:
    - ${SECRET_COHERE_KEY}
`
	path := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KEY_FILE", path)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	// Env keys come first, file keys append.
	if !slices.Equal(cfg.Keys[proxy.ServiceOpenAI], []string{"sk-env", "sk-file-1", "sk-file-2"}) {
		t.Errorf("openai keys = %v", cfg.Keys[proxy.ServiceOpenAI])
	}
	if !slices.Equal(cfg.Keys[proxy.ServiceCohere], []string{"co-from-env"}) {
		t.Errorf("cohere keys = %v", cfg.Keys[proxy.ServiceCohere])
	}
}

func TestLoadKeyFileUnknownService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(path, []byte("keys:\n  skynet:\n    - k1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KEY_FILE", path)

	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for unknown service in key file")
	}
}
