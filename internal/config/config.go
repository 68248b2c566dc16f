// Package config builds the proxy configuration from the environment, with
// an optional YAML key file for bulk credential loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	proxy "github.com/eugener/palantir/internal"
)

// Config is the top-level proxy configuration.
type Config struct {
	Addr            string
	Env             string // "production" or "development"
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	DatabaseDSN string // empty = no persistence (no user tokens, no usage records)

	ProxyKey string // shared access credential; empty disables shared-key auth
	OpenAuth bool   // true = no gatekeeping at all

	CheckKeys       bool // run background key recheckers
	AllowAWSLogging bool // use Bedrock keys whose prompt logging is enabled

	MaxContextTokensOpenAI    int
	MaxContextTokensAnthropic int

	// AllowedModelFamilies restricts service; empty = all families.
	AllowedModelFamilies []string

	// Keys holds credential secrets per service, from <SERVICE>_KEY env vars
	// merged with the optional KEY_FILE.
	Keys map[proxy.Service][]string

	Metrics bool
	Tracing TracingConfig

	// Geoblock is parsed for the ingress collaborator; the proxy core does
	// not act on it.
	Geoblock GeoblockConfig
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool
	Endpoint   string  // OTLP gRPC endpoint
	SampleRate float64 // 0.0 to 1.0
}

// GeoblockConfig holds country-level ingress filter settings.
type GeoblockConfig struct {
	Enabled          bool
	AllowedCountries []string // ISO 3166-1 alpha-2 codes
	Message          string
}

// FromEnv reads the environment and returns the resulting Config.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Addr:            ":" + envOr("PORT", "7860"),
		Env:             envOr("NODE_ENV", "production"),
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    10 * time.Minute, // streams are long-lived
		ShutdownTimeout: 30 * time.Second,

		DatabaseDSN: os.Getenv("DATABASE_DSN"),
		ProxyKey:    os.Getenv("PROXY_KEY"),

		CheckKeys:       envBool("CHECK_KEYS"),
		AllowAWSLogging: envBool("ALLOW_AWS_LOGGING"),
		Metrics:         !envBool("DISABLE_METRICS"),

		Keys: map[proxy.Service][]string{},
	}
	cfg.OpenAuth = cfg.ProxyKey == "" && cfg.DatabaseDSN == ""

	var err error
	if cfg.MaxContextTokensOpenAI, err = envInt("MAX_CONTEXT_TOKENS_OPENAI", 0); err != nil {
		return nil, err
	}
	if cfg.MaxContextTokensAnthropic, err = envInt("MAX_CONTEXT_TOKENS_ANTHROPIC", 0); err != nil {
		return nil, err
	}

	cfg.AllowedModelFamilies = envList("ALLOWED_MODEL_FAMILIES")

	cfg.Tracing = TracingConfig{
		Enabled:    envBool("TRACING_ENABLED"),
		Endpoint:   envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		SampleRate: 1.0,
	}
	if v := os.Getenv("TRACING_SAMPLE_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("TRACING_SAMPLE_RATE: %w", err)
		}
		cfg.Tracing.SampleRate = rate
	}

	cfg.Geoblock = GeoblockConfig{
		Enabled:          envBool("GEOBLOCK_ENABLED"),
		AllowedCountries: envList("GEOBLOCK_ALLOWED_COUNTRIES"),
		Message:          os.Getenv("GEOBLOCK_MESSAGE"),
	}

	for _, svc := range proxy.AllServices {
		for _, secret := range envList(keyEnvName(svc)) {
			cfg.Keys[svc] = append(cfg.Keys[svc], secret)
		}
	}

	if path := os.Getenv("KEY_FILE"); path != "" {
		if err := loadKeyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// keyEnvName maps a service to its credential environment variable. The
// cloud services carry structured credentials rather than bare API keys.
func keyEnvName(s proxy.Service) string {
	switch s {
	case proxy.ServiceAWS:
		return "AWS_CREDENTIALS"
	case proxy.ServiceGCP:
		return "GCP_CREDENTIALS"
	case proxy.ServiceAzure:
		return "AZURE_CREDENTIALS"
	default:
		return strings.ToUpper(strings.ReplaceAll(string(s), "-", "_")) + "_KEY"
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envBool(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

// envList splits a comma-separated variable, trimming whitespace and
// dropping empty entries.
func envList(name string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
