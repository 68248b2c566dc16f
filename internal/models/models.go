// Package models implements the static model-family registry: ordered regex
// rules mapping model identifiers to a family and service, plus the
// per-model context-window, output-cap, and token-cost tables.
package models

import (
	"regexp"
	"strings"

	proxy "github.com/eugener/palantir/internal"
)

// rule maps a model-ID pattern to its family and owning service.
// Rules are evaluated in order; the first match wins.
type rule struct {
	re      *regexp.Regexp
	family  proxy.ModelFamily
	service proxy.Service
}

var rules = []rule{
	// Anthropic. Claude 3+ models carry dated suffixes.
	{regexp.MustCompile(`^claude-3-opus`), "claude-opus", proxy.ServiceAnthropic},
	{regexp.MustCompile(`^claude-(3|3-5|3-7)-(sonnet|haiku)`), "claude", proxy.ServiceAnthropic},
	{regexp.MustCompile(`^claude-(opus|sonnet|haiku)-4`), "claude-opus", proxy.ServiceAnthropic},
	{regexp.MustCompile(`^claude-`), "claude", proxy.ServiceAnthropic},
	{regexp.MustCompile(`^anthropic\.claude`), "claude", proxy.ServiceAWS},

	// OpenAI.
	{regexp.MustCompile(`^gpt-4o`), "gpt4o", proxy.ServiceOpenAI},
	{regexp.MustCompile(`^gpt-4-turbo`), "gpt4-turbo", proxy.ServiceOpenAI},
	{regexp.MustCompile(`^gpt-4(-\d{4})?$|^gpt-4-32k`), "gpt4", proxy.ServiceOpenAI},
	{regexp.MustCompile(`^gpt-3\.5-turbo`), "turbo", proxy.ServiceOpenAI},
	{regexp.MustCompile(`^(o1|o3|o4)(-mini|-preview)?`), "o1", proxy.ServiceOpenAI},
	{regexp.MustCompile(`^text-embedding-`), "turbo", proxy.ServiceOpenAI},
	{regexp.MustCompile(`^dall-e`), "dall-e", proxy.ServiceOpenAI},

	// Google AI.
	{regexp.MustCompile(`^gemini-\d+(\.\d+)?-pro`), "gemini-pro", proxy.ServiceGoogleAI},
	{regexp.MustCompile(`^gemini-\d+(\.\d+)?-flash`), "gemini-flash", proxy.ServiceGoogleAI},
	{regexp.MustCompile(`^gemini-`), "gemini-pro", proxy.ServiceGoogleAI},

	// Mistral.
	{regexp.MustCompile(`^(mistral|open-mistral|open-mixtral|codestral)`), "mistral", proxy.ServiceMistral},

	// OpenAI-compatible vendors.
	{regexp.MustCompile(`^deepseek`), "deepseek", proxy.ServiceDeepseek},
	{regexp.MustCompile(`^grok`), "grok", proxy.ServiceXAI},
	{regexp.MustCompile(`^command`), "command", proxy.ServiceCohere},
	{regexp.MustCompile(`^(qwen|qwq)`), "qwen", proxy.ServiceQwen},
	{regexp.MustCompile(`^(moonshot|kimi)`), "kimi", proxy.ServiceMoonshot},
}

// Resolve maps a model identifier to its family and owning service.
// Identifiers are normalized first so loose client-side names resolve too.
func Resolve(model string) (proxy.ModelFamily, proxy.Service, bool) {
	m := Normalize(model)
	for _, r := range rules {
		if r.re.MatchString(m) {
			return r.family, r.service, true
		}
	}
	return "", "", false
}

// ResolveForService resolves the family for a model under a specific service
// mount. The mount must actually serve the model's owning service, so a
// cross-service model name is rejected here rather than failing later at
// dispatch. Anthropic models resolve on the AWS and GCP mounts, OpenAI
// models on the Azure mount.
func ResolveForService(model string, service proxy.Service) (proxy.ModelFamily, bool) {
	family, owner, ok := Resolve(model)
	if !ok || !serviceServes(service, owner) {
		return "", false
	}
	return family, true
}

// Families returns the distinct families a service can serve, in rule order.
func Families(service proxy.Service) []proxy.ModelFamily {
	seen := map[proxy.ModelFamily]bool{}
	var out []proxy.ModelFamily
	for _, r := range rules {
		if serviceServes(service, r.service) && !seen[r.family] {
			seen[r.family] = true
			out = append(out, r.family)
		}
	}
	return out
}

// serviceServes reports whether mount can serve models owned by owner.
// AWS, GCP, and Azure mounts front Anthropic and OpenAI model catalogs.
func serviceServes(mount, owner proxy.Service) bool {
	if mount == owner {
		return true
	}
	switch mount {
	case proxy.ServiceAWS, proxy.ServiceGCP:
		return owner == proxy.ServiceAnthropic || owner == proxy.ServiceAWS
	case proxy.ServiceAzure:
		return owner == proxy.ServiceOpenAI
	case proxy.ServiceDeepseek, proxy.ServiceXAI, proxy.ServiceCohere,
		proxy.ServiceQwen, proxy.ServiceMoonshot:
		return owner == mount
	}
	return false
}

// catalog lists representative serveable model IDs per owning service,
// reported on the model-list endpoints. Not exhaustive; the regex rules
// above decide what is actually accepted.
var catalog = map[proxy.Service][]string{
	proxy.ServiceOpenAI: {
		"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-4", "gpt-3.5-turbo",
		"o1", "o1-mini", "o3-mini",
	},
	proxy.ServiceAnthropic: {
		"claude-3-opus-20240229", "claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022", "claude-opus-4-20250514",
		"claude-sonnet-4-20250514",
	},
	proxy.ServiceGoogleAI: {
		"gemini-1.5-pro", "gemini-1.5-flash", "gemini-2.0-flash",
	},
	proxy.ServiceMistral: {
		"mistral-large-latest", "mistral-small-latest", "open-mixtral-8x22b",
		"codestral-latest",
	},
	proxy.ServiceDeepseek: {"deepseek-chat", "deepseek-reasoner"},
	proxy.ServiceXAI:      {"grok-2-latest", "grok-beta"},
	proxy.ServiceCohere:   {"command-r-plus", "command-r"},
	proxy.ServiceQwen:     {"qwen-max", "qwen-plus", "qwq-32b"},
	proxy.ServiceMoonshot: {"moonshot-v1-128k", "kimi-latest"},
}

// Catalog returns the representative model IDs a service mount can serve,
// including models fronted from another provider's catalog (AWS and GCP
// serve Anthropic models, Azure serves OpenAI models).
func Catalog(service proxy.Service) []string {
	var out []string
	for _, owner := range proxy.AllServices {
		if serviceServes(service, owner) {
			out = append(out, catalog[owner]...)
		}
	}
	return out
}

// aliasMap pins floating "-latest" aliases to dated canonical IDs.
// Purely a function of the input string; revisit when providers rotate.
var aliasMap = map[string]string{
	"claude-3-5-sonnet-latest": "claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-latest":  "claude-3-5-haiku-20241022",
	"claude-3-opus-latest":     "claude-3-opus-20240229",
	"claude-3.5-sonnet-latest": "claude-3-5-sonnet-20241022",
	"claude-3.5-sonnet":        "claude-3-5-sonnet-20241022",
	"gemini-pro":               "gemini-1.5-pro",
	"gemini-flash":             "gemini-1.5-flash",
}

// Normalize maps loose client-side names to provider-canonical identifiers:
// strips the Google "models/" prefix, folds dotted Claude versions to dashed
// form, and pins "-latest" aliases to dated IDs. Deterministic and purely a
// function of the input string.
func Normalize(model string) string {
	m := strings.TrimPrefix(model, "models/")
	if canon, ok := aliasMap[m]; ok {
		return canon
	}
	if strings.HasPrefix(m, "claude-3.") {
		folded := strings.Replace(m, "claude-3.", "claude-3-", 1)
		if canon, ok := aliasMap[folded]; ok {
			return canon
		}
		return folded
	}
	return m
}

// contextRule maps a model pattern to its context window and output cap.
type contextRule struct {
	re        *regexp.Regexp
	window    int
	outputCap int
}

var contextRules = []contextRule{
	{regexp.MustCompile(`^claude-3-opus|^claude-(opus|sonnet)-4`), 200_000, 8192},
	{regexp.MustCompile(`^claude-3-5`), 200_000, 8192},
	{regexp.MustCompile(`^claude-`), 200_000, 4096},
	{regexp.MustCompile(`^anthropic\.claude`), 200_000, 4096},
	{regexp.MustCompile(`^gpt-4o`), 128_000, 16_384},
	{regexp.MustCompile(`^gpt-4-turbo`), 128_000, 4096},
	{regexp.MustCompile(`^gpt-4-32k`), 32_768, 4096},
	{regexp.MustCompile(`^gpt-4`), 8192, 4096},
	{regexp.MustCompile(`^gpt-3\.5-turbo`), 16_385, 4096},
	{regexp.MustCompile(`^(o1|o3|o4)`), 200_000, 100_000},
	{regexp.MustCompile(`^gemini-\d+(\.\d+)?-pro`), 2_000_000, 8192},
	{regexp.MustCompile(`^gemini-`), 1_000_000, 8192},
	{regexp.MustCompile(`^(mistral|open-mistral|open-mixtral|codestral)`), 32_000, 8192},
	{regexp.MustCompile(`^deepseek`), 64_000, 8192},
	{regexp.MustCompile(`^grok`), 131_072, 8192},
	{regexp.MustCompile(`^command`), 128_000, 4096},
	{regexp.MustCompile(`^(qwen|qwq)`), 131_072, 8192},
	{regexp.MustCompile(`^(moonshot|kimi)`), 128_000, 8192},
}

const (
	defaultContextWindow = 16_384
	defaultOutputCap     = 4096
)

// ContextWindow returns the model's total context window in tokens.
func ContextWindow(model string) int {
	m := Normalize(model)
	for _, r := range contextRules {
		if r.re.MatchString(m) {
			return r.window
		}
	}
	return defaultContextWindow
}

// OutputCap returns the per-model ceiling used when the client omits
// max_tokens.
func OutputCap(model string) int {
	m := Normalize(model)
	for _, r := range contextRules {
		if r.re.MatchString(m) {
			return r.outputCap
		}
	}
	return defaultOutputCap
}

// Cost is USD per million tokens.
type Cost struct {
	Input  float64
	Output float64
}

// costs is keyed by family; used only for the info endpoint estimate.
var costs = map[proxy.ModelFamily]Cost{
	"claude-opus":  {15.00, 75.00},
	"claude":       {3.00, 15.00},
	"gpt4o":        {2.50, 10.00},
	"gpt4-turbo":   {10.00, 30.00},
	"gpt4":         {30.00, 60.00},
	"turbo":        {0.50, 1.50},
	"o1":           {15.00, 60.00},
	"gemini-pro":   {1.25, 5.00},
	"gemini-flash": {0.075, 0.30},
	"mistral":      {2.00, 6.00},
	"deepseek":     {0.27, 1.10},
	"grok":         {3.00, 15.00},
	"command":      {2.50, 10.00},
	"qwen":         {0.50, 2.00},
	"kimi":         {0.60, 2.50},
}

// FamilyCost returns the per-million-token cost for a family.
// Unknown families cost zero.
func FamilyCost(f proxy.ModelFamily) Cost { return costs[f] }

// UsageCost converts raw token counts into an estimated USD spend.
func UsageCost(f proxy.ModelFamily, in, out int64) float64 {
	c := costs[f]
	return float64(in)/1e6*c.Input + float64(out)/1e6*c.Output
}
