// Package classify maps upstream failure responses to the proxy's error
// taxonomy and the key-lifecycle action each failure demands.
package classify

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
)

// Code is the classifier taxonomy tag.
type Code int

const (
	Unknown Code = iota
	Retryable
	KeyRevoked
	KeyQuota
	KeyRateLimited
	KeyModelAccessLost
	ClientError
	UpstreamUnavailable
)

// String returns the taxonomy tag name for logging.
func (c Code) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case KeyRevoked:
		return "key_revoked"
	case KeyQuota:
		return "key_quota"
	case KeyRateLimited:
		return "key_rate_limited"
	case KeyModelAccessLost:
		return "key_model_access_lost"
	case ClientError:
		return "client_error"
	case UpstreamUnavailable:
		return "upstream_unavailable"
	default:
		return "unknown"
	}
}

// KeyAction is the key-state mutation the pipeline must apply.
type KeyAction int

const (
	ActionNone KeyAction = iota
	ActionDisableRevoked
	ActionDisableQuota
	ActionRateLimit
	ActionFamilyOverQuota
	ActionNarrowModelAccess
	ActionRequirePreamble
	ActionNoMultimodal
)

// Outcome is the classification of one upstream failure.
type Outcome struct {
	Code   Code
	Action KeyAction
	// Reenqueue sends the request back to its partition tail (bounded by
	// MaxRetries).
	Reenqueue bool
	// Refund returns the token credit charged for the attempt. Set for
	// content-policy rejections only.
	Refund bool
	// Message is the condensed upstream message for logs and the client
	// payload.
	Message string
}

// Classify maps an upstream status and body to an outcome using the
// per-service rules. 2xx responses must not be passed in.
func Classify(service proxy.Service, status int, body []byte, header http.Header) Outcome {
	r := gjson.ParseBytes(body)
	msg := upstreamMessage(r)

	switch status {
	case http.StatusBadRequest:
		return classify400(service, r, msg)

	case http.StatusUnauthorized:
		return Outcome{Code: KeyRevoked, Action: ActionDisableRevoked, Message: msg}

	case http.StatusPaymentRequired:
		// Deepseek signals exhausted balance with 402.
		if service == proxy.ServiceDeepseek {
			return Outcome{Code: KeyQuota, Action: ActionDisableQuota, Message: msg}
		}
		return Outcome{Code: ClientError, Message: msg}

	case http.StatusForbidden:
		return classify403(service, r, msg)

	case http.StatusNotFound:
		return Outcome{Code: ClientError, Message: msg}

	case http.StatusMethodNotAllowed:
		// xAI signals exhausted balance with 405.
		if service == proxy.ServiceXAI && strings.Contains(strings.ToLower(msg), "insufficient") {
			return Outcome{Code: KeyQuota, Action: ActionDisableQuota, Message: msg}
		}
		return Outcome{Code: ClientError, Message: msg}

	case http.StatusTooManyRequests:
		return classify429(service, r, msg, header)

	case http.StatusServiceUnavailable:
		if service == proxy.ServiceAWS {
			// Bedrock sheds load with 503; the request is always worth
			// another key.
			return Outcome{Code: Retryable, Reenqueue: true, Message: msg}
		}
		return Outcome{Code: UpstreamUnavailable, Message: msg}

	default:
		if status >= 500 {
			return Outcome{Code: UpstreamUnavailable, Message: msg}
		}
		return Outcome{Code: Unknown, Message: msg}
	}
}

func classify400(service proxy.Service, r gjson.Result, msg string) Outcome {
	low := strings.ToLower(msg)
	code := strings.ToLower(firstNonEmpty(
		r.Get("error.code").String(),
		r.Get("error.type").String(),
	))

	switch {
	case strings.Contains(code, "content_policy") ||
		strings.Contains(code, "content_filter") ||
		strings.Contains(code, "moderation") ||
		strings.Contains(low, "flagged by our content"):
		// Passed through verbatim with a proxy note; the attempt's token
		// charge is refunded.
		return Outcome{Code: ClientError, Refund: true, Message: msg}

	case strings.Contains(code, "billing_hard_limit_reached") ||
		strings.Contains(low, "billing hard limit"):
		return Outcome{Code: KeyQuota, Action: ActionDisableQuota, Message: msg}

	case service == proxy.ServiceAnthropic &&
		strings.Contains(low, `prompt must start with "`):
		// Some Anthropic credentials insist on the \n\nHuman: preamble.
		// Flag the key and let the retry add it.
		return Outcome{Code: Retryable, Action: ActionRequirePreamble, Reenqueue: true, Message: msg}

	default:
		return Outcome{Code: ClientError, Message: msg}
	}
}

func classify403(service proxy.Service, r gjson.Result, msg string) Outcome {
	low := strings.ToLower(msg)

	switch service {
	case proxy.ServiceAnthropic:
		if strings.Contains(low, "multimodal") || strings.Contains(low, "image input") {
			return Outcome{Code: Retryable, Action: ActionNoMultimodal, Reenqueue: true, Message: msg}
		}
	case proxy.ServiceAWS:
		errType := r.Get("__type").String()
		if errType == "" {
			errType = r.Get("message").String()
		}
		if strings.Contains(errType, "AccessDeniedException") ||
			strings.Contains(low, "access denied") ||
			strings.Contains(low, "not authorized to invoke") {
			// The key lost access to this model only; narrow rather than
			// disable.
			return Outcome{Code: KeyModelAccessLost, Action: ActionNarrowModelAccess, Reenqueue: true, Message: msg}
		}
	}

	if strings.Contains(low, "invalid") || strings.Contains(low, "disabled") ||
		strings.Contains(low, "revoked") {
		return Outcome{Code: KeyRevoked, Action: ActionDisableRevoked, Message: msg}
	}
	return Outcome{Code: ClientError, Message: msg}
}

func classify429(service proxy.Service, r gjson.Result, msg string, _ http.Header) Outcome {
	low := strings.ToLower(msg)

	if service == proxy.ServiceGoogleAI {
		status := r.Get("error.status").String()
		if status == "RESOURCE_EXHAUSTED" || strings.Contains(low, "quota") {
			// quota_limit_value "0" is the hard-disabled signature: the
			// project was shut off, not throttled.
			if quotaLimitValue(r) == "0" {
				return Outcome{Code: KeyRevoked, Action: ActionDisableRevoked, Message: msg}
			}
			// Ordinary quota exhaustion is billed per family; the key
			// stays usable for its other families.
			return Outcome{Code: KeyQuota, Action: ActionFamilyOverQuota, Reenqueue: true, Message: msg}
		}
	}

	// Per-day limits do not clear within a request's lifetime; surface
	// instead of spinning on retries.
	if strings.Contains(low, "per day") || strings.Contains(low, "rpd") ||
		strings.Contains(low, "daily") {
		return Outcome{Code: KeyRateLimited, Action: ActionRateLimit, Message: msg}
	}

	return Outcome{Code: KeyRateLimited, Action: ActionRateLimit, Reenqueue: true, Message: msg}
}

// quotaLimitValue digs the quota_limit_value out of a Google AI
// RESOURCE_EXHAUSTED error's violation details.
func quotaLimitValue(r gjson.Result) string {
	var val string
	r.Get("error.details").ForEach(func(_, detail gjson.Result) bool {
		detail.Get("violations").ForEach(func(_, v gjson.Result) bool {
			if qv := v.Get("quotaValue"); qv.Exists() {
				val = qv.String()
				return false
			}
			return true
		})
		return val == ""
	})
	if val == "" {
		val = r.Get("error.details.0.metadata.quota_limit_value").String()
	}
	return val
}

// upstreamMessage extracts the human message from the common provider error
// envelopes, falling back to the raw body.
func upstreamMessage(r gjson.Result) string {
	for _, path := range []string{"error.message", "message", "error"} {
		if v := r.Get(path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	raw := r.Raw
	if len(raw) > 256 {
		raw = raw[:256]
	}
	return raw
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}
