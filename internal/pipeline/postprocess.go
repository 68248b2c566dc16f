package pipeline

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/classify"
	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/models"
)

// handleUpstreamFailure classifies an upstream error response, applies the
// indicated key-state mutation, and decides between re-enqueue and a
// terminal client error.
func (e *Engine) handleUpstreamFailure(ctx context.Context, req *proxy.Request, ue *proxy.UpstreamError) error {
	out := classify.Classify(req.Service, ue.StatusCode, []byte(ue.Body), http.Header(ue.Header))

	slog.LogAttrs(ctx, slog.LevelWarn, "upstream request failed",
		slog.String("request_id", req.ID),
		slog.String("service", string(req.Service)),
		slog.String("key", req.Key.Hash),
		slog.Int("status", ue.StatusCode),
		slog.String("outcome", out.Code.String()),
		slog.Int("retry", req.RetryCount),
		slog.String("message", out.Message),
	)

	if e.onUpstreamError != nil {
		e.onUpstreamError(req.Service, out.Code.String())
	}

	e.applyOutcome(req, out)
	if out.Refund {
		e.refundLastAttempt(req)
	}

	if out.Reenqueue && req.RetryCount < proxy.MaxRetries && ctx.Err() == nil {
		e.reenqueue(req)
		return nil
	}
	return clientError(req, out, ue)
}

// applyOutcome performs the key-state mutation the classifier asked for,
// then wakes the dispatcher since availability may have changed.
func (e *Engine) applyOutcome(req *proxy.Request, out classify.Outcome) {
	hash, svc := req.Key.Hash, req.Service
	switch out.Action {
	case classify.ActionDisableRevoked:
		e.keys.Disable(hash, svc, proxy.DisableRevoked)
	case classify.ActionDisableQuota:
		e.keys.Disable(hash, svc, proxy.DisableQuota)
	case classify.ActionRateLimit:
		e.keys.MarkRateLimited(hash, svc)
	case classify.ActionFamilyOverQuota:
		e.keys.MarkFamilyOverQuota(hash, svc, req.Family)
	case classify.ActionNarrowModelAccess:
		e.keys.RemoveFamily(hash, svc, req.Family)
	case classify.ActionRequirePreamble:
		t := true
		e.keys.Update(hash, svc, keypool.Patch{RequiresPreamble: &t})
	case classify.ActionNoMultimodal:
		f := false
		e.keys.Update(hash, svc, keypool.Patch{AllowsMultimodality: &f})
	}
	e.queue.Wake()
}

// reenqueue restores the request to its preprocessed state for the next
// attempt.
func (e *Engine) reenqueue(req *proxy.Request) {
	req.Changes.Revert(req)
	req.RetryCount++
	if e.onRetry != nil {
		e.onRetry(req.Service)
	}
}

// refundLastAttempt returns the prompt-token credit charged when the failed
// attempt was dispatched.
func (e *Engine) refundLastAttempt(req *proxy.Request) {
	e.keys.IncrementUsage(req.Key.Hash, req.Service, req.Family, -int64(req.PromptTokens), 0)
}

// trackKeyRateLimit parks the key when the upstream reports its request
// budget exhausted. The advertised reset window ("1s", "6m0s" style) sets
// the lockout when parseable; otherwise the service default applies.
func (e *Engine) trackKeyRateLimit(req *proxy.Request, header http.Header) {
	if header.Get("x-ratelimit-remaining-requests") != "0" {
		return
	}
	reset, err := time.ParseDuration(header.Get("x-ratelimit-reset-requests"))
	if err != nil {
		reset = 0
	}
	e.keys.MarkRateLimitedFor(req.Key.Hash, req.Service, reset)
	e.queue.Wake()
}

// postprocess settles a completed exchange: completion-token billing, the
// usage record, and a dispatcher wake (the finished request freed a key).
func (e *Engine) postprocess(ctx context.Context, req *proxy.Request, completion int, streamed bool, start time.Time) {
	e.keys.IncrementUsage(req.Key.Hash, req.Service, req.Family, 0, int64(completion))
	e.queue.Wake()

	rec := proxy.UsageRecord{
		RequestID:        req.ID,
		UserToken:        req.UserToken,
		Service:          req.Service,
		Family:           req.Family,
		Model:            req.Model,
		KeyHash:          req.Key.Hash,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: completion,
		CostUSD:          models.UsageCost(req.Family, int64(req.PromptTokens), int64(completion)),
		Streamed:         streamed,
		Retries:          req.RetryCount,
		LatencyMs:        int(time.Since(start).Milliseconds()),
		CreatedAt:        time.Now(),
	}
	if e.onUsage != nil {
		e.onUsage(rec)
	}
	if e.onUpstreamDuration != nil {
		e.onUpstreamDuration(req.Service, req.Family, time.Since(start))
	}

	slog.LogAttrs(ctx, slog.LevelInfo, "request completed",
		slog.String("request_id", req.ID),
		slog.String("service", string(req.Service)),
		slog.String("model", req.Model),
		slog.String("key", req.Key.Hash),
		slog.Int("prompt_tokens", req.PromptTokens),
		slog.Int("completion_tokens", completion),
		slog.Bool("streamed", streamed),
		slog.Int("retries", req.RetryCount),
		slog.Int64("latency_ms", time.Since(start).Milliseconds()),
	)
}

// clientError maps a terminal classification to the typed error surfaced to
// the client.
func clientError(req *proxy.Request, out classify.Outcome, ue *proxy.UpstreamError) *proxy.Error {
	var pe *proxy.Error
	switch out.Code {
	case classify.ClientError:
		status := ue.StatusCode
		if status < 400 || status > 499 {
			status = http.StatusBadRequest
		}
		pe = proxy.NewError(proxy.ErrTypeBadRequest, status, out.Message)
	case classify.KeyRateLimited:
		pe = proxy.NewError(proxy.ErrTypeUpstreamRateLimited, http.StatusTooManyRequests,
			"the upstream is rate limiting this deployment; try again shortly")
	case classify.KeyRevoked, classify.KeyModelAccessLost:
		pe = proxy.NewError(proxy.ErrTypeKeyRevoked, http.StatusBadGateway,
			"the assigned credential was rejected by the upstream")
	case classify.KeyQuota:
		pe = proxy.NewError(proxy.ErrTypeKeyOverQuota, http.StatusBadGateway,
			"the assigned credential is out of quota")
	default:
		pe = proxy.NewError(proxy.ErrTypeUpstreamUnavailable, http.StatusBadGateway, out.Message)
	}
	if req.RetryCount > 0 {
		pe.ProxyNote = "request was re-attempted before failing"
	}
	return pe
}

// completionTokens unwraps reported stream usage. Streams that never report
// usage bill zero completion tokens.
func completionTokens(u *proxy.Usage) int {
	if u == nil {
		return 0
	}
	return u.CompletionTokens
}

// readLimited drains up to n bytes of r. Read errors surface as a short
// body; classification falls back to the status code alone.
func readLimited(r io.Reader, n int64) []byte {
	b, _ := io.ReadAll(io.LimitReader(r, n))
	return b
}
