package pipeline

import (
	"context"
	"net/http"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
)

// Passthrough forwards a non-completion request (embeddings and friends) to
// an OpenAI-dialect service on a pooled key. These calls bypass the
// admission queue: they are cheap, unbilled per family, and never retried.
// The upstream status and body pass through verbatim.
func (e *Engine) Passthrough(ctx context.Context, service proxy.Service, endpoint string, body []byte) (int, []byte, error) {
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		return 0, nil, proxy.NewError(proxy.ErrTypeBadRequest, http.StatusBadRequest, "model is required")
	}

	key, err := e.keys.Get(model, service)
	if err != nil {
		return 0, nil, proxy.NewError(proxy.ErrTypeNoKeysAvailable, http.StatusServiceUnavailable, err.Error())
	}

	req := &proxy.Request{
		ID:         proxy.RequestIDFromContext(ctx),
		Service:    service,
		Model:      model,
		OutDialect: proxy.DialectOpenAI,
		Body:       body,
		Key:        key,
	}
	if err := e.signer.SignEndpoint(req, endpoint); err != nil {
		return 0, nil, proxy.NewError(proxy.ErrTypeInternal, http.StatusInternalServerError, err.Error())
	}

	resp, err := e.send(ctx, req)
	if err != nil {
		return 0, nil, proxy.NewError(proxy.ErrTypeUpstreamUnavailable, http.StatusBadGateway, err.Error())
	}
	e.trackKeyRateLimit(req, resp.Header)
	e.queue.Wake()
	return resp.Status, resp.Body, nil
}
