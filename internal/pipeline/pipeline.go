// Package pipeline drives a request through preprocess, admission, dispatch,
// signing, upstream I/O, and postprocess, retrying across keys on the
// failure modes the classifier marks re-enqueueable.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/dialect"
	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/models"
	"github.com/eugener/palantir/internal/queue"
	"github.com/eugener/palantir/internal/signer"
	"github.com/eugener/palantir/internal/tokenizer"
)

// Engine executes requests end to end. One engine serves all services.
type Engine struct {
	keys   *keypool.Pool
	queue  *queue.Queue
	signer *signer.Signer
	client *http.Client

	// maxContext caps prompt+output tokens per outbound dialect, on top of
	// each model's own context window. Zero means no extra cap.
	maxContext map[proxy.Dialect]int
	// allowed restricts servable model families. nil means all.
	allowed map[proxy.ModelFamily]bool

	idleTimeout time.Duration

	onUsage            func(proxy.UsageRecord)
	onRetry            func(proxy.Service)
	onUpstreamError    func(proxy.Service, string)
	onUpstreamDuration func(proxy.Service, proxy.ModelFamily, time.Duration)
}

// Config wires an Engine.
type Config struct {
	Keys   *keypool.Pool
	Queue  *queue.Queue
	Signer *signer.Signer
	Client *http.Client

	MaxContextTokens map[proxy.Dialect]int
	AllowedFamilies  []proxy.ModelFamily

	// IdleTimeout bounds silence between streaming chunks. Zero applies
	// the default.
	IdleTimeout time.Duration

	// OnUsage receives one record per completed upstream exchange.
	OnUsage func(proxy.UsageRecord)
	// OnRetry fires each time a failed attempt is re-enqueued.
	OnRetry func(proxy.Service)
	// OnUpstreamError fires once per failed upstream response with the
	// classified outcome.
	OnUpstreamError func(service proxy.Service, outcome string)
	// OnUpstreamDuration receives the wall-clock time of each completed
	// exchange, retries included.
	OnUpstreamDuration func(service proxy.Service, family proxy.ModelFamily, d time.Duration)
}

const defaultIdleTimeout = 90 * time.Second

// New returns an Engine.
func New(cfg Config) *Engine {
	e := &Engine{
		keys:        cfg.Keys,
		queue:       cfg.Queue,
		signer:      cfg.Signer,
		client:      cfg.Client,
		maxContext:  cfg.MaxContextTokens,
		idleTimeout: cfg.IdleTimeout,
		onUsage:     cfg.OnUsage,

		onRetry:            cfg.OnRetry,
		onUpstreamError:    cfg.OnUpstreamError,
		onUpstreamDuration: cfg.OnUpstreamDuration,
	}
	if e.client == nil {
		e.client = http.DefaultClient
	}
	if e.idleTimeout <= 0 {
		e.idleTimeout = defaultIdleTimeout
	}
	if len(cfg.AllowedFamilies) > 0 {
		e.allowed = make(map[proxy.ModelFamily]bool, len(cfg.AllowedFamilies))
		for _, f := range cfg.AllowedFamilies {
			e.allowed[f] = true
		}
	}
	return e
}

// Inbound is a raw client request handed over by the HTTP layer.
type Inbound struct {
	Service proxy.Service
	Dialect proxy.Dialect
	Body    []byte
	// Model overrides the body's model field (Google AI carries it in the
	// URL). Empty means read it from the body.
	Model string
	// Stream forces streaming on or off when the URL action decides it.
	// nil means read it from the body.
	Stream    *bool
	UserToken string
}

// Preprocess validates and translates the inbound request, counts prompt
// tokens, and checks the context window. The returned request is ready to
// enqueue.
func (e *Engine) Preprocess(ctx context.Context, in *Inbound) (*proxy.Request, error) {
	rawModel := in.Model
	if rawModel == "" {
		rawModel = gjson.GetBytes(in.Body, "model").String()
	}
	if rawModel == "" {
		return nil, proxy.NewError(proxy.ErrTypeBadRequest, http.StatusBadRequest, "model is required")
	}

	model := models.Normalize(rawModel)
	family, ok := models.ResolveForService(model, in.Service)
	if !ok {
		return nil, proxy.NewError(proxy.ErrTypeBadRequest, http.StatusNotFound,
			fmt.Sprintf("model %q is not served here", rawModel))
	}
	if e.allowed != nil && !e.allowed[family] {
		return nil, proxy.NewError(proxy.ErrTypeBadRequest, http.StatusNotFound,
			fmt.Sprintf("model family %q is not enabled", family))
	}

	id := proxy.RequestIDFromContext(ctx)
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	outDialect := proxy.NativeDialect(in.Service)
	body, err := dialect.TranslateRequest(in.Dialect, outDialect, in.Body, dialect.Meta{
		RequestID: id,
		Model:     model,
	})
	if err != nil {
		return nil, badRequestError(err)
	}

	streaming := gjson.GetBytes(in.Body, "stream").Bool()
	if in.Stream != nil {
		streaming = *in.Stream
	}

	count := tokenizer.CountPrompt(outDialect, body)
	output := requestedOutputTokens(outDialect, body)
	if output <= 0 {
		output = models.OutputCap(model)
	}

	if limit := e.contextLimit(outDialect, model); count.Tokens+output > limit {
		return nil, proxy.NewError(proxy.ErrTypeContextTooLarge, http.StatusBadRequest,
			fmt.Sprintf("prompt (%d tokens) plus max_tokens (%d) exceeds the %d-token context window",
				count.Tokens, output, limit))
	}

	return &proxy.Request{
		ID:           id,
		InDialect:    in.Dialect,
		OutDialect:   outDialect,
		Service:      in.Service,
		Family:       family,
		Model:        model,
		RawModel:     rawModel,
		Body:         body,
		PromptTokens: count.Tokens,
		OutputTokens: output,
		IsStreaming:  streaming,
		HasImages:    count.Images > 0,
		UserToken:    in.UserToken,
	}, nil
}

// contextLimit is the model's context window, tightened by the configured
// per-dialect cap.
func (e *Engine) contextLimit(d proxy.Dialect, model string) int {
	limit := models.ContextWindow(model)
	if c, ok := e.maxContext[d]; ok && c > 0 && c < limit {
		limit = c
	}
	return limit
}

// requestedOutputTokens reads the client's output budget from the
// translated body.
func requestedOutputTokens(d proxy.Dialect, body []byte) int {
	switch d {
	case proxy.DialectGoogleAI:
		return int(gjson.GetBytes(body, "generationConfig.maxOutputTokens").Int())
	default:
		return int(gjson.GetBytes(body, "max_tokens").Int())
	}
}

// awaitDispatch queues the request and blocks until the dispatcher assigns
// a key or the client goes away.
func (e *Engine) awaitDispatch(ctx context.Context, req *proxy.Request) (proxy.Key, error) {
	item := e.queue.Enqueue(ctx, req)
	select {
	case res := <-item.Ready():
		if res.Err != nil {
			return proxy.Key{}, dispatchError(res.Err)
		}
		return res.Key, nil
	case <-ctx.Done():
		// The dispatcher drops the item when it reaches the head.
		return proxy.Key{}, proxy.NewError(proxy.ErrTypeClientCancelled, 499, "client closed the connection")
	}
}

func dispatchError(err error) error {
	if errors.Is(err, proxy.ErrNoKeyForFamily) {
		return proxy.NewError(proxy.ErrTypeNoKeysAvailable, http.StatusNotFound,
			"no key on this deployment serves the requested model family")
	}
	return proxy.NewError(proxy.ErrTypeNoKeysAvailable, http.StatusServiceUnavailable, err.Error())
}

func badRequestError(err error) error {
	if pe, ok := err.(*proxy.Error); ok {
		return pe
	}
	return proxy.NewError(proxy.ErrTypeBadRequest, http.StatusBadRequest, err.Error())
}
