package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/sjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/dialect"
	"github.com/eugener/palantir/internal/tokenizer"
)

// Execute runs a blocking (non-streaming) request to completion and returns
// the response body in the client's dialect. Re-enqueueable failures retry
// on a fresh key until MaxRetries is exhausted.
func (e *Engine) Execute(ctx context.Context, req *proxy.Request) ([]byte, error) {
	start := time.Now()
	for {
		resp, err := e.attemptBlocking(ctx, req)
		if err == nil {
			return e.finishBlocking(ctx, req, resp, start)
		}
		if terminal := e.handleFailure(ctx, req, err); terminal != nil {
			return nil, terminal
		}
	}
}

// attemptBlocking performs one dispatch-sign-exchange cycle. A non-200
// upstream status is returned as *proxy.UpstreamError for classification.
func (e *Engine) attemptBlocking(ctx context.Context, req *proxy.Request) (*upstreamResponse, error) {
	key, err := e.awaitDispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	req.Key = key
	e.keys.IncrementUsage(key.Hash, req.Service, req.Family, int64(req.PromptTokens), 0)

	if err := e.signer.Sign(ctx, req); err != nil {
		return nil, proxy.NewError(proxy.ErrTypeInternal, http.StatusInternalServerError, err.Error())
	}

	resp, err := e.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, &proxy.UpstreamError{
			Service:    req.Service,
			StatusCode: resp.Status,
			Body:       string(resp.Body),
			Header:     resp.Header,
		}
	}
	e.trackKeyRateLimit(req, resp.Header)
	return resp, nil
}

// finishBlocking translates the native response back to the client dialect
// and settles usage accounting.
func (e *Engine) finishBlocking(ctx context.Context, req *proxy.Request, resp *upstreamResponse, start time.Time) ([]byte, error) {
	completion := tokenizer.CountCompletion(req.OutDialect, resp.Body)

	out, err := dialect.TranslateResponse(req.OutDialect, req.InDialect, resp.Body, dialect.Meta{
		RequestID: req.ID,
		Model:     req.RawModel,
	})
	if err != nil {
		// The upstream replied 200 with a body we cannot translate.
		// Accounting still ran; surface the failure.
		e.postprocess(ctx, req, completion, false, start)
		return nil, proxy.NewError(proxy.ErrTypeInternal, http.StatusBadGateway,
			"upstream response could not be translated: "+err.Error())
	}

	if req.RetryCount > 0 {
		out, _ = sjson.SetBytes(out, "proxy_note",
			"request was re-attempted on another key before succeeding")
	}

	e.postprocess(ctx, req, completion, false, start)
	return out, nil
}

// ExecuteStream runs a streaming request, forwarding transformed events to
// emit. Failures before the first emitted event may re-enqueue; once the
// response is committed, failures terminate the stream in-band.
func (e *Engine) ExecuteStream(ctx context.Context, req *proxy.Request, emit func(proxy.StreamEvent) error) error {
	start := time.Now()
	for {
		err := e.attemptStream(ctx, req, start, emit)
		if err == nil {
			return nil
		}
		if terminal := e.handleFailure(ctx, req, err); terminal != nil {
			return terminal
		}
	}
}

func (e *Engine) attemptStream(ctx context.Context, req *proxy.Request, start time.Time, emit func(proxy.StreamEvent) error) error {
	key, err := e.awaitDispatch(ctx, req)
	if err != nil {
		return err
	}
	req.Key = key
	e.keys.IncrementUsage(key.Hash, req.Service, req.Family, int64(req.PromptTokens), 0)

	if err := e.signer.Sign(ctx, req); err != nil {
		return proxy.NewError(proxy.ErrTypeInternal, http.StatusInternalServerError, err.Error())
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := e.open(actx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return upstreamFailure(req, resp)
	}
	e.trackKeyRateLimit(req, resp.Header)

	committed := false
	wrapped := func(ev proxy.StreamEvent) error {
		committed = true
		return emit(ev)
	}

	var usage *proxy.Usage
	if req.Service == proxy.ServiceAWS {
		usage, err = e.streamBedrock(req, resp.Body, cancel, wrapped)
	} else {
		usage, err = e.streamBody(req, resp.Body, cancel, wrapped)
	}

	if err != nil {
		if ctx.Err() != nil {
			// Client went away mid-stream; nothing left to emit.
			e.postprocess(ctx, req, completionTokens(usage), true, start)
			return proxy.NewError(proxy.ErrTypeClientCancelled, 499, "client closed the connection")
		}
		if committed {
			// Headers are on the wire; the only recovery is an in-band
			// error event.
			for _, ev := range dialect.ErrorEvents(req.InDialect, "the upstream stream failed mid-response", "upstream_error") {
				_ = emit(ev)
			}
			e.postprocess(ctx, req, completionTokens(usage), true, start)
			return proxy.NewError(proxy.ErrTypeUpstreamUnavailable, http.StatusBadGateway, err.Error())
		}
		return err
	}

	e.postprocess(ctx, req, completionTokens(usage), true, start)
	return nil
}

// upstreamFailure drains a failed streaming prelude into an UpstreamError.
func upstreamFailure(req *proxy.Request, resp *http.Response) error {
	body := readLimited(resp.Body, maxErrorBody)
	return &proxy.UpstreamError{
		Service:    req.Service,
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Header:     resp.Header,
	}
}

// handleFailure settles one failed attempt. A nil return means the request
// was reverted and re-enqueued; a non-nil return is the terminal error.
func (e *Engine) handleFailure(ctx context.Context, req *proxy.Request, err error) error {
	var pe *proxy.Error
	if errors.As(err, &pe) {
		return pe
	}

	var ue *proxy.UpstreamError
	if errors.As(err, &ue) {
		return e.handleUpstreamFailure(ctx, req, ue)
	}

	// Transport-level failure: no response to classify.
	if ctx.Err() != nil {
		return proxy.NewError(proxy.ErrTypeClientCancelled, 499, "client closed the connection")
	}
	slog.LogAttrs(ctx, slog.LevelWarn, "upstream transport failure",
		slog.String("request_id", req.ID),
		slog.String("service", string(req.Service)),
		slog.Int("retry", req.RetryCount),
		slog.String("error", err.Error()),
	)
	if req.RetryCount < proxy.MaxRetries {
		e.reenqueue(req)
		return nil
	}
	return proxy.NewError(proxy.ErrTypeUpstreamUnavailable, http.StatusBadGateway, err.Error())
}
