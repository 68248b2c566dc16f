package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/dialect"
	"github.com/eugener/palantir/internal/dialect/anthropic"
)

// maxErrorBody caps how much of a failed upstream response is retained for
// classification and logging.
const maxErrorBody = 64 << 10

// upstreamResponse is one finished non-streaming exchange, or the failed
// prelude of a streaming one.
type upstreamResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// send issues the signed request and reads the full response body. Used for
// blocking requests and for failed streaming preludes.
func (e *Engine) send(ctx context.Context, req *proxy.Request) (*upstreamResponse, error) {
	resp, err := e.open(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := int64(maxErrorBody)
	if resp.StatusCode == http.StatusOK {
		limit = 32 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return &upstreamResponse{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// open issues the signed request and returns the live response.
func (e *Engine) open(ctx context.Context, req *proxy.Request) (*http.Response, error) {
	s := req.Signed
	if s == nil {
		return nil, fmt.Errorf("request %s was not signed", req.ID)
	}
	hr, err := http.NewRequestWithContext(ctx, s.Method, s.URL, bytes.NewReader(s.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, vs := range s.Header {
		hr.Header[k] = vs
	}
	hr.ContentLength = int64(len(s.Body))
	return e.client.Do(hr)
}

// streamBody pumps the upstream SSE body through the dialect transformer,
// forwarding transformed events to emit. The idle timer aborts the exchange
// when the upstream goes silent between chunks.
func (e *Engine) streamBody(req *proxy.Request, body io.Reader,
	cancel context.CancelFunc, emit func(proxy.StreamEvent) error) (*proxy.Usage, error) {

	tr, err := dialect.NewStreamTransformer(req.OutDialect, req.InDialect, dialect.Meta{
		RequestID: req.ID,
		Model:     req.RawModel,
	})
	if err != nil {
		return nil, err
	}

	idle := time.AfterFunc(e.idleTimeout, cancel)
	defer idle.Stop()

	buf := make([]byte, 16<<10)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			idle.Reset(e.idleTimeout)
			for _, ev := range tr.Push(buf[:n]) {
				if err := emit(ev); err != nil {
					return tr.Usage(), err
				}
				if ev.Done {
					return tr.Usage(), nil
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return tr.Usage(), fmt.Errorf("read upstream stream: %w", rerr)
		}
	}

	// Upstream closed without a terminator; synthesize one.
	for _, ev := range tr.Close() {
		if err := emit(ev); err != nil {
			return tr.Usage(), err
		}
	}
	return tr.Usage(), nil
}

// streamBedrock decodes the AWS binary event stream and drives the shared
// Anthropic translation state machine.
func (e *Engine) streamBedrock(req *proxy.Request, body io.Reader,
	cancel context.CancelFunc, emit func(proxy.StreamEvent) error) (*proxy.Usage, error) {

	bs := anthropic.NewBedrockStream(req.ID, req.RawModel)

	idle := time.AfterFunc(e.idleTimeout, cancel)
	defer idle.Stop()

	for {
		events, derr := bs.DecodeNext(body)
		if len(events) > 0 {
			idle.Reset(e.idleTimeout)
			for _, ev := range events {
				if err := emit(ev); err != nil {
					return bs.Usage(), err
				}
				if ev.Done {
					return bs.Usage(), nil
				}
			}
		}
		if derr == io.EOF {
			break
		}
		if derr != nil {
			return bs.Usage(), fmt.Errorf("decode bedrock event stream: %w", derr)
		}
	}

	for _, ev := range bs.Close() {
		if err := emit(ev); err != nil {
			return bs.Usage(), err
		}
	}
	return bs.Usage(), nil
}
