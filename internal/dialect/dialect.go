// Package dialect maps request bodies, blocking responses, and SSE streams
// between the API dialects the proxy speaks. Translation is table-driven
// over the closed dialect enum with the OpenAI dialect as the hub; pairs
// that cannot occur through the HTTP surface are rejected.
package dialect

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/dialect/anthropic"
	"github.com/eugener/palantir/internal/dialect/google"
	"github.com/eugener/palantir/internal/dialect/mistral"
	"github.com/eugener/palantir/internal/dialect/openai"
	"github.com/eugener/palantir/internal/dialect/sse"
)

// Meta carries the per-request identifiers translations depend on. The
// same Meta always yields the same output for the same body bytes.
type Meta struct {
	// RequestID seeds synthesized completion IDs.
	RequestID string
	// Model is the canonical upstream model identifier.
	Model string
}

// StreamTransformer rewrites an upstream SSE byte stream into events in the
// client's dialect. Push may be called with bytes split at any boundary;
// Close must be called exactly once after the last Push and completes the
// stream with its terminator when the upstream did not provide one.
type StreamTransformer interface {
	Reset()
	Push(p []byte) []proxy.StreamEvent
	Close() []proxy.StreamEvent
	Usage() *proxy.Usage
}

// TranslateRequest converts body from the client dialect to the upstream
// dialect, stamping the canonical model where the dialect carries it in the
// body. The input is validated against the client dialect's schema.
func TranslateRequest(in, out proxy.Dialect, body []byte, meta Meta) ([]byte, error) {
	switch {
	case in == proxy.DialectOpenAI && out == proxy.DialectOpenAI:
		if _, err := openai.ParseRequest(body); err != nil {
			return nil, err
		}
		return sjson.SetBytes(body, "model", meta.Model)

	case in == proxy.DialectOpenAI && out == proxy.DialectAnthropic:
		req, err := openai.ParseRequest(body)
		if err != nil {
			return nil, err
		}
		return anthropic.FromOpenAIRequest(req, meta.Model)

	case in == proxy.DialectOpenAI && out == proxy.DialectGoogleAI:
		req, err := openai.ParseRequest(body)
		if err != nil {
			return nil, err
		}
		// The model travels in the URL for this dialect.
		return google.FromOpenAIRequest(req)

	case in == proxy.DialectOpenAI && out == proxy.DialectMistral:
		if _, err := openai.ParseRequest(body); err != nil {
			return nil, err
		}
		return mistral.FromOpenAIRequest(body, meta.Model)

	case in == proxy.DialectAnthropic && out == proxy.DialectAnthropic:
		if _, err := anthropic.ToOpenAIRequest(body); err != nil {
			return nil, err
		}
		return sjson.SetBytes(body, "model", meta.Model)

	case in == proxy.DialectAnthropic && out == proxy.DialectOpenAI:
		req, err := anthropic.ToOpenAIRequest(body)
		if err != nil {
			return nil, err
		}
		req.Model = meta.Model
		return json.Marshal(req)

	case in == proxy.DialectGoogleAI && out == proxy.DialectGoogleAI:
		// The model travels in the URL for this dialect.
		return body, nil

	case in == proxy.DialectMistral && out == proxy.DialectMistral:
		return sjson.SetBytes(body, "model", meta.Model)

	default:
		return nil, fmt.Errorf("%w: no request translation %s -> %s", proxy.ErrBadRequest, in, out)
	}
}

// TranslateResponse converts a blocking upstream response body from the
// upstream dialect back to the client dialect.
func TranslateResponse(from, to proxy.Dialect, body []byte, meta Meta) ([]byte, error) {
	switch {
	case from == to:
		return body, nil

	case from == proxy.DialectAnthropic && to == proxy.DialectOpenAI:
		return anthropic.ToOpenAIResponse(body, meta.RequestID, meta.Model)

	case from == proxy.DialectGoogleAI && to == proxy.DialectOpenAI:
		return google.ToOpenAIResponse(body, meta.RequestID, meta.Model)

	case from == proxy.DialectMistral && to == proxy.DialectOpenAI:
		return mistral.ToOpenAIResponse(body)

	default:
		return nil, fmt.Errorf("no response translation %s -> %s", from, to)
	}
}

// NewStreamTransformer returns the transformer for an upstream stream in
// dialect from serving a client in dialect to.
func NewStreamTransformer(from, to proxy.Dialect, meta Meta) (StreamTransformer, error) {
	switch {
	case to == proxy.DialectOpenAI:
		switch from {
		case proxy.DialectOpenAI, proxy.DialectMistral:
			return openai.NewStream("chatcmpl-"+meta.RequestID, meta.Model), nil
		case proxy.DialectAnthropic:
			return anthropic.NewStream(meta.RequestID, meta.Model), nil
		case proxy.DialectGoogleAI:
			return google.NewStream(meta.RequestID, meta.Model), nil
		}

	case from == proxy.DialectAnthropic && to == proxy.DialectAnthropic:
		return anthropic.NewNativeStream(), nil

	case from == proxy.DialectGoogleAI && to == proxy.DialectGoogleAI:
		return google.NewNativeStream(), nil

	case from == proxy.DialectMistral && to == proxy.DialectMistral:
		return openai.NewStream("chatcmpl-"+meta.RequestID, meta.Model), nil
	}
	return nil, fmt.Errorf("no stream transformation %s -> %s", from, to)
}

// ErrorEvents builds the post-header error sequence for a client dialect:
// one typed error event followed by the dialect's terminator. Used when an
// upstream fails after the SSE headers were already committed.
func ErrorEvents(d proxy.Dialect, message, errType string) []proxy.StreamEvent {
	switch d {
	case proxy.DialectAnthropic:
		data, _ := json.Marshal(map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    errType,
				"message": message,
			},
		})
		return []proxy.StreamEvent{{Name: "error", Data: data, Done: true}}

	case proxy.DialectGoogleAI:
		data, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"message": message,
				"status":  errType,
			},
		})
		return []proxy.StreamEvent{{Data: data, Done: true}}

	default:
		return []proxy.StreamEvent{
			{Data: sse.BuildErrorChunk(message, errType)},
			{Data: []byte("[DONE]"), Done: true},
		}
	}
}
