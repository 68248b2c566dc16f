package anthropic

import (
	"encoding/base64"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
)

// BedrockStream decodes AWS binary event-stream frames from a Bedrock
// invoke-with-response-stream body and feeds the decoded Anthropic events
// through the same state machine as native SSE. Each frame's payload is
// {"bytes":"<base64>"} where the decoded bytes are Anthropic event JSON.
type BedrockStream struct {
	inner   *Stream
	decoder *eventstream.Decoder
}

// NewBedrockStream returns a Bedrock decoder in front of an
// Anthropic-to-OpenAI transformer.
func NewBedrockStream(fallbackID, fallbackModel string) *BedrockStream {
	return &BedrockStream{
		inner:   NewStream(fallbackID, fallbackModel),
		decoder: eventstream.NewDecoder(),
	}
}

// Reset prepares the decoder for a fresh upstream attempt.
func (b *BedrockStream) Reset() {
	b.inner.Reset()
	b.decoder = eventstream.NewDecoder()
}

// DecodeNext reads one frame from r and returns the client-facing events it
// produced. It returns io.EOF when the upstream stream ends; the caller
// then invokes Close.
func (b *BedrockStream) DecodeNext(r io.Reader) ([]proxy.StreamEvent, error) {
	msg, err := b.decoder.Decode(r, nil)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("bedrock: decode event stream: %w", err)
	}

	msgType := headerValue(msg.Headers, ":message-type")
	if msgType == "exception" {
		errType := headerValue(msg.Headers, ":exception-type")
		if len(errType) > 64 {
			errType = errType[:64]
		}
		payload := msg.Payload
		if len(payload) > 512 {
			payload = payload[:512]
		}
		return nil, fmt.Errorf("bedrock: exception: %s: %s", errType, payload)
	}
	if msgType != "event" {
		return nil, nil
	}

	decoded, err := extractEventBytes(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("bedrock: extract event bytes: %w", err)
	}

	return b.inner.Push(append(append([]byte("data: "), decoded...), '\n')), nil
}

// Close terminates the inner transformer.
func (b *BedrockStream) Close() []proxy.StreamEvent {
	return b.inner.Close()
}

// Usage returns the token usage aggregated so far.
func (b *BedrockStream) Usage() *proxy.Usage { return b.inner.Usage() }

// headerValue extracts a string header value from event stream headers.
func headerValue(headers eventstream.Headers, name string) string {
	v := headers.Get(name)
	if v == nil {
		return ""
	}
	if sv, ok := v.(eventstream.StringValue); ok {
		return string(sv)
	}
	return ""
}

// extractEventBytes extracts and base64-decodes the "bytes" field from a
// Bedrock event stream payload.
func extractEventBytes(payload []byte) ([]byte, error) {
	b64 := gjson.GetBytes(payload, "bytes").String()
	if b64 == "" {
		return nil, fmt.Errorf("missing bytes field in payload")
	}
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return decoded, nil
}
