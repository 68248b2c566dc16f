package anthropic

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/dialect/sse"
)

var doneSentinel = []byte("[DONE]")

// Stream rewrites Anthropic SSE events into OpenAI chat.completion.chunk
// events. One instance serves one upstream attempt; Reset prepares it for
// a retry.
type Stream struct {
	fallbackID    string
	fallbackModel string

	framer sse.Framer
	state  streamState
	done   bool
}

// streamState tracks the Anthropic event state machine.
type streamState struct {
	id           string
	model        string
	inputTokens  int
	outputTokens int
	stopReason   string
}

// NewStream returns an Anthropic-to-OpenAI stream transformer. fallbackID
// and fallbackModel fill synthesized chunks until message_start reports the
// upstream's own values.
func NewStream(fallbackID, fallbackModel string) *Stream {
	return &Stream{fallbackID: fallbackID, fallbackModel: fallbackModel}
}

// Reset prepares the transformer for a fresh upstream attempt.
func (s *Stream) Reset() {
	s.framer.Reset()
	s.state = streamState{}
	s.done = false
}

// Push feeds upstream bytes in and returns the OpenAI-shaped events they
// complete. Unmapped events yield an origin-only entry for logging.
func (s *Stream) Push(p []byte) []proxy.StreamEvent {
	var out []proxy.StreamEvent
	for _, fr := range s.framer.Push(p) {
		if s.done {
			break
		}
		event := fr.Event
		if event == "" {
			// Bedrock-decoded payloads carry the type in the body.
			event = gjson.Parse(fr.Data).Get("type").String()
		}
		evs := s.handleEvent(event, fr.Data)
		if len(evs) == 0 {
			out = append(out, proxy.StreamEvent{Origin: fr.Raw})
			continue
		}
		evs[0].Origin = fr.Raw
		out = append(out, evs...)
	}
	return out
}

// Close terminates the stream, synthesizing the terminator when the
// upstream closed before message_stop.
func (s *Stream) Close() []proxy.StreamEvent {
	if s.done {
		return nil
	}
	s.done = true
	return []proxy.StreamEvent{{Data: doneSentinel, Usage: s.usage(), Done: true}}
}

// Usage returns the token usage aggregated so far.
func (s *Stream) Usage() *proxy.Usage { return s.usage() }

func (s *Stream) usage() *proxy.Usage {
	if s.state.inputTokens == 0 && s.state.outputTokens == 0 {
		return nil
	}
	return &proxy.Usage{
		PromptTokens:     s.state.inputTokens,
		CompletionTokens: s.state.outputTokens,
		TotalTokens:      s.state.inputTokens + s.state.outputTokens,
	}
}

// handleEvent processes a single Anthropic SSE event and returns zero or
// more OpenAI-format events.
func (s *Stream) handleEvent(event, data string) []proxy.StreamEvent {
	switch event {
	case "message_start":
		return s.onMessageStart(data)
	case "content_block_delta":
		return s.onContentBlockDelta(data)
	case "message_delta":
		s.onMessageDelta(data)
		return nil
	case "message_stop":
		return s.onMessageStop()
	case "error":
		return s.onError(data)
	case "ping", "content_block_start", "content_block_stop":
		return nil
	default:
		return nil
	}
}

func (s *Stream) onMessageStart(data string) []proxy.StreamEvent {
	r := gjson.Parse(data)
	s.state.id = r.Get("message.id").String()
	s.state.model = r.Get("message.model").String()
	s.state.inputTokens = int(r.Get("message.usage.input_tokens").Int())
	if s.state.id == "" {
		s.state.id = "chatcmpl-" + s.fallbackID
	}
	if s.state.model == "" {
		s.state.model = s.fallbackModel
	}

	// Emit initial role chunk.
	chunk := sse.BuildDeltaChunk(s.state.id, s.state.model, map[string]any{"role": "assistant", "content": ""}, "")
	return []proxy.StreamEvent{{Data: chunk}}
}

func (s *Stream) onContentBlockDelta(data string) []proxy.StreamEvent {
	r := gjson.Parse(data)

	switch r.Get("delta.type").String() {
	case "text_delta":
		text := r.Get("delta.text").String()
		chunk := sse.BuildDeltaChunk(s.state.id, s.state.model, map[string]any{"content": text}, "")
		return []proxy.StreamEvent{{Data: chunk}}

	case "input_json_delta":
		// Tool call argument delta.
		idx := int(r.Get("index").Int())
		partial := r.Get("delta.partial_json").String()
		chunk := sse.BuildToolCallDeltaChunk(s.state.id, s.state.model, idx, partial)
		return []proxy.StreamEvent{{Data: chunk}}
	}
	return nil
}

func (s *Stream) onMessageDelta(data string) {
	r := gjson.Parse(data)
	s.state.outputTokens = int(r.Get("usage.output_tokens").Int())
	s.state.stopReason = r.Get("delta.stop_reason").String()
}

func (s *Stream) onMessageStop() []proxy.StreamEvent {
	s.done = true
	usage := s.usage()

	finish := sse.BuildFinishChunk(s.state.id, s.state.model, mapStopReason(s.state.stopReason))
	out := []proxy.StreamEvent{{Data: finish}}
	if usage != nil {
		out = append(out, proxy.StreamEvent{Data: sse.BuildUsageChunk(s.state.id, s.state.model, usage)})
	}
	return append(out, proxy.StreamEvent{Data: doneSentinel, Usage: usage, Done: true})
}

func (s *Stream) onError(data string) []proxy.StreamEvent {
	s.done = true
	r := gjson.Parse(data)
	msg := r.Get("error.message").String()
	if msg == "" {
		msg = "upstream stream error"
	}
	errType := r.Get("error.type").String()
	if errType == "" {
		errType = "upstream_error"
	}
	return []proxy.StreamEvent{
		{Data: sse.BuildErrorChunk(msg, errType)},
		{Data: doneSentinel, Usage: s.usage(), Done: true},
	}
}

// NativeStream passes Anthropic events through unchanged to an Anthropic
// client, tracking usage and the message_stop terminator.
type NativeStream struct {
	framer sse.Framer
	state  streamState
	done   bool
}

// NewNativeStream returns a passthrough transformer for Anthropic clients
// on Anthropic-shaped upstreams.
func NewNativeStream() *NativeStream {
	return &NativeStream{}
}

func (s *NativeStream) Reset() {
	s.framer.Reset()
	s.state = streamState{}
	s.done = false
}

func (s *NativeStream) Push(p []byte) []proxy.StreamEvent {
	var out []proxy.StreamEvent
	for _, fr := range s.framer.Push(p) {
		if s.done {
			break
		}
		event := fr.Event
		if event == "" {
			event = gjson.Parse(fr.Data).Get("type").String()
		}
		switch event {
		case "message_start":
			r := gjson.Parse(fr.Data)
			s.state.inputTokens = int(r.Get("message.usage.input_tokens").Int())
		case "message_delta":
			s.onMessageDelta(fr.Data)
		case "message_stop":
			s.done = true
			out = append(out, proxy.StreamEvent{
				Name: event, Data: []byte(fr.Data), Origin: fr.Raw,
				Usage: s.usage(), Done: true,
			})
			continue
		}
		out = append(out, proxy.StreamEvent{Name: event, Data: []byte(fr.Data), Origin: fr.Raw})
	}
	return out
}

func (s *NativeStream) Close() []proxy.StreamEvent {
	if s.done {
		return nil
	}
	s.done = true
	data, _ := buildNativeError("upstream closed the stream early", "overloaded_error")
	return []proxy.StreamEvent{{Name: "error", Data: data, Usage: s.usage(), Done: true}}
}

// Usage returns the token usage aggregated so far.
func (s *NativeStream) Usage() *proxy.Usage { return s.usage() }

func (s *NativeStream) usage() *proxy.Usage {
	if s.state.inputTokens == 0 && s.state.outputTokens == 0 {
		return nil
	}
	return &proxy.Usage{
		PromptTokens:     s.state.inputTokens,
		CompletionTokens: s.state.outputTokens,
		TotalTokens:      s.state.inputTokens + s.state.outputTokens,
	}
}

func (s *NativeStream) onMessageDelta(data string) {
	r := gjson.Parse(data)
	s.state.outputTokens = int(r.Get("usage.output_tokens").Int())
	s.state.stopReason = r.Get("delta.stop_reason").String()
}

// buildNativeError builds an Anthropic error event payload.
func buildNativeError(message, errType string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
}
