package google

import (
	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/dialect/sse"
)

var doneSentinel = []byte("[DONE]")

// Stream rewrites streamGenerateContent SSE chunks into OpenAI
// chat.completion.chunk events. The Google stream has no terminator event;
// termination happens on connection close, so Close emits the finish and
// usage chunks.
type Stream struct {
	id    string
	model string

	framer   sse.Framer
	roleSent bool
	done     bool

	finishReason string
	usage        *proxy.Usage
}

// NewStream returns a Google-to-OpenAI stream transformer. The completion
// ID derives from requestID.
func NewStream(requestID, model string) *Stream {
	return &Stream{id: "chatcmpl-" + requestID, model: model}
}

// Reset prepares the transformer for a fresh upstream attempt.
func (s *Stream) Reset() {
	s.framer.Reset()
	s.roleSent = false
	s.done = false
	s.finishReason = ""
	s.usage = nil
}

// Push feeds upstream bytes in and returns the OpenAI-shaped events they
// complete.
func (s *Stream) Push(p []byte) []proxy.StreamEvent {
	var out []proxy.StreamEvent
	for _, fr := range s.framer.Push(p) {
		if s.done {
			break
		}
		r := gjson.Parse(fr.Data)

		if reason := r.Get("candidates.0.finishReason"); reason.Exists() {
			s.finishReason = mapStopReason(reason.String())
		}
		// usageMetadata is cumulative; the last chunk wins.
		if u := r.Get("usageMetadata"); u.Exists() {
			s.usage = &proxy.Usage{
				PromptTokens:     int(u.Get("promptTokenCount").Int()),
				CompletionTokens: int(u.Get("candidatesTokenCount").Int() + u.Get("thoughtsTokenCount").Int()),
				TotalTokens:      int(u.Get("totalTokenCount").Int()),
			}
		}

		if !s.roleSent {
			s.roleSent = true
			first := sse.BuildDeltaChunk(s.id, s.model, map[string]any{"role": "assistant", "content": ""}, "")
			out = append(out, proxy.StreamEvent{Data: first, Origin: fr.Raw})
		}

		emitted := false
		r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text"); text.Exists() && text.String() != "" {
				chunk := sse.BuildDeltaChunk(s.id, s.model, map[string]any{"content": text.String()}, "")
				out = append(out, proxy.StreamEvent{Data: chunk, Origin: fr.Raw})
				emitted = true
			}
			if fc := part.Get("functionCall"); fc.Exists() {
				chunk := sse.BuildToolCallDeltaChunk(s.id, s.model, 0, fc.Get("args").Raw)
				out = append(out, proxy.StreamEvent{Data: chunk, Origin: fr.Raw})
				emitted = true
			}
			return true
		})
		if !emitted {
			out = append(out, proxy.StreamEvent{Origin: fr.Raw})
		}
	}
	return out
}

// Close emits the finish chunk, the usage chunk when known, and the
// terminator.
func (s *Stream) Close() []proxy.StreamEvent {
	if s.done {
		return nil
	}
	s.done = true

	reason := s.finishReason
	if reason == "" {
		reason = "stop"
	}
	out := []proxy.StreamEvent{{Data: sse.BuildFinishChunk(s.id, s.model, reason)}}
	if s.usage != nil {
		out = append(out, proxy.StreamEvent{Data: sse.BuildUsageChunk(s.id, s.model, s.usage)})
	}
	return append(out, proxy.StreamEvent{Data: doneSentinel, Usage: s.usage, Done: true})
}

// Usage returns the usage reported by the upstream, or nil.
func (s *Stream) Usage() *proxy.Usage { return s.usage }

// NativeStream passes Google AI chunks through unchanged to a Google-dialect
// client, tracking usage.
type NativeStream struct {
	framer sse.Framer
	done   bool
	usage  *proxy.Usage
}

// NewNativeStream returns a passthrough transformer for Google-dialect
// clients.
func NewNativeStream() *NativeStream {
	return &NativeStream{}
}

func (s *NativeStream) Reset() {
	s.framer.Reset()
	s.done = false
	s.usage = nil
}

func (s *NativeStream) Push(p []byte) []proxy.StreamEvent {
	var out []proxy.StreamEvent
	for _, fr := range s.framer.Push(p) {
		if s.done {
			break
		}
		if u := gjson.Parse(fr.Data).Get("usageMetadata"); u.Exists() {
			s.usage = &proxy.Usage{
				PromptTokens:     int(u.Get("promptTokenCount").Int()),
				CompletionTokens: int(u.Get("candidatesTokenCount").Int() + u.Get("thoughtsTokenCount").Int()),
				TotalTokens:      int(u.Get("totalTokenCount").Int()),
			}
		}
		out = append(out, proxy.StreamEvent{Data: []byte(fr.Data), Origin: fr.Raw})
	}
	return out
}

// Close marks the terminator; the Google wire shape ends on connection
// close with no sentinel event.
func (s *NativeStream) Close() []proxy.StreamEvent {
	if s.done {
		return nil
	}
	s.done = true
	return []proxy.StreamEvent{{Usage: s.usage, Done: true}}
}

// Usage returns the usage reported by the upstream, or nil.
func (s *NativeStream) Usage() *proxy.Usage { return s.usage }
