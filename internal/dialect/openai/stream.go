package openai

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/dialect/sse"
)

var doneSentinel = []byte("[DONE]")

// Stream passes OpenAI-shaped upstream chunks through to an OpenAI client.
// It drops the Azure OpenAI initial prompt_filter_results event, synthesizes
// the initial role chunk when the upstream omits it, and guarantees exactly
// one [DONE] terminator.
type Stream struct {
	fallbackID    string
	fallbackModel string

	framer    sse.Framer
	seenFirst bool
	roleSent  bool
	done      bool
	usage     *proxy.Usage
}

// NewStream returns a passthrough transformer for OpenAI-shaped upstreams.
// fallbackID and fallbackModel fill the synthesized initial chunk when the
// upstream chunks have not been seen yet.
func NewStream(fallbackID, fallbackModel string) *Stream {
	return &Stream{fallbackID: fallbackID, fallbackModel: fallbackModel}
}

// Reset prepares the transformer for a fresh upstream attempt.
func (s *Stream) Reset() {
	s.framer.Reset()
	s.seenFirst = false
	s.roleSent = false
	s.done = false
	s.usage = nil
}

// Push feeds upstream bytes in and returns the client-facing events they
// complete.
func (s *Stream) Push(p []byte) []proxy.StreamEvent {
	var out []proxy.StreamEvent
	for _, fr := range s.framer.Push(p) {
		if s.done {
			break
		}
		if fr.Data == "[DONE]" {
			s.done = true
			out = append(out, proxy.StreamEvent{Data: doneSentinel, Origin: fr.Raw, Usage: s.usage, Done: true})
			continue
		}

		r := gjson.Parse(fr.Data)

		// Azure prepends a chunk carrying only prompt_filter_results.
		if !s.seenFirst && r.Get("prompt_filter_results").Exists() && !r.Get("choices.0.delta").Exists() {
			s.seenFirst = true
			out = append(out, proxy.StreamEvent{Origin: fr.Raw})
			continue
		}
		s.seenFirst = true

		if u := r.Get("usage"); u.Exists() && u.IsObject() {
			var usage proxy.Usage
			if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
				s.usage = &usage
			}
		}

		if delta := r.Get("choices.0.delta"); delta.Exists() {
			if !s.roleSent && !delta.Get("role").Exists() {
				id := r.Get("id").String()
				model := r.Get("model").String()
				if id == "" {
					id = s.fallbackID
				}
				if model == "" {
					model = s.fallbackModel
				}
				first := sse.BuildDeltaChunk(id, model, map[string]any{"role": "assistant", "content": ""}, "")
				out = append(out, proxy.StreamEvent{Data: first})
			}
			s.roleSent = true
		}

		out = append(out, proxy.StreamEvent{Data: []byte(fr.Data), Origin: fr.Raw})
	}
	return out
}

// Close terminates the stream. If the upstream closed without [DONE], the
// terminator is synthesized so the client always sees exactly one.
func (s *Stream) Close() []proxy.StreamEvent {
	if s.done {
		return nil
	}
	s.done = true
	return []proxy.StreamEvent{{Data: doneSentinel, Usage: s.usage, Done: true}}
}

// Usage returns the usage reported by the upstream, or nil.
func (s *Stream) Usage() *proxy.Usage { return s.usage }
