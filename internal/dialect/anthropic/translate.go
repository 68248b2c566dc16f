// Package anthropic translates between the OpenAI chat-completion dialect
// and the Anthropic Messages dialect, in both directions, for blocking
// bodies and SSE streams. AWS Bedrock responses pass through the binary
// event-stream decoder before reaching the same state machine.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/dialect/openai"
)

// defaultMaxTokens is applied when the client omits max_tokens; the
// Messages API requires it.
const defaultMaxTokens = 4096

// Request is the Anthropic Messages API request body.
type Request struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []Msg           `json:"messages"`
	System      json.RawMessage `json:"system"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	StopSeqs    json.RawMessage `json:"stop_sequences,omitempty"`
}

// Msg is one turn in an Anthropic conversation.
type Msg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// FromOpenAIRequest converts an OpenAI chat-completion request to a
// Messages API body. The system field is always present, empty when the
// client sent no system message.
func FromOpenAIRequest(req *openai.ChatRequest, model string) ([]byte, error) {
	out := &Request{
		Model:       model,
		MaxTokens:   defaultMaxTokens,
		System:      json.RawMessage(`""`),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Tools:       req.Tools,
		StopSeqs:    req.Stop,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			out.System = m.Content
		case "user", "assistant":
			out.Messages = append(out.Messages, Msg{
				Role:    m.Role,
				Content: m.Content,
			})
		case "tool":
			// Tool results map to user role in Anthropic's format.
			toolResult := fmt.Sprintf(`[{"type":"tool_result","tool_use_id":%q,"content":%s}]`,
				m.ToolCallID, string(m.Content))
			out.Messages = append(out.Messages, Msg{
				Role:    "user",
				Content: json.RawMessage(toolResult),
			})
		}
	}

	return json.Marshal(out)
}

// ToOpenAIRequest reconstructs an OpenAI chat-completion request from a
// Messages API body. Tool definitions are not carried back; the round trip
// preserves {messages, model, max_tokens, temperature, stream}.
func ToOpenAIRequest(body []byte) (*openai.ChatRequest, error) {
	var in Request
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: invalid request body: %v", proxy.ErrBadRequest, err)
	}
	if in.Model == "" {
		return nil, fmt.Errorf("%w: model is required", proxy.ErrBadRequest)
	}
	if len(in.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages must not be empty", proxy.ErrBadRequest)
	}

	out := &openai.ChatRequest{
		Model:       in.Model,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		Stream:      in.Stream,
		Stop:        in.StopSeqs,
	}
	if in.MaxTokens > 0 {
		mt := in.MaxTokens
		out.MaxTokens = &mt
	}
	if sys := systemText(in.System); sys != "" {
		content, _ := json.Marshal(sys)
		out.Messages = append(out.Messages, openai.Message{Role: "system", Content: content})
	}
	for _, m := range in.Messages {
		out.Messages = append(out.Messages, openai.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// systemText flattens an Anthropic system field (string or block array)
// into plain text.
func systemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var b strings.Builder
	gjson.ParseBytes(raw).ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			b.WriteString(block.Get("text").String())
		}
		return true
	})
	return b.String()
}

// ToOpenAIResponse converts a Messages API JSON response to an OpenAI
// chat.completion body. Synthesized fields derive from requestID and
// fallbackModel so the translation is deterministic per request.
func ToOpenAIResponse(data []byte, requestID, fallbackModel string) ([]byte, error) {
	result := gjson.ParseBytes(data)

	id := result.Get("id").String()
	if id == "" {
		id = "chatcmpl-" + requestID
	}
	model := result.Get("model").String()
	if model == "" {
		model = fallbackModel
	}
	stopReason := mapStopReason(result.Get("stop_reason").String())

	// Build message content from content blocks.
	var contentText strings.Builder
	var toolCalls []json.RawMessage
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			contentText.WriteString(block.Get("text").String())
		case "tool_use":
			tc, _ := json.Marshal(map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	msg := openai.Message{Role: "assistant"}
	ct, _ := json.Marshal(contentText.String())
	msg.Content = ct
	if len(toolCalls) > 0 {
		tc, _ := json.Marshal(toolCalls)
		msg.ToolCalls = tc
		if stopReason == "" {
			stopReason = "tool_calls"
		}
	}

	var usage *proxy.Usage
	if u := result.Get("usage"); u.Exists() {
		usage = &proxy.Usage{
			PromptTokens:     int(u.Get("input_tokens").Int()),
			CompletionTokens: int(u.Get("output_tokens").Int()),
			TotalTokens:      int(u.Get("input_tokens").Int()) + int(u.Get("output_tokens").Int()),
		}
	}

	return json.Marshal(&openai.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Model:   model,
		Choices: []openai.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   usage,
	})
}

// mapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "stop_sequence":
		return "stop"
	default:
		return reason
	}
}
