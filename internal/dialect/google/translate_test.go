package google

import (
	"encoding/json"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/eugener/palantir/internal/dialect/openai"
)

func TestFromOpenAIRequest(t *testing.T) {
	t.Parallel()

	maxTok := 256
	req := &openai.ChatRequest{
		Model: "gemini-1.5-pro",
		Messages: []openai.Message{
			{Role: "system", Content: json.RawMessage(`"Answer briefly."`)},
			{Role: "user", Content: json.RawMessage(`"why is the sky blue"`)},
			{Role: "assistant", Content: json.RawMessage(`"Rayleigh scattering."`)},
		},
		MaxTokens: &maxTok,
	}

	body, err := FromOpenAIRequest(req)
	if err != nil {
		t.Fatalf("FromOpenAIRequest: %v", err)
	}

	r := gjson.ParseBytes(body)
	if got := r.Get("systemInstruction.parts.0.text").String(); got != "Answer briefly." {
		t.Errorf("systemInstruction = %q", got)
	}
	if got := r.Get("contents.#").Int(); got != 2 {
		t.Fatalf("got %d contents, want 2 (system lifted out)", got)
	}
	if got := r.Get("contents.1.role").String(); got != "model" {
		t.Errorf("assistant role = %q, want model", got)
	}
	if got := r.Get("generationConfig.maxOutputTokens").Int(); got != 256 {
		t.Errorf("maxOutputTokens = %d, want 256", got)
	}
	if r.Get("model").Exists() {
		t.Error("model must not appear in the body")
	}
}

func TestFromOpenAIRequestMultimodalContent(t *testing.T) {
	t.Parallel()

	req := &openai.ChatRequest{
		Model: "gemini-1.5-pro",
		Messages: []openai.Message{
			{Role: "user", Content: json.RawMessage(`[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]`)},
		},
	}

	body, err := FromOpenAIRequest(req)
	if err != nil {
		t.Fatalf("FromOpenAIRequest: %v", err)
	}
	if got := gjson.GetBytes(body, "contents.0.parts.0.text").String(); got != "part one part two" {
		t.Errorf("flattened text = %q", got)
	}
}

func TestToOpenAIResponse(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"candidates": [{
			"content": {"parts": [{"text": "Blue light scatters more."}], "role": "model"},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 9, "candidatesTokenCount": 6, "totalTokenCount": 15}
	}`)

	body, err := ToOpenAIResponse(data, "req-3", "gemini-1.5-pro")
	if err != nil {
		t.Fatalf("ToOpenAIResponse: %v", err)
	}

	r := gjson.ParseBytes(body)
	if got := r.Get("id").String(); got != "chatcmpl-req-3" {
		t.Errorf("id = %q", got)
	}
	if got := r.Get("model").String(); got != "gemini-1.5-pro" {
		t.Errorf("model = %q", got)
	}
	if got := r.Get("choices.0.message.content").String(); got != "Blue light scatters more." {
		t.Errorf("content = %q", got)
	}
	if got := r.Get("choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("finish_reason = %q", got)
	}
	if got := r.Get("usage.total_tokens").Int(); got != 15 {
		t.Errorf("total_tokens = %d", got)
	}
}

func TestMapStopReason(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"STOP", "stop"},
		{"MAX_TOKENS", "length"},
		{"SAFETY", "content_filter"},
		{"RECITATION", "content_filter"},
		{"OTHER", "OTHER"},
	}
	for _, tt := range tests {
		if got := mapStopReason(tt.in); got != tt.want {
			t.Errorf("mapStopReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
