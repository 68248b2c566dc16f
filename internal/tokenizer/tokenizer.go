// Package tokenizer estimates prompt and completion token counts per wire
// dialect. Counts use a byte heuristic (~4 bytes per token for English text)
// with per-message overhead; that is accurate enough for context-window
// admission and usage accounting. The only contract is monotonicity (adding
// content never decreases the count) and that an empty prompt counts 0.
package tokenizer

import (
	"github.com/tidwall/gjson"

	proxy "github.com/eugener/palantir/internal"
)

// perMessageOverhead approximates the role and framing tokens each chat turn
// costs on GPT-family tokenizers.
const perMessageOverhead = 4

// replyPrime is the fixed cost priming the assistant reply.
const replyPrime = 3

// PromptCount is the result of counting a request body.
type PromptCount struct {
	Tokens int
	Images int
}

// CountPrompt counts the prompt tokens of a request body in the given
// dialect. Image parts cost a fixed estimate each.
func CountPrompt(d proxy.Dialect, body []byte) PromptCount {
	r := gjson.ParseBytes(body)
	switch d {
	case proxy.DialectAnthropic:
		return countAnthropic(r)
	case proxy.DialectGoogleAI:
		return countGoogle(r)
	default:
		// OpenAI and the OpenAI-compatible Mistral dialect.
		return countOpenAI(r)
	}
}

func countOpenAI(r gjson.Result) PromptCount {
	var pc PromptCount
	msgs := r.Get("messages")
	if !msgs.Exists() {
		return pc
	}
	msgs.ForEach(func(_, m gjson.Result) bool {
		pc.Tokens += perMessageOverhead
		pc.Tokens += estimate(m.Get("role").String())
		content := m.Get("content")
		switch {
		case content.Type == gjson.String:
			pc.Tokens += estimate(content.String())
		case content.IsArray():
			content.ForEach(func(_, part gjson.Result) bool {
				switch part.Get("type").String() {
				case "image_url":
					pc.Images++
					pc.Tokens += proxy.ImageTokenEstimate
				default:
					pc.Tokens += estimate(part.Get("text").String())
				}
				return true
			})
		}
		if tc := m.Get("tool_calls"); tc.Exists() {
			pc.Tokens += estimate(tc.Raw)
		}
		return true
	})
	if pc.Tokens > 0 {
		pc.Tokens += replyPrime
	}
	return pc
}

func countAnthropic(r gjson.Result) PromptCount {
	var pc PromptCount
	if sys := r.Get("system"); sys.Exists() {
		if sys.Type == gjson.String {
			pc.Tokens += estimate(sys.String())
		} else {
			sys.ForEach(func(_, b gjson.Result) bool {
				pc.Tokens += estimate(b.Get("text").String())
				return true
			})
		}
	}
	r.Get("messages").ForEach(func(_, m gjson.Result) bool {
		pc.Tokens += perMessageOverhead
		content := m.Get("content")
		switch {
		case content.Type == gjson.String:
			pc.Tokens += estimate(content.String())
		case content.IsArray():
			content.ForEach(func(_, block gjson.Result) bool {
				switch block.Get("type").String() {
				case "image":
					pc.Images++
					pc.Tokens += proxy.ImageTokenEstimate
				case "tool_use", "tool_result":
					pc.Tokens += estimate(block.Raw)
				default:
					pc.Tokens += estimate(block.Get("text").String())
				}
				return true
			})
		}
		return true
	})
	if pc.Tokens > 0 {
		pc.Tokens += replyPrime
	}
	return pc
}

func countGoogle(r gjson.Result) PromptCount {
	var pc PromptCount
	count := func(content gjson.Result) {
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			switch {
			case part.Get("inlineData").Exists() || part.Get("fileData").Exists():
				pc.Images++
				pc.Tokens += proxy.ImageTokenEstimate
			case part.Get("functionCall").Exists() || part.Get("functionResponse").Exists():
				pc.Tokens += estimate(part.Raw)
			default:
				pc.Tokens += estimate(part.Get("text").String())
			}
			return true
		})
	}
	if si := r.Get("systemInstruction"); si.Exists() {
		count(si)
	}
	r.Get("contents").ForEach(func(_, c gjson.Result) bool {
		pc.Tokens += perMessageOverhead
		count(c)
		return true
	})
	if pc.Tokens > 0 {
		pc.Tokens += replyPrime
	}
	return pc
}

// CountText estimates tokens for a plain text string.
func CountText(text string) int {
	return estimate(text)
}

// CountCompletion recounts the actual completion tokens from a blocking
// response body in the given dialect, preferring the usage the provider
// reported. Reasoning tokens are included where reported.
func CountCompletion(d proxy.Dialect, body []byte) int {
	r := gjson.ParseBytes(body)

	switch d {
	case proxy.DialectAnthropic:
		if u := r.Get("usage.output_tokens"); u.Exists() {
			return int(u.Int())
		}
		total := 0
		r.Get("content").ForEach(func(_, b gjson.Result) bool {
			total += estimate(b.Get("text").String())
			return true
		})
		return total
	case proxy.DialectGoogleAI:
		if u := r.Get("usageMetadata.candidatesTokenCount"); u.Exists() {
			n := int(u.Int())
			n += int(r.Get("usageMetadata.thoughtsTokenCount").Int())
			return n
		}
		return estimate(r.Get("candidates.0.content.parts.0.text").String())
	default:
		if u := r.Get("usage.completion_tokens"); u.Exists() {
			// completion_tokens already includes reasoning tokens.
			return int(u.Int())
		}
		return estimate(r.Get("choices.0.message.content").String())
	}
}

// estimate uses the ~4 bytes per token heuristic with ceil division.
func estimate(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
