// Package mistral adapts OpenAI chat-completion bodies for the Mistral La
// Plateforme API. The dialect is OpenAI-compatible on the wire except for a
// handful of field renames, so the transforms are surgical edits on the raw
// body rather than a full re-marshal.
package mistral

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	proxy "github.com/eugener/palantir/internal"
)

// FromOpenAIRequest rewrites an OpenAI request body for Mistral: seed
// becomes random_seed, and fields Mistral rejects are dropped.
func FromOpenAIRequest(body []byte, model string) ([]byte, error) {
	out, err := sjson.SetBytes(body, "model", model)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", proxy.ErrBadRequest, err)
	}

	if seed := gjson.GetBytes(out, "seed"); seed.Exists() {
		out, _ = sjson.SetBytes(out, "random_seed", seed.Int())
		out, _ = sjson.DeleteBytes(out, "seed")
	}
	for _, field := range []string{"user", "logit_bias", "stream_options"} {
		if gjson.GetBytes(out, field).Exists() {
			out, _ = sjson.DeleteBytes(out, field)
		}
	}
	return out, nil
}

// ToOpenAIResponse is the identity: Mistral responses are already
// OpenAI-shaped.
func ToOpenAIResponse(body []byte) ([]byte, error) {
	return body, nil
}
