package proxy

import (
	"net/http"
	"time"
)

// Request is the per-inbound-request record threaded through the pipeline.
// It is created on HTTP ingress and destroyed when the client response
// completes; it may outlive a single upstream attempt when re-enqueued.
type Request struct {
	// ID is chosen once at ingress (UUID v7). Synthesized completion IDs
	// in translated responses derive from it, keeping translation
	// deterministic per request.
	ID string

	InDialect  Dialect
	OutDialect Dialect

	Service Service
	Family  ModelFamily

	// Model is the canonical upstream model identifier after normalization.
	Model string
	// RawModel is the identifier the client sent, echoed back in responses.
	RawModel string

	// Body is the request body in OutDialect form. Mutations are recorded
	// in Changes so the body can be restored before a re-enqueue.
	Body []byte

	// Key is the credential chosen at dispatch time.
	Key Key

	PromptTokens int
	// OutputTokens is the client's max_tokens (or the per-model ceiling
	// when omitted); overwritten by the actual completion count during
	// postprocess.
	OutputTokens int

	IsStreaming bool
	HasImages   bool

	RetryCount int

	// EnqueuedAt is the time of the first enqueue. Re-enqueues do not
	// reset it; partition FIFO order is by first enqueue.
	EnqueuedAt time.Time

	// Signed is the finalized upstream URL, headers, and body. Only this
	// form is ever sent upstream. Rebuilt per attempt.
	Signed *SignedRequest

	// Changes records revertable per-attempt mutations.
	Changes ChangeManager

	// UserToken identifies the client for external usage accounting.
	// Empty when the deployment runs without a user store.
	UserToken string
}

// SignedRequest is the finalized upstream call produced by the per-service
// signer chain.
type SignedRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// --- Change manager ---

// change is one recorded mutation with enough state to undo it.
type change struct {
	kind      changeKind
	priorBody []byte
}

type changeKind int

const (
	changeBody changeKind = iota
	changeSign
)

// ChangeManager is a revertable log of per-attempt request mutations.
// Signing and per-service body rewrites are recorded here so a re-enqueued
// request starts each attempt from the same preprocessed state.
type ChangeManager struct {
	log []change
}

// RecordBody snapshots the current body before a mutation.
func (cm *ChangeManager) RecordBody(prior []byte) {
	snap := make([]byte, len(prior))
	copy(snap, prior)
	cm.log = append(cm.log, change{kind: changeBody, priorBody: snap})
}

// RecordSign marks that the request has been signed this attempt.
func (cm *ChangeManager) RecordSign() {
	cm.log = append(cm.log, change{kind: changeSign})
}

// Revert undoes all recorded mutations on req in reverse order and clears
// the log. Called before every re-enqueue.
func (cm *ChangeManager) Revert(req *Request) {
	for i := len(cm.log) - 1; i >= 0; i-- {
		switch c := cm.log[i]; c.kind {
		case changeBody:
			req.Body = c.priorBody
		case changeSign:
			req.Signed = nil
		}
	}
	cm.log = cm.log[:0]
}

// Len returns the number of recorded mutations (for tests).
func (cm *ChangeManager) Len() int { return len(cm.log) }

// Usage is token usage reported in a completion response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageRecord is one completed upstream exchange, emitted by postprocess
// for persistence and per-user accounting.
type UsageRecord struct {
	RequestID        string      `json:"request_id"`
	UserToken        string      `json:"user_token,omitempty"`
	Service          Service     `json:"service"`
	Family           ModelFamily `json:"family"`
	Model            string      `json:"model"`
	KeyHash          string      `json:"key_hash"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	CostUSD          float64     `json:"cost_usd"`
	Streamed         bool        `json:"streamed"`
	Retries          int         `json:"retries"`
	LatencyMs        int         `json:"latency_ms"`
	CreatedAt        time.Time   `json:"created_at"`
}

// StreamEvent is one transformed server-sent event on its way to the client.
type StreamEvent struct {
	// Name is the SSE event name. Empty for dialects whose wire shape is
	// data-only (OpenAI, Google AI).
	Name string
	// Data is the transformed payload in the client's dialect. For OpenAI
	// clients the terminator carries the literal "[DONE]" sentinel.
	Data []byte
	// Origin holds the original upstream event bytes for logging.
	Origin []byte
	// Usage is non-nil on the event that carries final token counts.
	Usage *Usage
	// Done marks the stream terminator. Exactly one Done event is emitted
	// per stream.
	Done bool
	Err  error
}
