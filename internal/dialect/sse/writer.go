package sse

import (
	"errors"
	"net/http"

	proxy "github.com/eugener/palantir/internal"
)

// Pre-allocated byte slices for SSE formatting. These avoid heap allocations
// on every write in the streaming hot path.
var (
	sseEventPrefix = []byte("event: ")
	sseDataPrefix  = []byte("data: ")
	sseLF          = []byte("\n")
	sseNewline     = []byte("\n\n")
	sseKeepAlive   = []byte(": keep-alive\n\n")
)

// Pre-allocated header value slices for SSE responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// ErrNoFlusher is returned when the ResponseWriter cannot flush, which makes
// SSE pointless.
var ErrNoFlusher = errors.New("sse: response writer does not implement http.Flusher")

// Writer writes transformed stream events to a client connection, flushing
// after every event.
type Writer struct {
	w http.ResponseWriter
	f http.Flusher
}

// NewWriter wraps w for SSE output. It does not write headers; call
// WriteHeaders once before the first event.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNoFlusher
	}
	return &Writer{w: w, f: f}, nil
}

// WriteHeaders sets the response headers for an SSE stream and commits the
// 200 status.
func (sw *Writer) WriteHeaders() {
	h := sw.w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	sw.w.WriteHeader(http.StatusOK)
	sw.f.Flush()
}

// WriteEvent writes one event frame ("event: <name>\n" when named, then
// "data: <payload>\n\n") and flushes.
func (sw *Writer) WriteEvent(ev proxy.StreamEvent) {
	if len(ev.Data) == 0 {
		return
	}
	if ev.Name != "" {
		sw.w.Write(sseEventPrefix)
		sw.w.Write([]byte(ev.Name))
		sw.w.Write(sseLF)
	}
	sw.w.Write(sseDataPrefix)
	sw.w.Write(ev.Data)
	sw.w.Write(sseNewline)
	sw.f.Flush()
}

// WriteKeepAlive writes an SSE comment to keep the connection alive.
func (sw *Writer) WriteKeepAlive() {
	sw.w.Write(sseKeepAlive)
	sw.f.Flush()
}
