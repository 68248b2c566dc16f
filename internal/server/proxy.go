package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/dialect/sse"
	"github.com/eugener/palantir/internal/pipeline"
)

// maxRequestBody bounds inbound completion bodies (multimodal prompts can be
// large, but not unbounded).
const maxRequestBody = 10 << 20

// bodyPool reuses read buffers across requests.
var bodyPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

const keepAliveInterval = 15 * time.Second

// readBody drains the request body through the pool. Returns false after
// writing an error response.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeProxyError(w, proxy.NewError(proxy.ErrTypeBadRequest,
			http.StatusBadRequest, "failed to read request body"))
		return nil, false
	}
	body := bytes.Clone(buf.Bytes())
	bodyPool.Put(buf)
	return body, true
}

// handleChat serves a completion request arriving in the given dialect on
// the given service mount.
func (s *server) handleChat(svc proxy.Service, d proxy.Dialect) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}

		req, err := s.deps.Engine.Preprocess(r.Context(), &pipeline.Inbound{
			Service:   svc,
			Dialect:   d,
			Body:      body,
			UserToken: proxy.UserTokenFromContext(r.Context()),
		})
		if err != nil {
			writeProxyError(w, err)
			return
		}

		if req.IsStreaming {
			s.streamResponse(w, r, req)
			return
		}

		out, err := s.deps.Engine.Execute(r.Context(), req)
		if err != nil {
			writeProxyError(w, err)
			return
		}
		writeRawJSON(w, http.StatusOK, out)
	}
}

// streamResponse pumps transformed events to the client. Headers are not
// committed until the first event arrives, so pre-stream failures still get
// a JSON error with a real status code.
func (s *server) streamResponse(w http.ResponseWriter, r *http.Request, req *proxy.Request) {
	events := make(chan proxy.StreamEvent, 16)
	errc := make(chan error, 1)
	go func() {
		errc <- s.deps.Engine.ExecuteStream(r.Context(), req, func(ev proxy.StreamEvent) error {
			select {
			case events <- ev:
				return nil
			case <-r.Context().Done():
				return r.Context().Err()
			}
		})
		close(events)
	}()

	var sw *sse.Writer
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				err := <-errc
				if sw == nil {
					if err == nil {
						err = proxy.NewError(proxy.ErrTypeInternal,
							http.StatusBadGateway, "upstream produced no events")
					}
					writeProxyError(w, err)
				} else if err != nil {
					slog.LogAttrs(r.Context(), slog.LevelWarn, "stream ended with error",
						slog.String("request_id", req.ID),
						slog.String("error", err.Error()),
					)
				}
				return
			}
			if sw == nil {
				var werr error
				sw, werr = sse.NewWriter(w)
				if werr != nil {
					slog.LogAttrs(r.Context(), slog.LevelError, "streaming unsupported",
						slog.String("error", werr.Error()),
					)
					return
				}
				sw.WriteHeaders()
			}
			sw.WriteEvent(ev)

		case <-keepAlive.C:
			if sw != nil {
				sw.WriteKeepAlive()
			}

		case <-r.Context().Done():
			return
		}
	}
}

// errorPayload is the user-visible error envelope.
type errorPayload struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
	ProxyNote string `json:"proxy_note,omitempty"`
}

// writeProxyError renders a typed proxy error; unknown errors become 500s
// without leaking internals.
func writeProxyError(w http.ResponseWriter, err error) {
	var pe *proxy.Error
	if !errors.As(err, &pe) {
		pe = proxy.NewError(proxy.ErrTypeInternal, http.StatusInternalServerError, "internal server error")
	}
	var payload errorPayload
	payload.Error.Message = pe.Message
	payload.Error.Type = string(pe.Type)
	payload.ProxyNote = pe.ProxyNote
	writeJSON(w, pe.Status, payload)
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeRawJSON writes an already-serialized JSON body.
func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(body)
}
