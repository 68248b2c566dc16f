package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	proxy "github.com/eugener/palantir/internal"
)

// statusWriterPool recycles the per-request status wrapper. Completion
// traffic is SSE-heavy, so the wrapper lives for the whole stream; pooling
// keeps it off the heap anyway. ResponseWriter is nilled on Put so the pool
// never pins a hijacked connection.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery converts handler panics into the standard error envelope.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
				slog.Any("error", rec),
				slog.String("path", r.URL.Path),
				slog.String("request_id", proxy.RequestIDFromContext(r.Context())),
			)
			writeProxyError(w, proxy.NewError(proxy.ErrTypeInternal,
				http.StatusInternalServerError, "internal server error"))
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader is in canonical MIME form so direct header-map access works
// without textproto canonicalization.
const requestIDHeader = "X-Request-Id"

// requestID tags the request with a UUID v7, echoed on the response and
// reused by the pipeline for usage records and synthesized completion IDs.
// An inbound X-Request-Id is honored so callers can correlate across hops.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if vals := r.Header[requestIDHeader]; len(vals) > 0 {
			id = vals[0]
		}
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		ctx := proxy.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging emits one structured line per request. Typed slog attrs stay on
// the stack, which matters at streaming request rates.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		next.ServeHTTP(sw, r)
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", proxy.RequestIDFromContext(r.Context())),
		)
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}

// gatekeep validates proxy access credentials and stores the caller's user
// token in the request context for usage accounting.
func (s *server) gatekeep(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Gatekeeper == nil {
			next.ServeHTTP(w, r)
			return
		}
		token, err := s.deps.Gatekeeper.Authenticate(r.Context(), r)
		if err != nil {
			writeProxyError(w, proxy.NewError(proxy.ErrTypeBadRequest,
				http.StatusUnauthorized, "invalid proxy credentials"))
			return
		}
		ctx := proxy.ContextWithUserToken(r.Context(), token)
		if ctx == r.Context() {
			// Token was stored via pointer mutation; skip Request.WithContext.
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// normalizeAuth returns middleware that copies a provider-specific auth header
// to Authorization: Bearer, so the gatekeeper works unchanged for clients
// speaking native provider auth. If Authorization is already present, the
// provider header is ignored.
func normalizeAuth(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				if key := r.Header.Get(header); key != "" {
					r.Header.Set("Authorization", "Bearer "+key)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusWriter captures the response status for the request log. Only the
// first WriteHeader counts, matching net/http semantics.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush forwards to the wrapped writer so SSE events leave the process
// immediately instead of sitting in middleware buffers.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
