package server

import (
	"net/http"

	proxy "github.com/eugener/palantir/internal"
)

// handleEmbeddings forwards an embeddings request verbatim on a pooled key.
// Embeddings bypass the admission queue and are never retried; the upstream
// status and body pass straight through.
func (s *server) handleEmbeddings(svc proxy.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		status, out, err := s.deps.Engine.Passthrough(r.Context(), svc, "/v1/embeddings", body)
		if err != nil {
			writeProxyError(w, err)
			return
		}
		writeRawJSON(w, status, out)
	}
}
