package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/pipeline"
)

// isValidParam checks that s is non-empty, bounded, and contains only
// [a-zA-Z0-9._-]. URL params flow into upstream paths, so reject anything
// that could smuggle separators.
func isValidParam(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// handleGoogleNative serves the Google AI wire surface, where the model and
// action travel in the URL rather than the body.
func (s *server) handleGoogleNative(svc proxy.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		model := chi.URLParam(r, "model")
		action := chi.URLParam(r, "action")
		if !isValidParam(model) || !isValidParam(action) {
			writeProxyError(w, proxy.NewError(proxy.ErrTypeBadRequest,
				http.StatusBadRequest, "invalid path parameters"))
			return
		}

		var stream bool
		switch action {
		case "generateContent":
		case "streamGenerateContent":
			stream = true
		default:
			writeProxyError(w, proxy.NewError(proxy.ErrTypeBadRequest,
				http.StatusNotFound, "unsupported action "+action))
			return
		}

		body, ok := readBody(w, r)
		if !ok {
			return
		}

		req, err := s.deps.Engine.Preprocess(r.Context(), &pipeline.Inbound{
			Service:   svc,
			Dialect:   proxy.DialectGoogleAI,
			Body:      body,
			Model:     model,
			Stream:    &stream,
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
