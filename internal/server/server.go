// Package server implements the HTTP transport layer for the Palantir proxy.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/auth"
	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/pipeline"
	"github.com/eugener/palantir/internal/queue"
	"github.com/eugener/palantir/internal/telemetry"
)

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Engine *pipeline.Engine
	Keys   *keypool.Pool
	Queue  *queue.Queue

	Gatekeeper *auth.Gatekeeper   // nil = open proxy
	Metrics    *telemetry.Metrics // nil = no metrics middleware
	// MetricsHandler serves GET /metrics when non-nil.
	MetricsHandler http.Handler

	// ReadyCheck gates /readyz when non-nil (storage ping).
	ReadyCheck func(ctx context.Context) error

	// BuildVersion is reported on the info endpoint.
	BuildVersion string
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps, info: newInfoCache()}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/", s.handleInfo)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Per-service mounts. Every service exposes the OpenAI-dialect surface;
	// services whose upstream speaks another dialect additionally expose
	// that native surface.
	for _, svc := range proxy.AllServices {
		s.mountService(r, svc)
	}

	return r
}

type server struct {
	deps Deps
	info *infoCache
}

func (s *server) mountService(r chi.Router, svc proxy.Service) {
	r.Route("/"+string(svc), func(r chi.Router) {
		switch proxy.NativeDialect(svc) {
		case proxy.DialectAnthropic:
			r.Use(normalizeAuth("X-Api-Key"))
		case proxy.DialectGoogleAI:
			r.Use(normalizeAuth("X-Goog-Api-Key"))
		}
		r.Use(s.gatekeep)

		r.Get("/v1/models", s.handleListModels(svc))
		r.Post("/v1/chat/completions", s.handleChat(svc, proxy.DialectOpenAI))

		switch proxy.NativeDialect(svc) {
		case proxy.DialectAnthropic:
			r.Post("/v1/messages", s.handleChat(svc, proxy.DialectAnthropic))
		case proxy.DialectGoogleAI:
			r.Post("/v1beta/models/{model}:{action}", s.handleGoogleNative(svc))
			r.Get("/v1beta/models", s.handleListGoogleModels(svc))
		case proxy.DialectOpenAI:
			r.Post("/v1/embeddings", s.handleEmbeddings(svc))
		}
	})
}
