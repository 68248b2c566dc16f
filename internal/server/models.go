package server

import (
	"net/http"
	"time"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/models"
)

// handleListModels reports the models a service mount can serve, filtered to
// families some pooled key still owns. OpenAI-compatible response shape.
func (s *server) handleListModels(svc proxy.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		owned := make(map[proxy.ModelFamily]bool)
		for _, k := range s.deps.Keys.List(svc) {
			if k.IsDisabled {
				continue
			}
			for _, f := range k.ModelFamilies {
				owned[f] = true
			}
		}

		now := time.Now().Unix()
		var data []modelEntry
		for _, id := range models.Catalog(svc) {
			family, ok := models.ResolveForService(id, svc)
			if !ok || !owned[family] {
				continue
			}
			data = append(data, modelEntry{
				ID:      id,
				Object:  "model",
				Created: now,
				OwnedBy: string(svc),
			})
		}

		writeJSON(w, http.StatusOK, modelListResponse{
			Object: "list",
			Data:   data,
		})
	}
}

// handleListGoogleModels is the same listing in the Google AI wire shape.
func (s *server) handleListGoogleModels(svc proxy.Service) http.HandlerFunc {
	type googleModel struct {
		Name                       string   `json:"name"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		var out struct {
			Models []googleModel `json:"models"`
		}
		for _, id := range models.Catalog(svc) {
			out.Models = append(out.Models, googleModel{
				Name:                       "models/" + id,
				SupportedGenerationMethods: []string{"generateContent", "streamGenerateContent"},
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
