package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/weirdion/weirdion/internal/nodes"
	"github.com/weirdion/weirdion/internal/profile"
	"github.com/weirdion/weirdion/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// RevisionStore abstracts the revision history operations for the API layer.
type RevisionStore interface {
	ListRevisions(limit, offset int) ([]storage.Revision, error)
	GetRevision(id string) (storage.Revision, error)
	PruneRevisions(keep int) (int64, error)
}

// CheckpointLister lists checkpoint files for the profile manager.
type CheckpointLister interface {
	Checkpoints(ctx context.Context) ([]string, error)
}

// Deps holds the dependencies of the HTTP API. Only Profiles is required.
type Deps struct {
	Profiles *profile.Store
	History  RevisionStore    // optional; history routes answer 503 without it
	Models   CheckpointLister // optional; checkpoints list is empty without it
	Nodes    *nodes.Registry  // optional
	Hub      *Hub             // optional; /weirdion/events answers 503 without it
	Metrics  *Metrics         // optional
	Token    string           // optional bearer token for /weirdion/*
}

// NewHandler returns the HTTP API: health and metrics at the root and the
// profile manager, LoRA and node routes under /weirdion.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/weirdion", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/profiles", handleGetProfiles(deps))
		r.Post("/profiles", handleSaveProfiles(deps))
		r.Post("/profiles/resolve", handleResolveProfile(deps))
		r.Get("/profiles/history", handleListRevisions(deps))
		r.Get("/profiles/history/{id}", handleGetRevision(deps))
		r.Post("/profiles/history/{id}/restore", handleRestoreRevision(deps))

		r.Post("/lora/parse", handleParseLora(deps))

		r.Get("/nodes", handleListNodes(deps))
		r.Post("/nodes/{name}/run", handleRunNode(deps))

		r.Get("/events", handleEvents(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
