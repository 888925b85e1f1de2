package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/weirdion/weirdion/internal/history"
	"github.com/weirdion/weirdion/internal/nodes"
	"github.com/weirdion/weirdion/internal/profile"
	"github.com/weirdion/weirdion/internal/storage"
)

// ProfilesResponse is the profile manager's view of both documents.
type ProfilesResponse struct {
	DefaultProfile     profile.Profile            `json:"default_profile"`
	Profiles           map[string]profile.Profile `json:"profiles"`
	CheckpointDefaults map[string]string          `json:"checkpoint_defaults"`
	Checkpoints        []string                   `json:"checkpoints"`
}

// ResolveRequest selects a profile the way the loader nodes do.
type ResolveRequest struct {
	Profile                string `json:"profile"`
	Checkpoint             string `json:"checkpoint"`
	AllowCheckpointDefault *bool  `json:"allow_checkpoint_default"`
}

func handleGetProfiles(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := deps.Profiles.LoadDefaultProfile()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		user, err := deps.Profiles.LoadUserProfiles()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		checkpoints := []string{}
		if deps.Models != nil {
			if list, err := deps.Models.Checkpoints(r.Context()); err != nil {
				slog.Warn("listing checkpoints failed", "error", err)
			} else {
				checkpoints = list
			}
		}

		writeJSON(w, ProfilesResponse{
			DefaultProfile:     def,
			Profiles:           user.Profiles,
			CheckpointDefaults: user.CheckpointDefaults,
			Checkpoints:        checkpoints,
		})
	}
}

func handleSaveProfiles(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			deps.Metrics.saved("error")
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading request body: %v", err)
			return
		}

		doc, err := decodeSavePayload(body)
		if err == nil {
			err = deps.Profiles.SaveUserProfiles(doc)
		}
		if err != nil {
			if errors.Is(err, profile.ErrInvalid) {
				deps.Metrics.saved("invalid")
			} else {
				deps.Metrics.saved("error")
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		deps.Metrics.saved("ok")
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

var errNotObject = fmt.Errorf("%w: payload must be a JSON object", profile.ErrInvalid)

// decodeSavePayload keeps only the profiles and checkpoint_defaults keys of
// a request body, defaulting each to an empty object, and validates the
// result as a user document.
func decodeSavePayload(body []byte) (profile.UserDocument, error) {
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) || len(trimmed) == 0 || trimmed[0] != '{' {
		return profile.UserDocument{}, errNotObject
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return profile.UserDocument{}, errNotObject
	}

	doc := map[string]json.RawMessage{
		"profiles":            json.RawMessage(`{}`),
		"checkpoint_defaults": json.RawMessage(`{}`),
	}
	for key := range doc {
		if raw, ok := top[key]; ok {
			doc[key] = raw
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return profile.UserDocument{}, err
	}
	return profile.DecodeUserDocument(data)
}

func handleResolveProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ResolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		allow := true
		if req.AllowCheckpointDefault != nil {
			allow = *req.AllowCheckpointDefault
		}

		res, err := deps.Profiles.ResolveProfile(nodes.NormalizeSelection(req.Profile), req.Checkpoint, allow)
		switch {
		case errors.Is(err, profile.ErrProfileNotFound):
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		deps.Metrics.resolved(res.Source)
		writeJSON(w, res)
	}
}

func handleListRevisions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.History == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "revision history is not enabled")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		revs, err := deps.History.ListRevisions(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list revisions: %v", err)
			return
		}
		if revs == nil {
			revs = []storage.Revision{}
		}
		writeJSON(w, revs)
	}
}

func handleGetRevision(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.History == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "revision history is not enabled")
			return
		}
		rev, err := deps.History.GetRevision(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "revision not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get revision: %v", err)
			return
		}
		writeJSON(w, rev)
	}
}

func handleRestoreRevision(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.History == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "revision history is not enabled")
			return
		}
		id := chi.URLParam(r, "id")

		doc, err := history.Restore(deps.History, deps.Profiles, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "revision not found")
			return
		case errors.Is(err, profile.ErrInvalid):
			deps.Metrics.saved("invalid")
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil:
			deps.Metrics.saved("error")
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		deps.Metrics.saved("ok")
		writeJSON(w, map[string]any{"status": "restored", "profiles": len(doc.Profiles)})
	}
}
