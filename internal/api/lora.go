package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/weirdion/weirdion/internal/lora"
	"github.com/weirdion/weirdion/internal/nodes"
	"github.com/weirdion/weirdion/internal/profile"
)

type parseLoraRequest struct {
	Text string `json:"text"`
}

type parseLoraResponse struct {
	Tags     []lora.Tag `json:"tags"`
	Stripped string     `json:"stripped"`
}

func handleParseLora(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req parseLoraRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		tags := lora.Parse(req.Text)
		deps.Metrics.parsedTags(len(tags))
		writeJSON(w, parseLoraResponse{Tags: tags, Stripped: lora.Strip(req.Text)})
	}
}

func handleListNodes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Nodes == nil {
			writeJSON(w, []nodes.Info{})
			return
		}
		writeJSON(w, deps.Nodes.Describe(r.Context()))
	}
}

func handleRunNode(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Nodes == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "node registry is not enabled")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		in := nodes.Inputs{}
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&in); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		out, err := deps.Nodes.Run(r.Context(), chi.URLParam(r, "name"), in)
		switch {
		case errors.Is(err, nodes.ErrUnknownNode), errors.Is(err, profile.ErrProfileNotFound):
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, out)
	}
}
