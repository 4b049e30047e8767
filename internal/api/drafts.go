package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/fieldsync/internal/draft"
	"github.com/kalambet/fieldsync/internal/queue"
)

// SubmitRequest is the body of POST /drafts/{formType}/{entityID}/submit.
type SubmitRequest struct {
	Kind        queue.Kind `json:"kind"`
	Attachments []string   `json:"attachments,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"`
}

func draftKey(r *http.Request) (string, string) {
	return chi.URLParam(r, "formType"), chi.URLParam(r, "entityID")
}

func draftError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, draft.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "draft not found")
	case errors.Is(err, draft.ErrInvalidKey), errors.Is(err, draft.ErrInvalidPayload):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to %s draft: %v", action, err)
	}
}

func handleListDrafts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		drafts, err := deps.Drafts.List()
		if err != nil {
			draftError(w, err, "list")
			return
		}
		if drafts == nil {
			drafts = []draft.Draft{}
		}
		writeJSON(w, http.StatusOK, page(r, drafts))
	}
}

func handleGetDraft(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formType, entityID := draftKey(r)
		d, err := deps.Drafts.Get(formType, entityID)
		if err != nil {
			draftError(w, err, "get")
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func handleSaveDraft(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		formType, entityID := draftKey(r)
		if err := deps.Drafts.Save(formType, entityID, json.RawMessage(body)); err != nil {
			draftError(w, err, "save")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	}
}

func handleClearDraft(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formType, entityID := draftKey(r)
		if err := deps.Drafts.Clear(formType, entityID); err != nil {
			draftError(w, err, "clear")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

func handleClearAllDrafts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Drafts.ClearAll(); err != nil {
			draftError(w, err, "clear")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

// handleSubmitDraft turns a draft into a queued mutation. The draft is only
// cleared once the mutation is durably queued.
func handleSubmitDraft(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Kind == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "kind is required")
			return
		}

		formType, entityID := draftKey(r)
		d, err := deps.Drafts.Get(formType, entityID)
		if err != nil {
			draftError(w, err, "get")
			return
		}

		id, ok := enqueue(deps, w, req.Kind, d.Payload, req.Attachments, req.DependsOn)
		if !ok {
			return
		}

		resp := map[string]string{"id": id, "status": "queued"}
		if err := deps.Drafts.Clear(formType, entityID); err != nil {
			resp["warning"] = "mutation queued but draft was not cleared: " + err.Error()
		}
		writeJSON(w, http.StatusAccepted, resp)
	}
}
