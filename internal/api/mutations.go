package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/fieldsync/internal/queue"
)

// MutationRequest is the body of POST /mutations.
type MutationRequest struct {
	Kind        queue.Kind      `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attachments []string        `json:"attachments,omitempty"`
	DependsOn   []string        `json:"depends_on,omitempty"`
}

// MutationView is a queued mutation with its derived status.
type MutationView struct {
	queue.PendingMutation
	Status queue.Status `json:"status"`
}

func viewsOf(ms []queue.PendingMutation, maxRetries int) []MutationView {
	out := make([]MutationView, 0, len(ms))
	for _, m := range ms {
		out = append(out, MutationView{PendingMutation: m, Status: m.Status(maxRetries)})
	}
	return out
}

func enqueue(deps Deps, w http.ResponseWriter, kind queue.Kind, payload json.RawMessage, attachments, dependsOn []string) (string, bool) {
	var opts []queue.EnqueueOption
	if len(attachments) > 0 {
		opts = append(opts, queue.WithAttachments(attachments...))
	}
	if len(dependsOn) > 0 {
		opts = append(opts, queue.WithDependsOn(dependsOn...))
	}

	id, err := deps.Queue.Enqueue(kind, payload, opts...)
	if errors.Is(err, queue.ErrInvalidKind) || errors.Is(err, queue.ErrInvalidPayload) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return "", false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue mutation: %v", err)
		return "", false
	}
	trigger(deps)
	return id, true
}

func handleEnqueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req MutationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Kind == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "kind is required")
			return
		}

		id, ok := enqueue(deps, w, req.Kind, req.Payload, req.Attachments, req.DependsOn)
		if !ok {
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     id,
			"status": "queued",
		})
	}
}

func handleListMutations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		views := viewsOf(deps.Queue.List(), deps.Queue.MaxRetries())

		if want := queue.Status(r.URL.Query().Get("status")); want != "" {
			filtered := views[:0]
			for _, v := range views {
				if v.Status == want {
					filtered = append(filtered, v)
				}
			}
			views = filtered
		}

		writeJSON(w, http.StatusOK, page(r, views))
	}
}

func handleGetMutation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := deps.Queue.Get(chi.URLParam(r, "id"))
		if errors.Is(err, queue.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "mutation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get mutation: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, MutationView{PendingMutation: m, Status: m.Status(deps.Queue.MaxRetries())})
	}
}

func handleListDeadLetters(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		views := viewsOf(deps.Queue.ListDeadLetters(), deps.Queue.MaxRetries())
		writeJSON(w, http.StatusOK, page(r, views))
	}
}

func handleRetryDeadLetter(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Queue.RetryDeadLetter(chi.URLParam(r, "id"))
		switch {
		case errors.Is(err, queue.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "mutation not found")
			return
		case errors.Is(err, queue.ErrNotDeadLetter):
			httpError(w, http.StatusConflict, "conflict", "mutation is not a dead letter")
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to retry mutation: %v", err)
			return
		}
		trigger(deps)
		writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
	}
}

func handleDiscardDeadLetter(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Queue.DiscardDeadLetter(chi.URLParam(r, "id"))
		switch {
		case errors.Is(err, queue.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "mutation not found")
			return
		case errors.Is(err, queue.ErrNotDeadLetter):
			httpError(w, http.StatusConflict, "conflict", "mutation is not a dead letter")
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to discard mutation: %v", err)
			return
		}
		// A discarded prerequisite can unblock dependents.
		trigger(deps)
		writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
	}
}

func handleRetryAllDeadLetters(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Queue.RetryAllDeadLetters()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to retry dead letters: %v", err)
			return
		}
		if n > 0 {
			trigger(deps)
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": n})
	}
}

func handleDiscardAllDeadLetters(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Queue.DiscardAllDeadLetters()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to discard dead letters: %v", err)
			return
		}
		if n > 0 {
			trigger(deps)
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": n})
	}
}
