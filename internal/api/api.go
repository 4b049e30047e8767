package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/fieldsync/internal/draft"
	"github.com/kalambet/fieldsync/internal/queue"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Syncer starts a queue drain.
type Syncer interface {
	Trigger()
}

// Connectivity reports whether the backend is reachable.
type Connectivity interface {
	Online() bool
}

type Deps struct {
	Queue   *queue.Queue
	Drafts  *draft.Cache
	Monitor Connectivity // optional; status reports offline when nil
	Sync    Syncer       // optional; enqueue and retry endpoints trigger a drain when set
	Token   string
	Metrics http.Handler // optional; defaults to the Prometheus default registry
}

// NewHandler returns the local control API. /health and /metrics are open;
// everything else requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Metrics == nil {
		deps.Metrics = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	r.Handle("/metrics", deps.Metrics)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Post("/sync", handleSync(deps))

		r.Post("/mutations", handleEnqueue(deps))
		r.Get("/mutations", handleListMutations(deps))
		r.Get("/mutations/{id}", handleGetMutation(deps))

		r.Get("/dead-letters", handleListDeadLetters(deps))
		r.Post("/dead-letters/retry-all", handleRetryAllDeadLetters(deps))
		r.Delete("/dead-letters", handleDiscardAllDeadLetters(deps))
		r.Post("/dead-letters/{id}/retry", handleRetryDeadLetter(deps))
		r.Delete("/dead-letters/{id}", handleDiscardDeadLetter(deps))

		r.Get("/drafts", handleListDrafts(deps))
		r.Delete("/drafts", handleClearAllDrafts(deps))
		r.Get("/drafts/{formType}/{entityID}", handleGetDraft(deps))
		r.Put("/drafts/{formType}/{entityID}", handleSaveDraft(deps))
		r.Delete("/drafts/{formType}/{entityID}", handleClearDraft(deps))
		r.Post("/drafts/{formType}/{entityID}/submit", handleSubmitDraft(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Online      bool `json:"online"`
	Pending     int  `json:"pending"`
	DeadLetters int  `json:"dead_letters"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := deps.Queue.Stats()
		writeJSON(w, http.StatusOK, StatusResponse{
			Online:      deps.Monitor != nil && deps.Monitor.Online(),
			Pending:     st.Pending,
			DeadLetters: st.DeadLetter,
		})
	}
}

func handleSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Sync == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "sync is not running")
			return
		}
		deps.Sync.Trigger()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
	}
}

func trigger(deps Deps) {
	if deps.Sync != nil {
		deps.Sync.Trigger()
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
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

// page applies limit/offset query parameters to items.
func page[T any](r *http.Request, items []T) []T {
	limit := parseIntParam(r, "limit", 100, 1000)
	offset := parseIntParam(r, "offset", 0, 0)
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
