package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/seral-labs/harbinger/pkg/logger"
)

// StatusSource serves status queries. *Store satisfies it.
type StatusSource interface {
	Summary(ctx context.Context, collection string) (*Summary, error)
	History(ctx context.Context, collection, key string, limit int) ([]Row, error)
}

// Handler serves the status endpoint.
type Handler struct {
	source StatusSource
	logger *slog.Logger
}

func NewHandler(source StatusSource) *Handler {
	return &Handler{
		source: source,
		logger: logger.WithComponent("tracker-handler"),
	}
}

// Status serves GET /api/v1/status?collection= with a per-status summary,
// or one document's history when ?id= is given. Document keys carry
// slashes and query metacharacters, so the document is named by parameter
// rather than by path segment.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	collection := r.URL.Query().Get("collection")
	if collection == "" {
		writeError(w, http.StatusBadRequest, "missing required parameter collection")
		return
	}
	if key := r.URL.Query().Get("id"); key != "" {
		history, err := h.source.History(r.Context(), collection, key, 0)
		if err != nil {
			h.logger.Error("history query failed", "collection", collection, "key", key, "error", err)
			writeError(w, http.StatusInternalServerError, "status lookup failed")
			return
		}
		if len(history) == 0 {
			writeError(w, http.StatusNotFound, fmt.Sprintf("no status recorded for %q", key))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"collection": collection,
			"key":        key,
			"history":    history,
		})
		return
	}
	summary, err := h.source.Summary(r.Context(), collection)
	if err != nil {
		h.logger.Error("summary query failed", "collection", collection, "error", err)
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
