// Package api serves a collection over HTTP: publish, fetch and delete
// documents in object storage, and search the collection's index. Writes
// emit change events on the collection's stored topic so the indexer picks
// them up; reads are backed by a snapshot the Sync task keeps fresh.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/seral-labs/harbinger/internal/index"
	"github.com/seral-labs/harbinger/pkg/bus"
	"github.com/seral-labs/harbinger/pkg/config"
	apperrors "github.com/seral-labs/harbinger/pkg/errors"
	"github.com/seral-labs/harbinger/pkg/logger"
	"github.com/seral-labs/harbinger/pkg/metrics"
	"github.com/seral-labs/harbinger/pkg/resilience"
	"github.com/seral-labs/harbinger/pkg/storage"
)

const (
	defaultLimit     = 10
	maxLimit         = 100
	maxDocumentBytes = 10 << 20
)

// DeriveKey validates a document and returns the storage key it names for
// itself, or "" when the document carries no usable identifier.
type DeriveKey func(data []byte) (string, error)

// HandlerOptions configure one collection handler.
type HandlerOptions struct {
	// Topics carries the collection's topic names; Stored receives change
	// events for published and deleted documents.
	Topics config.TopicSet
	// Cache may be nil to disable search caching.
	Cache *Cache
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Handler serves one collection's publish, fetch, delete and search
// endpoints.
type Handler struct {
	index     *index.Store
	store     storage.Store
	bus       bus.Bus
	deriveKey DeriveKey
	topics    config.TopicSet
	cache     *Cache
	metrics   *metrics.Metrics
	breaker   *resilience.CircuitBreaker
	logger    *slog.Logger
	name      string
}

func NewHandler(idx *index.Store, store storage.Store, b bus.Bus, deriveKey DeriveKey, opts HandlerOptions) *Handler {
	name := idx.Collection().Name()
	return &Handler{
		index:     idx,
		store:     store,
		bus:       b,
		deriveKey: deriveKey,
		topics:    opts.Topics,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		breaker:   resilience.NewCircuitBreaker(name+"-fetch", resilience.CircuitBreakerConfig{}),
		logger:    slog.Default().With("component", "api", "collection", name),
		name:      name,
	}
}

// Name returns the collection name the handler serves.
func (h *Handler) Name() string {
	return h.name
}

// Search runs a query against the collection's index.
// GET /api/v1/{collection}/search?q=...&offset=&limit=&explain=&metadata=
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	if !values.Has("q") {
		writeError(w, http.StatusBadRequest, "missing required parameter q")
		return
	}
	query := values.Get("q")
	offset, err := parseIntParam(values, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseIntParam(values, "limit", defaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 || limit > maxLimit {
		limit = maxLimit
	}
	opts := index.SearchOptions{
		Explain:  parseBoolParam(values, "explain"),
		Metadata: parseBoolParam(values, "metadata"),
	}

	start := time.Now()
	result, cached, err := h.cache.GetOrCompute(r.Context(), h.name, query, offset, limit, opts, func() (*index.Result, error) {
		return h.index.Search(r.Context(), query, offset, limit, opts)
	})
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		outcome := "index_error"
		msg := "search failed"
		if status == http.StatusBadRequest {
			outcome = "query_error"
			msg = err.Error()
		}
		h.metrics.ObserveSearch(h.name, outcome, "miss", time.Since(start), 0)
		writeError(w, status, msg)
		return
	}
	cacheStatus := "miss"
	if cached {
		cacheStatus = "hit"
	}
	h.metrics.ObserveSearch(h.name, "ok", cacheStatus, time.Since(start), len(result.Hits))
	logger.FromContext(r.Context()).Info("search served",
		"collection", h.name, "total", result.Total, "cached", cached, "duration_ms", time.Since(start).Milliseconds())
	writeJSON(w, http.StatusOK, result)
}

// Fetch returns the stored document named by ?id=. Storage reads run behind
// a circuit breaker so a dead backend fails fast instead of piling up
// requests.
func (h *Handler) Fetch(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("id")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing required parameter id")
		return
	}
	var data []byte
	var getErr error
	err := h.breaker.Execute(func() error {
		var err error
		data, err = h.store.Get(r.Context(), key)
		if errors.Is(err, apperrors.ErrNotFound) {
			// A miss is an answer, not a backend failure.
			getErr = err
			return nil
		}
		return err
	})
	h.metrics.SetBreakerState(h.name+"-fetch", int(h.breaker.GetState()))
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, "storage temporarily unavailable")
		return
	case err != nil:
		h.logger.Error("fetch failed", "key", key, "error", err)
		writeError(w, http.StatusBadGateway, "fetching document failed")
		return
	case getErr != nil:
		writeError(w, http.StatusNotFound, fmt.Sprintf("document %q not found", key))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// Publish stores a document and emits a put change event. The key comes
// from ?id= when given, otherwise from the document itself; either way the
// body must parse as a document of the collection's format.
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("document exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "reading request body failed")
		return
	}
	derived, err := h.deriveKey(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := r.URL.Query().Get("id")
	if key == "" {
		key = derived
	}
	if key == "" {
		writeError(w, http.StatusBadRequest, "document carries no identifier, pass ?id=")
		return
	}
	if err := h.store.Put(r.Context(), key, data); err != nil {
		status := apperrors.HTTPStatusCode(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("store put failed", "key", key, "error", err)
			writeError(w, http.StatusBadGateway, "storing document failed")
			return
		}
		writeError(w, status, err.Error())
		return
	}
	h.publishChange(r, storage.Record{Type: storage.ChangePut, Key: key})
	logger.FromContext(r.Context()).Info("document published", "collection", h.name, "key", key, "bytes", len(data))
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

// Delete removes the stored document named by ?id= and emits a delete
// change event.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("id")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing required parameter id")
		return
	}
	if err := h.store.Delete(r.Context(), key); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("document %q not found", key))
			return
		}
		status := apperrors.HTTPStatusCode(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("store delete failed", "key", key, "error", err)
			writeError(w, http.StatusBadGateway, "deleting document failed")
			return
		}
		writeError(w, status, err.Error())
		return
	}
	h.publishChange(r, storage.Record{Type: storage.ChangeDelete, Key: key})
	logger.FromContext(r.Context()).Info("document deleted", "collection", h.name, "key", key)
	w.WriteHeader(http.StatusNoContent)
}

// publishChange emits a change event on the stored topic. A publish failure
// does not fail the request: the object is durable, and the walker
// re-announces unindexed objects on its next pass.
func (h *Handler) publishChange(r *http.Request, record storage.Record) {
	payload, err := storage.EncodeChange(record)
	if err != nil {
		h.logger.Error("encoding change event failed", "key", record.Key, "error", err)
		return
	}
	if err := h.bus.Publish(r.Context(), h.topics.Stored, payload); err != nil {
		h.logger.Error("publishing change event failed", "topic", h.topics.Stored, "key", record.Key, "error", err)
	}
}

func parseIntParam(values url.Values, name string, fallback int) (int, error) {
	raw := values.Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("parameter %s must be a non-negative integer", name)
	}
	return n, nil
}

func parseBoolParam(values url.Values, name string) bool {
	v, err := strconv.ParseBool(values.Get(name))
	return err == nil && v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
