package restserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/evaonline/matopiba/internal/constants"
)

// lookupTimeout bounds one hot cache read. An unavailable cache turns
// into a 503 rather than a hung request.
const lookupTimeout = 2 * time.Second

// Handlers contains all HTTP handlers for the read API
type Handlers struct {
	store  SnapshotStore
	logger *zap.SugaredLogger
}

// NewHandlers creates a new handlers instance
func NewHandlers(store SnapshotStore, logger *zap.SugaredLogger) *Handlers {
	return &Handlers{store: store, logger: logger}
}

type errorResponse struct {
	Error         string     `json:"error"`
	NextUpdateUTC *time.Time `json:"next_update_utc,omitempty"`
}

// GetForecasts returns the complete latest snapshot.
func (h *Handlers) GetForecasts(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), lookupTimeout)
	defer cancel()

	snap, err := h.store.GetSnapshot(ctx)
	if err != nil {
		h.logger.Warnf("snapshot lookup failed: %v", err)
		h.writeCacheEmpty(ctx, w)
		return
	}

	h.writeJSON(w, http.StatusOK, snap)
}

// GetCityForecast returns a single city's entry of the latest snapshot.
func (h *Handlers) GetCityForecast(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), lookupTimeout)
	defer cancel()

	snap, err := h.store.GetSnapshot(ctx)
	if err != nil {
		h.logger.Warnf("snapshot lookup failed: %v", err)
		h.writeCacheEmpty(ctx, w)
		return
	}

	code := mux.Vars(req)["code"]
	city, ok := snap.Forecasts[code]
	if !ok {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "city_not_found"})
		return
	}

	h.writeJSON(w, http.StatusOK, city)
}

// GetMetadata returns the latest run metadata.
func (h *Handlers) GetMetadata(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), lookupTimeout)
	defer cancel()

	meta, err := h.store.GetMetadata(ctx)
	if err != nil {
		h.logger.Warnf("metadata lookup failed: %v", err)
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "cache_empty"})
		return
	}

	h.writeJSON(w, http.StatusOK, meta)
}

// GetHealth reports process liveness. It never consults the cache, so a
// cold or unreachable cache does not fail health checks.
func (h *Handlers) GetHealth(w http.ResponseWriter, req *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": constants.ServiceName,
		"version": constants.Version,
	})
}

// writeCacheEmpty responds 503 with a next-update hint when the metadata
// key survives alone, which happens between TTL expiry of the snapshot
// and the next successful run.
func (h *Handlers) writeCacheEmpty(ctx context.Context, w http.ResponseWriter) {
	resp := errorResponse{Error: "cache_empty"}
	if meta, err := h.store.GetMetadata(ctx); err == nil {
		resp.NextUpdateUTC = &meta.NextUpdateUTC
	}
	h.writeJSON(w, http.StatusServiceUnavailable, resp)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "max-age=60")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Errorf("error encoding response to JSON: %v", err)
	}
}
