package analytics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/yanolja/promptcache/tiered"
)

// CacheController is the slice of cache behavior the monitoring API needs.
// The top-level registry implements it.
type CacheController interface {
	Stats() tiered.Stats
	Clear() error
	Delete(key string) error
}

// API serves the cache monitoring endpoints.
type API struct {
	controller CacheController
	tracker    *Tracker
	logger     *zap.SugaredLogger
}

// NewAPI creates the monitoring API.
func NewAPI(controller CacheController, tracker *Tracker, logger *zap.SugaredLogger) *API {
	return &API{
		controller: controller,
		tracker:    tracker,
		logger:     logger,
	}
}

// RegisterRoutes attaches all monitoring routes to the router.
func (api *API) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/cache/stats", api.GetStats).Methods("GET")
	router.HandleFunc("/cache/health", api.GetHealth).Methods("GET")
	router.HandleFunc("/cache/report", api.GetReport).Methods("GET")
	router.HandleFunc("/cache/keys/top", api.GetTopKeys).Methods("GET")
	router.HandleFunc("/cache/timeseries", api.GetTimeSeries).Methods("GET")
	router.HandleFunc("/cache/events", api.GetEvents).Methods("GET")
	router.HandleFunc("/cache/clear", api.ClearCache).Methods("POST")
	router.HandleFunc("/cache/entries/{key}", api.DeleteEntry).Methods("DELETE")

	if api.tracker.metrics != nil {
		router.Handle("/metrics", api.tracker.metrics.Handler()).Methods("GET")
	}
}

// Handler returns the routed API wrapped with permissive CORS, ready to
// mount on an HTTP server.
func (api *API) Handler() http.Handler {
	router := mux.NewRouter()
	api.RegisterRoutes(router)
	return cors.Default().Handler(router)
}

// GetStats handles GET /cache/stats
func (api *API) GetStats(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, api.controller.Stats())
}

// GetHealth handles GET /cache/health
func (api *API) GetHealth(w http.ResponseWriter, r *http.Request) {
	indicators := api.tracker.HealthIndicators(api.controller.Stats())
	api.writeJSON(w, http.StatusOK, indicators)
}

// GetReport handles GET /cache/report
func (api *API) GetReport(w http.ResponseWriter, r *http.Request) {
	report := api.tracker.Report(api.controller.Stats())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(report)); err != nil {
		api.logger.Errorw("Failed to write report response", "error", err)
	}
}

// GetTopKeys handles GET /cache/keys/top
func (api *API) GetTopKeys(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveInt(r.URL.Query().Get("limit"), 20)
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys": api.tracker.TopKeys(limit),
	})
}

// GetTimeSeries handles GET /cache/timeseries
func (api *API) GetTimeSeries(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			api.writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC 3339")
			return
		}
		since = parsed
	}
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": api.tracker.TimeSeries(since),
	})
}

// GetEvents handles GET /cache/events
func (api *API) GetEvents(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveInt(r.URL.Query().Get("limit"), 100)
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": api.tracker.Events(limit),
	})
}

// ClearCache handles POST /cache/clear
func (api *API) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := api.controller.Clear(); err != nil {
		api.logger.Errorw("Failed to clear cache", "error", err)
		api.writeError(w, http.StatusInternalServerError, "clear_failed", "Failed to clear cache")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Cache cleared successfully",
	})
}

// DeleteEntry handles DELETE /cache/entries/{key}
func (api *API) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := api.controller.Delete(key); err != nil {
		api.logger.Errorw("Failed to delete cache entry", "error", err, "key", key)
		api.writeError(w, http.StatusInternalServerError, "delete_failed", "Failed to delete cache entry")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Cache entry deleted successfully",
		"key":     key,
	})
}

func parsePositiveInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 || parsed > 1000 {
		return fallback
	}
	return parsed
}

func (api *API) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.logger.Errorw("Failed to encode JSON response", "error", err)
	}
}

func (api *API) writeError(w http.ResponseWriter, status int, errorType, message string) {
	api.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errorType,
			"message": message,
			"code":    status,
		},
	})
}
