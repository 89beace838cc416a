package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"sessiongate/internal/http/response"
	"sessiongate/internal/observability"
	"sessiongate/internal/service"
)

// MonitorHandler exposes the admin view of the background monitor.
type MonitorHandler struct {
	monitor *service.Monitor
	logger  *slog.Logger
}

func NewMonitorHandler(monitor *service.Monitor, logger *slog.Logger) *MonitorHandler {
	return &MonitorHandler{monitor: monitor, logger: logger}
}

func (h *MonitorHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.monitor.GetMetrics(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "monitoring metrics failed", "error", err)
		response.Error(w, r, http.StatusInternalServerError, "SESSION_ERROR", "collecting metrics failed", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, stats)
}

func (h *MonitorHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}
	alerts := h.monitor.GetAlerts(limit)
	response.JSON(w, r, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (h *MonitorHandler) UserStats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	stats, err := h.monitor.GetUserStats(r.Context(), userID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "user stats failed", "user_id", userID, "error", err)
		response.Error(w, r, http.StatusInternalServerError, "SESSION_ERROR", "collecting user stats failed", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, stats)
}

func (h *MonitorHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := h.monitor.ForceCleanup(r.Context())
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "SESSION_ERROR", "cleanup sweep failed", nil)
		return
	}
	observability.Audit(r, "monitoring.cleanup_forced", "removed", removed)
	response.JSON(w, r, http.StatusOK, map[string]any{"removed": removed})
}
