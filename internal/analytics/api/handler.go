package analytics_api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tabesh/internal/analytics"
	"tabesh/internal/logger"
	"tabesh/internal/utils"
)

// Handler handles analytics HTTP endpoints
type Handler struct {
	Service *analytics.Service
	Logger  *logger.Logger
}

func NewHandler(service *analytics.Service, logger *logger.Logger) *Handler {
	return &Handler{Service: service, Logger: logger}
}

// RegisterRoutes registers the analytics routes on a chi router
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stats", h.GetStats)
}

// GetStats returns the dashboard summary; ?days= sets the daily window.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			utils.WriteError(w, "Invalid days", fmt.Errorf("%w: days must be a number", utils.ErrValidation))
			return
		}
		days = n
	}

	stats, err := h.Service.Stats(r.Context(), days)
	if err != nil {
		h.Logger.Error("ANALYTICS", fmt.Sprintf("Failed to build stats: %v", err))
		utils.WriteError(w, "Could not load statistics", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Statistics loaded", stats)
}
