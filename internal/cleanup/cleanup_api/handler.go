package cleanup_api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tabesh/internal/auth"
	"tabesh/internal/cleanup"
	"tabesh/internal/logger"
	"tabesh/internal/utils"
)

type Handler struct {
	Service *cleanup.Service
	Logger  *logger.Logger
}

func NewHandler(service *cleanup.Service, log *logger.Logger) *Handler {
	return &Handler{Service: service, Logger: log}
}

// Run executes the action named in the path. The body is optional and
// carries dry_run, days, status, before and confirm.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	var req cleanup.Request
	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(r.Body, &req); err != nil {
			utils.WriteError(w, "Invalid request body", err)
			return
		}
	}

	actor := auth.ActorFrom(r.Context())
	h.Logger.Info("API", fmt.Sprintf("Cleanup: action=%s dry_run=%t user=%s", action, req.DryRun, actor.UserID))
	report, err := h.Service.Run(r.Context(), action, req)
	if err != nil {
		if utils.StatusFor(err) >= http.StatusInternalServerError {
			h.Logger.Error("API", fmt.Sprintf("Cleanup %s: %v", action, err))
		} else {
			h.Logger.Warn("API", fmt.Sprintf("Cleanup %s: %v", action, err))
		}
		utils.WriteError(w, "Cleanup failed", err)
		return
	}

	msg := fmt.Sprintf("%d records removed", report.Affected)
	if report.DryRun {
		msg = fmt.Sprintf("%d records would be removed", report.Affected)
	}
	utils.WriteSuccess(w, http.StatusOK, msg, report)
}

// Actions lists the available cleanup actions.
func (h *Handler) Actions(w http.ResponseWriter, r *http.Request) {
	utils.WriteSuccess(w, http.StatusOK, "Cleanup actions", cleanup.Actions)
}
