package download_api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tabesh/internal/auth"
	"tabesh/internal/download"
	"tabesh/internal/logger"
	"tabesh/internal/utils"
)

type Handler struct {
	Service *download.Service
	Logger  *logger.Logger
}

func NewHandler(service *download.Service, log *logger.Logger) *Handler {
	return &Handler{Service: service, Logger: log}
}

func parseFileID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "fileId"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid file id", utils.ErrValidation)
	}
	return id, nil
}

type tokenRequest struct {
	TTLMinutes int `json:"ttl_minutes" validate:"min=0"`
}

func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	fileID, err := parseFileID(r)
	if err != nil {
		utils.WriteError(w, "Invalid file id", err)
		return
	}
	var req tokenRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			utils.WriteError(w, "Invalid request body", fmt.Errorf("%w: %v", utils.ErrValidation, err))
			return
		}
		if err := utils.Validate(req); err != nil {
			utils.WriteError(w, "Invalid request body", err)
			return
		}
	}

	actor := auth.ActorFrom(r.Context())
	h.Logger.Info("API", fmt.Sprintf("IssueToken: file=%d user=%s", fileID, actor.UserID))
	issued, err := h.Service.IssueToken(r.Context(), actor, fileID, time.Duration(req.TTLMinutes)*time.Minute)
	if err != nil {
		h.Logger.Warn("API", fmt.Sprintf("IssueToken: %v", err))
		utils.WriteError(w, "Could not create download link", err)
		return
	}
	utils.WriteSuccess(w, http.StatusCreated, "Download link created", issued)
}

// Download redeems ?token= and streams the file as an attachment.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	fileID, err := parseFileID(r)
	if err != nil {
		utils.WriteError(w, "Invalid file id", err)
		return
	}

	f, rc, err := h.Service.Redeem(r.Context(), fileID, r.URL.Query().Get("token"))
	if err != nil {
		if utils.StatusFor(err) >= http.StatusInternalServerError {
			h.Logger.Error("API", fmt.Sprintf("Download: file=%d: %v", fileID, err))
			utils.WriteError(w, "File is not available", err)
			return
		}
		h.Logger.Warn("API", fmt.Sprintf("Download: file=%d: %v", fileID, err))
		utils.WriteError(w, "Download not allowed", err)
		return
	}
	defer rc.Close()

	utils.ClearWriteDeadline(w)
	w.Header().Set("Content-Type", f.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.OriginalName}))
	if f.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(f.SizeBytes, 10))
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, rc)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("Download: file %d stopped after %d bytes: %v", fileID, n, err))
		return
	}
	h.Logger.Info("API", fmt.Sprintf("Download: sent %d bytes of file %d", n, fileID))
}
