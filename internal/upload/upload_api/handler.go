package upload_api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tabesh/internal/auth"
	"tabesh/internal/logger"
	"tabesh/internal/models"
	"tabesh/internal/upload"
	"tabesh/internal/utils"
)

const (
	// multipart bodies above this are spooled to disk by net/http
	memoryLimit = 8 << 20
	// room for the multipart boundaries and the other form fields
	envelopeBytes = 1 << 20
)

type Handler struct {
	Service *upload.Service
	Logger  *logger.Logger
	// MaxBody caps the request body when the upload rules cannot be read.
	MaxBody int64
}

func NewHandler(service *upload.Service, maxBody int64, log *logger.Logger) *Handler {
	return &Handler{Service: service, MaxBody: maxBody, Logger: log}
}

func parseID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", utils.ErrValidation, name)
	}
	return id, nil
}

func (h *Handler) fail(w http.ResponseWriter, op, message string, err error) {
	if utils.StatusFor(err) >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
	} else {
		h.Logger.Warn("API", fmt.Sprintf("%s: %v", op, err))
	}
	utils.WriteError(w, message, err)
}

// Upload accepts multipart fields order_id, category and file.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	actor := auth.ActorFrom(r.Context())
	h.Logger.Info("API", fmt.Sprintf("Upload: user=%s", actor.UserID))

	if limit := h.bodyLimit(r); limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	if err := r.ParseMultipartForm(memoryLimit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, "Upload", "File is too large", upload.ErrTooLarge)
			return
		}
		h.fail(w, "Upload", "Invalid upload form", fmt.Errorf("%w: %v", utils.ErrValidation, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	orderID, err := strconv.ParseInt(r.FormValue("order_id"), 10, 64)
	if err != nil || orderID <= 0 {
		h.fail(w, "Upload", "Invalid order id", fmt.Errorf("%w: order_id is required", utils.ErrValidation))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.fail(w, "Upload", "No file received", fmt.Errorf("%w: file is required", utils.ErrValidation))
		return
	}
	defer file.Close()

	h.Logger.Debug("API", fmt.Sprintf("Upload: order=%d category=%s name=%s size=%d", orderID, r.FormValue("category"), header.Filename, header.Size))
	saved, err := h.Service.Upload(r.Context(), actor, upload.UploadRequest{
		OrderID:     orderID,
		Category:    models.FileCategory(r.FormValue("category")),
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Reader:      file,
	})
	if err != nil {
		h.fail(w, "Upload", "Upload failed", err)
		return
	}
	utils.WriteSuccess(w, http.StatusCreated, "File uploaded", saved)
}

// bodyLimit follows the upload_rules setting so a raised limit takes effect
// without a restart. The service still checks each file against its rule.
func (h *Handler) bodyLimit(r *http.Request) int64 {
	largest, err := h.Service.MaxFileBytes(r.Context())
	if err != nil {
		h.Logger.Warn("API", fmt.Sprintf("Upload: rules unavailable, using default body limit: %v", err))
		return h.MaxBody
	}
	return largest + envelopeBytes
}

// ListFiles returns an order's files; latest=1 keeps only the newest
// version per category.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	orderID, err := parseID(r, "orderId")
	if err != nil {
		h.fail(w, "ListFiles", "Invalid order id", err)
		return
	}
	actor := auth.ActorFrom(r.Context())

	var files []models.OrderFile
	if latest, _ := strconv.ParseBool(r.URL.Query().Get("latest")); latest {
		files, err = h.Service.LatestFiles(r.Context(), actor, orderID)
	} else {
		files, err = h.Service.ListFiles(r.Context(), actor, orderID, models.FileCategory(r.URL.Query().Get("category")))
	}
	if err != nil {
		h.fail(w, "ListFiles", "Could not list files", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Files retrieved", files)
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "fileId")
	if err != nil {
		h.fail(w, "Approve", "Invalid file id", err)
		return
	}
	f, err := h.Service.Approve(r.Context(), auth.ActorFrom(r.Context()), id)
	if err != nil {
		h.fail(w, "Approve", "Could not approve file", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "File approved", f)
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "fileId")
	if err != nil {
		h.fail(w, "Reject", "Invalid file id", err)
		return
	}
	var req rejectRequest
	if err := utils.DecodeJSON(r.Body, &req); err != nil {
		h.fail(w, "Reject", "A rejection reason is required", err)
		return
	}
	f, err := h.Service.Reject(r.Context(), auth.ActorFrom(r.Context()), id, req.Reason)
	if err != nil {
		h.fail(w, "Reject", "Could not reject file", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "File rejected", f)
}

func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "fileId")
	if err != nil {
		h.fail(w, "DeleteFile", "Invalid file id", err)
		return
	}
	if err := h.Service.DeleteFile(r.Context(), auth.ActorFrom(r.Context()), id); err != nil {
		h.fail(w, "DeleteFile", "Could not delete file", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "File deleted", nil)
}
