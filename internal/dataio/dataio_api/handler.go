package dataio_api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"
	"time"

	"tabesh/internal/dataio"
	"tabesh/internal/logger"
	"tabesh/internal/utils"
)

const memoryLimit = 32 << 20

type Handler struct {
	Service *dataio.Service
	Logger  *logger.Logger
	MaxBody int64
}

func NewHandler(service *dataio.Service, maxBody int64, log *logger.Logger) *Handler {
	return &Handler{Service: service, Logger: log, MaxBody: maxBody}
}

func flag(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// Export streams the dataset as an attachment. ?format=zip&files=1 adds the
// stored files; ?ai=1 adds assistant profiles and behavior.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	opts := dataio.ExportOptions{
		Format:       strings.ToLower(r.URL.Query().Get("format")),
		IncludeFiles: flag(r, "files"),
		IncludeAI:    flag(r, "ai"),
	}
	if opts.Format == "" {
		opts.Format = dataio.FormatJSON
	}
	if opts.Format != dataio.FormatJSON && opts.Format != dataio.FormatZIP {
		utils.WriteError(w, "Invalid format", fmt.Errorf("%w: format must be json or zip", utils.ErrValidation))
		return
	}
	h.Logger.Info("API", fmt.Sprintf("Export: format=%s files=%t ai=%t", opts.Format, opts.IncludeFiles, opts.IncludeAI))

	contentType := "application/json"
	if opts.Format == dataio.FormatZIP {
		contentType = "application/zip"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": dataio.Filename(opts.Format, time.Now()),
	}))
	w.Header().Set("Cache-Control", "no-store")
	utils.ClearWriteDeadline(w)

	counts, err := h.Service.Export(r.Context(), w, opts)
	if err != nil {
		// headers may already be out; the client sees a truncated body
		h.Logger.Error("API", fmt.Sprintf("Export failed: %v", err))
		return
	}
	h.Logger.Info("API", fmt.Sprintf("Export: %d orders, %d files, %d blobs", counts.Orders, counts.Files, counts.Blobs))
}

// Import accepts a multipart "file" field or a raw JSON/ZIP body.
// ?mode=replace empties the database first.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	if h.MaxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxBody)
	}
	opts := dataio.ImportOptions{Mode: strings.ToLower(r.URL.Query().Get("mode"))}

	src, size, cleanup, err := h.source(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = fmt.Errorf("%w: import is larger than %d bytes", utils.ErrTooLarge, h.MaxBody)
		}
		h.Logger.Warn("API", fmt.Sprintf("Import: %v", err))
		utils.WriteError(w, "Could not read import", err)
		return
	}
	defer cleanup()

	h.Logger.Info("API", fmt.Sprintf("Import: mode=%s size=%d", opts.Mode, size))
	counts, err := h.Service.Import(r.Context(), src, size, opts)
	if err != nil {
		if utils.StatusFor(err) >= http.StatusInternalServerError {
			h.Logger.Error("API", fmt.Sprintf("Import: %v", err))
		} else {
			h.Logger.Warn("API", fmt.Sprintf("Import: %v", err))
		}
		utils.WriteError(w, "Import failed", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Import completed", counts)
}

// source returns random access to the upload. Raw bodies are spooled to a
// temporary file since ZIP archives cannot be read as a stream.
func (h *Handler) source(r *http.Request) (io.ReaderAt, int64, func(), error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(memoryLimit); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, 0, nil, err
			}
			return nil, 0, nil, fmt.Errorf("%w: %v", utils.ErrValidation, err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			r.MultipartForm.RemoveAll()
			return nil, 0, nil, fmt.Errorf("%w: file is required", utils.ErrValidation)
		}
		return file, header.Size, func() {
			file.Close()
			r.MultipartForm.RemoveAll()
		}, nil
	}

	tmp, err := os.CreateTemp("", "tabesh-import-*")
	if err != nil {
		return nil, 0, nil, err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	size, err := io.Copy(tmp, r.Body)
	if err != nil {
		cleanup()
		return nil, 0, nil, err
	}
	if size == 0 {
		cleanup()
		return nil, 0, nil, fmt.Errorf("%w: request body is empty", utils.ErrValidation)
	}
	return tmp, size, cleanup, nil
}
