package settings_api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tabesh/internal/logger"
	"tabesh/internal/order/pricing"
	"tabesh/internal/settings"
	"tabesh/internal/upload"
	"tabesh/internal/utils"
)

const maxSettingBytes = 1 << 20

// Validator checks a value before it is stored under a known name.
type Validator func(raw json.RawMessage) error

// Validators covers the settings other packages read back.
var Validators = map[string]Validator{
	settings.PricingMatrix: func(raw json.RawMessage) error {
		var m pricing.Matrix
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("%w: pricing matrix: %v", utils.ErrValidation, err)
		}
		return m.Validate()
	},
	settings.UploadRules: func(raw json.RawMessage) error {
		var r upload.Rules
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("%w: upload rules: %v", utils.ErrValidation, err)
		}
		return r.Validate()
	},
}

type Handler struct {
	Store  *settings.Store
	Logger *logger.Logger
}

func NewHandler(store *settings.Store, log *logger.Logger) *Handler {
	return &Handler{Store: store, Logger: log}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Store.All(r.Context())
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("List settings: %v", err))
		utils.WriteError(w, "Could not load settings", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Settings loaded", rows)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	raw, err := h.Store.Get(r.Context(), name)
	if err != nil {
		h.Logger.Warn("API", fmt.Sprintf("Get setting %s: %v", name, err))
		utils.WriteError(w, "Could not load setting", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Setting loaded", map[string]interface{}{"name": name, "value": raw})
}

// Put stores the request body, which must be JSON, under the name.
func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSettingBytes+1))
	if err != nil {
		utils.WriteError(w, "Invalid request body", fmt.Errorf("%w: %v", utils.ErrValidation, err))
		return
	}
	if len(body) > maxSettingBytes {
		utils.WriteError(w, "Setting is too large", fmt.Errorf("%w: setting exceeds %d bytes", utils.ErrTooLarge, maxSettingBytes))
		return
	}
	raw := json.RawMessage(body)
	if !json.Valid(raw) {
		utils.WriteError(w, "Invalid request body", fmt.Errorf("%w: body is not valid JSON", utils.ErrValidation))
		return
	}
	if validate, ok := Validators[name]; ok {
		if err := validate(raw); err != nil {
			h.Logger.Warn("API", fmt.Sprintf("Put setting %s rejected: %v", name, err))
			utils.WriteError(w, "Invalid setting value", err)
			return
		}
	}

	if err := h.Store.Set(r.Context(), name, raw); err != nil {
		h.Logger.Error("API", fmt.Sprintf("Put setting %s: %v", name, err))
		utils.WriteError(w, "Could not save setting", err)
		return
	}
	h.Logger.LogDatabase("SETTING", name, "updated")
	utils.WriteSuccess(w, http.StatusOK, "Setting saved", map[string]interface{}{"name": name, "value": raw})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.Store.Delete(r.Context(), name); err != nil {
		h.Logger.Warn("API", fmt.Sprintf("Delete setting %s: %v", name, err))
		utils.WriteError(w, "Could not delete setting", err)
		return
	}
	h.Logger.LogDatabase("SETTING", name, "deleted")
	utils.WriteSuccess(w, http.StatusOK, "Setting deleted", nil)
}
