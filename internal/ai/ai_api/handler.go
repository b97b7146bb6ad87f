package ai_api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"tabesh/internal/ai"
	"tabesh/internal/auth"
	"tabesh/internal/logger"
	"tabesh/internal/utils"
)

const (
	GuestHeader = "X-Tabesh-Guest"
	GuestCookie = "tabesh_guest"

	guestCookieAge = 365 * 24 * time.Hour
)

type Handler struct {
	Service      *ai.Service
	Logger       *logger.Logger
	SecureCookie bool
}

func NewHandler(service *ai.Service, secureCookie bool, log *logger.Logger) *Handler {
	return &Handler{Service: service, Logger: log, SecureCookie: secureCookie}
}

func (h *Handler) fail(w http.ResponseWriter, op, message string, err error) {
	if utils.StatusFor(err) >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
	} else {
		h.Logger.Warn("API", fmt.Sprintf("%s: %v", op, err))
	}
	utils.WriteError(w, message, err)
}

// guestID reads the guest id from the header first, then the cookie.
func guestID(r *http.Request) string {
	if id := r.Header.Get(GuestHeader); id != "" {
		return id
	}
	if c, err := r.Cookie(GuestCookie); err == nil {
		return c.Value
	}
	return ""
}

func identity(r *http.Request) ai.Identity {
	actor := auth.ActorFrom(r.Context())
	if actor.Authenticated() {
		return ai.Identity{UserID: actor.UserID}
	}
	return ai.Identity{GuestID: guestID(r)}
}

func (h *Handler) setGuestCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     GuestCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(guestCookieAge.Seconds()),
		HttpOnly: true,
		Secure:   h.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// Track records a browser event. Anonymous callers without a guest id get
// a fresh one in a cookie.
func (h *Handler) Track(w http.ResponseWriter, r *http.Request) {
	var req ai.TrackRequest
	if err := utils.DecodeJSON(r.Body, &req); err != nil {
		h.fail(w, "Track", "Invalid request body", err)
		return
	}

	id := identity(r)
	if id.UserID == "" && id.GuestID == "" {
		id.GuestID = uuid.NewString()
		h.setGuestCookie(w, id.GuestID)
	}

	if err := h.Service.Track(r.Context(), id, req); err != nil {
		h.fail(w, "Track", "Could not record event", err)
		return
	}
	utils.WriteSuccess(w, http.StatusAccepted, "Event recorded", map[string]string{"owner": id.OwnerKey()})
}

func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	var req ai.QueryRequest
	if err := utils.DecodeJSON(r.Body, &req); err != nil {
		h.fail(w, "Query", "Invalid request body", err)
		return
	}

	id := identity(r)
	h.Logger.Info("API", fmt.Sprintf("Query: owner=%s", id.OwnerKey()))
	resp, err := h.Service.Query(r.Context(), id, req)
	if err != nil {
		h.fail(w, "Query", "The assistant could not answer", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Answer generated", resp)
}

func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.Profile(r.Context(), identity(r))
	if err != nil {
		h.fail(w, "Profile", "Could not load profile", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Profile loaded", p)
}

// MergeGuest moves the caller's guest history to their account. Only the
// guest id the caller itself carries, in the header or cookie, is merged.
func (h *Handler) MergeGuest(w http.ResponseWriter, r *http.Request) {
	guest := guestID(r)
	if guest == "" {
		h.fail(w, "MergeGuest", "No guest history to merge", fmt.Errorf("%w: guest id header or cookie is required", utils.ErrValidation))
		return
	}

	userID := auth.UserID(r.Context())
	h.Logger.Info("API", fmt.Sprintf("MergeGuest: user=%s guest=%s", userID, guest))
	moved, err := h.Service.MergeGuest(r.Context(), userID, guest)
	if err != nil {
		h.fail(w, "MergeGuest", "Could not merge guest history", err)
		return
	}

	// the guest id is spent once merged
	http.SetCookie(w, &http.Cookie{Name: GuestCookie, Value: "", Path: "/", MaxAge: -1})
	utils.WriteSuccess(w, http.StatusOK, "Guest history merged", map[string]int{"moved_events": moved})
}
