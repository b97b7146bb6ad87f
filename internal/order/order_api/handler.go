package order_api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tabesh/internal/auth"
	"tabesh/internal/logger"
	"tabesh/internal/models"
	"tabesh/internal/order"
	"tabesh/internal/utils"
)

type Handler struct {
	OrderService *order.OrderService
	Logger       *logger.Logger
}

func NewHandler(orderService *order.OrderService, log *logger.Logger) *Handler {
	return &Handler{
		OrderService: orderService,
		Logger:       log,
	}
}

// ParseID reads a positive int64 URL parameter.
func ParseID(r *http.Request, name string) (int64, error) {
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

func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	h.Logger.Info("API", "Quote: received request")

	var spec models.OrderSpec
	if err := utils.DecodeJSON(r.Body, &spec); err != nil {
		h.fail(w, "Quote", "Invalid request body", err)
		return
	}

	breakdown, err := h.OrderService.Quote(r.Context(), spec)
	if err != nil {
		h.fail(w, "Quote", "Could not calculate price", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Price calculated", breakdown)
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor := auth.ActorFrom(r.Context())
	h.Logger.Info("API", fmt.Sprintf("CreateOrder: user=%s", actor.UserID))

	var req models.OrderRequest
	if err := utils.DecodeJSON(r.Body, &req); err != nil {
		h.fail(w, "CreateOrder", "Invalid request body", err)
		return
	}

	created, breakdown, err := h.OrderService.CreateOrder(r.Context(), actor, req)
	if err != nil {
		h.fail(w, "CreateOrder", "Could not create order", err)
		return
	}
	h.Logger.Info("API", fmt.Sprintf("CreateOrder: created %s", created.OrderNumber))
	utils.WriteSuccess(w, http.StatusCreated, "Order created", map[string]interface{}{
		"order":     created,
		"breakdown": breakdown,
	})
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	actor := auth.ActorFrom(r.Context())
	q := r.URL.Query()
	filter := models.OrderFilter{
		Status: models.OrderStatus(q.Get("status")),
		UserID: q.Get("user_id"),
		Search: q.Get("search"),
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	h.Logger.Debug("API", fmt.Sprintf("ListOrders: user=%s filter=%+v", actor.UserID, filter))

	page, err := h.OrderService.ListOrders(r.Context(), actor, filter)
	if err != nil {
		h.fail(w, "ListOrders", "Could not list orders", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Orders retrieved", page)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := ParseID(r, "orderId")
	if err != nil {
		h.fail(w, "GetOrder", "Invalid order id", err)
		return
	}
	h.Logger.Info("API", fmt.Sprintf("GetOrder: orderId=%d", id))

	o, err := h.OrderService.GetOrder(r.Context(), auth.ActorFrom(r.Context()), id)
	if err != nil {
		h.fail(w, "GetOrder", "Order not found", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Order retrieved", o)
}

func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	id, err := ParseID(r, "orderId")
	if err != nil {
		h.fail(w, "UpdateOrder", "Invalid order id", err)
		return
	}
	var upd models.OrderUpdate
	if err := utils.DecodeJSON(r.Body, &upd); err != nil {
		h.fail(w, "UpdateOrder", "Invalid request body", err)
		return
	}

	o, err := h.OrderService.UpdateOrder(r.Context(), auth.ActorFrom(r.Context()), id, upd)
	if err != nil {
		h.fail(w, "UpdateOrder", "Could not update order", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Order updated", o)
}

type statusRequest struct {
	Status models.OrderStatus `json:"status" validate:"required"`
	Note   string             `json:"note" validate:"max=1000"`
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := ParseID(r, "orderId")
	if err != nil {
		h.fail(w, "UpdateStatus", "Invalid order id", err)
		return
	}
	var req statusRequest
	if err := utils.DecodeJSON(r.Body, &req); err != nil {
		h.fail(w, "UpdateStatus", "Invalid request body", err)
		return
	}
	h.Logger.Info("API", fmt.Sprintf("UpdateStatus: orderId=%d status=%s", id, req.Status))

	o, err := h.OrderService.UpdateStatus(r.Context(), auth.ActorFrom(r.Context()), id, req.Status, req.Note)
	if err != nil {
		h.fail(w, "UpdateStatus", "Could not change order status", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Order status updated", o)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := ParseID(r, "orderId")
	if err != nil {
		h.fail(w, "CancelOrder", "Invalid order id", err)
		return
	}
	h.Logger.Info("API", fmt.Sprintf("CancelOrder: orderId=%d", id))

	o, err := h.OrderService.CancelOrder(r.Context(), auth.ActorFrom(r.Context()), id)
	if err != nil {
		h.fail(w, "CancelOrder", "Could not cancel order", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Order cancelled", o)
}

func (h *Handler) HideOrder(w http.ResponseWriter, r *http.Request) {
	h.setHidden(w, r, true)
}

func (h *Handler) UnhideOrder(w http.ResponseWriter, r *http.Request) {
	h.setHidden(w, r, false)
}

func (h *Handler) setHidden(w http.ResponseWriter, r *http.Request, hidden bool) {
	id, err := ParseID(r, "orderId")
	if err != nil {
		h.fail(w, "SetHidden", "Invalid order id", err)
		return
	}
	o, err := h.OrderService.SetHidden(r.Context(), auth.ActorFrom(r.Context()), id, hidden)
	if err != nil {
		h.fail(w, "SetHidden", "Could not change order visibility", err)
		return
	}
	msg := "Order is visible"
	if hidden {
		msg = "Order hidden"
	}
	utils.WriteSuccess(w, http.StatusOK, msg, o)
}

func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	id, err := ParseID(r, "orderId")
	if err != nil {
		h.fail(w, "DeleteOrder", "Invalid order id", err)
		return
	}
	h.Logger.Info("API", fmt.Sprintf("DeleteOrder: orderId=%d", id))

	if err := h.OrderService.DeleteOrder(r.Context(), auth.ActorFrom(r.Context()), id); err != nil {
		h.fail(w, "DeleteOrder", "Could not delete order", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Order deleted", nil)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	id, err := ParseID(r, "orderId")
	if err != nil {
		h.fail(w, "History", "Invalid order id", err)
		return
	}
	logs, err := h.OrderService.History(r.Context(), auth.ActorFrom(r.Context()), id)
	if err != nil {
		h.fail(w, "History", "Could not load order history", err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Order history retrieved", logs)
}

func (h *Handler) JobSheet(w http.ResponseWriter, r *http.Request) {
	id, err := ParseID(r, "orderId")
	if err != nil {
		h.fail(w, "JobSheet", "Invalid order id", err)
		return
	}
	pdf, o, err := h.OrderService.JobSheet(r.Context(), auth.ActorFrom(r.Context()), id)
	if err != nil {
		h.fail(w, "JobSheet", "Could not render job sheet", err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="jobsheet-%s.pdf"`, o.OrderNumber))
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pdf); err != nil {
		h.Logger.Error("API", fmt.Sprintf("JobSheet: failed to write response: %v", err))
		return
	}
	h.Logger.Info("API", fmt.Sprintf("JobSheet: sent %d bytes for %s", len(pdf), o.OrderNumber))
}
