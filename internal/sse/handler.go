package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"tabesh/internal/logger"
	"tabesh/internal/utils"
)

type Handler struct {
	Emitter   *Emitter
	Logger    *logger.Logger
	Heartbeat time.Duration
}

func NewHandler(emitter *Emitter, log *logger.Logger) *Handler {
	return &Handler{Emitter: emitter, Logger: log, Heartbeat: 25 * time.Second}
}

// Stream sends order and file events as they happen. ?order_id= narrows the
// stream to one order.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Streaming unsupported", "response writer cannot flush"))
		return
	}

	var orderID int64
	if v := r.URL.Query().Get("order_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid order_id", "order_id must be a positive integer"))
			return
		}
		orderID = id
	}

	utils.ClearWriteDeadline(w)
	setupSSEHeaders(w)
	ctx := r.Context()
	eventChan := h.Emitter.Subscribe(ctx, orderID)

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\",\"order_id\":%d}\n\n", orderID)
	flusher.Flush()
	h.Logger.Info("SSE", fmt.Sprintf("Client connected to event stream (order_id=%d)", orderID))

	ticker := time.NewTicker(h.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-eventChan:
			if !ok {
				return
			}
			jsonData, err := json.Marshal(ev)
			if err != nil {
				h.Logger.Error("SSE", fmt.Sprintf("Failed to serialize event: %v", err))
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, jsonData)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Client disconnected from event stream (order_id=%d)", orderID))
			return
		}
	}
}

func setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
