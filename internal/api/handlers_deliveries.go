package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/shohag/pushrelay/internal/tracking"
)

// CallbackHandler receives delivery and click reports from service workers
// and apps. The routes are unauthenticated; the notification id in the path
// and the device id in the body are the only inputs.
type CallbackHandler struct {
	tracker *tracking.Tracker
	log     zerolog.Logger
}

func NewCallbackHandler(tracker *tracking.Tracker, log zerolog.Logger) *CallbackHandler {
	return &CallbackHandler{tracker: tracker, log: log}
}

type callbackRequest struct {
	DeviceID string `json:"deviceId"`
}

func (h *CallbackHandler) Delivered(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, "delivered", h.tracker.RecordDelivered)
}

func (h *CallbackHandler) Click(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, "clicked", h.tracker.RecordClicked)
}

func (h *CallbackHandler) record(w http.ResponseWriter, r *http.Request, event string, fn func(ctx context.Context, notificationID, deviceID string) error) {
	var req callbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id, req.DeviceID); err != nil {
		if !errors.Is(err, tracking.ErrNotificationNotFound) {
			h.log.Error().Err(err).Str("notification_id", id).Str("event", event).Msg("callback failed")
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
