package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/shohag/pushrelay/internal/dispatch"
	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/storage"
)

type NotificationHandler struct {
	store      storage.Storage
	dispatcher *dispatch.Orchestrator
	log        zerolog.Logger
}

func NewNotificationHandler(store storage.Storage, dispatcher *dispatch.Orchestrator, log zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{store: store, dispatcher: dispatcher, log: log}
}

type sendRequest struct {
	Payload   models.Payload   `json:"payload"`
	Targeting models.Targeting `json:"targeting"`
}

type scheduleRequest struct {
	Payload     models.Payload   `json:"payload"`
	Targeting   models.Targeting `json:"targeting"`
	ScheduledAt time.Time        `json:"scheduled_at"`
}

func (h *NotificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.dispatcher.Dispatch(r.Context(), app, req.Payload, req.Targeting)
	h.respond(w, app, res, err)
}

func (h *NotificationHandler) SendToDevice(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.dispatcher.SendToDevice(r.Context(), app, chi.URLParam(r, "deviceId"), req.Payload)
	h.respond(w, app, res, err)
}

func (h *NotificationHandler) SendToUser(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.dispatcher.SendToUser(r.Context(), app, chi.URLParam(r, "userId"), req.Payload)
	h.respond(w, app, res, err)
}

func (h *NotificationHandler) respond(w http.ResponseWriter, app *models.Application, res *dispatch.Result, err error) {
	if err != nil {
		h.log.Warn().Err(err).Str("app_id", app.ID).Msg("dispatch rejected or failed")
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *NotificationHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := h.dispatcher.Schedule(r.Context(), app, req.Payload, req.Targeting, req.ScheduledAt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (h *NotificationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.dispatcher.Cancel(r.Context(), app.ID, id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.NotificationCancelled)})
}

// notification loads the path's notification for the calling tenant, or
// writes the error response and returns nil.
func (h *NotificationHandler) notification(w http.ResponseWriter, r *http.Request) *models.Notification {
	app := AppFromContext(r.Context())
	n, err := h.store.GetNotification(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get notification")
		return nil
	}
	if n == nil || n.AppID != app.ID {
		writeError(w, http.StatusNotFound, "notification not found")
		return nil
	}
	return n
}

func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	n := h.notification(w, r)
	if n == nil {
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *NotificationHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	n := h.notification(w, r)
	if n == nil {
		return
	}
	deliveries, err := h.store.ListDeliveries(r.Context(), n.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []models.Delivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	list, err := h.store.ListNotifications(r.Context(), app.ID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	if list == nil {
		list = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}
