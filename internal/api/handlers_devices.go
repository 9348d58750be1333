package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/realtime"
	"github.com/shohag/pushrelay/internal/storage"
)

type DeviceHandler struct {
	store storage.Storage
	hub   *realtime.Hub
	log   zerolog.Logger
}

func NewDeviceHandler(store storage.Storage, hub *realtime.Hub, log zerolog.Logger) *DeviceHandler {
	return &DeviceHandler{store: store, hub: hub, log: log}
}

// subscription is the browser's PushSubscription.toJSON() shape.
type subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type registerDeviceRequest struct {
	Platform     models.Platform `json:"platform"`
	Token        string          `json:"token"`
	Endpoint     string          `json:"endpoint"`
	P256dh       string          `json:"p256dh"`
	Auth         string          `json:"auth"`
	Subscription *subscription   `json:"subscription"`
	UserID       string          `json:"user_id"`
	Tags         []string        `json:"tags"`
	Language     string          `json:"language"`
	Timezone     string          `json:"timezone"`
	DeviceModel  string          `json:"device_model"`
	OSVersion    string          `json:"os_version"`
	AppVersion   string          `json:"app_version"`
}

func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	if app == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req registerDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if s := req.Subscription; s != nil {
		req.Endpoint, req.P256dh, req.Auth = s.Endpoint, s.Keys.P256dh, s.Keys.Auth
	}

	now := time.Now().UTC()
	d := &models.Device{
		ID:           models.NewID("dev"),
		AppID:        app.ID,
		Platform:     req.Platform,
		Token:        req.Token,
		Endpoint:     req.Endpoint,
		P256dh:       req.P256dh,
		Auth:         req.Auth,
		UserID:       req.UserID,
		Tags:         req.Tags,
		Language:     req.Language,
		Timezone:     req.Timezone,
		DeviceModel:  req.DeviceModel,
		OSVersion:    req.OSVersion,
		AppVersion:   req.AppVersion,
		LastActiveAt: &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.UpsertDevice(r.Context(), d); err != nil {
		h.log.Error().Err(err).Str("app_id", app.ID).Msg("device registration failed")
		writeError(w, http.StatusInternalServerError, "failed to register device")
		return
	}

	writeJSON(w, http.StatusCreated, d)
}

type unregisterDeviceRequest struct {
	Token string `json:"token"`
}

func (h *DeviceHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	if app == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req unregisterDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	deleted, err := h.store.DeleteDeviceByToken(r.Context(), app.ID, req.Token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to unregister device")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// device loads the path's device and checks it belongs to the caller. It
// writes the error response itself and returns nil on failure.
func (h *DeviceHandler) device(w http.ResponseWriter, r *http.Request) (*models.Application, *models.Device) {
	app := AppFromContext(r.Context())
	if app == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, nil
	}
	d, err := h.store.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get device")
		return nil, nil
	}
	if d == nil || d.AppID != app.ID {
		writeError(w, http.StatusNotFound, "device not found")
		return nil, nil
	}
	return app, d
}

func (h *DeviceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	app, d := h.device(w, r)
	if d == nil {
		return
	}
	if _, err := h.store.DeleteDevice(r.Context(), app.ID, d.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Update changes device metadata without re-registering.
func (h *DeviceHandler) Update(w http.ResponseWriter, r *http.Request) {
	_, d := h.device(w, r)
	if d == nil {
		return
	}
	var req models.DeviceUpdate
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Empty() {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	updated, err := h.store.UpdateDevice(r.Context(), d.ID, req)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("device_id", d.ID).Msg("device update failed")
		writeError(w, http.StatusInternalServerError, "failed to update device")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

func (h *DeviceHandler) AddTags(w http.ResponseWriter, r *http.Request) {
	h.updateTags(w, r, h.store.AddDeviceTags)
}

func (h *DeviceHandler) RemoveTags(w http.ResponseWriter, r *http.Request) {
	h.updateTags(w, r, h.store.RemoveDeviceTags)
}

func (h *DeviceHandler) updateTags(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id string, tags []string) ([]string, error)) {
	_, d := h.device(w, r)
	if d == nil {
		return
	}
	var req tagsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Tags) == 0 {
		writeError(w, http.StatusBadRequest, "tags are required")
		return
	}
	tags, err := apply(r.Context(), d.ID, req.Tags)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update tags")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": d.ID, "tags": tags})
}

type setUserRequest struct {
	UserID string `json:"user_id"`
}

// SetUser binds the device to a user id. An empty user id unlinks it.
func (h *DeviceHandler) SetUser(w http.ResponseWriter, r *http.Request) {
	_, d := h.device(w, r)
	if d == nil {
		return
	}
	var req setUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.store.SetDeviceUser(r.Context(), d.ID, req.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to set user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device_id": d.ID, "user_id": req.UserID})
}

// Poll hands over everything queued for a realtime device that cannot keep
// a socket open. Handed-over notifications are not kept for redelivery.
func (h *DeviceHandler) Poll(w http.ResponseWriter, r *http.Request) {
	_, d := h.device(w, r)
	if d == nil {
		return
	}
	frames := h.hub.Poll(d.ID)
	if err := h.store.TouchDevice(r.Context(), d.ID, time.Now().UTC()); err != nil {
		h.log.Warn().Err(err).Str("device_id", d.ID).Msg("failed to touch device")
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": frames})
}
