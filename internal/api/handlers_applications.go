package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/storage"
	"github.com/shohag/pushrelay/internal/transport/webpush"
)

// AppDefaults fill in transport settings a new application does not bring
// itself.
type AppDefaults struct {
	VAPIDSubject   string
	APNsKeyID      string
	APNsTeamID     string
	APNsBundleID   string
	APNsPrivateKey string
	APNsProduction bool
}

type ApplicationHandler struct {
	store    storage.Storage
	defaults AppDefaults
}

func NewApplicationHandler(store storage.Storage, defaults AppDefaults) *ApplicationHandler {
	return &ApplicationHandler{store: store, defaults: defaults}
}

type CreateApplicationRequest struct {
	Name           string `json:"name"`
	VAPIDSubject   string `json:"vapid_subject"`
	APNsKeyID      string `json:"apns_key_id"`
	APNsTeamID     string `json:"apns_team_id"`
	APNsBundleID   string `json:"apns_bundle_id"`
	APNsPrivateKey string `json:"apns_private_key"`
	APNsProduction *bool  `json:"apns_production"`
	WebPushEnabled *bool  `json:"web_push_enabled"`
	APNsEnabled    *bool  `json:"apns_enabled"`
	AndroidEnabled *bool  `json:"android_enabled"`
}

// BuildApplication creates a new tenant with fresh API credentials and a
// VAPID key pair. APNs credentials fall back to d when the request has none;
// apns is enabled by default only when credentials are present.
func BuildApplication(req CreateApplicationRequest, d AppDefaults) (*models.Application, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	public, private, err := webpush.GenerateKeys()
	if err != nil {
		return nil, fmt.Errorf("generate vapid keys: %w", err)
	}

	now := time.Now().UTC()
	app := &models.Application{
		ID:              models.NewID("app"),
		Name:            req.Name,
		APIKey:          models.NewAPIKey(),
		APISecret:       models.NewAPISecret(),
		VAPIDPublicKey:  public,
		VAPIDPrivateKey: private,
		VAPIDSubject:    firstNonEmpty(req.VAPIDSubject, d.VAPIDSubject),
		APNsKeyID:       req.APNsKeyID,
		APNsTeamID:      req.APNsTeamID,
		APNsBundleID:    req.APNsBundleID,
		APNsPrivateKey:  req.APNsPrivateKey,
		APNsProduction:  d.APNsProduction,
		WebPushEnabled:  true,
		AndroidEnabled:  true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if !app.HasAPNs() {
		app.APNsKeyID = firstNonEmpty(app.APNsKeyID, d.APNsKeyID)
		app.APNsTeamID = firstNonEmpty(app.APNsTeamID, d.APNsTeamID)
		app.APNsBundleID = firstNonEmpty(app.APNsBundleID, d.APNsBundleID)
		app.APNsPrivateKey = firstNonEmpty(app.APNsPrivateKey, d.APNsPrivateKey)
	}
	app.APNsEnabled = app.HasAPNs()

	if req.APNsProduction != nil {
		app.APNsProduction = *req.APNsProduction
	}
	if req.WebPushEnabled != nil {
		app.WebPushEnabled = *req.WebPushEnabled
	}
	if req.APNsEnabled != nil {
		app.APNsEnabled = *req.APNsEnabled
	}
	if req.AndroidEnabled != nil {
		app.AndroidEnabled = *req.AndroidEnabled
	}
	return app, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (h *ApplicationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateApplicationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	app, err := BuildApplication(req, h.defaults)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create application")
		return
	}
	if err := h.store.CreateApplication(r.Context(), app); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create application")
		return
	}

	// The only response that carries the secret.
	writeJSON(w, http.StatusCreated, app)
}

func (h *ApplicationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	app, err := h.store.GetApplication(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get application")
		return
	}
	if app == nil {
		writeError(w, http.StatusNotFound, "application not found")
		return
	}
	writeJSON(w, http.StatusOK, app.Redacted())
}

func (h *ApplicationHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	app, err := h.store.GetApplication(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get application")
		return
	}
	if app == nil {
		writeError(w, http.StatusNotFound, "application not found")
		return
	}

	newKey := models.NewAPIKey()
	if err := h.store.UpdateApplicationAPIKey(r.Context(), id, newKey); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to rotate key")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"api_key": newKey})
}
