package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/storage"
)

type SegmentHandler struct {
	store storage.Storage
}

func NewSegmentHandler(store storage.Storage) *SegmentHandler {
	return &SegmentHandler{store: store}
}

type createSegmentRequest struct {
	Name    string           `json:"name"`
	Filters models.Targeting `json:"filters"`
}

func (h *SegmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	var req createSegmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Filters.Segment != "" {
		writeError(w, http.StatusBadRequest, "segments cannot reference other segments")
		return
	}
	if req.Filters.Platform != "" && !req.Filters.Platform.Valid() {
		writeError(w, http.StatusBadRequest, "invalid platform")
		return
	}

	seg := &models.Segment{
		ID:        models.NewID("seg"),
		AppID:     app.ID,
		Name:      req.Name,
		Filters:   req.Filters,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateSegment(r.Context(), seg); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			writeError(w, http.StatusConflict, "segment already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create segment")
		return
	}
	writeJSON(w, http.StatusCreated, seg)
}

func (h *SegmentHandler) List(w http.ResponseWriter, r *http.Request) {
	app := AppFromContext(r.Context())
	segs, err := h.store.ListSegments(r.Context(), app.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list segments")
		return
	}
	if segs == nil {
		segs = []models.Segment{}
	}
	writeJSON(w, http.StatusOK, segs)
}
