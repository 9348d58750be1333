package api

import (
	"net/http"

	"github.com/shohag/pushrelay/internal/realtime"
)

type StatsHandler struct {
	hub     *realtime.Hub
	version string
}

func NewStatsHandler(hub *realtime.Hub, version string) *StatsHandler {
	return &StatsHandler{hub: hub, version: version}
}

func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"service":  "pushrelay",
		"version":  h.version,
		"realtime": h.hub.Stats(),
	})
}
