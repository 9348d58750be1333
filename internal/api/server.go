package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/shohag/pushrelay/internal/config"
	"github.com/shohag/pushrelay/internal/dispatch"
	"github.com/shohag/pushrelay/internal/metrics"
	"github.com/shohag/pushrelay/internal/realtime"
	"github.com/shohag/pushrelay/internal/storage"
	"github.com/shohag/pushrelay/internal/tracking"
)

// Deps are the components the HTTP surface sits on. Metrics may be nil.
type Deps struct {
	Store      storage.Storage
	Dispatcher *dispatch.Orchestrator
	Tracker    *tracking.Tracker
	Hub        *realtime.Hub
	Metrics    *metrics.Metrics
	Defaults   AppDefaults
	Version    string
}

type Server struct {
	cfg    *config.Config
	deps   Deps
	router *chi.Mux
	log    zerolog.Logger
	http   *http.Server
}

func NewServer(cfg *config.Config, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.Middleware)
	}

	store := s.deps.Store
	appHandler := NewApplicationHandler(store, s.deps.Defaults)
	devHandler := NewDeviceHandler(store, s.deps.Hub, s.log)
	ntfHandler := NewNotificationHandler(store, s.deps.Dispatcher, s.log)
	cbHandler := NewCallbackHandler(s.deps.Tracker, s.log)
	segHandler := NewSegmentHandler(store)
	statsHandler := NewStatsHandler(s.deps.Hub, s.deps.Version)

	// Health check, no auth
	r.Get("/health", statsHandler.Health)
	if s.deps.Metrics != nil && s.cfg.Metrics.Enabled {
		r.Handle(s.cfg.Metrics.Path, s.deps.Metrics.Handler())
	}

	// Realtime sockets authenticate with their register frame.
	r.Get(s.cfg.Realtime.Path, s.deps.Hub.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		// Application management, no bearer auth (admin routes)
		r.Post("/applications", appHandler.Create)
		r.Get("/applications/{id}", appHandler.Get)
		r.Post("/applications/{id}/rotate-key", appHandler.RotateKey)

		// Reported by service workers and apps, no credentials.
		r.Post("/notifications/{id}/delivered", cbHandler.Delivered)
		r.Post("/notifications/{id}/click", cbHandler.Click)

		// Device routes carry the public api key
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(store))

			r.Post("/devices/register", devHandler.Register)
			r.Delete("/devices/unregister", devHandler.Unregister)
			r.Put("/devices/{id}", devHandler.Update)
			r.Delete("/devices/{id}", devHandler.Delete)
			r.Post("/devices/{id}/tags", devHandler.AddTags)
			r.Delete("/devices/{id}/tags", devHandler.RemoveTags)
			r.Post("/devices/{id}/user", devHandler.SetUser)
			r.Get("/devices/{id}/poll", devHandler.Poll)
		})

		// Sending needs the secret as well
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(store))
			r.Use(SecretMiddleware)

			r.Post("/notifications/send", ntfHandler.Send)
			r.Post("/notifications/send-to-device/{deviceId}", ntfHandler.SendToDevice)
			r.Post("/notifications/send-to-user/{userId}", ntfHandler.SendToUser)
			r.Post("/notifications/schedule", ntfHandler.Schedule)
			r.Delete("/notifications/{id}/cancel", ntfHandler.Cancel)
			r.Get("/notifications", ntfHandler.List)
			r.Get("/notifications/{id}", ntfHandler.Get)
			r.Get("/notifications/{id}/deliveries", ntfHandler.ListDeliveries)

			r.Post("/segments", segHandler.Create)
			r.Get("/segments", segHandler.List)
		})
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
