package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/storage"
)

type contextKey string

const appContextKey contextKey = "application"

func AppFromContext(ctx context.Context) *models.Application {
	app, _ := ctx.Value(appContextKey).(*models.Application)
	return app
}

// AuthMiddleware resolves the tenant from "Authorization: Bearer <api key>",
// or from X-API-Key for clients that cannot set Authorization.
func AuthMiddleware(store storage.Storage) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if auth := r.Header.Get("Authorization"); auth != "" {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
				if apiKey == auth {
					writeError(w, http.StatusUnauthorized, "invalid authorization format, use: Bearer <api_key>")
					return
				}
			}
			if apiKey == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			app, err := store.GetApplicationByAPIKey(r.Context(), apiKey)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if app == nil {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}

			ctx := context.WithValue(r.Context(), appContextKey, app)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SecretMiddleware additionally requires the tenant's API secret in
// X-API-Secret. It must run after AuthMiddleware.
func SecretMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app := AppFromContext(r.Context())
		if app == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		secret := r.Header.Get("X-API-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(app.APISecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware writes one access log line per request. The wrapped
// writer keeps http.Hijacker so websocket upgrades pass through.
func LoggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
