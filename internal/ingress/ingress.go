// Package ingress wires together the HTTP server: routing, the auth and
// authorization middleware chain, access logging, and the JSON error
// envelope for unhandled panics. Grounded on core/app.py's
// create_incoming_application.
package ingress

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dredmonds/activity-stream/internal/auth"
	"github.com/dredmonds/activity-stream/internal/health"
	"github.com/dredmonds/activity-stream/internal/query"
)

// Config wires the router to its dependencies.
type Config struct {
	Auth   auth.Config
	Query  *query.Handler
	Health *health.Handler
	Logger *zap.Logger
}

// NewRouter builds the complete incoming HTTP gateway: the authenticated
// scroll routes, the unauthenticated health/metrics routes, the
// Server:activity-stream header on every response, Apache-combined access
// logging, and panic recovery with a JSON error envelope.
func NewRouter(cfg Config) http.Handler {
	r := mux.NewRouter()

	authChain := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(cfg.Auth)(auth.Authorize(h))
	}

	r.Handle("/v1/", authChain(cfg.Query.NewScroll)).Methods(http.MethodGet)
	r.Handle("/v1/", authChain(cfg.Query.PostPlaceholder)).Methods(http.MethodPost)
	r.Handle("/v1/{public_scroll_id}", authChain(cfg.Query.ExistingScroll)).Methods(http.MethodGet)

	r.HandleFunc("/check", cfg.Health.Check).Methods(http.MethodGet)
	r.HandleFunc("/metrics", cfg.Health.Metrics).Methods(http.MethodGet)

	withServerHeader := serverHeaderMiddleware(r)
	withRecovery := recoveryMiddleware(cfg.Logger, withServerHeader)
	return handlers.CombinedLoggingHandler(accessLogWriter{cfg.Logger}, withRecovery)
}

// serverHeaderMiddleware stamps every response with Server: activity-stream,
// matching the original's response header on JSON endpoints (spec §6).
func serverHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "activity-stream")
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware catches any panic escaping a handler and converts it
// into the JSON error envelope used throughout the gateway (spec §4.7's
// error wrapper: unknown exceptions become 500 {"details": "An unknown
// error occurred."}).
func recoveryMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered in request handler", zap.Any("panic", rec))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{"details": "An unknown error occurred."})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// accessLogWriter adapts *zap.Logger to the io.Writer gorilla/handlers
// expects for its Apache-combined access log line.
type accessLogWriter struct {
	logger *zap.Logger
}

func (a accessLogWriter) Write(p []byte) (int, error) {
	a.logger.Info("access", zap.String("line", string(p)), zap.Time("logged_at", time.Now()))
	return len(p), nil
}
