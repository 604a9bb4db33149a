// Package adminapi exposes a small, bearer-token-protected HTTP surface per
// replica: a liveness probe and a replica-status endpoint. It is an
// operator-facing collaborator of the replication core, never part of the
// protocol itself.
package adminapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/vrnode/internal/logger"
	"github.com/marmos91/vrnode/pkg/vr"
)

// StatusSource supplies the replica-status snapshot the /status endpoint
// serves. *vr.Replica satisfies it.
type StatusSource interface {
	Snapshot() vr.StatusSnapshot
}

// NewRouter creates and configures the chi router with all middleware and
// routes.
//
// Routes:
//   - GET /healthz - Liveness probe (unauthenticated)
//   - GET /status  - Replica protocol position (bearer token required)
func NewRouter(source StatusSource, tokens *TokenService, startedAt time.Time) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"started_at": startedAt.UTC().Format(time.RFC3339),
			"uptime":     time.Since(startedAt).Round(time.Second).String(),
		})
	})

	// Root redirect to healthz for convenience
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/healthz", http.StatusTemporaryRedirect)
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(tokens))
		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, source.Snapshot())
		})
	})

	return r
}

// bearerAuth rejects requests without a valid operator token.
func bearerAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			header := req.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
				return
			}
			if _, err := tokens.ValidateToken(strings.TrimPrefix(header, "Bearer ")); err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// isHealthPath returns true if the request path is a healthcheck endpoint.
func isHealthPath(path string) bool {
	return path == "/healthz"
}

// requestLogger is a custom middleware that logs requests using the internal
// logger.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr
//   - Request completion (INFO level): method, path, status, duration
//   - Healthcheck requests are logged at DEBUG level to reduce noise
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("admin API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		logArgs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		}

		if isHealthPath(r.URL.Path) {
			logger.Debug("admin API request completed", logArgs...)
		} else {
			logger.Info("admin API request completed", logArgs...)
		}
	})
}
