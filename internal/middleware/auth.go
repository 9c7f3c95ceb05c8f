// Package middleware holds Nexus's HTTP Surface cross-cutting
// concerns: the Auth Gate check, structured request logging, and
// CORS — each a thin http.Handler wrapper, matching the teacher's
// own middleware package shape.
package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/rs/cors"

	"github.com/nexusgpu/nexus/internal/auth"
	"github.com/nexusgpu/nexus/internal/metrics"
)

// AuthGate enforces spec §4.6: every request needs a valid bearer
// token, except requests from a loopback peer.
func AuthGate(gate *auth.Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !gate.Authorized(r.RemoteAddr, r.Header.Get("Authorization")) {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

// Logging records a structured request log line and the API request
// metrics (method, path, status, duration), built directly on the
// teacher's app-utils-go/logging wrapper around logrus.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		logging.Log.WithFields(map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": duration.Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Info("http request")

		metrics.RecordAPIRequest(r.Method, r.URL.Path, statusLabel(rec.status), duration.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// CORS wraps the handler with permissive cross-origin headers, the
// way a CLI/browser combination client expects from a local daemon.
func CORS(next http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(next)
}
