package server

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	gserrors "github.com/odvcencio/gdprscan/pkg/errors"
	"github.com/odvcencio/gdprscan/pkg/logging"
)

// securityHeadersMiddleware adds standard security headers to responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		headers.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				_ = s.logger.Error(logging.CategoryServer, "server.panic", fmt.Sprintf("panic: %v", rec), map[string]any{
					"path":  r.URL.Path,
					"stack": string(debug.Stack()),
				})
				respondError(w, http.StatusInternalServerError, gserrors.Newf(gserrors.ErrCodeInternal, "internal error: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequest(r *http.Request, route string, status int, elapsed time.Duration) {
	level := logging.LevelDebug
	if status >= http.StatusInternalServerError {
		level = logging.LevelError
	}
	_ = s.logger.Log(logging.Event{
		Level:     level,
		Category:  logging.CategoryServer,
		EventType: "http.request",
		Details: map[string]any{
			"method":      r.Method,
			"route":       route,
			"path":        r.URL.Path,
			"status":      status,
			"duration_ms": elapsed.Milliseconds(),
			"remote":      r.RemoteAddr,
		},
	})
}
