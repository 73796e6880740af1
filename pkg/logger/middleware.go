package logger

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// RequestLogger returns middleware that logs each request under the "http"
// component. Server errors are logged at warn level.
func RequestLogger(log Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			data := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"duration_ms": time.Since(start).Milliseconds(),
				"size":        ww.BytesWritten(),
			}
			if reqID := middleware.GetReqID(r.Context()); reqID != "" {
				data["request_id"] = reqID
			}
			if status >= http.StatusInternalServerError {
				log.Warn("request", "http", data)
				return
			}
			log.Info("request", "http", data)
		})
	}
}
