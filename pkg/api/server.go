package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/heyjunin/HLSbrew/pkg/errors"
	"github.com/heyjunin/HLSbrew/pkg/logger"
	"github.com/heyjunin/HLSbrew/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

// NewRouter wires the handler, request logging and metrics into a chi router.
// m may be nil, in which case /metrics is not mounted.
func NewRouter(h *Handler, log logger.Logger, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	if m != nil {
		r.Use(metrics.RequestMiddleware(m))
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	r.Route("/video", func(r chi.Router) {
		r.Get("/download", h.Download)
		r.Get("/downloadMultiple", h.DownloadMultiple)
		r.Get("/published", h.Published)
	})
	return r
}

// Serve listens on addr until ctx is cancelled, then drains in-flight requests.
func Serve(ctx context.Context, addr string, handler http.Handler, log logger.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info("server starting", "api", map[string]interface{}{
		"addr": addr,
	})

	select {
	case err, ok := <-errCh:
		if ok {
			return errors.Wrap(err, errors.SystemError, "Server failed", 0)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutdown signal received, draining connections", "api", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.SystemError, "Server shutdown failed", 0)
	}

	log.Info("server stopped", "api", nil)
	return nil
}
