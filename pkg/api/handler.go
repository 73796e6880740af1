// Package api exposes the pipeline over HTTP. Every request blocks until the
// pipeline finishes; failures are reported as the raw chained error message.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/heyjunin/HLSbrew/pkg/logger"
	"github.com/heyjunin/HLSbrew/pkg/pipeline"
)

// DefaultPublishedPrefix is listed when /video/published has no prefix parameter.
const DefaultPublishedPrefix = "videos/hls/"

// Lister lists published manifests. *publisher.Publisher implements it.
type Lister interface {
	ListPublished(ctx context.Context, bucket, prefix string) ([]string, error)
}

// Handler serves the video endpoints.
type Handler struct {
	pipeline *pipeline.Pipeline
	lister   Lister
	bucket   string
	log      logger.Logger
}

// NewHandler returns a Handler. lister may be nil when publishing is not configured.
func NewHandler(p *pipeline.Pipeline, lister Lister, bucket string, log logger.Logger) *Handler {
	if log == nil {
		log = logger.NewLogger()
	}
	return &Handler{pipeline: p, lister: lister, bucket: bucket, log: log}
}

// Download handles GET /video/download?url=a,b&quality=720p. References run one
// after another and the first failure aborts the request. The response is a JSON
// array of produced locations: published URLs when publishing, local paths otherwise.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	refs := pipeline.ParseReferences(r.URL.Query().Get("url"))
	if len(refs) == 0 {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}

	p := h.pipeline
	if quality := r.URL.Query().Get("quality"); quality != "" {
		p = p.WithPolicy(p.Policy().WithHint(quality))
	}

	runs, err := p.RunBatch(r.Context(), refs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	locations := []string{}
	for _, run := range runs {
		locations = append(locations, run.Locations()...)
	}
	writeJSON(w, locations)
}

// DownloadMultiple handles GET /video/downloadMultiple?urls=a,b. References run
// independently on the worker pool. The response is "success" when every reference
// succeeded, otherwise one summary line per reference.
func (h *Handler) DownloadMultiple(w http.ResponseWriter, r *http.Request) {
	refs := pipeline.ParseReferences(r.URL.Query().Get("urls"))
	if len(refs) == 0 {
		http.Error(w, "missing urls parameter", http.StatusBadRequest)
		return
	}

	results := h.pipeline.RunAll(r.Context(), refs)
	if failed := pipeline.Failed(results); len(failed) > 0 {
		h.log.Warn("Some references failed", "api", map[string]interface{}{
			"references": len(refs),
			"failed":     len(failed),
		})
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(pipeline.Summarize(results)))
}

// Published handles GET /video/published?prefix=videos/hls/ and returns the URLs
// of every manifest stored under the prefix.
func (h *Handler) Published(w http.ResponseWriter, r *http.Request) {
	if h.lister == nil || h.bucket == "" {
		http.Error(w, "publishing is not configured", http.StatusServiceUnavailable)
		return
	}
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = DefaultPublishedPrefix
	}

	urls, err := h.lister.ListPublished(r.Context(), h.bucket, prefix)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if urls == nil {
		urls = []string{}
	}
	writeJSON(w, urls)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
