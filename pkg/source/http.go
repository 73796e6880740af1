package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/heyjunin/HLSbrew/pkg/errors"
)

// DirectID is the representation ID of the single entry an HTTP source offers.
const DirectID = "direct"

// HTTPOptions configures the HTTP source.
type HTTPOptions struct {
	// Timeout bounds a whole request including the body transfer.
	// Defaults to 30 minutes if not specified.
	Timeout time.Duration
	// Client overrides the HTTP client. Timeout is ignored when set.
	Client *http.Client
}

// HTTP is a Source for direct media URLs. The file at the URL is treated as one
// complete representation, and the title is taken from the last path element.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates an HTTP source.
func NewHTTP(opts HTTPOptions) *HTTP {
	if opts.Client != nil {
		return &HTTP{client: opts.Client}
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Minute
	}
	return &HTTP{client: &http.Client{Timeout: opts.Timeout}}
}

// Metadata derives the title from the URL path, without its extension.
func (h *HTTP) Metadata(_ context.Context, ref string) (Metadata, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return Metadata{}, errors.Wrap(err, errors.SourceMetadataError, "Invalid media URL", errors.ErrSourceMetadata)
	}
	base := path.Base(u.Path)
	title := strings.TrimSuffix(base, path.Ext(base))
	if title == "" || title == "." || title == "/" {
		return Metadata{}, errors.New(errors.SourceMetadataError, "Media URL has no file name", ref, errors.ErrSourceMetadata)
	}
	return Metadata{Title: title}, nil
}

// Catalog issues a HEAD request and describes the resource as one complete representation.
func (h *HTTP) Catalog(ctx context.Context, ref string) ([]Representation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, ref, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.SourceMetadataError, "Failed to create HTTP request", errors.ErrSourceCatalog)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.SourceMetadataError, "Failed to query media URL", errors.ErrSourceCatalog)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.SourceMetadataError, "HTTP request failed", fmt.Sprintf("Status: %s", resp.Status), errors.ErrSourceCatalog)
	}

	mimeType := resp.Header.Get("Content-Type")
	container, codecs := ParseMimeType(mimeType)
	if container == "" || container == "octet-stream" {
		container = strings.TrimPrefix(path.Ext(req.URL.Path), ".")
	}

	return []Representation{{
		ID:            DirectID,
		HasAudio:      true,
		HasVideo:      true,
		Container:     container,
		Codecs:        codecs,
		MimeType:      mimeType,
		ContentLength: resp.ContentLength,
	}}, nil
}

// Stream downloads the resource body.
func (h *HTTP) Stream(ctx context.Context, ref string, _ Representation) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.FetchError, "Failed to create HTTP request", errors.ErrSourceStream)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.FetchError, "Failed to download file", errors.ErrSourceStream)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, errors.New(errors.FetchError, "HTTP request failed", fmt.Sprintf("Status: %s", resp.Status), errors.ErrSourceStream)
	}
	return resp.Body, resp.ContentLength, nil
}
