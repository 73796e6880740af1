// Package source adapts external video platforms to the pipeline: title metadata,
// the catalog of encoded representations, and a byte stream per representation.
package source

import (
	"context"
	"io"
	"mime"
	"strings"
	"time"
)

// Source is an external video source keyed by opaque references.
type Source interface {
	// Metadata returns descriptive information about the referenced video.
	Metadata(ctx context.Context, ref string) (Metadata, error)
	// Catalog lists every representation the source offers, in source order.
	Catalog(ctx context.Context, ref string) ([]Representation, error)
	// Stream opens the bytes of one representation. The returned size is -1 when unknown.
	Stream(ctx context.Context, ref string, rep Representation) (io.ReadCloser, int64, error)
}

// Metadata describes a video as reported by its source.
type Metadata struct {
	Title    string        `json:"title"`
	Author   string        `json:"author,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Representation is one encoded stream option of a video.
type Representation struct {
	// ID identifies the representation within its source (an itag for YouTube).
	ID            string   `json:"id"`
	HasAudio      bool     `json:"has_audio"`
	HasVideo      bool     `json:"has_video"`
	Container     string   `json:"container"`
	Codecs        []string `json:"codecs,omitempty"`
	QualityLabel  string   `json:"quality_label,omitempty"`
	MimeType      string   `json:"mime_type"`
	Bitrate       int      `json:"bitrate,omitempty"`
	ContentLength int64    `json:"content_length,omitempty"`
}

// Complete reports whether the representation carries both audio and video.
func (r Representation) Complete() bool {
	return r.HasAudio && r.HasVideo
}

// VideoOnly reports whether the representation carries video without audio.
func (r Representation) VideoOnly() bool {
	return r.HasVideo && !r.HasAudio
}

// AudioOnly reports whether the representation carries audio without video.
func (r Representation) AudioOnly() bool {
	return r.HasAudio && !r.HasVideo
}

// HasCodecPrefix reports whether any codec of the representation starts with family,
// e.g. "avc1" matches "avc1.640028".
func (r Representation) HasCodecPrefix(family string) bool {
	for _, c := range r.Codecs {
		if strings.HasPrefix(c, family) {
			return true
		}
	}
	return false
}

// ParseMimeType splits a media type such as `video/mp4; codecs="avc1.4d401f, mp4a.40.2"`
// into its container subtype and codec list.
func ParseMimeType(mimeType string) (container string, codecs []string) {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "", nil
	}
	if i := strings.IndexByte(mediaType, '/'); i >= 0 {
		container = mediaType[i+1:]
	}
	for _, c := range strings.Split(params["codecs"], ",") {
		if c = strings.TrimSpace(c); c != "" {
			codecs = append(codecs, c)
		}
	}
	return container, codecs
}
