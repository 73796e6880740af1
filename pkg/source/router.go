package source

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/heyjunin/HLSbrew/pkg/errors"
)

var youTubeHosts = map[string]bool{
	"youtube.com":       true,
	"www.youtube.com":   true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
	"youtu.be":          true,
}

// Router dispatches each reference to the YouTube source for YouTube URLs and
// to Direct for everything else.
type Router struct {
	YouTube Source
	Direct  Source
}

// IsYouTube reports whether ref points at a YouTube host.
func IsYouTube(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return youTubeHosts[strings.ToLower(u.Hostname())]
}

func (r *Router) pick(ref string) (Source, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New(errors.ValidationError, "Reference is not an absolute URL", ref, errors.ErrInvalidReference)
	}
	if IsYouTube(ref) {
		return r.YouTube, nil
	}
	return r.Direct, nil
}

// Metadata implements Source.
func (r *Router) Metadata(ctx context.Context, ref string) (Metadata, error) {
	s, err := r.pick(ref)
	if err != nil {
		return Metadata{}, err
	}
	return s.Metadata(ctx, ref)
}

// Catalog implements Source.
func (r *Router) Catalog(ctx context.Context, ref string) ([]Representation, error) {
	s, err := r.pick(ref)
	if err != nil {
		return nil, err
	}
	return s.Catalog(ctx, ref)
}

// Stream implements Source.
func (r *Router) Stream(ctx context.Context, ref string, rep Representation) (io.ReadCloser, int64, error) {
	s, err := r.pick(ref)
	if err != nil {
		return nil, 0, err
	}
	return s.Stream(ctx, ref, rep)
}
