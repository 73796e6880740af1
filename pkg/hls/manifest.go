package hls

import (
	"github.com/grafov/m3u8"
	"github.com/spf13/afero"

	"github.com/heyjunin/HLSbrew/pkg/errors"
)

// Manifest summarizes a media playlist written by the packager.
type Manifest struct {
	Segments       int
	TargetDuration float64
	// Duration is the sum of segment durations in seconds.
	Duration float64
	URIs     []string
}

// Inspect decodes the media playlist at path and confirms it lists at least one segment.
func Inspect(fs afero.Fs, path string) (*Manifest, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.PackagingFailed, "Manifest was not written", errors.ErrPackagingManifest)
	}
	defer f.Close()

	playlist, _, err := m3u8.DecodeFrom(f, true)
	if err != nil {
		return nil, errors.Wrap(err, errors.PackagingFailed, "Failed to decode manifest", errors.ErrPackagingManifest)
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, errors.New(errors.PackagingFailed, "Expected HLS media playlist but got master playlist", path, errors.ErrPackagingManifest)
	}

	m := &Manifest{TargetDuration: media.TargetDuration}
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		m.Segments++
		m.Duration += seg.Duration
		m.URIs = append(m.URIs, seg.URI)
	}
	if m.Segments == 0 {
		return nil, errors.New(errors.PackagingFailed, "Manifest lists no segments", path, errors.ErrPackagingManifest)
	}
	return m, nil
}
