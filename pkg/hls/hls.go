// Package hls repackages a playable MP4 into a single-rendition HLS segment set.
package hls

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"

	"github.com/heyjunin/HLSbrew/pkg/errors"
	"github.com/heyjunin/HLSbrew/pkg/ffmpeg"
	"github.com/heyjunin/HLSbrew/pkg/layout"
	"github.com/heyjunin/HLSbrew/pkg/logger"
)

// Prober reports the resolution of an input so the packager can pick an encoding rate.
type Prober interface {
	Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error)
}

// Options contains settings for HLS packaging.
type Options struct {
	// Runner executes ffmpeg. Required.
	Runner ffmpeg.Runner
	// Prober is optional. Without it every input is encoded at a constant quality.
	Prober Prober
	// Fs is the filesystem output directories live on. Defaults to the OS filesystem.
	Fs afero.Fs
	// SegmentDuration in seconds. Keyframes are forced on the same interval. Defaults to 10.
	SegmentDuration int
	// PlaylistType defaults to "vod".
	PlaylistType string
	// FFmpegExtraParams are appended before the output path.
	FFmpegExtraParams []string
	Logger            logger.Logger
}

// Packager converts playable artifacts into HLS directories.
type Packager struct {
	options Options
}

// New creates a new Packager.
func New(options Options) *Packager {
	if options.Fs == nil {
		options.Fs = afero.NewOsFs()
	}
	if options.SegmentDuration == 0 {
		options.SegmentDuration = 10
	}
	if options.PlaylistType == "" {
		options.PlaylistType = "vod"
	}
	if options.Logger == nil {
		options.Logger = logger.NewLogger()
	}
	return &Packager{options: options}
}

// OutputDir returns the directory Package writes for input.
func (p *Packager) OutputDir(input layout.Artifact) string {
	return layout.HLSDirFor(input.Path)
}

// Package segments input into videos/hls/{title}. An existing output directory is
// returned as is without running ffmpeg. A failed run leaves its partial directory
// behind; callers decide whether to clear it before retrying.
func (p *Packager) Package(ctx context.Context, input layout.Artifact) (layout.Artifact, error) {
	outDir := p.OutputDir(input)
	out := layout.Artifact{Path: outDir, Role: layout.RoleSegmented}

	exists, err := afero.DirExists(p.options.Fs, outDir)
	if err != nil {
		return layout.Artifact{}, errors.Wrap(err, errors.PackagingFailed, "Failed to check output directory", errors.ErrPackagingDirectory)
	}
	if exists {
		p.options.Logger.Info("HLS directory already exists, skipping packaging", "hls", map[string]interface{}{
			"path": outDir,
		})
		return out, nil
	}

	if err := p.options.Fs.MkdirAll(outDir, 0755); err != nil {
		return layout.Artifact{}, errors.Wrap(err, errors.PackagingFailed, "Failed to create output directory", errors.ErrPackagingDirectory)
	}

	args := p.buildFFmpegArgs(input.Path, outDir, p.rendition(ctx, input.Path))
	if err := p.options.Runner.Run(ctx, args); err != nil {
		return layout.Artifact{}, errors.Wrap(err, errors.PackagingFailed, "FFmpeg command failed", errors.ErrTranscoderFailed)
	}

	manifestPath := filepath.Join(outDir, layout.ManifestName)
	manifest, err := Inspect(p.options.Fs, manifestPath)
	if err != nil {
		return layout.Artifact{}, err
	}

	p.options.Logger.Info("HLS generation completed", "hls", map[string]interface{}{
		"playlist": manifestPath,
		"segments": manifest.Segments,
		"duration": manifest.Duration,
	})
	return out, nil
}

func (p *Packager) rendition(ctx context.Context, input string) *Rendition {
	if p.options.Prober == nil {
		return nil
	}
	info, err := p.options.Prober.Probe(ctx, input)
	if err != nil {
		p.options.Logger.Warn("Could not probe input, encoding at constant quality", "hls", map[string]interface{}{
			"input": input,
			"error": err.Error(),
		})
		return nil
	}
	r := RenditionFor(info.Width, info.Height)
	return &r
}

// buildFFmpegArgs constructs the ffmpeg command arguments. Video is re-encoded so
// keyframes land on every segment boundary.
func (p *Packager) buildFFmpegArgs(input, outDir string, r *Rendition) []string {
	seg := strconv.Itoa(p.options.SegmentDuration)

	args := []string{
		"-i", input,
		"-c:v", "libx264",
		"-preset", "veryfast",
	}
	if r != nil {
		args = append(args,
			"-b:v", r.VideoBitrate,
			"-maxrate", r.MaxRate,
			"-bufsize", r.BufSize,
			"-c:a", "aac",
			"-b:a", r.AudioBitrate,
		)
	} else {
		args = append(args,
			"-crf", "21",
			"-c:a", "aac",
			"-b:a", "128k",
		)
	}

	args = append(args,
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%s)", seg),
		"-f", "hls",
		"-hls_time", seg,
		"-hls_list_size", "0",
		"-hls_playlist_type", p.options.PlaylistType,
		"-hls_segment_filename", filepath.Join(outDir, layout.SegmentPattern),
	)
	args = append(args, p.options.FFmpegExtraParams...)
	args = append(args, "-y", filepath.Join(outDir, layout.ManifestName))
	return args
}
