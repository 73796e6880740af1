// Package merge combines a split video-only and audio-only pair into one playable MP4.
package merge

import (
	"context"

	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/heyjunin/HLSbrew/pkg/errors"
	"github.com/heyjunin/HLSbrew/pkg/ffmpeg"
	"github.com/heyjunin/HLSbrew/pkg/layout"
	"github.com/heyjunin/HLSbrew/pkg/logger"
)

// Options configures the merge stage.
type Options struct {
	// Runner executes ffmpeg. Required.
	Runner ffmpeg.Runner
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
	// AudioCodec is the codec audio is re-encoded to. Defaults to "aac".
	AudioCodec string
	// AudioBitrate defaults to "192k".
	AudioBitrate string
	// RemoveSources deletes the split inputs after a successful merge.
	RemoveSources bool
	Logger        logger.Logger
}

// Stage merges split artifacts.
type Stage struct {
	options Options
}

// New creates a merge Stage.
func New(options Options) *Stage {
	if options.Fs == nil {
		options.Fs = afero.NewOsFs()
	}
	if options.AudioCodec == "" {
		options.AudioCodec = "aac"
	}
	if options.AudioBitrate == "" {
		options.AudioBitrate = "192k"
	}
	if options.Logger == nil {
		options.Logger = logger.NewLogger()
	}
	return &Stage{options: options}
}

// Pair returns the video-only and audio-only artifacts when artifacts holds exactly one of each.
func Pair(artifacts []layout.Artifact) (video, audio layout.Artifact, ok bool) {
	videos := lo.Filter(artifacts, func(a layout.Artifact, _ int) bool { return a.Role == layout.RoleVideoOnly })
	audios := lo.Filter(artifacts, func(a layout.Artifact, _ int) bool { return a.Role == layout.RoleAudioOnly })
	if len(artifacts) != 2 || len(videos) != 1 || len(audios) != 1 {
		return layout.Artifact{}, layout.Artifact{}, false
	}
	return videos[0], audios[0], true
}

// OutputPath returns where the merge of video is written.
func OutputPath(video layout.Artifact) string {
	return layout.MergedPath(video.Path)
}

// Merge copies the video stream of the pair and re-encodes its audio into one container.
// ok is false, with no error, when artifacts is not exactly one video-only and one
// audio-only artifact. An existing output is returned without running ffmpeg.
func (s *Stage) Merge(ctx context.Context, artifacts []layout.Artifact) (merged layout.Artifact, ok bool, err error) {
	video, audio, ok := Pair(artifacts)
	if !ok {
		s.options.Logger.Debug("Merge skipped, input is not a video/audio pair", "merge", map[string]interface{}{
			"artifacts": len(artifacts),
		})
		return layout.Artifact{}, false, nil
	}

	out := layout.Artifact{Path: OutputPath(video), Role: layout.RoleMerged}

	exists, err := afero.Exists(s.options.Fs, out.Path)
	if err != nil {
		return layout.Artifact{}, false, errors.Wrap(err, errors.MergeFailed, "Failed to check output file", errors.ErrMergeInput)
	}
	if exists {
		s.options.Logger.Info("Merged file already exists, skipping merge", "merge", map[string]interface{}{
			"path": out.Path,
		})
		return out, true, nil
	}

	args := []string{
		"-i", video.Path,
		"-i", audio.Path,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", s.options.AudioCodec,
		"-b:a", s.options.AudioBitrate,
		"-movflags", "+faststart",
		"-y", out.Path,
	}
	if err := s.options.Runner.Run(ctx, args); err != nil {
		return layout.Artifact{}, false, errors.Wrap(err, errors.MergeFailed, "FFmpeg command failed", errors.ErrTranscoderFailed)
	}

	s.options.Logger.Info("Merge completed", "merge", map[string]interface{}{
		"video":  video.Path,
		"audio":  audio.Path,
		"output": out.Path,
	})

	if s.options.RemoveSources {
		for _, src := range []string{video.Path, audio.Path} {
			if err := s.options.Fs.Remove(src); err != nil {
				s.options.Logger.Warn("Failed to remove merge source", "merge", map[string]interface{}{
					"path":  src,
					"error": err.Error(),
				})
			}
		}
	}
	return out, true, nil
}
