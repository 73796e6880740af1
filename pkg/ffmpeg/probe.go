package ffmpeg

import (
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"time"

	"github.com/heyjunin/HLSbrew/pkg/errors"
)

// MediaInfo holds the video resolution and duration of a media file.
type MediaInfo struct {
	Width    int
	Height   int
	Duration time.Duration
}

// probeOutput is the subset of `ffprobe -print_format json` output we read.
type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width,omitempty"`
		Height    int    `json:"height,omitempty"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe runs ffprobe on path and returns its first video stream's resolution and the
// container duration.
func (e *Exec) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	cmd := exec.CommandContext(ctx, e.options.ProbeBinary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(err, errors.SystemError, "Failed to run FFprobe", errors.ErrTranscoderFailed)
	}
	return parseProbe(output)
}

func parseProbe(output []byte) (*MediaInfo, error) {
	var probe probeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, errors.Wrap(err, errors.SystemError, "Failed to parse FFprobe output", errors.ErrTranscoderFailed)
	}

	info := &MediaInfo{}
	found := false
	for _, s := range probe.Streams {
		if s.CodecType == "video" {
			info.Width, info.Height = s.Width, s.Height
			found = true
			break
		}
	}
	if !found {
		return nil, errors.New(errors.SystemError, "No video stream found", "", errors.ErrTranscoderFailed)
	}

	if probe.Format.Duration != "" {
		if secs, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
			info.Duration = time.Duration(secs * float64(time.Second))
		}
	}
	return info, nil
}
