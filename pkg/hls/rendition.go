package hls

import "math"

// Rendition holds the rate control used when re-encoding an input for segmentation.
type Rendition struct {
	Quality      string `json:"quality"`
	VideoBitrate string `json:"video_bitrate"`
	MaxRate      string `json:"max_rate"`
	BufSize      string `json:"buf_size"`
	AudioBitrate string `json:"audio_bitrate"`
}

// DefaultBitrates maps quality labels to common streaming rates.
var DefaultBitrates = map[string]Rendition{
	"2160p": {"2160p", "15000k", "16050k", "22500k", "192k"},
	"1440p": {"1440p", "9000k", "9630k", "13500k", "192k"},
	"1080p": {"1080p", "5000k", "5350k", "7500k", "192k"},
	"720p":  {"720p", "2800k", "2996k", "4200k", "128k"},
	"480p":  {"480p", "1400k", "1498k", "2100k", "96k"},
	"360p":  {"360p", "800k", "856k", "1200k", "64k"},
	"240p":  {"240p", "400k", "428k", "600k", "48k"},
}

// QualityFor labels a resolution by its shorter side, so vertical video is
// classified the same as its horizontal counterpart.
func QualityFor(width, height int) string {
	short := math.Min(float64(width), float64(height))
	switch {
	case short >= 2160:
		return "2160p"
	case short >= 1440:
		return "1440p"
	case short >= 1080:
		return "1080p"
	case short >= 720:
		return "720p"
	case short >= 480:
		return "480p"
	case short >= 360:
		return "360p"
	default:
		return "240p"
	}
}

// RenditionFor returns the rates for an input of the given resolution. Inputs are
// never upscaled, so the rendition always matches the source's own quality.
func RenditionFor(width, height int) Rendition {
	return DefaultBitrates[QualityFor(width, height)]
}
