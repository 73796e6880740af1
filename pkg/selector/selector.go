// Package selector chooses which representations of a video to fetch.
package selector

import (
	"github.com/samber/lo"

	"github.com/heyjunin/HLSbrew/pkg/errors"
	"github.com/heyjunin/HLSbrew/pkg/source"
)

// Plan is the ordered list of representations chosen for one reference.
// The first entry is always complete. A second complete entry is the policy match;
// a trailing video-only + audio-only pair is destined for merging.
type Plan []source.Representation

// Policy describes which representations are worth fetching besides the fallback.
// It is a value: derive variants with WithHint instead of mutating shared state.
type Policy struct {
	// Preferred quality labels, tried in order.
	Preferred []string `mapstructure:"preferred" toml:"preferred"`
	// Container required of a policy match (e.g. "mp4").
	Container string `mapstructure:"container" toml:"container"`
	// VideoCodec is the codec family a split video stream must use (e.g. "avc1").
	VideoCodec string `mapstructure:"video_codec" toml:"video_codec"`
	// AudioContainer is required of the split audio stream.
	AudioContainer string `mapstructure:"audio_container" toml:"audio_container"`
	// AudioCodec is the codec family a split audio stream must use. Empty accepts any.
	AudioCodec string `mapstructure:"audio_codec" toml:"audio_codec"`
}

// DefaultPolicy prefers 1080p then 720p H.264 in MP4 with AAC audio.
func DefaultPolicy() Policy {
	return Policy{
		Preferred:      []string{"1080p", "720p"},
		Container:      "mp4",
		VideoCodec:     "avc1",
		AudioContainer: "mp4",
		AudioCodec:     "mp4a",
	}
}

// WithHint returns a copy of p that tries label before the configured preferences.
func (p Policy) WithHint(label string) Policy {
	if label == "" {
		return p
	}
	preferred := make([]string, 0, len(p.Preferred)+1)
	preferred = append(preferred, label)
	preferred = append(preferred, lo.Without(p.Preferred, label)...)
	p.Preferred = preferred
	return p
}

// Select builds a download plan from a catalog in source order. The first
// complete representation is always the plan's first entry; ties go to the
// first catalog match.
func Select(catalog []source.Representation, policy Policy) (Plan, error) {
	complete := lo.Filter(catalog, func(r source.Representation, _ int) bool {
		return r.Complete()
	})
	if len(complete) == 0 {
		if len(catalog) == 0 {
			return nil, errors.New(errors.NoCompleteRepresentation, "Catalog is empty", "", errors.ErrEmptyCatalog)
		}
		return nil, errors.New(errors.NoCompleteRepresentation, "Catalog has no representation with both audio and video", "", errors.ErrNoCompleteInCatalog)
	}
	fallback := complete[0]

	for _, label := range policy.Preferred {
		match, ok := lo.Find(complete, func(r source.Representation) bool {
			return r.QualityLabel == label && r.Container == policy.Container
		})
		if ok {
			return Plan{fallback, match}, nil
		}
	}

	var (
		video   source.Representation
		videoOK bool
	)
	for _, label := range policy.Preferred {
		video, videoOK = lo.Find(catalog, func(r source.Representation) bool {
			return r.VideoOnly() &&
				r.QualityLabel == label &&
				r.Container == policy.Container &&
				r.HasCodecPrefix(policy.VideoCodec)
		})
		if videoOK {
			break
		}
	}
	audio, audioOK := lo.Find(catalog, func(r source.Representation) bool {
		return r.AudioOnly() &&
			r.Container == policy.AudioContainer &&
			(policy.AudioCodec == "" || r.HasCodecPrefix(policy.AudioCodec))
	})
	if videoOK && audioOK {
		return Plan{fallback, video, audio}, nil
	}

	return Plan{fallback}, nil
}
