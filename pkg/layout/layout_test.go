package layout

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMP4Path(t *testing.T) {
	tests := []struct {
		name    string
		role    Role
		quality string
		want    string
	}{
		{"complete with quality", RoleComplete, "480p", "videos/mp4/My_Clip/My_Clip_480p.mp4"},
		{"video only", RoleVideoOnly, "720p", "videos/mp4/My_Clip/My_Clip_video_720p.mp4"},
		{"audio without label", RoleAudioOnly, "", "videos/mp4/My_Clip/My_Clip_audio.mp4"},
		{"merged", RoleMerged, "720p", "videos/mp4/My_Clip/My_Clip_merged_720p.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, filepath.FromSlash(tt.want), MP4Path("", "My_Clip", tt.role, tt.quality))
		})
	}
}

func TestMergedPathReplacesLastVideoTag(t *testing.T) {
	in := MP4Path("/data", "my_video_diary", RoleVideoOnly, "1080p")

	got := MergedPath(in)

	assert.Equal(t, filepath.FromSlash("/data/videos/mp4/my_video_diary/my_video_diary_merged_1080p.mp4"), got)
}

func TestMergedPathWithoutTag(t *testing.T) {
	assert.Equal(t, filepath.FromSlash("a/clip_merged.mp4"), MergedPath(filepath.FromSlash("a/clip.mp4")))
}

func TestHLSDirFor(t *testing.T) {
	in := MP4Path("/srv/media", "Title", RoleMerged, "720p")

	assert.Equal(t, filepath.FromSlash("/srv/media/videos/hls/Title"), HLSDirFor(in))
	assert.Equal(t, HLSDir("/srv/media", "Title"), HLSDirFor(in))
	assert.Equal(t, "Title", TitleOf(in))
}

func TestKeyPrefix(t *testing.T) {
	assert.Equal(t, "videos/hls/Title/", KeyPrefix(filepath.Join(HLSDir("root", "Title"), "index0.ts")))
	assert.Equal(t, "videos/", KeyPrefix(MP4Path("root", "Title", RoleComplete, "480p")))
	assert.Equal(t, "videos/", KeyPrefix("loose.mp4"))
}
