// Package layout derives the on-disk and remote paths of every pipeline artifact.
//
// The local tree doubles as the idempotency record for resumed runs, so the
// shapes below must stay stable:
//
//	videos/mp4/{title}/{title}{_video|_audio|_merged}{_quality}.mp4
//	videos/hls/{title}/index.m3u8 (+ index0.ts, index1.ts, ...)
package layout

import (
	"path/filepath"
	"strings"
)

// Role tags a LocalArtifact with what it contains.
type Role string

const (
	RoleComplete  Role = "complete"
	RoleVideoOnly Role = "video-only"
	RoleAudioOnly Role = "audio-only"
	RoleMerged    Role = "merged"
	RoleSegmented Role = "segmented-directory"
)

const (
	// ManifestName is the HLS playlist written into every packaged directory.
	ManifestName = "index.m3u8"
	// SegmentPattern is the ffmpeg pattern for numbered segment files.
	SegmentPattern = "index%d.ts"

	videosDir = "videos"
	mp4Dir    = "mp4"
	hlsDir    = "hls"
)

// Artifact is a file or directory produced by a pipeline stage.
type Artifact struct {
	Path string `json:"path"`
	Role Role   `json:"role"`
}

// Tag returns the filename fragment for a role. Complete artifacts carry none.
func (r Role) Tag() string {
	switch r {
	case RoleVideoOnly:
		return "_video"
	case RoleAudioOnly:
		return "_audio"
	case RoleMerged:
		return "_merged"
	default:
		return ""
	}
}

// MP4Path returns the path of a fetched or merged artifact under root.
func MP4Path(root, title string, role Role, quality string) string {
	name := title + role.Tag()
	if quality != "" {
		name += "_" + quality
	}
	return filepath.Join(root, videosDir, mp4Dir, title, name+".mp4")
}

// MergedPath substitutes the video-only role tag of videoPath with the merged tag.
// The last occurrence is replaced because the sanitized title may itself contain "_video".
func MergedPath(videoPath string) string {
	dir, base := filepath.Split(videoPath)
	tag := RoleVideoOnly.Tag()
	i := strings.LastIndex(base, tag)
	if i < 0 {
		ext := filepath.Ext(base)
		return filepath.Join(dir, strings.TrimSuffix(base, ext)+RoleMerged.Tag()+ext)
	}
	return filepath.Join(dir, base[:i]+RoleMerged.Tag()+base[i+len(tag):])
}

// HLSDir returns the packaging directory for a title under root.
func HLSDir(root, title string) string {
	return filepath.Join(root, videosDir, hlsDir, title)
}

// HLSDirFor derives the packaging directory from a playable artifact path:
// root/videos/mp4/{title}/x.mp4 becomes root/videos/hls/{title}.
func HLSDirFor(artifactPath string) string {
	root := filepath.Dir(filepath.Dir(filepath.Dir(filepath.Dir(artifactPath))))
	return HLSDir(root, TitleOf(artifactPath))
}

// TitleOf returns the sanitized title an artifact path is namespaced by.
func TitleOf(path string) string {
	return filepath.Base(filepath.Dir(path))
}

// KeyPrefix returns the default object-storage key prefix for a local file:
// files inside a packaged directory map to videos/hls/{title}/, anything else to videos/.
func KeyPrefix(path string) string {
	dir := filepath.Dir(path)
	if filepath.Base(filepath.Dir(dir)) == hlsDir {
		return videosDir + "/" + hlsDir + "/" + filepath.Base(dir) + "/"
	}
	return videosDir + "/"
}
