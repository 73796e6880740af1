package hls

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heyjunin/HLSbrew/pkg/errors"
	"github.com/heyjunin/HLSbrew/pkg/ffmpeg"
	"github.com/heyjunin/HLSbrew/pkg/ffmpeg/ffmpegtest"
	"github.com/heyjunin/HLSbrew/pkg/layout"
	"github.com/heyjunin/HLSbrew/pkg/logger"
)

var input = layout.Artifact{Path: layout.MP4Path("/data", "Clip", layout.RoleMerged, "720p"), Role: layout.RoleMerged}

func newTestPackager(fs afero.Fs, runner ffmpeg.Runner) *Packager {
	return New(Options{Runner: runner, Fs: fs, Logger: logger.Nop()})
}

func TestNewPackagerDefaults(t *testing.T) {
	p := New(Options{})
	assert.Equal(t, 10, p.options.SegmentDuration)
	assert.Equal(t, "vod", p.options.PlaylistType)
	assert.NotNil(t, p.options.Fs)
}

func TestPackage(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := ffmpegtest.New(fs)

	out, err := newTestPackager(fs, runner).Package(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, filepath.FromSlash("/data/videos/hls/Clip"), out.Path)
	assert.Equal(t, layout.RoleSegmented, out.Role)
	require.Len(t, runner.Calls(), 1)

	manifest, err := Inspect(fs, filepath.Join(out.Path, layout.ManifestName))
	require.NoError(t, err)
	assert.Equal(t, 2, manifest.Segments)
	assert.Equal(t, []string{"index0.ts", "index1.ts"}, manifest.URIs)
	assert.InDelta(t, 14.5, manifest.Duration, 0.001)
}

func TestPackageSkipsExistingDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(layout.HLSDir("/data", "Clip"), 0755))
	runner := ffmpegtest.New(fs)

	out, err := newTestPackager(fs, runner).Package(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, layout.HLSDir("/data", "Clip"), out.Path)
	assert.Empty(t, runner.Calls(), "transcoder must not run for an existing directory")
}

func TestPackageFailures(t *testing.T) {
	tests := []struct {
		name   string
		runner func(fs afero.Fs) *ffmpegtest.Runner
		code   int
	}{
		{
			name: "transcoder error",
			runner: func(fs afero.Fs) *ffmpegtest.Runner {
				return &ffmpegtest.Runner{Fs: fs, Err: fmt.Errorf("exit status 1: Invalid data found when processing input")}
			},
			code: errors.ErrTranscoderFailed,
		},
		{
			name: "empty playlist",
			runner: func(fs afero.Fs) *ffmpegtest.Runner {
				return &ffmpegtest.Runner{Fs: fs, Manifest: "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXT-X-ENDLIST\n"}
			},
			code: errors.ErrPackagingManifest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()

			_, err := newTestPackager(fs, tt.runner(fs)).Package(context.Background(), input)
			require.Error(t, err)

			var se *errors.StructuredError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, errors.PackagingFailed, se.Type)
			assert.Equal(t, tt.code, se.Code)

			exists, _ := afero.DirExists(fs, layout.HLSDir("/data", "Clip"))
			assert.True(t, exists, "partial output directories are left in place")
		})
	}
}

func TestBuildFFmpegArgs(t *testing.T) {
	p := New(Options{SegmentDuration: 6, FFmpegExtraParams: []string{"-threads", "2"}, Logger: logger.Nop()})
	outDir := filepath.FromSlash("/out/hls/Clip")

	args := p.buildFFmpegArgs("in.mp4", outDir, nil)
	argsMap := argsToMap(args)

	assert.Equal(t, "in.mp4", argsMap["-i"])
	assert.Equal(t, "expr:gte(t,n_forced*6)", argsMap["-force_key_frames"])
	assert.Equal(t, "6", argsMap["-hls_time"])
	assert.Equal(t, "0", argsMap["-hls_list_size"])
	assert.Equal(t, "vod", argsMap["-hls_playlist_type"])
	assert.Equal(t, filepath.Join(outDir, "index%d.ts"), argsMap["-hls_segment_filename"])
	assert.Equal(t, "21", argsMap["-crf"])
	assert.True(t, contains(args, "-threads", "2"))
	assert.True(t, endsWith(args, filepath.Join(outDir, "index.m3u8")))

	withRates := p.buildFFmpegArgs("in.mp4", outDir, &Rendition{VideoBitrate: "2800k", MaxRate: "2996k", BufSize: "4200k", AudioBitrate: "128k"})
	assert.True(t, contains(withRates, "-b:v", "2800k"))
	assert.True(t, contains(withRates, "-maxrate", "2996k"))
	assert.NotContains(t, withRates, "-crf")
}

type stubProber struct {
	info *ffmpeg.MediaInfo
	err  error
}

func (s stubProber) Probe(context.Context, string) (*ffmpeg.MediaInfo, error) { return s.info, s.err }

func TestPackageUsesProbedRendition(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := ffmpegtest.New(fs)
	p := New(Options{Runner: runner, Fs: fs, Prober: stubProber{info: &ffmpeg.MediaInfo{Width: 1280, Height: 720}}, Logger: logger.Nop()})

	_, err := p.Package(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, runner.Calls(), 1)
	assert.Equal(t, "2800k", ffmpegtest.Value(runner.Calls()[0], "-b:v"))
}

func TestInspectRejectsMasterPlaylist(t *testing.T) {
	fs := afero.NewMemMapFs()
	master := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1280x720\nstream_0/playlist.m3u8\n"
	require.NoError(t, afero.WriteFile(fs, "/m/index.m3u8", []byte(master), 0644))

	_, err := Inspect(fs, "/m/index.m3u8")
	assert.Equal(t, errors.PackagingFailed, errors.TypeOf(err))

	_, err = Inspect(fs, "/m/missing.m3u8")
	assert.Equal(t, errors.PackagingFailed, errors.TypeOf(err))
}

func TestRenditionFor(t *testing.T) {
	tests := []struct {
		width, height int
		want          string
	}{
		{3840, 2160, "2160p"},
		{1920, 1080, "1080p"},
		{1080, 1920, "1080p"},
		{1280, 720, "720p"},
		{854, 480, "480p"},
		{640, 360, "360p"},
		{320, 240, "240p"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%dx%d", tt.width, tt.height), func(t *testing.T) {
			r := RenditionFor(tt.width, tt.height)
			assert.Equal(t, tt.want, r.Quality)
			assert.Equal(t, DefaultBitrates[tt.want], r)
		})
	}
}

// argsToMap converts an args slice to flag -> value. Flags come before their values.
func argsToMap(args []string) map[string]string {
	m := make(map[string]string)
	for i := 0; i < len(args)-1; i++ {
		if len(args[i]) > 1 && args[i][0] == '-' && args[i+1][0] != '-' {
			m[args[i]] = args[i+1]
		}
	}
	return m
}

func contains(args []string, flag, value string) bool {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

func endsWith(args []string, value string) bool {
	return len(args) > 0 && args[len(args)-1] == value
}
