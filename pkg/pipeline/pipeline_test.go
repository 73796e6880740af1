package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heyjunin/HLSbrew/pkg/downloader"
	"github.com/heyjunin/HLSbrew/pkg/errors"
	"github.com/heyjunin/HLSbrew/pkg/ffmpeg/ffmpegtest"
	"github.com/heyjunin/HLSbrew/pkg/hls"
	"github.com/heyjunin/HLSbrew/pkg/layout"
	"github.com/heyjunin/HLSbrew/pkg/ledger"
	"github.com/heyjunin/HLSbrew/pkg/logger"
	"github.com/heyjunin/HLSbrew/pkg/merge"
	"github.com/heyjunin/HLSbrew/pkg/metrics"
	"github.com/heyjunin/HLSbrew/pkg/publisher"
	"github.com/heyjunin/HLSbrew/pkg/selector"
	"github.com/heyjunin/HLSbrew/pkg/source"
)

var (
	complete480 = source.Representation{ID: "18", HasAudio: true, HasVideo: true, Container: "mp4", Codecs: []string{"avc1.42001E", "mp4a.40.2"}, QualityLabel: "480p"}
	complete720 = source.Representation{ID: "22", HasAudio: true, HasVideo: true, Container: "mp4", Codecs: []string{"avc1.64001F", "mp4a.40.2"}, QualityLabel: "720p"}
	video720    = source.Representation{ID: "136", HasVideo: true, Container: "mp4", Codecs: []string{"avc1.4d401f"}, QualityLabel: "720p"}
	audioMP4    = source.Representation{ID: "140", HasAudio: true, Container: "mp4", Codecs: []string{"mp4a.40.2"}}
)

type video struct {
	title   string
	catalog []source.Representation
}

// fakeSource serves fixed catalogs and counts streamed representations.
type fakeSource struct {
	mu      sync.Mutex
	videos  map[string]video
	streams int
}

func newFakeSource(videos map[string]video) *fakeSource {
	return &fakeSource{videos: videos}
}

func (f *fakeSource) lookup(ref string) (video, error) {
	v, ok := f.videos[ref]
	if !ok {
		return video{}, errors.New(errors.SourceMetadataError, "Failed to fetch video info", "video unavailable", errors.ErrSourceNotFound)
	}
	return v, nil
}

func (f *fakeSource) Metadata(_ context.Context, ref string) (source.Metadata, error) {
	v, err := f.lookup(ref)
	return source.Metadata{Title: v.title}, err
}

func (f *fakeSource) Catalog(_ context.Context, ref string) ([]source.Representation, error) {
	v, err := f.lookup(ref)
	return v.catalog, err
}

func (f *fakeSource) Stream(_ context.Context, ref string, rep source.Representation) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	f.streams++
	f.mu.Unlock()
	data := []byte(ref + "#" + rep.ID)
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (f *fakeSource) streamed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams
}

// fakeS3 accepts every put except keys listed in fail.
type fakeS3 struct {
	mu   sync.Mutex
	keys []string
	fail map[string]bool
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(in.Key)
	if f.fail[key] {
		return nil, fmt.Errorf("AccessDenied: %s", key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(context.Context, *s3.ListObjectsV2Input, ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	return &s3.ListObjectsV2Output{}, nil
}

type harness struct {
	fs      afero.Fs
	src     *fakeSource
	runner  *ffmpegtest.Runner
	s3      *fakeS3
	metrics *metrics.Metrics
	options Options
}

func newHarness(t *testing.T, videos map[string]video) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	src := newFakeSource(videos)
	runner := ffmpegtest.New(fs)
	s3c := &fakeS3{fail: map[string]bool{}}
	m := metrics.New()
	log := logger.Nop()

	return &harness{
		fs:      fs,
		src:     src,
		runner:  runner,
		s3:      s3c,
		metrics: m,
		options: Options{
			Source:    src,
			Fetcher:   downloader.New(downloader.Options{Source: src, Fs: fs, Logger: log}),
			Merger:    merge.New(merge.Options{Runner: runner, Fs: fs, Logger: log}),
			Packager:  hls.New(hls.Options{Runner: runner, Fs: fs, Logger: log}),
			Publisher: publisher.New(publisher.Options{Client: s3c, Fs: fs, Region: "us-east-1", Logger: log}),
			Fs:        fs,
			Root:      "/data",
			Policy:    selector.DefaultPolicy(),
			Bucket:    "media",
			Logger:    log,
			Metrics:   m,
		},
	}
}

func (h *harness) pipeline() *Pipeline {
	return New(h.options)
}

func mp4(title string, role layout.Role, quality string) layout.Artifact {
	return layout.Artifact{Path: layout.MP4Path("/data", title, role, quality), Role: role}
}

func TestScenarioCompleteOnly(t *testing.T) {
	h := newHarness(t, map[string]video{"ref": {title: "My Clip", catalog: []source.Representation{complete480}}})

	run, err := h.pipeline().Process(context.Background(), "ref")
	require.NoError(t, err)

	assert.Equal(t, "My_Clip", run.Title)
	assert.Equal(t, selector.Plan{complete480}, run.Plan)
	assert.Equal(t, []layout.Artifact{mp4("My_Clip", layout.RoleComplete, "480p")}, run.Ready)
	assert.Empty(t, run.Packaged)
	assert.Empty(t, h.runner.Calls(), "no merge and no packaging")
	assert.Equal(t, 1, h.src.streamed())
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.NotEmpty(t, run.RunID)

	data, err := afero.ReadFile(h.fs, run.Ready[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "ref#18", string(data))
}

func TestScenarioTwoCompleteRepresentations(t *testing.T) {
	h := newHarness(t, map[string]video{"ref": {title: "Clip", catalog: []source.Representation{complete480, complete720}}})

	run, err := h.pipeline().Process(context.Background(), "ref")
	require.NoError(t, err)

	assert.Equal(t, selector.Plan{complete480, complete720}, run.Plan)
	assert.Equal(t, 2, h.src.streamed())
	assert.Empty(t, h.runner.Calls(), "zero merges")
	assert.Equal(t, []layout.Artifact{
		mp4("Clip", layout.RoleComplete, "480p"),
		mp4("Clip", layout.RoleComplete, "720p"),
	}, run.Ready)
}

func TestScenarioSplitPair(t *testing.T) {
	h := newHarness(t, map[string]video{"ref": {title: "Clip", catalog: []source.Representation{complete480, video720, audioMP4}}})

	run, err := h.pipeline().Process(context.Background(), "ref")
	require.NoError(t, err)

	assert.Equal(t, selector.Plan{complete480, video720, audioMP4}, run.Plan)
	assert.Equal(t, 3, h.src.streamed())
	require.Len(t, h.runner.Calls(), 1, "one merge")

	merged := mp4("Clip", layout.RoleMerged, "720p")
	assert.Equal(t, []layout.Artifact{mp4("Clip", layout.RoleComplete, "480p"), merged}, run.Ready)
	assert.Equal(t, "/data/videos/mp4/Clip/Clip_merged_720p.mp4", merged.Path)
	assert.Equal(t, []string{
		mp4("Clip", layout.RoleVideoOnly, "720p").Path,
		mp4("Clip", layout.RoleAudioOnly, "").Path,
	}, ffmpegtest.Values(h.runner.Calls()[0], "-i"))

	exists, err := afero.Exists(h.fs, merged.Path)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRerunSkipsEveryStage(t *testing.T) {
	h := newHarness(t, map[string]video{"ref": {title: "Clip", catalog: []source.Representation{complete480, video720, audioMP4}}})
	h.options.Package = true
	p := h.pipeline()
	ctx := context.Background()

	first, err := p.Process(ctx, "ref")
	require.NoError(t, err)
	require.Len(t, h.runner.Calls(), 2, "merge and one packaging")

	second, err := p.Process(ctx, "ref")
	require.NoError(t, err)
	assert.Equal(t, 3, h.src.streamed(), "no new fetches")
	assert.Len(t, h.runner.Calls(), 2, "no new ffmpeg runs")
	assert.Equal(t, first.Ready, second.Ready)
	assert.Equal(t, first.Packaged, second.Packaged)
	assert.NotEqual(t, first.RunID, second.RunID)

	expected := `
# HELP hlsbrew_stage_skips_total Stages skipped because their output already existed
# TYPE hlsbrew_stage_skips_total counter
hlsbrew_stage_skips_total{stage="fetch"} 3
hlsbrew_stage_skips_total{stage="merge"} 1
hlsbrew_stage_skips_total{stage="package"} 3
`
	require.NoError(t, testutil.GatherAndCompare(h.metrics.Registry(), strings.NewReader(expected), "hlsbrew_stage_skips_total"))
}

func TestRemovedMergeSourcesAreNotFetchedAgain(t *testing.T) {
	for _, withLedger := range []bool{false, true} {
		t.Run(fmt.Sprintf("ledger=%v", withLedger), func(t *testing.T) {
			h := newHarness(t, map[string]video{"ref": {title: "Clip", catalog: []source.Representation{complete480, video720, audioMP4}}})
			h.options.Merger = merge.New(merge.Options{Runner: h.runner, Fs: h.fs, RemoveSources: true, Logger: logger.Nop()})
			if withLedger {
				l, err := ledger.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
				require.NoError(t, err)
				defer l.Close()
				h.options.Ledger = l
			}
			p := h.pipeline()
			ctx := context.Background()

			first, err := p.Process(ctx, "ref")
			require.NoError(t, err)
			second, err := p.Process(ctx, "ref")
			require.NoError(t, err)

			assert.Equal(t, 3, h.src.streamed(), "split sources are fetched once")
			assert.Len(t, h.runner.Calls(), 1, "one merge")
			assert.Equal(t, first.Ready, second.Ready)
			for _, src := range []layout.Artifact{
				mp4("Clip", layout.RoleVideoOnly, "720p"),
				mp4("Clip", layout.RoleAudioOnly, ""),
			} {
				exists, err := afero.Exists(h.fs, src.Path)
				require.NoError(t, err)
				assert.False(t, exists, src.Path)
			}
		})
	}
}

func TestPackagesBestArtifactFirst(t *testing.T) {
	h := newHarness(t, map[string]video{"ref": {title: "Clip", catalog: []source.Representation{complete480, complete720}}})
	h.options.Package = true

	run, err := h.pipeline().Process(context.Background(), "ref")
	require.NoError(t, err)

	calls := h.runner.Calls()
	require.Len(t, calls, 1, "both ready artifacts share the title directory")
	assert.Equal(t, mp4("Clip", layout.RoleComplete, "720p").Path, ffmpegtest.Value(calls[0], "-i"))
	assert.Equal(t, []layout.Artifact{{Path: layout.HLSDir("/data", "Clip"), Role: layout.RoleSegmented}}, run.Packaged)
}

func TestPublishPackagedDirectory(t *testing.T) {
	h := newHarness(t, map[string]video{"ref": {title: "Clip", catalog: []source.Representation{complete480}}})
	h.options.Package = true
	h.options.Publish = true

	run, err := h.pipeline().Process(context.Background(), "ref")
	require.NoError(t, err)

	base := "https://media.s3.us-east-1.amazonaws.com/videos/hls/Clip/"
	assert.ElementsMatch(t, []string{base + "index.m3u8", base + "index0.ts", base + "index1.ts"}, run.Published)
	assert.Equal(t, run.Published, run.Locations())
}

func TestPublishReadyFilesWithoutPackaging(t *testing.T) {
	h := newHarness(t, map[string]video{"ref": {title: "Clip", catalog: []source.Representation{complete480}}})
	h.options.Publish = true

	run, err := h.pipeline().Process(context.Background(), "ref")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://media.s3.us-east-1.amazonaws.com/videos/Clip_480p.mp4"}, run.Published)
}

func TestPublishFailures(t *testing.T) {
	videos := map[string]video{"ref": {title: "Clip", catalog: []source.Representation{complete480}}}

	t.Run("all or nothing", func(t *testing.T) {
		h := newHarness(t, videos)
		h.options.Package = true
		h.options.Publish = true
		h.s3.fail["videos/hls/Clip/index0.ts"] = true

		run, err := h.pipeline().Process(context.Background(), "ref")
		require.Error(t, err)
		assert.Equal(t, errors.BatchUploadFailed, errors.TypeOf(err))
		assert.Contains(t, err.Error(), `publish "ref" failed`)
		assert.Empty(t, run.Published)
		assert.Equal(t, StatusFailed, run.Status)
	})

	t.Run("per item", func(t *testing.T) {
		h := newHarness(t, videos)
		h.options.Package = true
		h.options.Publish = true
		h.options.PerItem = true
		h.s3.fail["videos/hls/Clip/index0.ts"] = true

		run, err := h.pipeline().Process(context.Background(), "ref")
		require.NoError(t, err)
		assert.Equal(t, StatusPartial, run.Status)
		assert.Len(t, run.Published, 2)
		require.Len(t, run.UploadErrors, 1)
		assert.Contains(t, run.UploadErrors[0], "AccessDenied")
	})
}

func TestFailuresCarryStageAndReference(t *testing.T) {
	tests := []struct {
		name    string
		videos  map[string]video
		setup   func(h *harness)
		errType errors.ErrorType
		stage   string
	}{
		{
			name:    "unknown video",
			videos:  map[string]video{},
			errType: errors.SourceMetadataError,
			stage:   StageMetadata,
		},
		{
			name:    "empty title",
			videos:  map[string]video{"ref": {title: "  ", catalog: []source.Representation{complete480}}},
			errType: errors.SourceMetadataError,
			stage:   StageMetadata,
		},
		{
			name:    "empty catalog",
			videos:  map[string]video{"ref": {title: "Clip"}},
			errType: errors.NoCompleteRepresentation,
			stage:   StageSelect,
		},
		{
			name:   "merge failure",
			videos: map[string]video{"ref": {title: "Clip", catalog: []source.Representation{complete480, video720, audioMP4}}},
			setup: func(h *harness) {
				h.runner.Err = fmt.Errorf("exit status 1")
			},
			errType: errors.MergeFailed,
			stage:   StageMerge,
		},
		{
			name:   "packaging failure",
			videos: map[string]video{"ref": {title: "Clip", catalog: []source.Representation{complete480}}},
			setup: func(h *harness) {
				h.options.Package = true
				h.runner.Manifest = "#EXTM3U\n#EXT-X-ENDLIST\n"
			},
			errType: errors.PackagingFailed,
			stage:   StagePackage,
		},
		{
			name:   "fetch failure",
			videos: map[string]video{"ref": {title: "Clip", catalog: []source.Representation{complete480}}},
			setup: func(h *harness) {
				h.options.Fetcher = downloader.New(downloader.Options{Source: h.src, Fs: afero.NewReadOnlyFs(h.fs), Logger: logger.Nop()})
			},
			errType: errors.FetchError,
			stage:   StageFetch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.videos)
			if tt.setup != nil {
				tt.setup(h)
			}

			run, err := h.pipeline().Process(context.Background(), "ref")
			require.Error(t, err)
			assert.Equal(t, StatusFailed, run.Status)
			assert.Equal(t, tt.errType, errors.TypeOf(err))

			var se *errors.StructuredError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.stage, se.Stage)
			assert.Equal(t, "ref", se.Reference)
			assert.Contains(t, err.Error(), fmt.Sprintf("%s %q failed", tt.stage, "ref"))
		})
	}
}

// statFailFs fails Stat for a single path.
type statFailFs struct {
	afero.Fs
	path string
}

func (f statFailFs) Stat(name string) (os.FileInfo, error) {
	if name == f.path {
		return nil, fmt.Errorf("stat %s: input/output error", name)
	}
	return f.Fs.Stat(name)
}

func TestOutputCheckFailuresStopTheRun(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		stage   string
		errType errors.ErrorType
		streams int
	}{
		{"merge output", mp4("Clip", layout.RoleMerged, "720p").Path, StageMerge, errors.MergeFailed, 0},
		{"hls directory", layout.HLSDir("/data", "Clip"), StagePackage, errors.PackagingFailed, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, map[string]video{"ref": {title: "Clip", catalog: []source.Representation{complete480, video720, audioMP4}}})
			h.options.Fs = statFailFs{Fs: h.fs, path: tt.path}
			h.options.Package = true

			_, err := h.pipeline().Process(context.Background(), "ref")
			require.Error(t, err)
			assert.Equal(t, tt.errType, errors.TypeOf(err))
			assert.Contains(t, err.Error(), fmt.Sprintf("%s %q failed", tt.stage, "ref"))
			assert.Contains(t, err.Error(), "input/output error")
			assert.Equal(t, tt.streams, h.src.streamed())
		})
	}
}

func TestLedgerRemovesUnrecordedLeftovers(t *testing.T) {
	h := newHarness(t, map[string]video{"ref": {title: "Clip", catalog: []source.Representation{complete480}}})
	h.options.Package = true
	l, err := ledger.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()
	h.options.Ledger = l
	ctx := context.Background()

	target := mp4("Clip", layout.RoleComplete, "480p").Path
	require.NoError(t, afero.WriteFile(h.fs, target, []byte("trunc"), 0644))
	hlsDir := layout.HLSDir("/data", "Clip")
	require.NoError(t, h.fs.MkdirAll(hlsDir, 0755))

	run, err := h.pipeline().Process(ctx, "ref")
	require.NoError(t, err)

	assert.Equal(t, 1, h.src.streamed(), "leftover fetch target is redone")
	data, err := afero.ReadFile(h.fs, target)
	require.NoError(t, err)
	assert.Equal(t, "ref#18", string(data))
	assert.Len(t, h.runner.Calls(), 1, "empty leftover HLS directory is redone")

	state, err := l.Run(ctx, "ref")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePackaged, state.MustGet().State)
	assert.Equal(t, run.RunID, state.MustGet().RunID)

	arts, err := l.Artifacts(ctx, "ref")
	require.NoError(t, err)
	assert.ElementsMatch(t, append(run.Ready, run.Packaged...), arts)

	_, err = h.pipeline().Process(ctx, "ref")
	require.NoError(t, err)
	assert.Equal(t, 1, h.src.streamed(), "recorded outputs are skipped")
	assert.Len(t, h.runner.Calls(), 1)
}

func TestWithoutLedgerLeftoversAreTrusted(t *testing.T) {
	h := newHarness(t, map[string]video{"ref": {title: "Clip", catalog: []source.Representation{complete480}}})
	target := mp4("Clip", layout.RoleComplete, "480p").Path
	require.NoError(t, afero.WriteFile(h.fs, target, []byte("trunc"), 0644))

	_, err := h.pipeline().Process(context.Background(), "ref")
	require.NoError(t, err)
	assert.Equal(t, 0, h.src.streamed())
}

func TestLedgerRecordsFailure(t *testing.T) {
	h := newHarness(t, map[string]video{"ref": {title: "Clip"}})
	l, err := ledger.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()
	h.options.Ledger = l

	_, err = h.pipeline().Process(context.Background(), "ref")
	require.Error(t, err)

	state, err := l.Run(context.Background(), "ref")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, state.MustGet().State)
	assert.Contains(t, state.MustGet().LastError, "no_complete_representation")

	short, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlock, err := l.Lock(short, "ref")
	require.NoError(t, err, "lock is released after the failure is recorded")
	require.NoError(t, unlock())
}

func TestLockedReferenceLeavesOwnerRowAlone(t *testing.T) {
	h := newHarness(t, map[string]video{"ref": {title: "Clip", catalog: []source.Representation{complete480}}})
	ctx := context.Background()
	l, err := ledger.Open(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()
	l.LockRetry = 10 * time.Millisecond
	h.options.Ledger = l

	require.NoError(t, l.Begin(ctx, "ref", "owner-run", "Clip"))
	require.NoError(t, l.Advance(ctx, "ref", ledger.StateFetched))
	unlock, err := l.Lock(ctx, "ref")
	require.NoError(t, err)
	defer unlock()

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = h.pipeline().Process(short, "ref")
	require.Error(t, err)
	assert.Equal(t, errors.LedgerError, errors.TypeOf(err))
	assert.Equal(t, 0, h.src.streamed())

	row, err := l.Run(ctx, "ref")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFetched, row.MustGet().State)
	assert.Equal(t, "owner-run", row.MustGet().RunID)
	assert.Empty(t, row.MustGet().LastError)
}

func TestWithPolicyHint(t *testing.T) {
	h := newHarness(t, map[string]video{"ref": {title: "Clip", catalog: []source.Representation{complete480, complete720}}})
	p := h.pipeline()

	hinted := p.WithPolicy(p.Policy().WithHint("480p"))
	run, err := hinted.Process(context.Background(), "ref")
	require.NoError(t, err)
	assert.Equal(t, selector.Plan{complete480, complete480}, run.Plan)
	assert.Len(t, run.Ready, 1, "duplicate ready paths collapse")
	assert.Equal(t, []string{"1080p", "720p"}, p.Policy().Preferred, "original policy untouched")
}
