package downloader

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heyjunin/HLSbrew/pkg/errors"
	"github.com/heyjunin/HLSbrew/pkg/logger"
	"github.com/heyjunin/HLSbrew/pkg/source"
)

// fakeSource counts Stream calls and serves fixed content.
type fakeSource struct {
	content string
	size    int64
	err     error
	failAt  int
	streams int
}

func (f *fakeSource) Metadata(context.Context, string) (source.Metadata, error) {
	return source.Metadata{Title: "t"}, nil
}

func (f *fakeSource) Catalog(context.Context, string) ([]source.Representation, error) {
	return nil, nil
}

func (f *fakeSource) Stream(context.Context, string, source.Representation) (io.ReadCloser, int64, error) {
	f.streams++
	if f.err != nil {
		return nil, 0, f.err
	}
	var r io.Reader = strings.NewReader(f.content)
	if f.failAt > 0 {
		r = io.MultiReader(strings.NewReader(f.content[:f.failAt]), errReader{})
	}
	return io.NopCloser(r), f.size, nil
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

type mockProgressReporter struct {
	started   bool
	completed bool
	total     int64
	current   int64
}

func (m *mockProgressReporter) Start(total int64, _ string) { m.started = true; m.total = total }
func (m *mockProgressReporter) Add(n int64)                 { m.current += n }
func (m *mockProgressReporter) Complete()                   { m.completed = true }

var rep720 = source.Representation{ID: "22", HasAudio: true, HasVideo: true, Container: "mp4", QualityLabel: "720p"}

func newTestDownloader(src source.Source, fs afero.Fs) *Downloader {
	return New(Options{Source: src, Fs: fs, Logger: logger.Nop()})
}

func TestNewDownloaderDefaults(t *testing.T) {
	d := New(Options{Source: &fakeSource{}})
	require.NotNil(t, d)
	assert.NotNil(t, d.options.Fs)
	assert.NotNil(t, d.options.Progress)
	assert.NotNil(t, d.options.Logger)
}

func TestFetchSuccess(t *testing.T) {
	fs := afero.NewMemMapFs()
	src := &fakeSource{content: "test content", size: 12}
	reporter := &mockProgressReporter{}
	var counted int64
	d := New(Options{Source: src, Fs: fs, Progress: reporter, Logger: logger.Nop(), OnBytes: func(n int64) { counted += n }})

	target := "/root/videos/mp4/t/t_720p.mp4"
	fetched, err := d.Fetch(context.Background(), "ref", rep720, target)
	require.NoError(t, err)
	assert.True(t, fetched)

	data, err := afero.ReadFile(fs, target)
	require.NoError(t, err)
	assert.Equal(t, "test content", string(data))

	assert.True(t, reporter.started)
	assert.True(t, reporter.completed)
	assert.Equal(t, int64(12), reporter.total)
	assert.Equal(t, int64(12), reporter.current)
	assert.Equal(t, int64(12), counted)
}

func TestFetchTwiceStreamsOnce(t *testing.T) {
	fs := afero.NewMemMapFs()
	src := &fakeSource{content: "payload", size: 7}
	d := newTestDownloader(src, fs)
	target := "/v/t/t_720p.mp4"

	fetched, err := d.Fetch(context.Background(), "ref", rep720, target)
	require.NoError(t, err)
	assert.True(t, fetched)

	fetched, err = d.Fetch(context.Background(), "ref", rep720, target)
	require.NoError(t, err)
	assert.False(t, fetched)

	assert.Equal(t, 1, src.streams)
}

func TestFetchSkipsExistingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	target := "/v/t/t_720p.mp4"
	require.NoError(t, afero.WriteFile(fs, target, []byte("existing content"), 0644))
	src := &fakeSource{content: "new content"}

	fetched, err := newTestDownloader(src, fs).Fetch(context.Background(), "ref", rep720, target)
	require.NoError(t, err)
	assert.False(t, fetched)
	assert.Zero(t, src.streams)

	data, err := afero.ReadFile(fs, target)
	require.NoError(t, err)
	assert.Equal(t, "existing content", string(data))
}

func TestFetchErrorsRemovePartialFile(t *testing.T) {
	tests := []struct {
		name string
		src  *fakeSource
	}{
		{"stream cannot open", &fakeSource{err: errors.New(errors.FetchError, "HTTP request failed", "Status: 403", errors.ErrSourceStream)}},
		{"stream breaks midway", &fakeSource{content: "0123456789", size: 10, failAt: 4}},
		{"stream ends early", &fakeSource{content: "short", size: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			target := "/v/t/t_720p.mp4"

			fetched, err := newTestDownloader(tt.src, fs).Fetch(context.Background(), "ref", rep720, target)
			require.Error(t, err)
			assert.False(t, fetched)
			assert.True(t, errors.Is(err, errors.Kind(errors.FetchError)))

			exists, statErr := afero.Exists(fs, target)
			require.NoError(t, statErr)
			assert.False(t, exists, "partial file must be removed")
		})
	}
}

func TestFetchCreateFailure(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())

	_, err := newTestDownloader(&fakeSource{content: "x"}, fs).Fetch(context.Background(), "ref", rep720, "/v/t/t.mp4")
	require.Error(t, err)
	assert.Equal(t, errors.FetchError, errors.TypeOf(err))
}
