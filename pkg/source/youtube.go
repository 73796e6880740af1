package source

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/kkdai/youtube/v2"
	"github.com/samber/lo"

	"github.com/heyjunin/HLSbrew/pkg/errors"
)

// YouTube is a Source backed by github.com/kkdai/youtube/v2.
// Video descriptors are memoized per reference so Metadata, Catalog and Stream
// for one reference cost a single player request.
type YouTube struct {
	client *youtube.Client

	mu     sync.Mutex
	videos map[string]*youtube.Video
}

// NewYouTube creates a YouTube source. A nil httpClient uses http.DefaultClient.
func NewYouTube(httpClient *http.Client) *YouTube {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &YouTube{
		client: &youtube.Client{HTTPClient: httpClient},
		videos: make(map[string]*youtube.Video),
	}
}

func (y *YouTube) video(ctx context.Context, ref string) (*youtube.Video, error) {
	y.mu.Lock()
	v, ok := y.videos[ref]
	y.mu.Unlock()
	if ok {
		return v, nil
	}

	v, err := y.client.GetVideoContext(ctx, ref)
	if err != nil {
		return nil, errors.Wrap(err, errors.SourceMetadataError, "Failed to query video info", errors.ErrSourceMetadata)
	}

	y.mu.Lock()
	y.videos[ref] = v
	y.mu.Unlock()
	return v, nil
}

// Metadata returns the video title, author and duration.
func (y *YouTube) Metadata(ctx context.Context, ref string) (Metadata, error) {
	v, err := y.video(ctx, ref)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{Title: v.Title, Author: v.Author, Duration: v.Duration}, nil
}

// Catalog maps every format YouTube reports to a Representation, keeping YouTube's order.
func (y *YouTube) Catalog(ctx context.Context, ref string) ([]Representation, error) {
	v, err := y.video(ctx, ref)
	if err != nil {
		return nil, err
	}
	return lo.Map(v.Formats, func(f youtube.Format, _ int) Representation {
		return formatRepresentation(f)
	}), nil
}

// Stream opens the format whose itag matches rep.ID.
func (y *YouTube) Stream(ctx context.Context, ref string, rep Representation) (io.ReadCloser, int64, error) {
	v, err := y.video(ctx, ref)
	if err != nil {
		return nil, 0, err
	}

	format, ok := lo.Find(v.Formats, func(f youtube.Format) bool {
		return strconv.Itoa(f.ItagNo) == rep.ID
	})
	if !ok {
		return nil, 0, errors.New(errors.SourceMetadataError, "Representation not offered by source", "itag "+rep.ID, errors.ErrSourceNotFound)
	}

	body, size, err := y.client.GetStreamContext(ctx, v, &format)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.FetchError, "Failed to open stream", errors.ErrSourceStream)
	}
	if size <= 0 {
		size = -1
	}
	return body, size, nil
}

func formatRepresentation(f youtube.Format) Representation {
	container, codecs := ParseMimeType(f.MimeType)
	return Representation{
		ID:            strconv.Itoa(f.ItagNo),
		HasAudio:      f.AudioChannels > 0,
		HasVideo:      strings.HasPrefix(f.MimeType, "video/"),
		Container:     container,
		Codecs:        codecs,
		QualityLabel:  f.QualityLabel,
		MimeType:      f.MimeType,
		Bitrate:       f.Bitrate,
		ContentLength: f.ContentLength,
	}
}
