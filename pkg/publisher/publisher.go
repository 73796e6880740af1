// Package publisher uploads pipeline artifacts to S3-compatible object storage and
// lists what has been published.
package publisher

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/samber/mo"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/heyjunin/HLSbrew/pkg/errors"
	"github.com/heyjunin/HLSbrew/pkg/layout"
	"github.com/heyjunin/HLSbrew/pkg/logger"
	"github.com/heyjunin/HLSbrew/pkg/metrics"
)

// DefaultEachConcurrency bounds UploadEach when Options.Concurrency is zero.
const DefaultEachConcurrency = 4

// S3API is the subset of the S3 client the publisher uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Options configures a Publisher.
type Options struct {
	// Client talks to object storage. Required.
	Client S3API
	// Fs is where local files are read from. Defaults to the OS filesystem.
	Fs afero.Fs
	// Region is used to build canonical URLs when BaseURL is empty.
	Region string
	// BaseURL, if set, prefixes every key to form the canonical URL (e.g. a CDN origin).
	BaseURL string
	// Concurrency bounds parallel uploads. Zero leaves UploadMany unbounded.
	Concurrency int
	Logger      logger.Logger
	Metrics     *metrics.Metrics
}

// UploadResult is the outcome of one upload in UploadEach.
type UploadResult struct {
	Path string
	URL  string
	Err  error
}

// Publisher uploads files and lists published manifests.
type Publisher struct {
	options Options
}

// New creates a Publisher.
func New(options Options) *Publisher {
	if options.Fs == nil {
		options.Fs = afero.NewOsFs()
	}
	if options.Logger == nil {
		options.Logger = logger.NewLogger()
	}
	return &Publisher{options: options}
}

// URL returns the canonical URL of key in bucket.
func (p *Publisher) URL(bucket, key string) string {
	if p.options.BaseURL != "" {
		return strings.TrimSuffix(p.options.BaseURL, "/") + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, p.options.Region, key)
}

// UploadOne streams the file at localPath to {keyPrefix}{fileName} and returns its URL.
// Without a prefix, files inside videos/hls/{title}/ go under the same remote prefix
// and anything else under videos/.
func (p *Publisher) UploadOne(ctx context.Context, localPath, bucket string, keyPrefix mo.Option[string]) (url string, err error) {
	defer func() { p.options.Metrics.ObserveUpload(err) }()

	prefix := keyPrefix.OrElse(layout.KeyPrefix(localPath))
	key := prefix + filepath.Base(localPath)

	f, err := p.options.Fs.Open(localPath)
	if err != nil {
		return "", errors.Wrap(err, errors.UploadFailed, "Failed to open file", errors.ErrUploadOpen)
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(localPath)),
	}
	if info, statErr := f.Stat(); statErr == nil {
		input.ContentLength = aws.Int64(info.Size())
	}

	if _, err := p.options.Client.PutObject(ctx, input); err != nil {
		return "", errors.Wrap(err, errors.UploadFailed, fmt.Sprintf("Failed to upload %s", key), errors.ErrUploadPut)
	}

	url = p.URL(bucket, key)
	p.options.Logger.Debug("Uploaded file", "publisher", map[string]interface{}{
		"path": localPath,
		"url":  url,
	})
	return url, nil
}

// UploadMany uploads paths in parallel. It is all-or-nothing: the first failure
// cancels the remaining uploads and no URLs are returned. URLs are in path order.
func (p *Publisher) UploadMany(ctx context.Context, paths []string, bucket string) ([]string, error) {
	g, gctx := errgroup.WithContext(ctx)
	if p.options.Concurrency > 0 {
		g.SetLimit(p.options.Concurrency)
	}

	urls := make([]string, len(paths))
	for i, localPath := range paths {
		i, localPath := i, localPath
		g.Go(func() error {
			url, err := p.UploadOne(gctx, localPath, bucket, mo.None[string]())
			if err != nil {
				return err
			}
			urls[i] = url
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, errors.BatchUploadFailed, fmt.Sprintf("Failed to upload %d files", len(paths)), errors.ErrUploadBatch)
	}
	return urls, nil
}

// UploadEach uploads paths on a bounded pool and reports every outcome, so one
// failure does not discard the uploads that succeeded.
func (p *Publisher) UploadEach(ctx context.Context, paths []string, bucket string) []UploadResult {
	limit := p.options.Concurrency
	if limit <= 0 {
		limit = DefaultEachConcurrency
	}

	var g errgroup.Group
	g.SetLimit(limit)

	results := make([]UploadResult, len(paths))
	for i, localPath := range paths {
		i, localPath := i, localPath
		g.Go(func() error {
			url, err := p.UploadOne(ctx, localPath, bucket, mo.None[string]())
			results[i] = UploadResult{Path: localPath, URL: url, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// UploadFolder uploads the immediate children of dir. Subdirectories are not descended into.
func (p *Publisher) UploadFolder(ctx context.Context, dir, bucket string) ([]string, error) {
	paths, err := p.children(dir)
	if err != nil {
		return nil, err
	}
	return p.UploadMany(ctx, paths, bucket)
}

// UploadFolderEach is UploadFolder with per-file results instead of all-or-nothing.
func (p *Publisher) UploadFolderEach(ctx context.Context, dir, bucket string) ([]UploadResult, error) {
	paths, err := p.children(dir)
	if err != nil {
		return nil, err
	}
	return p.UploadEach(ctx, paths, bucket), nil
}

func (p *Publisher) children(dir string) ([]string, error) {
	entries, err := afero.ReadDir(p.options.Fs, dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.BatchUploadFailed, "Failed to read directory", errors.ErrUploadReadir)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}

	p.options.Logger.Info("Uploading folder", "publisher", map[string]interface{}{
		"dir":   dir,
		"files": len(paths),
	})
	return paths, nil
}

// ListPublished returns the URLs of every manifest stored under prefix, sorted by key.
func (p *Publisher) ListPublished(ctx context.Context, bucket, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(p.options.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.ListingFailed, "Failed to list objects", errors.ErrListObjects)
		}
		for _, obj := range page.Contents {
			if key := aws.ToString(obj.Key); strings.HasSuffix(key, ".m3u8") {
				keys = append(keys, key)
			}
		}
	}

	sort.Strings(keys)
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		urls = append(urls, p.URL(bucket, key))
	}
	return urls, nil
}

var contentTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/mp2t",
	".mp4":  "video/mp4",
	".m4s":  "video/iso.segment",
}

func contentType(p string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(filepath.ToSlash(p)))]; ok {
		return ct
	}
	return "application/octet-stream"
}
