package main

import (
	"context"

	"github.com/spf13/afero"

	"github.com/heyjunin/HLSbrew/pkg/config"
	"github.com/heyjunin/HLSbrew/pkg/downloader"
	"github.com/heyjunin/HLSbrew/pkg/ffmpeg"
	"github.com/heyjunin/HLSbrew/pkg/hls"
	"github.com/heyjunin/HLSbrew/pkg/ledger"
	"github.com/heyjunin/HLSbrew/pkg/logger"
	"github.com/heyjunin/HLSbrew/pkg/merge"
	"github.com/heyjunin/HLSbrew/pkg/metrics"
	"github.com/heyjunin/HLSbrew/pkg/pipeline"
	"github.com/heyjunin/HLSbrew/pkg/progress"
	"github.com/heyjunin/HLSbrew/pkg/publisher"
	"github.com/heyjunin/HLSbrew/pkg/source"
)

// app holds the components built from a Config.
type app struct {
	cfg       *config.Config
	log       logger.Logger
	metrics   *metrics.Metrics
	ffmpeg    *ffmpeg.Exec
	pipeline  *pipeline.Pipeline
	publisher *publisher.Publisher
	ledger    *ledger.Ledger
}

type appOptions struct {
	// Progress draws a fetch progress bar. Only meaningful for sequential runs.
	Progress bool
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
	// S3 overrides the object storage client, mainly for tests.
	S3 publisher.S3API
}

// newApp wires every component from cfg. The publisher is built whenever a bucket
// is configured so listing works even with publishing disabled.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	log := logger.NewLogger()
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	m := metrics.New()

	var src source.Source = &source.Router{
		YouTube: source.NewYouTube(nil),
		Direct:  source.NewHTTP(source.HTTPOptions{}),
	}
	if cfg.Cache.Enabled {
		src = source.NewCached(src, fs, cfg.Cache.Path, cfg.CacheLifetime(), log)
	}

	runner := ffmpeg.New(ffmpeg.Options{
		Binary:      cfg.FFmpeg.Binary,
		ProbeBinary: cfg.FFmpeg.ProbeBinary,
		Logger:      log,
	})

	var reporter progress.Reporter = progress.Nop{}
	if opts.Progress {
		reporter = progress.NewReporter()
	}

	packagerOpts := hls.Options{
		Runner:          runner,
		Fs:              fs,
		SegmentDuration: cfg.Package.SegmentDuration,
		Logger:          log,
	}
	if cfg.Package.Probe {
		packagerOpts.Prober = runner
	}

	a := &app{cfg: cfg, log: log, metrics: m, ffmpeg: runner}

	pipelineOpts := pipeline.Options{
		Source: src,
		Fetcher: downloader.New(downloader.Options{
			Source:   src,
			Fs:       fs,
			Progress: reporter,
			Logger:   log,
			OnBytes:  m.AddBytesFetched,
		}),
		Merger: merge.New(merge.Options{
			Runner:        runner,
			Fs:            fs,
			AudioCodec:    cfg.Merge.AudioCodec,
			AudioBitrate:  cfg.Merge.AudioBitrate,
			RemoveSources: cfg.Merge.RemoveSources,
			Logger:        log,
		}),
		Packager: hls.New(packagerOpts),
		Fs:       fs,
		Root:     cfg.Root,
		Policy:   cfg.Quality,
		Package:  cfg.Package.Enabled,
		Publish:  cfg.Publish.Enabled,
		Bucket:   cfg.Publish.Bucket,
		PerItem:  cfg.Publish.PerItem,
		Workers:  cfg.Workers,
		Logger:   log,
		Metrics:  m,
	}

	if cfg.Publish.Bucket != "" {
		client := opts.S3
		if client == nil {
			s3c, err := publisher.NewS3Client(ctx, publisher.ClientConfig{
				Region:    cfg.Publish.Region,
				Endpoint:  cfg.Publish.Endpoint,
				PathStyle: cfg.Publish.PathStyle,
			})
			if err != nil {
				return nil, err
			}
			client = s3c
		}
		a.publisher = publisher.New(publisher.Options{
			Client:      client,
			Fs:          fs,
			Region:      cfg.Publish.Region,
			BaseURL:     cfg.Publish.BaseURL,
			Concurrency: cfg.Publish.Concurrency,
			Logger:      log,
			Metrics:     m,
		})
		pipelineOpts.Publisher = a.publisher
	}

	if cfg.Ledger.Enabled {
		l, err := ledger.Open(ctx, cfg.Ledger.Path)
		if err != nil {
			return nil, err
		}
		a.ledger = l
		pipelineOpts.Ledger = l
	}

	a.pipeline = pipeline.New(pipelineOpts)
	return a, nil
}

func (a *app) Close() error {
	return a.ledger.Close()
}
