package downloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/heyjunin/HLSbrew/pkg/errors"
	"github.com/heyjunin/HLSbrew/pkg/logger"
	"github.com/heyjunin/HLSbrew/pkg/progress"
	"github.com/heyjunin/HLSbrew/pkg/source"
)

// Options represents configuration options for the Downloader.
type Options struct {
	// Source streams representation bytes. Required.
	Source source.Source
	// Fs is the filesystem targets are written to. Defaults to the OS filesystem.
	Fs afero.Fs
	// Progress is an optional progress.Reporter to receive updates on the download progress.
	Progress progress.Reporter
	// Logger defaults to the global logger.
	Logger logger.Logger
	// OnBytes, if set, is called with the number of bytes written by each completed fetch.
	OnBytes func(n int64)
}

// Downloader streams chosen representations to local files.
// A target that already exists is left untouched, which makes repeated fetches free.
// Create instances using New().
type Downloader struct {
	options Options
}

// New creates a new Downloader instance configured with the provided options.
func New(options Options) *Downloader {
	if options.Fs == nil {
		options.Fs = afero.NewOsFs()
	}
	if options.Progress == nil {
		options.Progress = progress.Nop{}
	}
	if options.Logger == nil {
		options.Logger = logger.NewLogger()
	}
	return &Downloader{options: options}
}

// Fetch writes representation rep of ref to target. It reports fetched=false without
// touching the source when target already exists. On failure the partially written
// target is removed so a retry starts clean.
func (d *Downloader) Fetch(ctx context.Context, ref string, rep source.Representation, target string) (fetched bool, err error) {
	fs := d.options.Fs

	exists, err := afero.Exists(fs, target)
	if err != nil {
		return false, errors.Wrap(err, errors.FetchError, "Failed to check output file", errors.ErrFetchCreate)
	}
	if exists {
		d.options.Logger.Info("File already exists, skipping download", "downloader", map[string]interface{}{
			"path": target,
		})
		return false, nil
	}

	if err := fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return false, errors.Wrap(err, errors.FetchError, "Failed to create output directory", errors.ErrFetchDirectory)
	}

	file, err := fs.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return false, errors.Wrap(err, errors.FetchError, "Failed to create output file", errors.ErrFetchCreate)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, errors.FetchError, "Failed to close output file", errors.ErrFetchWrite)
		}
		if err != nil {
			_ = fs.Remove(target)
		}
	}()

	d.options.Logger.Info("Starting download", "downloader", map[string]interface{}{
		"reference":      ref,
		"representation": rep.ID,
		"quality":        rep.QualityLabel,
		"path":           target,
	})

	body, size, err := d.options.Source.Stream(ctx, ref, rep)
	if err != nil {
		return false, errors.Wrap(err, errors.FetchError, "Failed to open representation stream", errors.ErrFetchStream)
	}
	defer body.Close()

	d.options.Progress.Start(size, fmt.Sprintf("%s %s", rep.QualityLabel, filepath.Base(target)))
	reader := &progress.Reader{R: body, Reporter: d.options.Progress}
	written, err := io.Copy(file, reader)
	d.options.Progress.Complete()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return false, errors.Wrap(err, errors.FetchError, "Failed to write file", errors.ErrFetchWrite)
	}
	if size > 0 && written != size {
		return false, errors.New(errors.FetchError, "Stream ended early", fmt.Sprintf("got %d of %d bytes", written, size), errors.ErrFetchStream)
	}

	if d.options.OnBytes != nil {
		d.options.OnBytes(written)
	}
	d.options.Logger.Info("Download completed", "downloader", map[string]interface{}{
		"path":  target,
		"bytes": written,
	})
	return true, nil
}
