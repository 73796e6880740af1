// Package pipeline runs one video reference through selection, fetch, merge,
// packaging and publishing. Each stage is skipped when its output already exists,
// so an interrupted run resumes where it stopped.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/heyjunin/HLSbrew/pkg/errors"
	"github.com/heyjunin/HLSbrew/pkg/layout"
	"github.com/heyjunin/HLSbrew/pkg/ledger"
	"github.com/heyjunin/HLSbrew/pkg/logger"
	"github.com/heyjunin/HLSbrew/pkg/merge"
	"github.com/heyjunin/HLSbrew/pkg/metrics"
	"github.com/heyjunin/HLSbrew/pkg/publisher"
	"github.com/heyjunin/HLSbrew/pkg/selector"
	"github.com/heyjunin/HLSbrew/pkg/source"
)

// Stage names used in errors, logs and metrics.
const (
	StageLock     = "lock"
	StageMetadata = "metadata"
	StageSelect   = "select"
	StageFetch    = "fetch"
	StageMerge    = "merge"
	StagePackage  = "package"
	StagePublish  = "publish"
)

// Fetcher streams one representation to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, ref string, rep source.Representation, target string) (bool, error)
}

// Merger combines a split video/audio pair.
type Merger interface {
	Merge(ctx context.Context, artifacts []layout.Artifact) (layout.Artifact, bool, error)
}

// Packager turns a playable artifact into an HLS directory.
type Packager interface {
	Package(ctx context.Context, input layout.Artifact) (layout.Artifact, error)
	OutputDir(input layout.Artifact) string
}

// Publisher uploads local artifacts to object storage.
type Publisher interface {
	UploadMany(ctx context.Context, paths []string, bucket string) ([]string, error)
	UploadEach(ctx context.Context, paths []string, bucket string) []publisher.UploadResult
	UploadFolder(ctx context.Context, dir, bucket string) ([]string, error)
	UploadFolderEach(ctx context.Context, dir, bucket string) ([]publisher.UploadResult, error)
}

// Ledger is the run-state store. *ledger.Ledger implements it.
type Ledger interface {
	Lock(ctx context.Context, ref string) (func() error, error)
	Begin(ctx context.Context, ref, runID, title string) error
	Advance(ctx context.Context, ref string, state ledger.State) error
	Fail(ctx context.Context, ref string, cause error) error
	Record(ctx context.Context, ref string, a layout.Artifact) error
	Recorded(ctx context.Context, path string) (bool, error)
}

// Options configures a Pipeline.
type Options struct {
	// Source answers metadata and catalog queries. Required.
	Source source.Source
	// Fetcher, Merger are required. Packager is required when Package is set,
	// Publisher when Publish is set.
	Fetcher   Fetcher
	Merger    Merger
	Packager  Packager
	Publisher Publisher
	// Ledger is optional. Without it a stage trusts bare file existence.
	Ledger Ledger
	// Fs is the filesystem stage outputs live on. Defaults to the OS filesystem.
	Fs afero.Fs
	// Root is the directory the videos/ tree is written under. Defaults to ".".
	Root   string
	Policy selector.Policy
	// Package enables HLS packaging of every ready artifact.
	Package bool
	// Publish enables uploading to Bucket: packaged directories when packaging,
	// ready files otherwise.
	Publish bool
	Bucket  string
	// PerItem reports each upload separately instead of failing on the first error.
	PerItem bool
	// Workers bounds RunAll. Defaults to 1.
	Workers int
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Pipeline processes video references.
type Pipeline struct {
	options Options
}

// New creates a Pipeline.
func New(options Options) *Pipeline {
	if options.Fs == nil {
		options.Fs = afero.NewOsFs()
	}
	if options.Root == "" {
		options.Root = "."
	}
	if len(options.Policy.Preferred) == 0 {
		options.Policy = selector.DefaultPolicy()
	}
	if options.Workers < 1 {
		options.Workers = 1
	}
	if options.Logger == nil {
		options.Logger = logger.NewLogger()
	}
	return &Pipeline{options: options}
}

// Policy returns the selection policy in use.
func (p *Pipeline) Policy() selector.Policy {
	return p.options.Policy
}

// WithPolicy returns a copy of p selecting with policy.
func (p *Pipeline) WithPolicy(policy selector.Policy) *Pipeline {
	options := p.options
	options.Policy = policy
	return &Pipeline{options: options}
}

// Process runs ref through every enabled stage. On failure the returned Run holds
// whatever was produced before the failing stage.
func (p *Pipeline) Process(ctx context.Context, ref string) (run *Run, err error) {
	run = &Run{RunID: uuid.NewString(), Reference: ref, StartedAt: time.Now()}
	log := p.options.Logger

	// owned is set once this run has written its ledger row. Only then may a
	// failure be recorded, and it is recorded while the lock is still held.
	var (
		unlock func() error
		owned  bool
	)
	defer func() {
		run.FinishedAt = time.Now()
		p.options.Metrics.ObserveReference(err)
		if err != nil {
			run.Status = StatusFailed
			if owned {
				if lerr := p.options.Ledger.Fail(context.WithoutCancel(ctx), ref, err); lerr != nil {
					log.Warn("Failed to record run failure", "pipeline", map[string]interface{}{
						"reference": ref,
						"error":     lerr.Error(),
					})
				}
			}
			log.Error("Reference failed", "pipeline", map[string]interface{}{
				"reference": ref,
				"run_id":    run.RunID,
				"error":     err.Error(),
			})
		}
		if unlock == nil {
			return
		}
		if uerr := unlock(); uerr != nil {
			log.Warn("Failed to release reference lock", "pipeline", map[string]interface{}{
				"reference": ref,
				"error":     uerr.Error(),
			})
		}
	}()

	if p.options.Ledger != nil {
		release, lockErr := p.options.Ledger.Lock(ctx, ref)
		if lockErr != nil {
			return run, errors.WithStage(lockErr, StageLock, ref)
		}
		unlock = release
	}

	meta, err := p.options.Source.Metadata(ctx, ref)
	if err != nil {
		return run, errors.WithStage(err, StageMetadata, ref)
	}
	run.Title = source.SanitizeTitle(meta.Title)
	if run.Title == "" {
		err = errors.New(errors.SourceMetadataError, "Source returned an empty title", "", errors.ErrSourceMetadata)
		return run, errors.WithStage(err, StageMetadata, ref)
	}

	log.Info("Processing reference", "pipeline", map[string]interface{}{
		"reference": ref,
		"run_id":    run.RunID,
		"title":     run.Title,
	})
	if err := p.begin(ctx, run); err != nil {
		return run, errors.WithStage(err, StageMetadata, ref)
	}
	owned = p.options.Ledger != nil

	catalog, err := p.options.Source.Catalog(ctx, ref)
	if err != nil {
		return run, errors.WithStage(err, StageMetadata, ref)
	}
	run.Plan, err = selector.Select(catalog, p.options.Policy)
	if err != nil {
		return run, errors.WithStage(err, StageSelect, ref)
	}

	planned := lo.Map(run.Plan, func(rep source.Representation, _ int) layout.Artifact {
		return p.artifactFor(run.Title, rep)
	})
	toMerge := lo.Filter(planned, func(a layout.Artifact, _ int) bool { return a.Role != layout.RoleComplete })

	// An existing merge output stands in for its split sources, which may have
	// been removed after the merge.
	mergeDone, err := p.mergedExists(ctx, toMerge)
	if err != nil {
		return run, errors.WithStage(err, StageMerge, ref)
	}

	for i, rep := range run.Plan {
		a := planned[i]
		if a.Role != layout.RoleComplete && mergeDone {
			p.observe(StageFetch, false, time.Time{})
			continue
		}
		if err := p.fetch(ctx, run, rep, a); err != nil {
			return run, errors.WithStage(err, StageFetch, ref)
		}
		if a.Role == layout.RoleComplete {
			run.Ready = appendUnique(run.Ready, a)
		}
	}
	if err := p.advance(ctx, ref, ledger.StateFetched); err != nil {
		return run, errors.WithStage(err, StageFetch, ref)
	}

	if len(toMerge) > 0 {
		merged, ok, err := p.merge(ctx, run, toMerge, mergeDone)
		if err != nil {
			return run, errors.WithStage(err, StageMerge, ref)
		}
		if ok {
			run.Ready = appendUnique(run.Ready, merged)
		}
		if err := p.advance(ctx, ref, ledger.StateMerged); err != nil {
			return run, errors.WithStage(err, StageMerge, ref)
		}
	}

	if p.options.Package {
		// Best first: the HLS directory is keyed by title, so the first artifact
		// packaged is the one that ends up published.
		for i := len(run.Ready) - 1; i >= 0; i-- {
			dir, err := p.pack(ctx, run, run.Ready[i])
			if err != nil {
				return run, errors.WithStage(err, StagePackage, ref)
			}
			run.Packaged = appendUnique(run.Packaged, dir)
		}
		if err := p.advance(ctx, ref, ledger.StatePackaged); err != nil {
			return run, errors.WithStage(err, StagePackage, ref)
		}
	}

	run.Status = StatusSucceeded
	if p.options.Publish {
		if err := p.publish(ctx, run); err != nil {
			return run, errors.WithStage(err, StagePublish, ref)
		}
		if err := p.advance(ctx, ref, ledger.StatePublished); err != nil {
			return run, errors.WithStage(err, StagePublish, ref)
		}
	}

	log.Info("Reference completed", "pipeline", map[string]interface{}{
		"reference": ref,
		"run_id":    run.RunID,
		"ready":     len(run.Ready),
		"packaged":  len(run.Packaged),
		"published": len(run.Published),
		"status":    string(run.Status),
	})
	return run, nil
}

func (p *Pipeline) artifactFor(title string, rep source.Representation) layout.Artifact {
	switch {
	case rep.VideoOnly():
		return layout.Artifact{Path: layout.MP4Path(p.options.Root, title, layout.RoleVideoOnly, rep.QualityLabel), Role: layout.RoleVideoOnly}
	case rep.AudioOnly():
		return layout.Artifact{Path: layout.MP4Path(p.options.Root, title, layout.RoleAudioOnly, ""), Role: layout.RoleAudioOnly}
	default:
		return layout.Artifact{Path: layout.MP4Path(p.options.Root, title, layout.RoleComplete, rep.QualityLabel), Role: layout.RoleComplete}
	}
}

func (p *Pipeline) fetch(ctx context.Context, run *Run, rep source.Representation, a layout.Artifact) error {
	if err := p.reconcile(ctx, a.Path); err != nil {
		return err
	}
	start := time.Now()
	fetched, err := p.options.Fetcher.Fetch(ctx, run.Reference, rep, a.Path)
	if err != nil {
		return err
	}
	p.observe(StageFetch, fetched, start)
	return p.record(ctx, run.Reference, a)
}

// mergedExists reports whether the merge output of a split pair is already on
// disk. With a ledger, an unrecorded output is removed first and reported missing.
func (p *Pipeline) mergedExists(ctx context.Context, split []layout.Artifact) (bool, error) {
	video, _, ok := merge.Pair(split)
	if !ok {
		return false, nil
	}
	out := merge.OutputPath(video)
	if err := p.reconcile(ctx, out); err != nil {
		return false, err
	}
	exists, err := afero.Exists(p.options.Fs, out)
	if err != nil {
		return false, errors.Wrap(err, errors.MergeFailed, "Failed to check output file", errors.ErrMergeInput)
	}
	return exists, nil
}

func (p *Pipeline) merge(ctx context.Context, run *Run, toMerge []layout.Artifact, existed bool) (layout.Artifact, bool, error) {
	start := time.Now()
	merged, ok, err := p.options.Merger.Merge(ctx, toMerge)
	if err != nil || !ok {
		return merged, ok, err
	}
	p.observe(StageMerge, !existed, start)
	return merged, true, p.record(ctx, run.Reference, merged)
}

func (p *Pipeline) pack(ctx context.Context, run *Run, input layout.Artifact) (layout.Artifact, error) {
	dir := p.options.Packager.OutputDir(input)
	if err := p.reconcile(ctx, dir); err != nil {
		return layout.Artifact{}, err
	}
	existed, err := afero.DirExists(p.options.Fs, dir)
	if err != nil {
		return layout.Artifact{}, errors.Wrap(err, errors.PackagingFailed, "Failed to check output directory", errors.ErrPackagingDirectory)
	}

	start := time.Now()
	out, err := p.options.Packager.Package(ctx, input)
	if err != nil {
		return layout.Artifact{}, err
	}
	p.observe(StagePackage, !existed, start)
	return out, p.record(ctx, run.Reference, out)
}

func (p *Pipeline) publish(ctx context.Context, run *Run) error {
	bucket := p.options.Bucket
	start := time.Now()
	defer func() { p.options.Metrics.ObserveStage(StagePublish, time.Since(start)) }()

	if !p.options.PerItem {
		if p.options.Package {
			for _, dir := range run.Packaged {
				urls, err := p.options.Publisher.UploadFolder(ctx, dir.Path, bucket)
				if err != nil {
					return err
				}
				run.Published = append(run.Published, urls...)
			}
			return nil
		}
		urls, err := p.options.Publisher.UploadMany(ctx, paths(run.Ready), bucket)
		if err != nil {
			return err
		}
		run.Published = urls
		return nil
	}

	var results []publisher.UploadResult
	if p.options.Package {
		for _, dir := range run.Packaged {
			res, err := p.options.Publisher.UploadFolderEach(ctx, dir.Path, bucket)
			if err != nil {
				return err
			}
			results = append(results, res...)
		}
	} else {
		results = p.options.Publisher.UploadEach(ctx, paths(run.Ready), bucket)
	}

	for _, r := range results {
		if r.Err != nil {
			run.UploadErrors = append(run.UploadErrors, r.Err.Error())
			continue
		}
		run.Published = append(run.Published, r.URL)
	}
	if len(run.UploadErrors) == 0 {
		return nil
	}
	if len(run.Published) == 0 {
		return errors.New(errors.BatchUploadFailed, "Every upload failed", run.UploadErrors[0], errors.ErrUploadBatch)
	}
	run.Status = StatusPartial
	p.options.Logger.Warn("Some uploads failed", "pipeline", map[string]interface{}{
		"reference": run.Reference,
		"failed":    len(run.UploadErrors),
		"published": len(run.Published),
	})
	return nil
}

// reconcile removes an existing output the ledger holds no record of. Such a path
// is the leftover of an interrupted run and must not satisfy the existence skip.
func (p *Pipeline) reconcile(ctx context.Context, path string) error {
	if p.options.Ledger == nil {
		return nil
	}
	exists, err := afero.Exists(p.options.Fs, path)
	if err != nil {
		return errors.Wrap(err, errors.SystemError, "Failed to check output", 0)
	}
	if !exists {
		return nil
	}
	recorded, err := p.options.Ledger.Recorded(ctx, path)
	if err != nil || recorded {
		return err
	}

	p.options.Logger.Warn("Removing unrecorded output of an interrupted run", "pipeline", map[string]interface{}{
		"path": path,
	})
	if err := p.options.Fs.RemoveAll(path); err != nil {
		return errors.Wrap(err, errors.SystemError, "Failed to remove leftover output", 0)
	}
	return nil
}

func (p *Pipeline) begin(ctx context.Context, run *Run) error {
	if p.options.Ledger == nil {
		return nil
	}
	return p.options.Ledger.Begin(ctx, run.Reference, run.RunID, run.Title)
}

func (p *Pipeline) advance(ctx context.Context, ref string, state ledger.State) error {
	if p.options.Ledger == nil {
		return nil
	}
	return p.options.Ledger.Advance(ctx, ref, state)
}

func (p *Pipeline) record(ctx context.Context, ref string, a layout.Artifact) error {
	if p.options.Ledger == nil {
		return nil
	}
	return p.options.Ledger.Record(ctx, ref, a)
}

func (p *Pipeline) observe(stage string, did bool, start time.Time) {
	if did {
		p.options.Metrics.ObserveStage(stage, time.Since(start))
		return
	}
	p.options.Metrics.IncStageSkip(stage)
}

func appendUnique(list []layout.Artifact, a layout.Artifact) []layout.Artifact {
	if lo.ContainsBy(list, func(x layout.Artifact) bool { return x.Path == a.Path }) {
		return list
	}
	return append(list, a)
}

func paths(artifacts []layout.Artifact) []string {
	return lo.Map(artifacts, func(a layout.Artifact, _ int) string { return a.Path })
}
