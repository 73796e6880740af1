package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/heyjunin/HLSbrew/pkg/layout"
	"github.com/heyjunin/HLSbrew/pkg/selector"
)

// Status is the outcome of a Run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	// StatusPartial means the run finished but some per-item uploads failed.
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Run is the record of one reference going through the pipeline.
type Run struct {
	RunID     string            `json:"run_id"`
	Reference string            `json:"reference"`
	Title     string            `json:"title"`
	Plan      selector.Plan     `json:"plan"`
	Ready     []layout.Artifact `json:"ready"`
	Packaged  []layout.Artifact `json:"packaged,omitempty"`
	Published []string          `json:"published,omitempty"`
	// UploadErrors lists per-item upload failures of a partial run.
	UploadErrors []string  `json:"upload_errors,omitempty"`
	Status       Status    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Locations returns what the run produced for callers: published URLs when
// anything was published, otherwise the ready artifact paths.
func (r *Run) Locations() []string {
	if r == nil {
		return nil
	}
	if len(r.Published) > 0 {
		return r.Published
	}
	return paths(r.Ready)
}

// Result pairs a reference with the outcome of processing it.
type Result struct {
	Reference string
	Run       *Run
	Err       error
}

// RunBatch processes refs one after another and stops at the first failure.
// The runs completed so far are returned alongside the error.
func (p *Pipeline) RunBatch(ctx context.Context, refs []string) ([]*Run, error) {
	runs := make([]*Run, 0, len(refs))
	for _, ref := range refs {
		run, err := p.Process(ctx, ref)
		if err != nil {
			return runs, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// RunAll processes refs as independent tasks on up to Workers goroutines. A failing
// reference does not stop the others. Results are in refs order.
func (p *Pipeline) RunAll(ctx context.Context, refs []string) []Result {
	var g errgroup.Group
	g.SetLimit(p.options.Workers)

	results := make([]Result, len(refs))
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			run, err := p.Process(ctx, ref)
			results[i] = Result{Reference: ref, Run: run, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	failed := lo.CountBy(results, func(r Result) bool { return r.Err != nil })
	p.options.Logger.Info("Batch completed", "pipeline", map[string]interface{}{
		"references": len(refs),
		"failed":     failed,
	})
	return results
}

// Failed returns the results that ended in an error.
func Failed(results []Result) []Result {
	return lo.Filter(results, func(r Result, _ int) bool { return r.Err != nil })
}

// Summarize renders results as "success" when every reference succeeded, otherwise
// one line per reference.
func Summarize(results []Result) string {
	if len(Failed(results)) == 0 {
		return "success"
	}
	var b strings.Builder
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(&b, "%s: failed: %v\n", r.Reference, r.Err)
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", r.Reference, r.Run.Status)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// ParseReferences splits a comma-separated reference list, trimming blanks and
// dropping empty and repeated entries.
func ParseReferences(csv string) []string {
	refs := lo.Map(strings.Split(csv, ","), func(s string, _ int) string { return strings.TrimSpace(s) })
	return lo.Uniq(lo.Compact(refs))
}
