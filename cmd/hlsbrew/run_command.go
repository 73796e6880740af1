package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/heyjunin/HLSbrew/pkg/errors"
	"github.com/heyjunin/HLSbrew/pkg/pipeline"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var quality string
	var failFast bool

	cmd := &cobra.Command{
		Use:   "run <reference>...",
		Short: "Process one or more video references",
		Long: `Process video references through fetch, merge and, when enabled, HLS packaging
and publishing. References may be given as separate arguments or comma-separated.

By default references run independently on the worker pool and a failure is
reported per reference. With --fail-fast they run one after another and the
first failure stops the batch.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig(cmd)
			if err != nil {
				return err
			}
			refs := pipeline.ParseReferences(strings.Join(args, ","))
			if len(refs) == 0 {
				return errors.New(errors.ValidationError, "No references given", "", errors.ErrInvalidReference)
			}

			runCtx, stop := signalContext(cmd.Context())
			defer stop()

			sequential := failFast || cfg.Workers == 1 || len(refs) == 1
			a, err := newApp(runCtx, cfg, appOptions{Progress: sequential})
			if err != nil {
				return err
			}
			defer a.Close()

			p := a.pipeline
			if quality != "" {
				p = p.WithPolicy(p.Policy().WithHint(quality))
			}

			out := cmd.OutOrStdout()
			if failFast {
				runs, err := p.RunBatch(runCtx, refs)
				results := make([]pipeline.Result, 0, len(runs))
				for _, run := range runs {
					results = append(results, pipeline.Result{Reference: run.Reference, Run: run})
				}
				fmt.Fprintln(out, renderResults(results))
				return err
			}

			results := p.RunAll(runCtx, refs)
			fmt.Fprintln(out, renderResults(results))
			if failed := pipeline.Failed(results); len(failed) > 0 {
				return errors.New(errors.SystemError, fmt.Sprintf("%d of %d references failed", len(failed), len(results)), "", 0)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&quality, "quality", "q", "", "Quality label to try first, e.g. 720p")
	cmd.Flags().Bool("package", false, "Package ready artifacts as HLS")
	cmd.Flags().Bool("publish", false, "Upload results to the configured bucket")
	cmd.Flags().Bool("per-item", false, "Report uploads individually instead of all-or-nothing")
	cmd.Flags().String("bucket", "", "Bucket to publish to")
	cmd.Flags().Int("workers", 0, "References processed at once")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Process sequentially and stop at the first failure")
	return cmd
}

func renderResults(results []pipeline.Result) string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, resultRow(r))
	}
	return renderTable(resultColumns, rows)
}

// resultRow lists a result's locations, or its error in their place.
func resultRow(r pipeline.Result) []string {
	status, title := string(pipeline.StatusFailed), ""
	locations := r.Run.Locations()
	if r.Run != nil {
		title = r.Run.Title
		if r.Err == nil {
			status = string(r.Run.Status)
		}
	}
	detail := strings.Join(locations, "\n")
	if r.Err != nil {
		detail = r.Err.Error()
	}
	return []string{r.Reference, title, status, strconv.Itoa(len(locations)), detail}
}
