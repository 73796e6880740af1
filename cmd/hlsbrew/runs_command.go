package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/heyjunin/HLSbrew/pkg/ledger"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "Show the run ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig(cmd)
			if err != nil {
				return err
			}

			l, err := ledger.Open(cmd.Context(), cfg.Ledger.Path)
			if err != nil {
				return err
			}
			defer l.Close()

			runs, err := l.Runs(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			fmt.Fprintln(out, renderRuns(runs))
			return nil
		},
	}
}

func renderRuns(runs []ledger.Run) string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.Reference,
			r.Title,
			string(r.State),
			r.UpdatedAt.Local().Format(time.DateTime),
			r.LastError,
		})
	}
	return renderTable(runColumns, rows)
}
