package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/heyjunin/HLSbrew/pkg/api"
	"github.com/heyjunin/HLSbrew/pkg/errors"
)

func newPublishedCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "published [prefix]",
		Short: "List the manifest URLs published under a key prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig(cmd)
			if err != nil {
				return err
			}
			prefix := api.DefaultPublishedPrefix
			if len(args) == 1 {
				prefix = args[0]
			}

			a, err := newApp(cmd.Context(), cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			if a.publisher == nil {
				return errors.New(errors.ValidationError, "publish.bucket is not configured", "", errors.ErrInvalidConfig)
			}

			urls, err := a.publisher.ListPublished(cmd.Context(), cfg.Publish.Bucket, prefix)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, u := range urls {
				fmt.Fprintln(out, u)
			}
			return nil
		},
	}

	cmd.Flags().String("bucket", "", "Bucket to list")
	return cmd
}
