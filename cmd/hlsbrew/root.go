package main

import (
	"github.com/spf13/cobra"
)

// skipConfigLoad marks commands that run without a resolved configuration.
const skipConfigLoad = "skipConfigLoad"

func newRootCommand() *cobra.Command {
	var configFlag string

	ctx := newCommandContext(&configFlag)

	rootCmd := &cobra.Command{
		Use:   "hlsbrew",
		Short: "Fetch videos, reconcile split streams, package HLS and publish to object storage",
		Long: `hlsbrew fetches a video by reference, picks the best playable representation,
merges split audio and video, optionally repackages the result as HLS and
optionally uploads it to S3-compatible storage. Every stage is skipped when its
output already exists, so interrupted runs resume where they stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipConfigLoad] == "true" {
				return nil
			}
			_, err := ctx.ensureConfig(cmd)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFlag, "config", "c", "", "Configuration file path (default ./hlsbrew.toml)")
	flags.String("root", "", "Directory the videos/ tree is written under")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.String("log-format", "", "Log format: json, console or auto")
	flags.Bool("ledger", false, "Track run state in the SQLite ledger")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newPublishedCommand(ctx))
	rootCmd.AddCommand(newRunsCommand(ctx))
	rootCmd.AddCommand(newDoctorCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
