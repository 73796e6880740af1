package main

import (
	"github.com/spf13/cobra"

	"github.com/heyjunin/HLSbrew/pkg/api"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the video endpoints over HTTP",
		Long: `Serve GET /video/download, /video/downloadMultiple, /video/published and
/metrics. Each request blocks until the pipeline finishes. SIGINT or SIGTERM
drains in-flight requests and stops the server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig(cmd)
			if err != nil {
				return err
			}

			runCtx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(runCtx, cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			var lister api.Lister
			if a.publisher != nil {
				lister = a.publisher
			}
			handler := api.NewHandler(a.pipeline, lister, cfg.Publish.Bucket, a.log)
			return api.Serve(runCtx, cfg.Server.Addr, api.NewRouter(handler, a.log, a.metrics), a.log)
		},
	}

	cmd.Flags().String("addr", "", "Listen address (default :8080)")
	cmd.Flags().Bool("package", false, "Package ready artifacts as HLS")
	cmd.Flags().Bool("publish", false, "Upload results to the configured bucket")
	cmd.Flags().String("bucket", "", "Bucket to publish to")
	cmd.Flags().Int("workers", 0, "References processed at once by /video/downloadMultiple")
	return cmd
}
