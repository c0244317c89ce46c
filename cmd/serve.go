package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/detectpipe/internal/httpapi"
	"github.com/tphakala/detectpipe/internal/logger"
)

// shutdownTimeout bounds how long in-flight requests may finish.
const shutdownTimeout = 30 * time.Second

var serveFlags = map[string]string{
	"listen":        "server.listen",
	"max-upload-mb": "server.max_upload_mb",
	"backend":       "predict.backend",
	"model":         "predict.model",
}

func serveCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the prediction HTTP API",
		Long:  "Accept multipart image uploads on POST /api/v1/predict and answer with detections as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := httpapi.New(a.settings,
				httpapi.WithRunner(a.runner()),
				httpapi.WithMetrics(a.metrics),
				httpapi.WithBuildInfo(a.build))

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe(a.settings.Server.Listen)
			}()

			select {
			case err := <-errCh:
				srv.Shutdown(context.WithoutCancel(ctx)) //nolint:errcheck // serve already failed
				return err
			case <-ctx.Done():
			}

			GetLogger().Info("shutdown requested", logger.String("address", a.settings.Server.Listen))
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return <-errCh
		},
	}

	f := cmd.Flags()
	f.StringP("listen", "l", "", "Listen address, for example 127.0.0.1:8080")
	f.Int("max-upload-mb", 0, "Maximum request body size in megabytes")
	f.String("backend", "", "Inference backend: tflite, mock")
	f.String("model", "", "Path to the detection model")

	annotateFlags(f, serveFlags)

	return cmd
}
