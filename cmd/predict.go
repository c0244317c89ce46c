package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tphakala/detectpipe/internal/analysis"
	"github.com/tphakala/detectpipe/internal/conf"
	"github.com/tphakala/detectpipe/internal/logger"
)

// predictFlags maps predict flags to configuration keys.
var predictFlags = map[string]string{
	"model":            "predict.model",
	"backend":          "predict.backend",
	"labels":           "predict.labels",
	"device":           "predict.device",
	"threads":          "predict.threads",
	"conf":             "predict.conf",
	"iou":              "predict.iou",
	"max-det":          "predict.max_det",
	"imgsz":            "predict.imgsz",
	"batch":            "predict.batch",
	"infer-fn":         "predict.infer_fn",
	"workers":          "predict.infer_workers",
	"channel-capacity": "predict.channel_capacity",
	"annotate":         "predict.annotate",
	"save-dir":         "predict.save_dir",
	"verbose":          "predict.verbose",
}

func predictCommand(a *app) *cobra.Command {
	var (
		format     string
		outputPath string
		initConfig string
	)

	cmd := &cobra.Command{
		Use:   "predict [source...]",
		Short: "Run detection over image files",
		Long: `Run detection over a single image, every image in a directory, or a list of
files. Sources given as arguments replace predict.source from the configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if initConfig != "" {
				if err := conf.WriteDefaultConfig(initConfig); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote default configuration to %s\n", initConfig)
				return nil
			}

			settings := a.settings
			if len(args) > 0 {
				settings.Predict.Source = args
			}

			runner := a.runner()
			defer runner.Close()

			results, err := analysis.PredictSources(cmd.Context(), settings, runner)
			if err != nil {
				return err
			}
			defer func() {
				for _, r := range results {
					r.Release()
				}
			}()

			var w io.Writer = cmd.OutOrStdout()
			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return fmt.Errorf("error creating output file: %w", err)
				}
				defer func() {
					if cerr := f.Close(); cerr != nil {
						GetLogger().Warn("failed to close output file", logger.Error(cerr))
					}
				}()
				w = f
			}
			return analysis.WriteResults(w, results, format)
		},
	}

	f := cmd.Flags()
	f.String("model", "", "Path to the detection model")
	f.String("backend", "", "Inference backend: tflite, mock")
	f.String("labels", "", "Label file, one class name per line")
	f.String("device", "", "Inference device: cpu, xnnpack, auto")
	f.Int("threads", 0, "Interpreter threads, 0 for automatic")
	f.Float64("conf", 0, "Confidence threshold")
	f.Float64("iou", 0, "IoU threshold for non-maximum suppression")
	f.Int("max-det", 0, "Maximum detections per image")
	f.Int("imgsz", 0, "Model input size, 0 for the model's own")
	f.IntP("batch", "b", 0, "Images per backend call")
	f.StringP("infer-fn", "m", "", "Execution strategy: Sequential, BatchSequential, ChannelPipeline, BatchChannelPipeline")
	f.Int("workers", 0, "Inference workers for pipelined strategies")
	f.Int("channel-capacity", 0, "Buffered channel capacity between pipeline stages")
	f.BoolP("annotate", "a", false, "Render detections onto the images")
	f.String("save-dir", "", "Directory for annotated PNGs")
	f.BoolP("verbose", "v", false, "Log per-stage timings")
	f.StringVarP(&format, "format", "f", analysis.FormatTable, "Output format: table, json")
	f.StringVarP(&outputPath, "output", "o", "", "Write results to a file instead of stdout")
	f.StringVar(&initConfig, "init-config", "", "Write the default configuration to this path and exit")

	annotateFlags(f, predictFlags)

	return cmd
}
