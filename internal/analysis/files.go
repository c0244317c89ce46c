package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/tphakala/detectpipe/internal/conf"
	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/errors"
	"github.com/tphakala/detectpipe/internal/logger"
	"github.com/tphakala/detectpipe/internal/pipeline"
	"github.com/tphakala/detectpipe/internal/sink"
	"github.com/tphakala/detectpipe/internal/source"
)

// ErrNoImages is returned when the configured sources hold no readable image.
var ErrNoImages = errors.NewStd("no readable images in source")

// PredictSources runs the configured source files through the pipeline and
// feeds the enabled sinks.
func PredictSources(ctx context.Context, s *conf.Settings, r *Runner) ([]*detection.Result, error) {
	batch, err := source.Open(ctx, s.Predict.Source)
	if err != nil {
		return nil, err
	}
	if batch.Len() == 0 {
		return nil, errors.New(fmt.Errorf("%w: %s", ErrNoImages, strings.Join(s.Predict.Source, ", "))).
			Component("analysis").
			Category(errors.CategoryNotFound).
			Build()
	}
	GetLogger().Info("images loaded",
		logger.Int("images", batch.Len()),
		logger.Int("sources", len(s.Predict.Source)))

	sinks, err := sink.FromSettings(ctx, s)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			GetLogger().Warn("failed to close sinks", logger.Error(err))
		}
	}()

	var snk sink.Sink
	if len(sinks) > 0 {
		snk = sinks
	}
	return r.Run(ctx, s, &pipeline.Input{Images: batch.Images, Names: batch.Names}, snk)
}

// Output formats for WriteResults.
const (
	FormatTable = "table"
	FormatJSON  = "json"
)

// WriteResults prints results as an aligned table or as JSON.
func WriteResults(w io.Writer, results []*detection.Result, format string) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	case FormatTable, "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "INDEX\tNAME\tDETECTIONS\tTOP")
		for _, r := range results {
			top := "-"
			if len(r.Detections) > 0 {
				top = r.Detections[0].String()
			}
			_, _ = fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", r.Index, r.Name, len(r.Detections), top)
		}
		return tw.Flush()
	default:
		return errors.Newf("unknown output format %q", format).
			Component("analysis").
			Category(errors.CategoryValidation).
			Build()
	}
}
