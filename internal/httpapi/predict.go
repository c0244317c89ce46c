package httpapi

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/detectpipe/internal/detection"
	"github.com/tphakala/detectpipe/internal/errors"
	"github.com/tphakala/detectpipe/internal/imagebuf"
	"github.com/tphakala/detectpipe/internal/logger"
	"github.com/tphakala/detectpipe/internal/pipeline"
	"github.com/tphakala/detectpipe/internal/source"
)

// ImagesField is the multipart field carrying the images.
const ImagesField = "images"

// PredictResponse is the body of a successful prediction.
type PredictResponse struct {
	RequestID string          `json:"request_id"`
	Mode      string          `json:"mode"`
	Count     int             `json:"count"`
	ElapsedMs int64           `json:"elapsed_ms"`
	Results   []PredictResult `json:"results"`
}

// PredictResult is one image's detections. AnnotatedPNG is the base64
// encoded annotated image when annotation was requested.
type PredictResult struct {
	Index        int                   `json:"index"`
	Name         string                `json:"name"`
	Detections   []detection.Detection `json:"detections"`
	AnnotatedPNG string                `json:"annotated_png,omitempty"`
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// predict handles POST /api/v1/predict. Query parameters annotate, infer_fn
// and batch override the server settings for this request.
func (s *Server) predict(c echo.Context) error {
	start := time.Now()

	settings := *s.settings
	settings.Predict.ReturnResult = true
	if err := applyOverrides(c, &settings.Predict.Annotate, &settings.Predict.InferFn, &settings.Predict.Batch); err != nil {
		return s.handleError(c, err, "invalid query parameter", http.StatusBadRequest)
	}

	form, err := c.MultipartForm()
	if err != nil {
		return s.handleError(c, err, "expected multipart form with images", http.StatusBadRequest)
	}
	files := form.File[ImagesField]
	if len(files) == 0 {
		return s.handleError(c, nil, fmt.Sprintf("no files in field %q", ImagesField), http.StatusBadRequest)
	}

	in := &pipeline.Input{
		Images: make([]*imagebuf.Image, 0, len(files)),
		Names:  make([]string, 0, len(files)),
	}
	for _, fh := range files {
		img, err := decodeUpload(fh)
		if err != nil {
			return s.handleError(c, err, fmt.Sprintf("cannot decode %s", fh.Filename), http.StatusBadRequest)
		}
		in.Images = append(in.Images, img)
		in.Names = append(in.Names, fh.Filename)
	}

	results, err := s.runner.Run(c.Request().Context(), &settings, in, nil)
	if err != nil {
		return s.handleError(c, err, "prediction failed", statusFor(err))
	}

	resp := PredictResponse{
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
		Mode:      settings.Predict.InferFn,
		Count:     len(results),
		Results:   make([]PredictResult, 0, len(results)),
	}
	for _, r := range results {
		pr := PredictResult{Index: r.Index, Name: r.Name, Detections: r.Detections}
		if settings.Predict.Annotate {
			if pr.AnnotatedPNG, err = encodeAnnotated(r); err != nil {
				return s.handleError(c, err, "cannot encode annotated image", http.StatusInternalServerError)
			}
		}
		resp.Results = append(resp.Results, pr)
	}
	resp.ElapsedMs = time.Since(start).Milliseconds()

	return c.JSON(http.StatusOK, resp)
}

func applyOverrides(c echo.Context, annotate *bool, inferFn *string, batch *int) error {
	if v := c.QueryParam("annotate"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("annotate: %w", err)
		}
		*annotate = b
	}
	if v := c.QueryParam("infer_fn"); v != "" {
		if _, err := pipeline.ParseMode(v); err != nil {
			return err
		}
		*inferFn = v
	}
	if v := c.QueryParam("batch"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("batch %q: %w", v, pipeline.ErrInvalidBatchSize)
		}
		*batch = n
	}
	return nil
}

func decodeUpload(fh *multipart.FileHeader) (*imagebuf.Image, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return source.DecodeBytes(data)
}

// encodeAnnotated moves the annotated image out of r and returns it as
// base64 PNG, or "" when r has none.
func encodeAnnotated(r *detection.Result) (string, error) {
	img := r.Take()
	defer img.Release()
	if img.IsEmpty() {
		return "", nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img.ToStdImage()); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// statusFor maps pipeline error categories to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.IsCategory(err, errors.CategoryValidation),
		errors.IsCategory(err, errors.CategoryImageDecode):
		return http.StatusBadRequest
	case errors.IsCategory(err, errors.CategoryModelInit),
		errors.IsCategory(err, errors.CategoryModelLoad),
		errors.IsCategory(err, errors.CategoryCancel):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError logs the failure and writes an ErrorResponse.
func (s *Server) handleError(c echo.Context, err error, message string, code int) error {
	errStr := message
	if err != nil {
		errStr = err.Error()
	}
	resp := ErrorResponse{
		Error:         errStr,
		Message:       message,
		Code:          code,
		CorrelationID: c.Response().Header().Get(echo.HeaderXRequestID),
	}

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("message", message),
		logger.Int("code", code),
		logger.String("path", c.Request().URL.Path),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("API error", fields...)
	} else {
		s.log.Warn("API error", fields...)
	}

	return c.JSON(code, resp)
}
