// Package conf loads detectpipe settings from TOML files, .env files and
// DETECTPIPE_* environment variables.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tphakala/detectpipe/internal/errors"
	"github.com/tphakala/detectpipe/internal/logger"
)

//go:embed predict.toml
var configFiles embed.FS

// EnvPrefix is the prefix for environment overrides, e.g. DETECTPIPE_PREDICT_BATCH=8.
const EnvPrefix = "DETECTPIPE"

// Settings is the parsed configuration of one detectpipe run or server.
type Settings struct {
	Predict   PredictSettings      `mapstructure:"predict"`
	Annotate  AnnotateSettings     `mapstructure:"annotate"`
	Output    OutputSettings       `mapstructure:"output"`
	Server    ServerSettings       `mapstructure:"server"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
	Telemetry TelemetrySettings    `mapstructure:"telemetry"`

	// ConfigDir is the directory relative paths were resolved against.
	ConfigDir string `mapstructure:"-"`
}

// PredictSettings mirrors the [predict] table.
type PredictSettings struct {
	Model           string   `mapstructure:"model"`            // model file
	Backend         string   `mapstructure:"backend"`          // tflite | mock
	Source          []string `mapstructure:"source"`           // file, directory or list of files
	Conf            float64  `mapstructure:"conf"`             // confidence threshold
	IoU             float64  `mapstructure:"iou"`              // NMS IoU threshold
	MaxDet          int      `mapstructure:"max_det"`          // max detections per image
	ImgSz           int      `mapstructure:"imgsz"`            // 0 = model input size
	Batch           int      `mapstructure:"batch"`            // images per backend call
	Device          string   `mapstructure:"device"`           // cpu | xnnpack | auto
	Threads         int      `mapstructure:"threads"`          // 0 = auto
	InferFn         string   `mapstructure:"infer_fn"`         // execution strategy
	Annotate        bool     `mapstructure:"annotate"`         // render annotated images
	SaveDir         string   `mapstructure:"save_dir"`         // annotated PNG output, cleared per run
	ChannelCapacity int      `mapstructure:"channel_capacity"` // stage channel buffer
	InferWorkers    int      `mapstructure:"infer_workers"`    // concurrent backend callers
	ReturnResult    bool     `mapstructure:"return_result"`    // keep results after sinks
	Verbose         bool     `mapstructure:"verbose"`          // per-stage debug logs
	Labels          string   `mapstructure:"labels"`           // optional label file
}

// AnnotateSettings mirrors the [annotate] table.
type AnnotateSettings struct {
	OnBlank   bool `mapstructure:"on_blank"`   // draw on a black canvas instead of the input
	ShowBox   bool `mapstructure:"show_box"`
	ShowLabel bool `mapstructure:"show_label"` // implies ShowBox
	ShowConf  bool `mapstructure:"show_conf"`
}

// OutputSettings groups the optional result sinks.
type OutputSettings struct {
	SQLite SQLiteSettings `mapstructure:"sqlite"`
	MQTT   MQTTSettings   `mapstructure:"mqtt"`
}

// SQLiteSettings configures the run log database.
type SQLiteSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// MQTTSettings configures the detection publisher.
type MQTTSettings struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	QoS      int    `mapstructure:"qos"`
	Retain   bool   `mapstructure:"retain"`
}

// ServerSettings configures `detectpipe serve`.
type ServerSettings struct {
	Listen      string `mapstructure:"listen"`
	MaxUploadMB int    `mapstructure:"max_upload_mb"`
}

// TelemetrySettings configures error reporting and the metrics endpoint.
type TelemetrySettings struct {
	Enabled       bool   `mapstructure:"enabled"`
	DSN           string `mapstructure:"dsn"`
	MetricsListen string `mapstructure:"metrics_listen"`
}

// NewViper returns a viper instance with defaults and environment bindings.
// Cobra commands bind their flags to it before calling LoadWith.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaultConfig(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (may be empty for defaults only) and validates the result.
func Load(path string) (*Settings, error) {
	return LoadWith(NewViper(), path)
}

// LoadWith reads path into v, applies .env and environment overrides,
// resolves relative paths against the config file directory and validates.
func LoadWith(v *viper.Viper, path string) (*Settings, error) {
	configDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("error resolving working directory: %w", err)
	}

	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("error resolving config path %s: %w", path, err)
		}
		configDir = filepath.Dir(abs)

		loadDotEnv(configDir)

		v.SetConfigFile(abs)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.New(fmt.Errorf("error reading config file %s: %w", path, err)).
				Component("configuration").
				Category(errors.CategoryConfiguration).
				FileContext(abs, 0).
				Build()
		}
	} else {
		loadDotEnv(configDir)
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Build()
	}

	settings.ConfigDir = configDir
	settings.resolvePaths()

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error validating settings: %w", err)).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Build()
	}

	GetLogger().Debug("configuration loaded",
		logger.String("config_dir", configDir),
		logger.String("backend", settings.Predict.Backend),
		logger.String("infer_fn", settings.Predict.InferFn))

	return settings, nil
}

// loadDotEnv reads dir/.env if present. Variables already set in the
// environment win.
func loadDotEnv(dir string) {
	envFile := filepath.Join(dir, ".env")
	if _, err := os.Stat(envFile); err != nil {
		return
	}
	if err := godotenv.Load(envFile); err != nil {
		GetLogger().Warn("failed to load .env file",
			logger.String("path", envFile),
			logger.Error(err))
	}
}

// resolvePaths makes file references relative to the config directory.
func (s *Settings) resolvePaths() {
	s.Predict.Model = s.ResolvePath(s.Predict.Model)
	s.Predict.Labels = s.ResolvePath(s.Predict.Labels)
	s.Predict.SaveDir = s.ResolvePath(s.Predict.SaveDir)
	for i, src := range s.Predict.Source {
		s.Predict.Source[i] = s.ResolvePath(strings.TrimSpace(src))
	}
	s.Output.SQLite.Path = s.ResolvePath(s.Output.SQLite.Path)
	if s.Logging.FileOutput != nil {
		s.Logging.FileOutput.Path = s.ResolvePath(s.Logging.FileOutput.Path)
	}
}

// ResolvePath returns p joined to ConfigDir unless it is empty or absolute.
// SQLite's ":memory:" is left alone.
func (s *Settings) ResolvePath(p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) || s.ConfigDir == "" {
		return p
	}
	return filepath.Join(s.ConfigDir, p)
}

// DefaultConfig returns the commented default configuration file.
func DefaultConfig() (string, error) {
	data, err := fs.ReadFile(configFiles, "predict.toml")
	if err != nil {
		return "", fmt.Errorf("error reading embedded config: %w", err)
	}
	return string(data), nil
}

// WriteDefaultConfig writes the default configuration to path, refusing to
// overwrite an existing file.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}

	data, err := DefaultConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil { //nolint:gosec // config is not secret
		return fmt.Errorf("error writing default config file: %w", err)
	}

	GetLogger().Info("created default config file", logger.String("path", path))
	return nil
}
