package conf

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// Backends known to the configuration layer.
var knownBackends = []string{"tflite", "mock"}

// Devices accepted by predict.device.
var knownDevices = []string{"cpu", "xnnpack", "auto"}

// ValidateSettings checks value ranges and cross-field rules. Strategy
// selection, batch size, channel capacity and worker count are validated
// by the pipeline itself when a run is built.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	ve.Errors = append(ve.Errors, validatePredictSettings(&settings.Predict)...)
	ve.Errors = append(ve.Errors, validateOutputSettings(&settings.Output)...)
	ve.Errors = append(ve.Errors, validateServerSettings(&settings.Server)...)
	ve.Errors = append(ve.Errors, validateTelemetrySettings(&settings.Telemetry)...)

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validatePredictSettings(p *PredictSettings) []string {
	var errs []string

	if !slices.Contains(knownBackends, p.Backend) {
		errs = append(errs, fmt.Sprintf("predict.backend %q must be one of %v", p.Backend, knownBackends))
	}
	if p.Backend == "tflite" && p.Model == "" {
		errs = append(errs, "predict.model is required for the tflite backend")
	}
	if p.Conf < 0 || p.Conf > 1 {
		errs = append(errs, fmt.Sprintf("predict.conf %.3f must be between 0 and 1", p.Conf))
	}
	if p.IoU < 0 || p.IoU > 1 {
		errs = append(errs, fmt.Sprintf("predict.iou %.3f must be between 0 and 1", p.IoU))
	}
	if p.MaxDet <= 0 {
		errs = append(errs, fmt.Sprintf("predict.max_det %d must be positive", p.MaxDet))
	}
	if p.ImgSz < 0 {
		errs = append(errs, fmt.Sprintf("predict.imgsz %d must not be negative", p.ImgSz))
	}
	if p.Threads < 0 {
		errs = append(errs, fmt.Sprintf("predict.threads %d must not be negative", p.Threads))
	}
	if !slices.Contains(knownDevices, p.Device) {
		errs = append(errs, fmt.Sprintf("predict.device %q must be one of %v", p.Device, knownDevices))
	}

	return errs
}

func validateOutputSettings(o *OutputSettings) []string {
	var errs []string

	if o.SQLite.Enabled && o.SQLite.Path == "" {
		errs = append(errs, "output.sqlite.path is required when sqlite output is enabled")
	}

	if o.MQTT.Enabled {
		if o.MQTT.Topic == "" {
			errs = append(errs, "output.mqtt.topic is required when mqtt output is enabled")
		}
		u, err := url.Parse(o.MQTT.Broker)
		switch {
		case err != nil || u.Host == "":
			errs = append(errs, fmt.Sprintf("output.mqtt.broker %q is not a valid URL", o.MQTT.Broker))
		case !slices.Contains([]string{"tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts"}, u.Scheme):
			errs = append(errs, fmt.Sprintf("output.mqtt.broker scheme %q is not supported", u.Scheme))
		}
		if o.MQTT.QoS < 0 || o.MQTT.QoS > 2 {
			errs = append(errs, fmt.Sprintf("output.mqtt.qos %d must be 0, 1 or 2", o.MQTT.QoS))
		}
	}

	return errs
}

func validateServerSettings(s *ServerSettings) []string {
	var errs []string

	if s.Listen != "" {
		if _, _, err := net.SplitHostPort(s.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("server.listen %q: %v", s.Listen, err))
		}
	}
	if s.MaxUploadMB <= 0 {
		errs = append(errs, fmt.Sprintf("server.max_upload_mb %d must be positive", s.MaxUploadMB))
	}

	return errs
}

func validateTelemetrySettings(t *TelemetrySettings) []string {
	var errs []string

	if t.Enabled && t.DSN == "" {
		errs = append(errs, "telemetry.dsn is required when telemetry is enabled")
	}
	if t.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(t.MetricsListen); err != nil {
			errs = append(errs, fmt.Sprintf("telemetry.metrics_listen %q: %v", t.MetricsListen, err))
		}
	}

	return errs
}
