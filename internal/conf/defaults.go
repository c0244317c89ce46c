package conf

import "github.com/spf13/viper"

// Default values, matching predict.toml.
const (
	DefaultConf            = 0.25
	DefaultIoU             = 0.45
	DefaultMaxDet          = 300
	DefaultBatch           = 4
	DefaultChannelCapacity = 8
	DefaultInferWorkers    = 1
	DefaultInferFn         = "BatchChannelPipeline"
	DefaultBackend         = "tflite"
	DefaultDevice          = "cpu"
	DefaultListen          = "127.0.0.1:8080"
	DefaultMaxUploadMB     = 32
)

func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("predict.model", "")
	v.SetDefault("predict.backend", DefaultBackend)
	v.SetDefault("predict.source", []string{})
	v.SetDefault("predict.conf", DefaultConf)
	v.SetDefault("predict.iou", DefaultIoU)
	v.SetDefault("predict.max_det", DefaultMaxDet)
	v.SetDefault("predict.imgsz", 0)
	v.SetDefault("predict.batch", DefaultBatch)
	v.SetDefault("predict.device", DefaultDevice)
	v.SetDefault("predict.threads", 0)
	v.SetDefault("predict.infer_fn", DefaultInferFn)
	v.SetDefault("predict.annotate", false)
	v.SetDefault("predict.save_dir", "")
	v.SetDefault("predict.channel_capacity", DefaultChannelCapacity)
	v.SetDefault("predict.infer_workers", DefaultInferWorkers)
	v.SetDefault("predict.return_result", true)
	v.SetDefault("predict.verbose", false)
	v.SetDefault("predict.labels", "")

	v.SetDefault("annotate.on_blank", false)
	v.SetDefault("annotate.show_box", true)
	v.SetDefault("annotate.show_label", true)
	v.SetDefault("annotate.show_conf", true)

	v.SetDefault("output.sqlite.enabled", false)
	v.SetDefault("output.sqlite.path", "detections.db")

	v.SetDefault("output.mqtt.enabled", false)
	v.SetDefault("output.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("output.mqtt.topic", "detectpipe/detections")
	v.SetDefault("output.mqtt.client_id", "")
	v.SetDefault("output.mqtt.username", "")
	v.SetDefault("output.mqtt.password", "")
	v.SetDefault("output.mqtt.qos", 0)
	v.SetDefault("output.mqtt.retain", false)

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.max_upload_mb", DefaultMaxUploadMB)

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.console.stderr", true)
	v.SetDefault("logging.file.enabled", false)
	v.SetDefault("logging.file.path", "logs/detectpipe.log")
	v.SetDefault("logging.file.level", "debug")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.dsn", "")
	v.SetDefault("telemetry.metrics_listen", "")
}
