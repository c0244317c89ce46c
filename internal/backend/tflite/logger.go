package tflite

import (
	"sync"

	"github.com/tphakala/detectpipe/internal/logger"
)

var (
	serviceLogger logger.Logger
	initOnce      sync.Once
)

// GetLogger returns the logger for the TFLite backend.
func GetLogger() logger.Logger {
	initOnce.Do(func() {
		serviceLogger = logger.Global().Module("backend.tflite")
	})
	return serviceLogger
}
