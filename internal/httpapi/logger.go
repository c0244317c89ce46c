package httpapi

import (
	"sync"

	"github.com/tphakala/detectpipe/internal/logger"
)

var (
	serviceLogger logger.Logger
	initOnce      sync.Once
)

// GetLogger returns the HTTP API logger.
func GetLogger() logger.Logger {
	initOnce.Do(func() {
		serviceLogger = logger.Global().Module("httpapi")
	})
	return serviceLogger
}
