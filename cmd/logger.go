package cmd

import (
	"sync"

	"github.com/tphakala/detectpipe/internal/logger"
)

var (
	serviceLogger logger.Logger
	initOnce      sync.Once
)

// GetLogger returns the command line logger.
func GetLogger() logger.Logger {
	initOnce.Do(func() {
		serviceLogger = logger.Global().Module("cmd")
	})
	return serviceLogger
}
