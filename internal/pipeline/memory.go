package pipeline

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tphakala/detectpipe/internal/imagebuf"
	"github.com/tphakala/detectpipe/internal/logger"
)

// virtualMemory is replaced in tests.
var virtualMemory = mem.VirtualMemory

// inputBytes sums the pixel bytes of images.
func inputBytes(images []*imagebuf.Image) int64 {
	var total int64
	for _, img := range images {
		total += int64(img.Len())
	}
	return total
}

// estimateResident returns the peak pixel bytes a run may hold. Annotated
// copies are kept until the caller releases them when results are returned.
func estimateResident(input int64, opts Options) int64 {
	if opts.Annotate && opts.ReturnResult {
		return input * 2
	}
	return input
}

// checkMemory warns when a run is likely to exceed available memory. It
// never fails the run.
func checkMemory(resident int64, log logger.Logger) bool {
	if resident <= 0 {
		return true
	}
	vm, err := virtualMemory()
	if err != nil {
		log.Debug("memory check unavailable", logger.Error(err))
		return true
	}
	if uint64(resident) > vm.Available {
		log.Warn("run may exceed available memory",
			logger.Int64("estimated_bytes", resident),
			logger.Uint64("available_bytes", vm.Available))
		return false
	}
	return true
}
