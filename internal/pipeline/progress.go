package pipeline

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/detectpipe/internal/logger"
)

// progress logs completed/total at most once per interval.
type progress struct {
	total   int
	started time.Time
	limiter *rate.Limiter
	log     logger.Logger
}

func newProgress(total int, interval time.Duration, log logger.Logger) *progress {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	p := &progress{
		total:   total,
		started: time.Now(),
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		log:     log,
	}
	// first update waits a full interval
	p.limiter.Allow()
	return p
}

func (p *progress) update(done int) {
	if done >= p.total || !p.limiter.Allow() {
		return
	}
	elapsed := time.Since(p.started)
	fields := []logger.Field{
		logger.Int("done", done),
		logger.Int("total", p.total),
		logger.Duration("elapsed", elapsed),
	}
	if done > 0 {
		perImage := elapsed / time.Duration(done)
		fields = append(fields, logger.Duration("eta", perImage*time.Duration(p.total-done)))
	}
	p.log.Info("prediction progress", fields...)
}
