package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tphakala/detectpipe/internal/logger"
	"github.com/tphakala/detectpipe/internal/observability/metrics"
)

// Endpoint serves /metrics on its own listener, for runs without the HTTP API.
type Endpoint struct {
	server   *http.Server
	listener net.Listener
	started  atomic.Bool
	done     chan struct{}
}

// NewEndpoint binds addr. Use ":0" for an ephemeral port.
func NewEndpoint(addr string, m *Metrics) (*Endpoint, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	m.RegisterHandlers(mux)
	return &Endpoint{
		server:   &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		listener: ln,
		done:     make(chan struct{}),
	}, nil
}

// Addr returns the bound address.
func (e *Endpoint) Addr() string { return e.listener.Addr().String() }

// Start serves in the background until Shutdown.
func (e *Endpoint) Start() {
	if e.started.Swap(true) {
		return
	}
	log := GetLogger()
	go func() {
		defer close(e.done)
		log.Info("metrics endpoint starting", logger.String("address", e.Addr()))
		if err := e.server.Serve(e.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics HTTP server error", logger.Error(err))
		}
	}()
}

// Shutdown stops the server and waits for the serve goroutine.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	if !e.started.Load() {
		return e.listener.Close()
	}
	ctx, cancel := context.WithTimeout(ctx, metrics.ShutdownTimeout)
	defer cancel()
	err := e.server.Shutdown(ctx)
	select {
	case <-e.done:
	case <-ctx.Done():
	}
	return err
}
