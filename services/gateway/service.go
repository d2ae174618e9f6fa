// Package gateway serves a version migrating reverse proxy in front of an
// upstream that only speaks the current API version.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/influxdata/apiversion/migration"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Service manages the listener and handler for the gateway endpoint.
type Service struct {
	log             *zap.Logger
	listener        net.Listener
	server          *http.Server
	addr            string
	shutdownTimeout time.Duration
	err             chan error

	Handler *Handler
}

// NewService returns a new instance of Service. The registry is not built
// until the first request that needs it; build it up front to fail fast.
func NewService(log *zap.Logger, c Config, reg *migration.Registry, promReg *prometheus.Registry) (*Service, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("service", "gateway"))

	h := NewHandler(log, c, reg, promReg)
	return &Service{
		log:             log,
		addr:            c.BindAddress,
		shutdownTimeout: time.Duration(c.ShutdownTimeout),
		err:             make(chan error, 1),
		server: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          zap.NewStdLog(log),
		},
		Handler: h,
	}, nil
}

// Open starts the service
func (s *Service) Open() error {
	// Open listener.
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.log.Info("Listening on HTTP",
		zap.Stringer("addr", listener.Addr()),
		zap.String("upstream", s.Handler.config.UpstreamURL),
		zap.String("current_version", s.Handler.config.CurrentVersion))

	// Begin listening for requests in a separate goroutine.
	go s.serve()
	return nil
}

// Close stops accepting requests and waits up to the shutdown timeout for
// in-flight requests to finish.
func (s *Service) Close() error {
	if s.listener == nil {
		return nil
	}

	ctx := context.Background()
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return multierr.Combine(err, s.server.Close())
	}
	return nil
}

// Err returns a channel for fatal errors that occur on the listener.
func (s *Service) Err() <-chan error { return s.err }

// Addr returns the listener's address. Returns nil if listener is closed.
func (s *Service) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// serve serves the handler from the listener.
func (s *Service) serve() {
	err := s.server.Serve(s.listener)
	if err != nil && err != http.ErrServerClosed {
		s.err <- fmt.Errorf("listener failed: addr=%s, err=%s", s.Addr(), err)
	}
}
