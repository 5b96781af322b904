package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rhuss/schaubild/pkg/transport"
)

// ServerConfig configures Server. Zero fields take the values of
// DefaultServerConfig.
type ServerConfig struct {
	Addr            string
	MaxBodySize     int64
	ReadTimeout     time.Duration // writes are unbounded, a run can take minutes
	ShutdownTimeout time.Duration
	Logger          *slog.Logger

	// Wrap decorates the API handler, first entry outermost. Authentication
	// and mounted sub-handlers (MCP) go here.
	Wrap []func(http.Handler) http.Handler
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		MaxBodySize:     1 << 20,
		ReadTimeout:     30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

func (c ServerConfig) withDefaults() ServerConfig {
	d := DefaultServerConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = d.MaxBodySize
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Server runs the diagram API until its context ends, then drains
// in-flight requests.
type Server struct {
	cfg     ServerConfig
	adapter *Adapter
	srv     *http.Server
}

// NewServer wires creator and the optional run manager behind the standard
// middleware (recovery, request ID, logging).
func NewServer(creator transport.DiagramCreator, runs transport.RunManager, cfg ServerConfig) *Server {
	cfg = cfg.withDefaults()

	adapter := NewAdapter(creator, runs, Config{MaxBodySize: cfg.MaxBodySize},
		transport.Recovery(),
		transport.RequestID(),
		transport.Logging(cfg.Logger),
	)

	h := adapter.Handler()
	for i := len(cfg.Wrap) - 1; i >= 0; i-- {
		h = cfg.Wrap[i](h)
	}

	return &Server{
		cfg:     cfg,
		adapter: adapter,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.ReadTimeout,
		},
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully within ShutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.cfg.Logger.Info("server listening", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.cfg.Logger.Info("draining requests", "timeout", s.cfg.ShutdownTimeout, "streaming", s.adapter.InFlight())
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.cfg.Logger.Info("server stopped")
	return nil
}
