package gateway

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/logging"
)

// ErrForcedShutdown is returned when open connections outlive the grace
// period and had to be closed.
var ErrForcedShutdown = stderrors.New("graceful shutdown timed out")

// Server wraps the gateway with HTTP server functionality
type Server struct {
	gateway *Gateway
	config  *config.Config
	public  *http.Server
	admin   *http.Server
}

// NewServer creates a new gateway server.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	gw, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway: gw,
		config:  cfg,
		public: &http.Server{
			Handler:           gw.Handler(),
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
			ErrorLog:          zap.NewStdLog(logging.Global()),
		},
	}
	if cfg.Server.TLS.Enabled {
		s.public.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if cfg.Admin.Enabled {
		s.admin = &http.Server{
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// Gateway returns the underlying gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.Admin.MetricsPath, s.gateway.Metrics().Handler())
	return mux
}

// Run binds the configured listeners and serves until SIGINT or SIGTERM.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	public, err := net.Listen("tcp", s.config.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Server.Listen, err)
	}

	var admin net.Listener
	if s.admin != nil {
		admin, err = net.Listen("tcp", s.config.Admin.Listen)
		if err != nil {
			public.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.config.Admin.Listen, err)
		}
	}

	return s.Serve(ctx, public, admin)
}

// Serve accepts connections on the given listeners until ctx is done, then
// shuts down within the configured grace period. admin may be nil.
func (s *Server) Serve(ctx context.Context, public, admin net.Listener) error {
	s.gateway.Warm(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("Starting gateway",
			zap.String("listen", public.Addr().String()),
			zap.String("mode", s.config.Mode),
			zap.Int("routes", s.gateway.Routes().Len()),
			zap.Strings("stages", s.gateway.Stages()),
			zap.Bool("tls", s.config.Server.TLS.Enabled),
		)
		var err error
		if s.config.Server.TLS.Enabled {
			err = s.public.ServeTLS(public, s.config.Server.TLS.CertFile, s.config.Server.TLS.KeyFile)
		} else {
			err = s.public.Serve(public)
		}
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})

	if s.admin != nil && admin != nil {
		g.Go(func() error {
			logging.Info("Starting admin server", zap.String("listen", admin.Addr().String()))
			if err := s.admin.Serve(admin); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

func (s *Server) shutdown() error {
	grace := s.config.Server.ShutdownGrace
	logging.Info("Shutting down gracefully", zap.Duration("grace", grace))

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var result error
	if err := s.public.Shutdown(ctx); err != nil {
		logging.Error("Grace period expired, closing open connections", zap.Error(err))
		s.public.Close()
		result = ErrForcedShutdown
	}
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			s.admin.Close()
		}
	}

	if err := s.gateway.Close(); err != nil {
		logging.Error("Gateway close error", zap.Error(err))
	}

	logging.Info("Server shutdown complete")
	return result
}
