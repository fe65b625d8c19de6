// Package server implements the netmon daemon.
//
// Run loads the callout driver, then serves the gRPC health service on
// a unix socket (and optionally TCP) and Prometheus metrics over HTTP
// until the context is cancelled. The health service reports SERVING
// only while the driver is loaded.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/frobware/go-netmon/config"
	"github.com/frobware/go-netmon/driver"
	"github.com/frobware/go-netmon/logging"
)

// ServiceName is the health service name reported alongside the
// overall ("") status.
const ServiceName = "netmon.Callout"

// RunConfig configures the daemon.
type RunConfig struct {
	Config config.Config
	Dirs   config.RuntimeDirs
	// TCPAddress optionally exposes the health service on TCP
	// (e.g. ":50051").
	TCPAddress string
	// MetricsAddress optionally serves /metrics (e.g. ":9090").
	MetricsAddress string
	// PprofAddress optionally serves net/http/pprof
	// (e.g. "localhost:2026").
	PprofAddress string
	Logger       *slog.Logger
	// CleanupStale removes objects left by an instance that exited
	// without unloading.
	CleanupStale bool
	// Ready, if set, is called once the listeners are up.
	Ready func(Endpoints)
}

// Endpoints are the addresses the daemon bound. TCP, Metrics and
// Pprof are empty when disabled.
type Endpoints struct {
	Socket  string
	TCP     string
	Metrics string
	Pprof   string
}

// Run loads the driver and serves until ctx is cancelled, then stops
// the listeners and unloads the driver.
func Run(ctx context.Context, cfg RunConfig) error {
	dirs := cfg.Dirs

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logging.WithOpID(logger)

	if err := dirs.EnsureDirectories(); err != nil {
		return fmt.Errorf("runtime directory setup failed: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	loadCtx := logging.ContextWithOpID(ctx, logging.NextOpID())
	drv, err := driver.Load(loadCtx, driver.Options{
		Config:       cfg.Config,
		Logger:       logger,
		Registerer:   reg,
		LockPath:     dirs.Lock(),
		CleanupStale: cfg.CleanupStale,
	})
	if err != nil {
		return fmt.Errorf("load driver: %w", err)
	}

	s := &Server{
		driver:  drv,
		health:  health.NewServer(),
		metrics: reg,
		logger:  logger.With("component", "server"),
	}
	serveErr := s.serve(ctx, dirs.SocketPath(), cfg)

	// Unload runs after ctx is cancelled; it must not inherit that.
	unloadCtx := logging.ContextWithOpID(context.WithoutCancel(ctx), logging.NextOpID())
	unloadErr := drv.Unload(unloadCtx)
	return errors.Join(serveErr, unloadErr)
}

// Server serves health and metrics for a loaded driver.
type Server struct {
	driver  *driver.Driver
	health  *health.Server
	metrics *prometheus.Registry
	logger  *slog.Logger
}

func (s *Server) setServing(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// serve starts the gRPC server on the given socket path and optionally
// on TCP, plus the metrics and pprof HTTP servers when configured.
func (s *Server) serve(ctx context.Context, socketPath string, cfg RunConfig) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	unixListener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	defer unixListener.Close()

	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(s.loggingInterceptor()),
	)
	healthpb.RegisterHealthServer(grpcServer, s.health)
	if s.driver.Loaded() {
		s.setServing(healthpb.HealthCheckResponse_SERVING)
	}

	errChan := make(chan error, 4)
	ep := Endpoints{Socket: socketPath}

	go func() {
		s.logger.InfoContext(ctx, "netmon gRPC server listening", "socket", socketPath)
		if err := grpcServer.Serve(unixListener); err != nil {
			errChan <- fmt.Errorf("unix socket server: %w", err)
		}
	}()

	if cfg.TCPAddress != "" {
		tcpListener, err := net.Listen("tcp", cfg.TCPAddress)
		if err != nil {
			grpcServer.GracefulStop()
			return fmt.Errorf("failed to listen on TCP %s: %w", cfg.TCPAddress, err)
		}
		ep.TCP = tcpListener.Addr().String()
		go func() {
			s.logger.InfoContext(ctx, "netmon gRPC server listening", "tcp", ep.TCP)
			if err := grpcServer.Serve(tcpListener); err != nil {
				errChan <- fmt.Errorf("tcp server: %w", err)
			}
		}()
	}

	var httpServers []*http.Server
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{Registry: s.metrics}))
		srv, addr, err := s.listenHTTP(ctx, "metrics", cfg.MetricsAddress, mux, errChan)
		if err != nil {
			grpcServer.GracefulStop()
			return err
		}
		ep.Metrics = addr
		httpServers = append(httpServers, srv)
	} else {
		s.logger.InfoContext(ctx, "metrics HTTP server disabled")
	}
	if cfg.PprofAddress != "" {
		srv, addr, err := s.listenHTTP(ctx, "pprof", cfg.PprofAddress, http.DefaultServeMux, errChan)
		if err != nil {
			grpcServer.GracefulStop()
			return err
		}
		ep.Pprof = addr
		httpServers = append(httpServers, srv)
	}

	if cfg.Ready != nil {
		cfg.Ready(ep)
	}

	var result error
	select {
	case <-ctx.Done():
	case result = <-errChan:
	}

	s.logger.InfoContext(ctx, "shutting down gRPC server")
	s.health.Shutdown()
	grpcServer.GracefulStop()
	for _, srv := range httpServers {
		if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
			s.logger.WarnContext(ctx, "HTTP server shutdown failed", "error", err)
		}
	}
	return result
}

func (s *Server) listenHTTP(ctx context.Context, name, addr string, h http.Handler, errChan chan<- error) (*http.Server, string, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("%s listen on %s: %w", name, addr, err)
	}
	srv := &http.Server{Handler: h}
	bound := l.Addr().String()
	s.logger.InfoContext(ctx, name+" HTTP server listening", "address", bound)
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("%s HTTP server: %w", name, err)
		}
	}()
	return srv, bound, nil
}

// loggingInterceptor returns a gRPC unary interceptor that assigns a
// monotonic operation ID to each request and logs errors.
func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx = logging.ContextWithOpID(ctx, logging.NextOpID())
		resp, err := handler(ctx, req)
		if err != nil {
			s.logger.ErrorContext(ctx, "grpc error", "method", info.FullMethod, "error", err)
		} else {
			s.logger.Log(ctx, logging.LevelTrace.ToSlog(), "grpc request", "method", info.FullMethod)
		}
		return resp, err
	}
}
