package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sourcegraph/conc"
	"google.golang.org/grpc"

	api "github.com/oshokin/fabric-provisioner/internal/api/grpc/provisioning"
	"github.com/oshokin/fabric-provisioner/internal/config"
	"github.com/oshokin/fabric-provisioner/internal/logger"
	"github.com/oshokin/fabric-provisioner/internal/metrics"
	"github.com/oshokin/fabric-provisioner/internal/service/engine"
)

// shutdownTimeout bounds the metrics endpoint shutdown.
const shutdownTimeout = 5 * time.Second

// Options controls the provisioner-server process and configuration.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// ListenAddress provides an optional listen address override for the gRPC server.
	ListenAddress string
	// StoreAddress overrides the configured store address.
	StoreAddress string
	// Engine overrides collaborators, mostly for tests.
	Engine engine.Options
}

// ErrNoServerAddress indicates missing server configuration.
var ErrNoServerAddress = errors.New("no server address configured")

// Run starts the gRPC server and blocks until context is canceled or server stops.
// Loads configuration first, then determines listen address from config or override.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "provisioner-server")

	// Load configuration first to get server settings.
	settings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	if err = logger.Configure(settings.LogLevel, settings.LogFormat); err != nil {
		return err
	}

	// Determine listen address: CLI argument overrides config port extraction.
	listenAddress, err := resolveListenAddress(settings.ServerAddress, opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}

	m := opts.Engine.Metrics
	if m == nil {
		m = metrics.New()
	}

	engineOpts := opts.Engine
	engineOpts.Metrics = m
	engineOpts.StoreAddress = opts.StoreAddress

	eng, err := engine.Open(ctx, settings, engineOpts)
	if err != nil {
		return fmt.Errorf("initialise engine: %w", err)
	}

	defer func() {
		_ = eng.Close()
	}()

	// Setup TCP listener for gRPC server.
	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", listenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddress, err)
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(observeInterceptor(ctx, m)))
	api.Register(grpcServer, api.NewServer(newService(eng.Builder, eng.Pipeline)))

	logger.InfoKV(ctx, "Provisioning server listening", "listen_address", listenAddress,
		"store", eng.Store.Backend().Name())

	var wg conc.WaitGroup

	metricsServer := serveMetrics(ctx, &wg, settings.MetricsAddress, m)

	// Done channel is closed after GracefulStop finishes to ensure we block
	// until the server fully stops before returning.
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		logger.Info(ctx, "Shutting down gRPC server")
		grpcServer.GracefulStop()

		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			_ = metricsServer.Shutdown(shutdownCtx)

			cancel()
		}

		close(done)
	}()

	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gRPC: %w", err)
	}

	<-done
	wg.Wait()
	logger.Info(ctx, "GRPC server stopped")

	return nil
}

// serveMetrics exposes /metrics on address; an empty address disables it.
func serveMetrics(ctx context.Context, wg *conc.WaitGroup, address string, m *metrics.Metrics) *http.Server {
	if address == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Go(func() {
		logger.InfoKV(ctx, "Metrics endpoint listening", "address", address)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorKV(ctx, "Metrics endpoint failed", "error", err)
		}
	})

	return srv
}

// resolveListenAddress determines the listen address for the gRPC server.
// If override is provided, uses it directly. Otherwise extracts port from configAddr.
// Returns appropriate listen address (e.g., ":8080" for port-only binding).
func resolveListenAddress(configAddr, override string) (string, error) {
	// Use override address if provided (e.g., ":9090", "0.0.0.0:8080").
	if override != "" {
		return override, nil
	}

	// Extract port from config address (e.g., "server.example.com:8080" -> ":8080").
	if configAddr == "" {
		return "", ErrNoServerAddress
	}

	// Parse the address to extract port.
	_, port, err := net.SplitHostPort(configAddr)
	if err != nil {
		return "", fmt.Errorf("invalid server address format %q: %w", configAddr, err)
	}

	// Return port-only listen address to bind on all interfaces.
	return ":" + port, nil
}
