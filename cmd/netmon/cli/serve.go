package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/frobware/go-netmon/server"
)

// ServeCmd runs the daemon.
type ServeCmd struct {
	TCPAddress     string `name:"tcp-address" help:"TCP address for the gRPC health service. Overrides the config file."`
	MetricsAddress string `name:"metrics-address" help:"Address for the Prometheus /metrics endpoint. Overrides the config file."`
	PprofAddress   string `name:"pprof-address" help:"Address for the pprof HTTP server (e.g. localhost:2026)."`
	CleanupStale   bool   `name:"cleanup-stale" help:"Remove objects left by an instance that did not unload before registering."`
}

// Run executes the serve command.
func (c *ServeCmd) Run(cli *CLI) error {
	appConfig, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := cli.LoggerFromConfig(appConfig)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	dirs, err := cli.RuntimeDirs(appConfig)
	if err != nil {
		return err
	}

	cfg := server.RunConfig{
		Config:         appConfig,
		Dirs:           dirs,
		TCPAddress:     appConfig.Server.TCPAddress,
		MetricsAddress: appConfig.Metrics.Address,
		PprofAddress:   c.PprofAddress,
		Logger:         logger,
		CleanupStale:   c.CleanupStale,
	}
	if c.TCPAddress != "" {
		cfg.TCPAddress = c.TCPAddress
	}
	if c.MetricsAddress != "" {
		cfg.MetricsAddress = c.MetricsAddress
	}

	// Create context that cancels on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return server.Run(ctx, cfg)
}
