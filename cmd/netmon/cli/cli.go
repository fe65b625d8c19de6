// Package cli implements the netmon command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-netmon/config"
	"github.com/frobware/go-netmon/logging"
)

// CLI is the root command structure for netmon.
type CLI struct {
	Config     string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log        string `name:"log" help:"Log spec (e.g., 'info,ledger=debug')." env:"NETMON_LOG"`
	LogFormat  string `name:"log-format" help:"Log format: text or json. Overrides the config file."`
	RuntimeDir string `name:"runtime-dir" help:"Runtime directory. Overrides the config file."`

	Serve    ServeCmd    `cmd:"" help:"Load the callout and serve health and metrics until signalled."`
	Status   StatusCmd   `cmd:"" help:"Show the daemon's health and the engine's registered objects."`
	Cleanup  CleanupCmd  `cmd:"" help:"Remove objects left behind by an instance that did not unload."`
	Simulate SimulateCmd `cmd:"" help:"Load the callout against an in-memory engine and classify synthetic flows."`

	// Out receives command output; nil means stdout.
	Out io.Writer `kong:"-"`
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("netmon"),
		kong.Description("Stream-layer network monitor callout."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"default_config_path": config.DefaultConfigPath,
		},
	}
}

func (c *CLI) stdout() io.Writer {
	if c.Out != nil {
		return c.Out
	}
	return os.Stdout
}

// LoadConfig loads the config file and applies command-line overrides.
func (c *CLI) LoadConfig() (config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return cfg, err
	}
	if c.RuntimeDir != "" {
		cfg.Engine.RuntimeDir = c.RuntimeDir
	}
	if c.LogFormat != "" {
		cfg.Logging.Format = c.LogFormat
	}
	return cfg, cfg.Validate()
}

// RuntimeDirs returns the runtime directories for cfg.
func (c *CLI) RuntimeDirs(cfg config.Config) (config.RuntimeDirs, error) {
	dirs, err := cfg.RuntimeDirs()
	if err != nil {
		return dirs, fmt.Errorf("runtime directory: %w", err)
	}
	return dirs, nil
}

// Logger creates a logger for short-lived commands. They default to
// warn unless --log or NETMON_LOG says otherwise.
func (c *CLI) Logger(cfg config.Config) (*slog.Logger, error) {
	spec := c.Log
	if spec == "" {
		spec = "warn"
	}
	return c.newLogger(cfg, spec, os.Stderr)
}

// LoggerFromConfig creates a logger using config file settings, for
// the daemon. Output goes to stdout for log collection.
func (c *CLI) LoggerFromConfig(cfg config.Config) (*slog.Logger, error) {
	return c.newLogger(cfg, c.Log, os.Stdout)
}

func (c *CLI) newLogger(cfg config.Config, spec string, out io.Writer) (*slog.Logger, error) {
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		CLISpec:    spec,
		ConfigSpec: cfg.Logging.ToSpec(),
		Format:     format,
		Output:     out,
	})
}
