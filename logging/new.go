package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvVar names the environment variable holding a log spec.
const EnvVar = "NETMON_LOG"

// Format is the log output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat parses "text" (or empty) and "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %q", s)
	}
}

// Options configures New.
type Options struct {
	// CLISpec comes from --log and wins over everything else.
	CLISpec string
	// EnvSpec comes from NETMON_LOG.
	EnvSpec string
	// ConfigSpec comes from the [logging] table of the config file.
	ConfigSpec string
	Format     Format
	// Output defaults to os.Stderr.
	Output io.Writer
}

// New returns a logger with component filtering and op_id support.
// The spec is chosen as CLISpec, then EnvSpec, then ConfigSpec.
func New(opts Options) (*slog.Logger, error) {
	var raw string
	switch {
	case opts.CLISpec != "":
		raw = opts.CLISpec
	case opts.EnvSpec != "":
		raw = opts.EnvSpec
	default:
		raw = opts.ConfigSpec
	}

	spec, err := ParseSpec(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid log spec: %w", err)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	// The filtering handler decides; the inner handler passes all.
	hopts := &slog.HandlerOptions{Level: LevelTrace.ToSlog(), ReplaceAttr: replaceLevel}
	var inner slog.Handler
	switch opts.Format {
	case FormatJSON:
		inner = slog.NewJSONHandler(out, hopts)
	default:
		inner = slog.NewTextHandler(out, hopts)
	}

	return WithOpID(slog.New(NewFilteringHandler(inner, &spec))), nil
}

// replaceLevel prints LevelTrace as "TRACE" rather than "DEBUG-4".
func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey && len(groups) == 0 {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace.ToSlog() {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// Default returns an info-level text logger on stderr.
func Default() *slog.Logger {
	logger, _ := New(Options{})
	return logger
}

// FromEnv returns a logger configured from NETMON_LOG.
func FromEnv() (*slog.Logger, error) {
	return New(Options{EnvSpec: os.Getenv(EnvVar)})
}
