// Package config loads netmon configuration.
//
// Loading overlays a TOML file on the built-in defaults embedded from
// default.toml, so a missing file is fine and a partial file only
// changes the keys it names. A file that exists but does not parse is
// an error. Command-line flags and NETMON_LOG override the result in
// the CLI layer.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/frobware/go-netmon"
)

//go:embed default.toml
var defaultConfigTOML string

// DefaultConfigPath is read when no path is given.
const DefaultConfigPath = "/etc/netmon/netmon.toml"

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config is the top-level configuration.
type Config struct {
	Provider ProviderConfig `toml:"provider"`
	Sublayer SublayerConfig `toml:"sublayer"`
	Callout  CalloutConfig  `toml:"callout"`
	Engine   EngineConfig   `toml:"engine"`
	Logging  LoggingConfig  `toml:"logging"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Server   ServerConfig   `toml:"server"`
}

type ProviderConfig struct {
	Key  uuid.UUID `toml:"key"`
	Name string    `toml:"name"`
}

type SublayerConfig struct {
	Key    uuid.UUID `toml:"key"`
	Name   string    `toml:"name"`
	Weight uint16    `toml:"weight"`
}

type CalloutConfig struct {
	Key   uuid.UUID    `toml:"key"`
	Name  string       `toml:"name"`
	Layer netmon.Layer `toml:"layer"`
}

// EngineConfig selects the object store and where runtime state lives.
type EngineConfig struct {
	Store       string   `toml:"store"`
	RuntimeDir  string   `toml:"runtime_dir"`
	LockTimeout Duration `toml:"lock_timeout"`
}

// LoggingConfig controls logging.
type LoggingConfig struct {
	// Level is a log spec such as "info" or "info,ledger=debug".
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// Components is an alternative to per-component entries in Level.
	Components map[string]string `toml:"components"`
}

type MetricsConfig struct {
	Address string `toml:"address"`
}

type ServerConfig struct {
	TCPAddress string `toml:"tcp_address"`
}

// Duration is a time.Duration written as a string ("5s").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// ToSpec returns the log spec. Level wins; otherwise Components are
// appended, sorted, to an info base.
func (c *LoggingConfig) ToSpec() string {
	if c.Level != "" {
		return c.Level
	}
	if len(c.Components) == 0 {
		return ""
	}

	names := make([]string, 0, len(c.Components))
	for name := range c.Components {
		names = append(names, name)
	}
	slices.Sort(names)

	parts := []string{"info"}
	for _, name := range names {
		parts = append(parts, name+"="+c.Components[name])
	}
	return strings.Join(parts, ",")
}

// DefaultConfig returns the embedded defaults.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded default.toml: %v", err))
	}
	return cfg
}

// Load overlays the file at path on the defaults. An empty path means
// DefaultConfigPath. A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	return cfg, cfg.Validate()
}

// Validate checks values the decoder cannot.
func (c *Config) Validate() error {
	switch c.Engine.Store {
	case StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("engine.store: unknown store %q (want %s or %s)", c.Engine.Store, StoreSQLite, StoreMemory)
	}
	if c.Engine.LockTimeout < 0 {
		return fmt.Errorf("engine.lock_timeout must not be negative")
	}
	if _, err := NewRuntimeDirs(c.Engine.RuntimeDir); err != nil {
		return fmt.Errorf("engine.runtime_dir: %w", err)
	}
	if err := c.Identities().Validate(); err != nil {
		return fmt.Errorf("identities: %w", err)
	}
	return nil
}

// Identities returns the provider, sublayer and callout identities.
// The sublayer and callout always belong to the configured provider.
func (c *Config) Identities() netmon.Identities {
	return netmon.Identities{
		Provider: netmon.ProviderIdentity{
			Key:  c.Provider.Key,
			Name: c.Provider.Name,
		},
		Sublayer: netmon.SublayerIdentity{
			Key:         c.Sublayer.Key,
			Name:        c.Sublayer.Name,
			ProviderKey: c.Provider.Key,
			Weight:      c.Sublayer.Weight,
		},
		Callout: netmon.CalloutIdentity{
			Key:         c.Callout.Key,
			Name:        c.Callout.Name,
			ProviderKey: c.Provider.Key,
			Layer:       c.Callout.Layer,
		},
	}
}

// RuntimeDirs returns the runtime directories under Engine.RuntimeDir.
func (c *Config) RuntimeDirs() (RuntimeDirs, error) {
	return NewRuntimeDirs(c.Engine.RuntimeDir)
}
