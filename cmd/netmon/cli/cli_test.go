package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-netmon/cmd/netmon/cli"
	"github.com/frobware/go-netmon/config"
	"github.com/frobware/go-netmon/driver"
	"github.com/frobware/go-netmon/interpreter/enginetest"
	"github.com/frobware/go-netmon/lock"
)

// env is a throwaway config file and runtime directory.
type env struct {
	configPath string
	runtimeDir string
}

func newEnv(t *testing.T, store string) env {
	t.Helper()
	dir := t.TempDir()
	e := env{
		configPath: filepath.Join(dir, "netmon.toml"),
		runtimeDir: filepath.Join(dir, "run"),
	}
	toml := "[engine]\nstore = \"" + store + "\"\n"
	require.NoError(t, os.WriteFile(e.configPath, []byte(toml), 0o600))
	return e
}

func (e env) args(args ...string) []string {
	return append([]string{"--config", e.configPath, "--runtime-dir", e.runtimeDir}, args...)
}

// run parses args and runs the selected command, returning its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("NETMON_LOG", "")

	var buf bytes.Buffer
	c := cli.CLI{Out: &buf}
	parser, err := kong.New(&c, append(cli.KongOptions(), kong.Exit(func(int) {}), kong.Writers(io.Discard, io.Discard))...)
	require.NoError(t, err)

	ctx, err := parser.Parse(args)
	if err != nil {
		return "", err
	}
	err = ctx.Run(&c)
	return buf.String(), err
}

func (e env) config(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load(e.configPath)
	require.NoError(t, err)
	cfg.Engine.RuntimeDir = e.runtimeDir
	return cfg
}

// seedStale leaves the configured objects in the SQLite store as a
// process that exited without unloading would.
func (e env) seedStale(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	cfg := e.config(t)
	dirs, err := cfg.RuntimeDirs()
	require.NoError(t, err)
	require.NoError(t, dirs.EnsureDirectories())

	eng, err := driver.OpenEngine(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer eng.Close()

	ids := cfg.Identities()
	sess, err := eng.Open(ctx)
	require.NoError(t, err)
	defer sess.Close()
	require.NoError(t, sess.AddProvider(ctx, ids.Provider))
	require.NoError(t, sess.AddSublayer(ctx, ids.Sublayer))
	_, err = eng.Dispatcher().Register(ids.Callout.Key, &enginetest.Callout{})
	require.NoError(t, err)
	require.NoError(t, sess.AddCallout(ctx, ids.Callout))
}

func TestSimulate_JSON(t *testing.T) {
	e := newEnv(t, config.StoreMemory)

	out, err := run(t, e.args("simulate", "--flows", "2", "--segments", "3", "--payload", "abc", "-o", "json")...)
	require.NoError(t, err)

	var report cli.SimulationReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))

	assert.Equal(t, e.config(t).Callout.Key, report.Callout)
	assert.NotZero(t, report.RunID)
	require.Len(t, report.Flows, 2)
	for _, f := range report.Flows {
		assert.Equal(t, uint64(3), f.Segments)
		assert.Equal(t, uint64(9), f.Bytes)
		assert.Equal(t, "permit", f.Action)
	}
	assert.Equal(t, 2, report.FlowDeletes)
	assert.Empty(t, report.UnloadError)
}

func TestSimulate_Table(t *testing.T) {
	e := newEnv(t, config.StoreSQLite)

	// The store setting is ignored; simulate always runs in memory.
	out, err := run(t, e.args("simulate", "--flows", "1")...)
	require.NoError(t, err)
	assert.Contains(t, out, "CALLOUT")
	assert.Contains(t, out, "permit")
	assert.Contains(t, out, "flow deletes delivered: 1")
	assert.NoFileExists(t, filepath.Join(e.runtimeDir, "db", "objects.db"))
}

func TestSimulate_InvalidRemote(t *testing.T) {
	e := newEnv(t, config.StoreMemory)
	_, err := run(t, e.args("simulate", "--remote", "not-an-address")...)
	require.ErrorContains(t, err, "invalid --remote")
}

func TestStatus_NoDaemon(t *testing.T) {
	e := newEnv(t, config.StoreSQLite)
	e.seedStale(t)

	out, err := run(t, e.args("status", "--timeout", "200ms", "-o", "json")...)
	require.NoError(t, err)

	var st cli.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "unreachable", st.Daemon.Health)
	assert.NotEmpty(t, st.Daemon.Error)
	assert.Equal(t, config.StoreSQLite, st.Store)
	require.NotNil(t, st.Objects)
	assert.Len(t, st.Objects.Providers, 1)
	assert.Len(t, st.Objects.Sublayers, 1)
	assert.Len(t, st.Objects.Callouts, 1)
}

func TestStatus_NoDatabase(t *testing.T) {
	e := newEnv(t, config.StoreSQLite)

	out, err := run(t, e.args("status", "--timeout", "200ms")...)
	require.NoError(t, err)
	assert.Contains(t, out, "PROVIDERS\n  (none)")
	assert.NoFileExists(t, filepath.Join(e.runtimeDir, "db", "objects.db"), "status does not create the database")
}

func TestStatus_TableMemoryStore(t *testing.T) {
	e := newEnv(t, config.StoreMemory)

	out, err := run(t, e.args("status", "--timeout", "200ms")...)
	require.NoError(t, err)
	assert.Contains(t, out, "DAEMON  unreachable")
	assert.Contains(t, out, "objects are held in the daemon's memory")
}

func TestCleanup_RemovesStaleObjects(t *testing.T) {
	e := newEnv(t, config.StoreSQLite)
	e.seedStale(t)

	out, err := run(t, e.args("cleanup")...)
	require.NoError(t, err)
	assert.Contains(t, out, "cleanup complete")

	status, err := run(t, e.args("status", "--timeout", "200ms", "-o", "json")...)
	require.NoError(t, err)
	var st cli.Status
	require.NoError(t, json.Unmarshal([]byte(status), &st))
	require.NotNil(t, st.Objects)
	assert.Empty(t, st.Objects.Providers)
	assert.Empty(t, st.Objects.Sublayers)
	assert.Empty(t, st.Objects.Callouts)
}

func TestCleanup_RefusesWhileLocked(t *testing.T) {
	e := newEnv(t, config.StoreSQLite)
	cfg := e.config(t)
	dirs, err := cfg.RuntimeDirs()
	require.NoError(t, err)
	require.NoError(t, dirs.EnsureDirectories())

	l, err := lock.TryAcquire(dirs.Lock())
	require.NoError(t, err)
	defer l.Release()

	_, err = run(t, e.args("cleanup")...)
	require.ErrorIs(t, err, lock.ErrHeld)
}

func TestCleanup_MemoryStore(t *testing.T) {
	e := newEnv(t, config.StoreMemory)
	_, err := run(t, e.args("cleanup")...)
	require.ErrorContains(t, err, "needs the sqlite store")
}

func TestCLI_LoadConfigOverrides(t *testing.T) {
	e := newEnv(t, config.StoreMemory)
	c := cli.CLI{Config: e.configPath, RuntimeDir: e.runtimeDir, LogFormat: "json"}

	cfg, err := c.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, e.runtimeDir, cfg.Engine.RuntimeDir)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, config.StoreMemory, cfg.Engine.Store)
}

func TestCLI_BadLogFormat(t *testing.T) {
	e := newEnv(t, config.StoreMemory)
	_, err := run(t, e.args("--log-format", "xml", "simulate")...)
	require.ErrorContains(t, err, "unknown log format")
}

func TestCLI_BadLogSpec(t *testing.T) {
	e := newEnv(t, config.StoreMemory)
	_, err := run(t, e.args("--log", "ledger=loud", "simulate")...)
	require.ErrorContains(t, err, "invalid log spec")
}

func TestCLI_UnknownOutputFormat(t *testing.T) {
	e := newEnv(t, config.StoreMemory)
	_, err := run(t, e.args("status", "-o", "yaml")...)
	require.Error(t, err)
}
