// Package driver is the load/unload glue between a host and the
// callout session.
//
// Load returns only once every object is registered and the engine may
// deliver callbacks; if it fails nothing is left registered. Unload
// returns only once no callback can arrive any more. A host-wide lock
// keeps a second instance from registering against the same runtime
// directory while one is loaded.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/frobware/go-netmon"
	"github.com/frobware/go-netmon/callout"
	"github.com/frobware/go-netmon/config"
	"github.com/frobware/go-netmon/interpreter"
	"github.com/frobware/go-netmon/interpreter/engine"
	"github.com/frobware/go-netmon/interpreter/store/memory"
	"github.com/frobware/go-netmon/interpreter/store/sqlite"
	"github.com/frobware/go-netmon/ledger"
	"github.com/frobware/go-netmon/lock"
	"github.com/frobware/go-netmon/session"
)

// Options configures Load.
type Options struct {
	Config config.Config

	// Engine overrides the engine built from Config.Engine. The caller
	// keeps ownership of it.
	Engine interpreter.Engine

	Logger *slog.Logger

	// Registerer receives the callout metrics. Nil leaves them
	// unregistered.
	Registerer prometheus.Registerer

	// LockPath overrides the lock file under the runtime directory.
	LockPath string
	// DisableLock skips the host lock; for in-process simulations.
	DisableLock bool

	// CleanupStale removes the configured objects left behind by an
	// instance that exited without unloading, before registering.
	CleanupStale bool
}

// Driver is a loaded callout.
type Driver struct {
	mu       sync.Mutex
	loaded   bool
	lock     *lock.Lock
	engine   interpreter.Engine
	owned    *engine.Engine
	monitor  *callout.Monitor
	metrics  *callout.Metrics
	reg      prometheus.Registerer
	sessions *session.Manager
	logger   *slog.Logger
}

// Load acquires the host lock, builds the engine if none is given,
// opens the session and registers the callout.
func Load(ctx context.Context, opts Options) (*Driver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "driver")
	cfg := opts.Config

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Driver{logger: logger}
	logger.InfoContext(ctx, "loading driver", "store", cfg.Engine.Store, "layer", cfg.Callout.Layer)

	var undo []func()
	fail := func(err error) (*Driver, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		logger.ErrorContext(ctx, "load failed", "status", netmon.StatusOf(err).Hex(), "error", err)
		return nil, err
	}

	if !opts.DisableLock {
		l, err := acquireLock(ctx, cfg, opts.LockPath)
		if err != nil {
			return fail(err)
		}
		d.lock = l
		logger.DebugContext(ctx, "acquired host lock", "path", l.Path())
		undo = append(undo, func() { l.Release() })
	}

	d.engine = opts.Engine
	if d.engine == nil {
		e, err := OpenEngine(ctx, cfg, logger)
		if err != nil {
			return fail(err)
		}
		d.engine = e
		d.owned = e
		undo = append(undo, func() { e.Close() })
	}

	if opts.CleanupStale {
		if err := Cleanup(ctx, d.engine, cfg.Identities(), logger); err != nil {
			logger.WarnContext(ctx, "stale cleanup incomplete", "error", err)
		}
	}

	metrics, err := callout.NewMetrics(opts.Registerer)
	if err != nil {
		return fail(fmt.Errorf("register callout metrics: %w", err))
	}
	undo = append(undo, func() { metrics.Unregister(opts.Registerer) })
	d.metrics, d.reg = metrics, opts.Registerer
	d.monitor = callout.New(metrics, logger)
	d.sessions = session.New(d.engine, d.monitor, cfg.Identities(), logger)

	if err := d.sessions.Open(ctx); err != nil {
		return fail(fmt.Errorf("open session: %w", err))
	}

	d.loaded = true
	st := d.sessions.State()
	logger.InfoContext(ctx, "driver loaded", "run_id", st.RunID, "callout", cfg.Callout.Key)
	return d, nil
}

func acquireLock(ctx context.Context, cfg config.Config, path string) (*lock.Lock, error) {
	if path == "" {
		dirs, err := cfg.RuntimeDirs()
		if err != nil {
			return nil, err
		}
		if err := dirs.EnsureDirectories(); err != nil {
			return nil, err
		}
		path = dirs.Lock()
	}

	if timeout := time.Duration(cfg.Engine.LockTimeout); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	l, err := lock.Acquire(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("acquire host lock: %w", err)
	}
	return l, nil
}

// OpenEngine builds the filtering engine selected by cfg.Engine.Store.
func OpenEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (*engine.Engine, error) {
	var store interpreter.ObjectStore
	switch cfg.Engine.Store {
	case config.StoreMemory:
		store = memory.New()
	case config.StoreSQLite:
		dirs, err := cfg.RuntimeDirs()
		if err != nil {
			return nil, err
		}
		st, err := sqlite.New(ctx, dirs.DBPath(), logger)
		if err != nil {
			return nil, err
		}
		store = st
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Engine.Store)
	}
	return engine.New(store, engine.WithLogger(logger)), nil
}

// Cleanup deletes the filters, callout descriptor, sublayer and
// provider named by ids, tolerating objects that are already gone. It
// is for objects left behind by a process that exited without
// unloading; it must not run while an instance using ids is loaded.
func Cleanup(ctx context.Context, eng interpreter.Engine, ids netmon.Identities, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	sess, err := eng.Open(ctx)
	if err != nil {
		return fmt.Errorf("open engine session: %w", err)
	}
	defer sess.Close()

	var errs []error
	objs, err := sess.Objects(ctx)
	if err != nil {
		return fmt.Errorf("list objects: %w", err)
	}
	for _, f := range objs.Filters {
		if f.CalloutKey != ids.Callout.Key && f.SublayerKey != ids.Sublayer.Key {
			continue
		}
		if err := sess.DeleteFilter(ctx, f.Key); err != nil && !netmon.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("delete filter %s: %w", f.Key, err))
		}
	}

	l := ledger.New(ids, logger)
	l.Assume(ledger.State{Provider: true, Sublayer: true, Descriptor: true})
	errs = append(errs, l.DeleteAll(ctx, sess))
	return errors.Join(errs...)
}

// Unload unregisters the callout, removes its metrics and releases the
// engine and lock. It returns once no callback is running. Unloading
// twice is a no-op.
func (d *Driver) Unload(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return nil
	}
	d.loaded = false

	d.logger.InfoContext(ctx, "unloading driver")
	var errs []error
	if err := d.sessions.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	d.metrics.Unregister(d.reg)
	if d.owned != nil {
		if err := d.owned.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	if err := d.lock.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release host lock: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		d.logger.ErrorContext(ctx, "driver unloaded with errors", "error", err)
	} else {
		d.logger.InfoContext(ctx, "driver unloaded")
	}
	return err
}

// Loaded reports whether the driver is loaded.
func (d *Driver) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

// State returns the registration ledger snapshot.
func (d *Driver) State() ledger.State {
	return d.sessions.State()
}

// Monitor returns the callout's callback set.
func (d *Driver) Monitor() *callout.Monitor {
	return d.monitor
}

// Engine returns the engine the driver registered with.
func (d *Driver) Engine() interpreter.Engine {
	return d.engine
}
