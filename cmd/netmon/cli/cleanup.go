package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/frobware/go-netmon/config"
	"github.com/frobware/go-netmon/driver"
	"github.com/frobware/go-netmon/lock"
)

// CleanupCmd removes the configured objects from the SQLite store. It
// takes the host lock, so it fails while a daemon is loaded.
type CleanupCmd struct {
	Wait time.Duration `help:"How long to wait for the host lock." default:"0s"`
}

// Run executes the cleanup command.
func (c *CleanupCmd) Run(cli *CLI) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Engine.Store != config.StoreSQLite {
		return fmt.Errorf("cleanup needs the %s store; %q holds nothing between runs", config.StoreSQLite, cfg.Engine.Store)
	}
	logger, err := cli.Logger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	dirs, err := cli.RuntimeDirs(cfg)
	if err != nil {
		return err
	}
	if err := dirs.EnsureDirectories(); err != nil {
		return fmt.Errorf("runtime directory setup failed: %w", err)
	}

	ctx := context.Background()
	if c.Wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Wait)
		defer cancel()
	}

	run := func(ctx context.Context) error {
		eng, err := driver.OpenEngine(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("open engine: %w", err)
		}
		defer eng.Close()
		return driver.Cleanup(ctx, eng, cfg.Identities(), logger)
	}

	if c.Wait > 0 {
		err = lock.Run(ctx, dirs.Lock(), run)
	} else {
		var l *lock.Lock
		l, err = lock.TryAcquire(dirs.Lock())
		if err != nil {
			return fmt.Errorf("host lock: %w", err)
		}
		defer l.Release()
		err = run(ctx)
	}
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	fmt.Fprintln(cli.stdout(), "cleanup complete")
	return nil
}
