package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultRuntimeDir is the production runtime root.
const DefaultRuntimeDir = "/run/netmon"

// RuntimeDirs holds the paths netmon uses at runtime:
//
//	{base}/          runtime root
//	{base}/db/       SQLite object store
//	{base}/.lock     host lock held while a driver is loaded
//	{base}-sock/     gRPC health socket
//
// The socket lives outside the root so it can be mounted separately.
type RuntimeDirs struct {
	base string
	db   string
	sock string
	lock string
}

// DefaultRuntimeDirs returns the directories under DefaultRuntimeDir.
func DefaultRuntimeDirs() RuntimeDirs {
	dirs, err := NewRuntimeDirs(DefaultRuntimeDir)
	if err != nil {
		panic(fmt.Sprintf("DefaultRuntimeDirs: %v", err))
	}
	return dirs
}

// NewRuntimeDirs derives the directories from base, which must be an
// absolute path.
func NewRuntimeDirs(base string) (RuntimeDirs, error) {
	if base == "" {
		return RuntimeDirs{}, fmt.Errorf("base path cannot be empty")
	}
	if !filepath.IsAbs(base) {
		return RuntimeDirs{}, fmt.Errorf("base path must be absolute, got %q", base)
	}
	base = filepath.Clean(base)
	return RuntimeDirs{
		base: base,
		db:   filepath.Join(base, "db"),
		sock: base + "-sock",
		lock: filepath.Join(base, ".lock"),
	}, nil
}

func (d RuntimeDirs) Base() string { return d.base }
func (d RuntimeDirs) DB() string   { return d.db }
func (d RuntimeDirs) Sock() string { return d.sock }
func (d RuntimeDirs) Lock() string { return d.lock }

// DBPath returns the SQLite database file.
func (d RuntimeDirs) DBPath() string {
	return filepath.Join(d.db, "objects.db")
}

// SocketPath returns the gRPC health socket.
func (d RuntimeDirs) SocketPath() string {
	return filepath.Join(d.sock, "netmon.sock")
}

// EnsureDirectories creates the root, database and socket directories.
func (d RuntimeDirs) EnsureDirectories() error {
	for _, dir := range []string{d.base, d.db, d.sock} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
