// Package sqlite provides a SQLite implementation of the
// management-plane object store.
//
// The database outlives the process that registered the objects, as the
// engine's object store does: a driver that exits without unloading
// leaves its provider, sublayer and callout descriptor behind, and the
// next load sees them as already existing.
//
// # Status mapping
//
// Every write runs in its own transaction that first checks for the
// conditions the engine reports as statuses (duplicate key, missing
// referenced object, object still referenced) and then performs the
// change. The checks are explicit rather than derived from constraint
// violations so each failure maps to a single netmon.Status.
//
// # Concurrency
//
// Several processes may open the same database (the daemon and the
// status and cleanup commands). WAL mode lets readers proceed while a
// writer holds the database, and busy_timeout makes a second writer
// wait rather than fail immediately.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-netmon"
	"github.com/frobware/go-netmon/interpreter"
)

//go:embed schema.sql
var schemaSQL string

// Store implements interpreter.ObjectStore using SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	closed atomic.Bool
}

var _ interpreter.ObjectStore = (*Store)(nil)

// New opens (creating if needed) the SQLite store at dbPath.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open(driverName, dsn(dbPath, [][2]string{
		{"journal_mode", "WAL"},
		{"foreign_keys", "1"},
		{"busy_timeout", "5000"},
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("opened database")
	return s, nil
}

// NewInMemory creates an in-memory SQLite store for testing.
func NewInMemory(ctx context.Context, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "db", ":memory:")

	db, err := sql.Open(driverName, dsn(":memory:", [][2]string{{"foreign_keys", "1"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection. Later calls fail with
// netmon.StatusInvalidHandle.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) checkOpen(op string) error {
	if s.closed.Load() {
		return fmt.Errorf("%s: %w", op, netmon.StatusInvalidHandle)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// inTx runs fn in a transaction, committing if fn returns nil.
func (s *Store) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	if err := s.checkOpen(op); err != nil {
		return err
	}
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin transaction: %w", op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		s.logger.DebugContext(ctx, "store write rejected", "op", op, "status", netmon.StatusOf(err).Hex(), "error", err)
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	s.logger.DebugContext(ctx, "store write", "op", op, "duration_ms", float64(time.Since(start).Microseconds())/1000)
	return nil
}

func exists(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullableKey(key uuid.UUID) any {
	if key == uuid.Nil {
		return nil
	}
	return key.String()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// AddProvider stores a provider.
func (s *Store) AddProvider(ctx context.Context, p netmon.ProviderIdentity) error {
	return s.inTx(ctx, "add provider", func(tx *sql.Tx) error {
		dup, err := exists(ctx, tx, "SELECT COUNT(*) FROM providers WHERE key = ?", p.Key.String())
		if err != nil {
			return err
		}
		if dup {
			return fmt.Errorf("provider %s: %w", p.Key, netmon.StatusAlreadyExists)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO providers (key, name, created_at) VALUES (?, ?, ?)",
			p.Key.String(), p.Name, now())
		return err
	})
}

// DeleteProvider removes a provider that nothing references.
func (s *Store) DeleteProvider(ctx context.Context, key uuid.UUID) error {
	return s.inTx(ctx, "delete provider", func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, "SELECT COUNT(*) FROM providers WHERE key = ?", key.String())
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("provider %s: %w", key, netmon.StatusProviderNotFound)
		}
		inUse, err := exists(ctx, tx,
			"SELECT (SELECT COUNT(*) FROM sublayers WHERE provider_key = ?) + (SELECT COUNT(*) FROM callouts WHERE provider_key = ?)",
			key.String(), key.String())
		if err != nil {
			return err
		}
		if inUse {
			return fmt.Errorf("provider %s: %w", key, netmon.StatusInUse)
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM providers WHERE key = ?", key.String())
		return err
	})
}

// AddSublayer stores a sublayer.
func (s *Store) AddSublayer(ctx context.Context, sl netmon.SublayerIdentity) error {
	return s.inTx(ctx, "add sublayer", func(tx *sql.Tx) error {
		dup, err := exists(ctx, tx, "SELECT COUNT(*) FROM sublayers WHERE key = ?", sl.Key.String())
		if err != nil {
			return err
		}
		if dup {
			return fmt.Errorf("sublayer %s: %w", sl.Key, netmon.StatusAlreadyExists)
		}
		if sl.ProviderKey != uuid.Nil {
			found, err := exists(ctx, tx, "SELECT COUNT(*) FROM providers WHERE key = ?", sl.ProviderKey.String())
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("sublayer %s provider %s: %w", sl.Key, sl.ProviderKey, netmon.StatusProviderNotFound)
			}
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO sublayers (key, name, provider_key, weight, created_at) VALUES (?, ?, ?, ?, ?)",
			sl.Key.String(), sl.Name, nullableKey(sl.ProviderKey), int64(sl.Weight), now())
		return err
	})
}

// DeleteSublayer removes a sublayer that holds no filters.
func (s *Store) DeleteSublayer(ctx context.Context, key uuid.UUID) error {
	return s.inTx(ctx, "delete sublayer", func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, "SELECT COUNT(*) FROM sublayers WHERE key = ?", key.String())
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("sublayer %s: %w", key, netmon.StatusSublayerNotFound)
		}
		inUse, err := exists(ctx, tx, "SELECT COUNT(*) FROM filters WHERE sublayer_key = ?", key.String())
		if err != nil {
			return err
		}
		if inUse {
			return fmt.Errorf("sublayer %s: %w", key, netmon.StatusInUse)
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM sublayers WHERE key = ?", key.String())
		return err
	})
}

// AddCallout stores a callout descriptor.
func (s *Store) AddCallout(ctx context.Context, c netmon.CalloutIdentity) error {
	return s.inTx(ctx, "add callout", func(tx *sql.Tx) error {
		dup, err := exists(ctx, tx, "SELECT COUNT(*) FROM callouts WHERE key = ?", c.Key.String())
		if err != nil {
			return err
		}
		if dup {
			return fmt.Errorf("callout %s: %w", c.Key, netmon.StatusAlreadyExists)
		}
		if c.ProviderKey != uuid.Nil {
			found, err := exists(ctx, tx, "SELECT COUNT(*) FROM providers WHERE key = ?", c.ProviderKey.String())
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("callout %s provider %s: %w", c.Key, c.ProviderKey, netmon.StatusProviderNotFound)
			}
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO callouts (key, name, provider_key, layer, created_at) VALUES (?, ?, ?, ?, ?)",
			c.Key.String(), c.Name, nullableKey(c.ProviderKey), c.Layer.String(), now())
		return err
	})
}

// DeleteCallout removes a callout descriptor that no filter references.
func (s *Store) DeleteCallout(ctx context.Context, key uuid.UUID) error {
	return s.inTx(ctx, "delete callout", func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, "SELECT COUNT(*) FROM callouts WHERE key = ?", key.String())
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("callout %s: %w", key, netmon.StatusCalloutNotFound)
		}
		inUse, err := exists(ctx, tx, "SELECT COUNT(*) FROM filters WHERE callout_key = ?", key.String())
		if err != nil {
			return err
		}
		if inUse {
			return fmt.Errorf("callout %s: %w", key, netmon.StatusInUse)
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM callouts WHERE key = ?", key.String())
		return err
	})
}

// AddFilter stores a filter and returns its assigned ID.
func (s *Store) AddFilter(ctx context.Context, f netmon.Filter) (uint64, error) {
	var id uint64
	err := s.inTx(ctx, "add filter", func(tx *sql.Tx) error {
		dup, err := exists(ctx, tx, "SELECT COUNT(*) FROM filters WHERE key = ?", f.Key.String())
		if err != nil {
			return err
		}
		if dup {
			return fmt.Errorf("filter %s: %w", f.Key, netmon.StatusAlreadyExists)
		}
		found, err := exists(ctx, tx, "SELECT COUNT(*) FROM sublayers WHERE key = ?", f.SublayerKey.String())
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("filter %s sublayer %s: %w", f.Key, f.SublayerKey, netmon.StatusSublayerNotFound)
		}

		var layerName string
		err = tx.QueryRowContext(ctx, "SELECT layer FROM callouts WHERE key = ?", f.CalloutKey.String()).Scan(&layerName)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("filter %s callout %s: %w", f.Key, f.CalloutKey, netmon.StatusCalloutNotFound)
		}
		if err != nil {
			return err
		}
		if layerName != f.Layer.String() {
			return fmt.Errorf("filter %s on %s uses callout for %s: %w", f.Key, f.Layer, layerName, netmon.StatusUnsuccessful)
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO filters (key, name, layer, sublayer_key, callout_key, weight, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			f.Key.String(), f.Name, f.Layer.String(), f.SublayerKey.String(), f.CalloutKey.String(), int64(f.Weight), now())
		if err != nil {
			return err
		}
		lastID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		id = uint64(lastID)
		return nil
	})
	return id, err
}

// DeleteFilter removes a filter and returns it.
func (s *Store) DeleteFilter(ctx context.Context, key uuid.UUID) (netmon.Filter, error) {
	var f netmon.Filter
	err := s.inTx(ctx, "delete filter", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT id, key, name, layer, sublayer_key, callout_key, weight FROM filters WHERE key = ?",
			key.String())
		var err error
		f, err = scanFilter(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("filter %s: %w", key, netmon.StatusNotFound)
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM filters WHERE key = ?", key.String())
		return err
	})
	return f, err
}

// FiltersForLayer returns the filters on layer in evaluation order.
func (s *Store) FiltersForLayer(ctx context.Context, layer netmon.Layer) ([]netmon.Filter, error) {
	if err := s.checkOpen("list filters"); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.key, f.name, f.layer, f.sublayer_key, f.callout_key, f.weight
		FROM filters f JOIN sublayers s ON s.key = f.sublayer_key
		WHERE f.layer = ?
		ORDER BY s.weight DESC, f.weight DESC, f.id ASC`, layer.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []netmon.Filter
	for rows.Next() {
		f, err := scanFilter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Objects returns every stored object, each kind sorted by name.
func (s *Store) Objects(ctx context.Context) (interpreter.Objects, error) {
	var objs interpreter.Objects
	if err := s.checkOpen("list objects"); err != nil {
		return objs, err
	}

	providers, err := s.db.QueryContext(ctx, "SELECT key, name FROM providers ORDER BY name")
	if err != nil {
		return objs, err
	}
	defer providers.Close()
	for providers.Next() {
		var p netmon.ProviderIdentity
		var key string
		if err := providers.Scan(&key, &p.Name); err != nil {
			return objs, err
		}
		if p.Key, err = uuid.Parse(key); err != nil {
			return objs, fmt.Errorf("provider key %q: %w", key, err)
		}
		objs.Providers = append(objs.Providers, p)
	}
	if err := providers.Err(); err != nil {
		return objs, err
	}

	sublayers, err := s.db.QueryContext(ctx, "SELECT key, name, provider_key, weight FROM sublayers ORDER BY name")
	if err != nil {
		return objs, err
	}
	defer sublayers.Close()
	for sublayers.Next() {
		var sl netmon.SublayerIdentity
		var key string
		var providerKey sql.NullString
		var weight int64
		if err := sublayers.Scan(&key, &sl.Name, &providerKey, &weight); err != nil {
			return objs, err
		}
		if sl.Key, err = uuid.Parse(key); err != nil {
			return objs, fmt.Errorf("sublayer key %q: %w", key, err)
		}
		if sl.ProviderKey, err = parseNullableKey(providerKey); err != nil {
			return objs, err
		}
		sl.Weight = uint16(weight)
		objs.Sublayers = append(objs.Sublayers, sl)
	}
	if err := sublayers.Err(); err != nil {
		return objs, err
	}

	callouts, err := s.db.QueryContext(ctx, "SELECT key, name, provider_key, layer FROM callouts ORDER BY name")
	if err != nil {
		return objs, err
	}
	defer callouts.Close()
	for callouts.Next() {
		var c netmon.CalloutIdentity
		var key, layer string
		var providerKey sql.NullString
		if err := callouts.Scan(&key, &c.Name, &providerKey, &layer); err != nil {
			return objs, err
		}
		if c.Key, err = uuid.Parse(key); err != nil {
			return objs, fmt.Errorf("callout key %q: %w", key, err)
		}
		if c.ProviderKey, err = parseNullableKey(providerKey); err != nil {
			return objs, err
		}
		if c.Layer, err = netmon.ParseLayer(layer); err != nil {
			return objs, err
		}
		objs.Callouts = append(objs.Callouts, c)
	}
	if err := callouts.Err(); err != nil {
		return objs, err
	}

	filters, err := s.db.QueryContext(ctx,
		"SELECT id, key, name, layer, sublayer_key, callout_key, weight FROM filters ORDER BY id")
	if err != nil {
		return objs, err
	}
	defer filters.Close()
	for filters.Next() {
		f, err := scanFilter(filters)
		if err != nil {
			return objs, err
		}
		objs.Filters = append(objs.Filters, f)
	}
	return objs, filters.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFilter(row scanner) (netmon.Filter, error) {
	var f netmon.Filter
	var id, weight int64
	var key, layer, sublayerKey, calloutKey string
	if err := row.Scan(&id, &key, &f.Name, &layer, &sublayerKey, &calloutKey, &weight); err != nil {
		return f, err
	}

	var err error
	f.ID = uint64(id)
	f.Weight = uint64(weight)
	if f.Key, err = uuid.Parse(key); err != nil {
		return f, fmt.Errorf("filter key %q: %w", key, err)
	}
	if f.Layer, err = netmon.ParseLayer(layer); err != nil {
		return f, err
	}
	if f.SublayerKey, err = uuid.Parse(sublayerKey); err != nil {
		return f, fmt.Errorf("filter sublayer key %q: %w", sublayerKey, err)
	}
	if f.CalloutKey, err = uuid.Parse(calloutKey); err != nil {
		return f, fmt.Errorf("filter callout key %q: %w", calloutKey, err)
	}
	return f, nil
}

func parseNullableKey(s sql.NullString) (uuid.UUID, error) {
	if !s.Valid || s.String == "" {
		return uuid.Nil, nil
	}
	key, err := uuid.Parse(s.String)
	if err != nil {
		return uuid.Nil, fmt.Errorf("key %q: %w", s.String, err)
	}
	return key, nil
}
