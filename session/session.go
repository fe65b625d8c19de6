// Package session owns the single management-plane session a callout
// holds with the filtering engine.
//
// Open connects to the engine and registers every object through the
// ledger; if any step fails, everything already registered is torn
// down and the session closed before Open returns, so a failed Open
// leaves nothing behind. Close reverses the sequence best-effort and
// is safe to call any number of times, including after a failed or
// missing Open.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/frobware/go-netmon"
	"github.com/frobware/go-netmon/interpreter"
	"github.com/frobware/go-netmon/ledger"
)

// ErrAlreadyOpen is returned by Open when the manager already holds a
// session.
var ErrAlreadyOpen = errors.New("session already open")

// Manager opens and closes one engine session and the registrations
// that hang off it. Open and Close are serialised; the callbacks the
// engine delivers never touch manager state.
type Manager struct {
	mu      sync.Mutex
	engine  interpreter.Engine
	callout netmon.Callout
	ledger  *ledger.Ledger
	sess    interpreter.Session
	logger  *slog.Logger
}

// New returns a manager that registers callout with engine under ids.
func New(engine interpreter.Engine, callout netmon.Callout, ids netmon.Identities, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		engine:  engine,
		callout: callout,
		ledger:  ledger.New(ids, logger),
		logger:  logger.With("component", "session"),
	}
}

// Open opens the engine session and registers the provider, sublayer,
// runtime dispatch record and callout descriptor. On failure it tears
// down whatever was registered, closes the session and returns the
// first error.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != nil {
		return ErrAlreadyOpen
	}
	if err := m.ledger.Identities().Validate(); err != nil {
		return fmt.Errorf("invalid identities: %w", err)
	}
	if m.callout == nil {
		return fmt.Errorf("no callout to register: %w", netmon.StatusUnsuccessful)
	}

	sess, err := m.engine.Open(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "open engine session failed", "status", netmon.StatusOf(err).Hex(), "error", err)
		return fmt.Errorf("open engine session: %w", err)
	}
	m.sess = sess
	m.logger.InfoContext(ctx, "opened engine session", "status", netmon.StatusSuccess.Hex())

	if err := m.ledger.CreateAll(ctx, sess, m.engine.Dispatcher(), m.callout); err != nil {
		m.logger.ErrorContext(ctx, "registration failed, rolling back", "status", netmon.StatusOf(err).Hex(), "error", err)
		if tdErr := m.teardown(ctx); tdErr != nil {
			m.logger.ErrorContext(ctx, "rollback incomplete", "error", tdErr)
		}
		return err
	}
	return nil
}

// Close deletes the callout descriptor, sublayer and provider,
// unregisters the runtime dispatch record, and closes the session.
// Every step is attempted regardless of earlier failures; the failures
// are joined into the returned error. Once the runtime record is
// unregistered no callback is running or will run.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardown(ctx)
}

// teardown runs the close sequence. Callers hold m.mu.
func (m *Manager) teardown(ctx context.Context) error {
	var errs []error

	if m.sess != nil {
		errs = append(errs, m.ledger.DeleteAll(ctx, m.sess))
	}
	errs = append(errs, m.ledger.Unregister(m.engine.Dispatcher()))

	if m.sess != nil {
		sess := m.sess
		m.sess = nil
		if err := sess.Close(); err != nil {
			m.logger.ErrorContext(ctx, "close engine session failed", "status", netmon.StatusOf(err).Hex(), "error", err)
			errs = append(errs, fmt.Errorf("close engine session: %w", err))
		} else {
			m.logger.InfoContext(ctx, "closed engine session", "status", netmon.StatusSuccess.Hex())
		}
	}
	return errors.Join(errs...)
}

// State returns a snapshot of the registration ledger.
func (m *Manager) State() ledger.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.State()
}

// IsOpen reports whether the manager holds an engine session.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil
}
