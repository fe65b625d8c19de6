// Package ledger tracks the objects a callout has registered with the
// filtering engine and drives their ordered creation and deletion.
//
// Creation runs provider, sublayer, runtime dispatch record, callout
// descriptor, in that order. Provider and sublayer adds accept
// netmon.StatusAlreadyExists because those objects are shared with
// other registrants. The runtime record is never engine-idempotent, so
// if the descriptor add that follows it fails, the record is
// unregistered before CreateAll returns. Deletion runs descriptor,
// sublayer, provider, each best-effort; the runtime record is
// unregistered separately by Unregister once the descriptor is gone.
//
// An entry is either present, meaning the engine object exists and a
// matching delete is owed, or absent. Deletion clears entries
// regardless of outcome, so running it twice issues no engine calls
// the second time.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/frobware/go-netmon"
	"github.com/frobware/go-netmon/interpreter"
)

// State is a snapshot of the ledger.
type State struct {
	Provider   bool                `json:"provider"`
	Sublayer   bool                `json:"sublayer"`
	Descriptor bool                `json:"descriptor"`
	RunID      netmon.CalloutRunID `json:"run_id"`
}

// Empty reports whether nothing is owed to the engine.
func (s State) Empty() bool {
	return !s.Provider && !s.Sublayer && !s.Descriptor && s.RunID == 0
}

// Ledger records which engine objects exist for one set of
// identities. It is not safe for concurrent use; the session manager
// serialises access.
type Ledger struct {
	ids    netmon.Identities
	logger *slog.Logger
	state  State
}

// New returns an empty ledger for ids.
func New(ids netmon.Identities, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		ids:    ids,
		logger: logger.With("component", "ledger"),
	}
}

// Identities returns the identities the ledger registers.
func (l *Ledger) Identities() netmon.Identities {
	return l.ids
}

// State returns a snapshot of the ledger.
func (l *Ledger) State() State {
	return l.state
}

// Assume marks the management-plane entries in st as present without
// touching the engine, so DeleteAll will remove objects left behind by
// an earlier process. Run IDs are process-local and are not assumed.
func (l *Ledger) Assume(st State) {
	l.state.Provider = l.state.Provider || st.Provider
	l.state.Sublayer = l.state.Sublayer || st.Sublayer
	l.state.Descriptor = l.state.Descriptor || st.Descriptor
}

// CreateAll registers the provider, sublayer, runtime dispatch record
// and callout descriptor, in that order. It stops at the first fatal
// failure. Entries created before the failure stay recorded for the
// caller's teardown, except the runtime record, which is unregistered
// here if the descriptor add fails.
func (l *Ledger) CreateAll(ctx context.Context, sess interpreter.Session, d interpreter.Dispatcher, c netmon.Callout) (err error) {
	if err := l.addProvider(ctx, sess); err != nil {
		return err
	}
	if err := l.addSublayer(ctx, sess); err != nil {
		return err
	}

	id, err := d.Register(l.ids.Callout.Key, c)
	if err != nil {
		l.logger.ErrorContext(ctx, "register runtime record failed",
			"callout", l.ids.Callout.Key, "status", netmon.StatusOf(err).Hex(), "error", err)
		return fmt.Errorf("register callout %s: %w", l.ids.Callout.Key, err)
	}
	l.state.RunID = id
	l.logger.InfoContext(ctx, "registered runtime record",
		"callout", l.ids.Callout.Key, "run_id", id, "status", netmon.StatusSuccess.Hex())

	record := newGuard(func() error { return l.Unregister(d) })
	defer func() {
		if rbErr := record.release(); rbErr != nil {
			l.logger.ErrorContext(ctx, "rollback of runtime record failed", "run_id", id, "error", rbErr)
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()

	if err := sess.AddCallout(ctx, l.ids.Callout); err != nil {
		l.logger.ErrorContext(ctx, "add callout descriptor failed",
			"callout", l.ids.Callout.Key, "layer", l.ids.Callout.Layer,
			"status", netmon.StatusOf(err).Hex(), "error", err)
		return fmt.Errorf("add callout %s: %w", l.ids.Callout.Key, err)
	}
	record.commit()
	l.state.Descriptor = true
	l.logger.InfoContext(ctx, "added callout descriptor",
		"callout", l.ids.Callout.Key, "layer", l.ids.Callout.Layer, "status", netmon.StatusSuccess.Hex())
	return nil
}

func (l *Ledger) addProvider(ctx context.Context, sess interpreter.Session) error {
	p := l.ids.Provider
	err := sess.AddProvider(ctx, p)
	switch {
	case err == nil:
		l.logger.InfoContext(ctx, "added provider", "provider", p.Key, "status", netmon.StatusSuccess.Hex())
	case netmon.IsAlreadyExists(err):
		l.logger.InfoContext(ctx, "provider already exists", "provider", p.Key, "status", netmon.StatusOf(err).Hex())
	default:
		l.logger.ErrorContext(ctx, "add provider failed",
			"provider", p.Key, "status", netmon.StatusOf(err).Hex(), "error", err)
		return fmt.Errorf("add provider %s: %w", p.Key, err)
	}
	l.state.Provider = true
	return nil
}

func (l *Ledger) addSublayer(ctx context.Context, sess interpreter.Session) error {
	sl := l.ids.Sublayer
	err := sess.AddSublayer(ctx, sl)
	switch {
	case err == nil:
		l.logger.InfoContext(ctx, "added sublayer",
			"sublayer", sl.Key, "weight", sl.Weight, "status", netmon.StatusSuccess.Hex())
	case netmon.IsAlreadyExists(err):
		l.logger.InfoContext(ctx, "sublayer already exists", "sublayer", sl.Key, "status", netmon.StatusOf(err).Hex())
	default:
		l.logger.ErrorContext(ctx, "add sublayer failed",
			"sublayer", sl.Key, "status", netmon.StatusOf(err).Hex(), "error", err)
		return fmt.Errorf("add sublayer %s: %w", sl.Key, err)
	}
	l.state.Sublayer = true
	return nil
}

// DeleteAll deletes the callout descriptor, sublayer and provider, in
// that order, skipping entries that are absent. A not-found result is
// benign. Every step runs regardless of earlier failures; failures are
// joined into the returned error. The runtime record is left for
// Unregister.
func (l *Ledger) DeleteAll(ctx context.Context, sess interpreter.Session) error {
	var errs []error

	if l.state.Descriptor {
		l.state.Descriptor = false
		errs = append(errs, l.deleted(ctx, "callout", l.ids.Callout.Key.String(),
			sess.DeleteCallout(ctx, l.ids.Callout.Key)))
	}
	if l.state.Sublayer {
		l.state.Sublayer = false
		errs = append(errs, l.deleted(ctx, "sublayer", l.ids.Sublayer.Key.String(),
			sess.DeleteSublayer(ctx, l.ids.Sublayer.Key)))
	}
	if l.state.Provider {
		l.state.Provider = false
		errs = append(errs, l.deleted(ctx, "provider", l.ids.Provider.Key.String(),
			sess.DeleteProvider(ctx, l.ids.Provider.Key)))
	}
	return errors.Join(errs...)
}

// deleted logs the outcome of one delete and returns the error to
// report, if any.
func (l *Ledger) deleted(ctx context.Context, kind, key string, err error) error {
	switch {
	case err == nil:
		l.logger.InfoContext(ctx, "deleted "+kind, kind, key, "status", netmon.StatusSuccess.Hex())
		return nil
	case netmon.IsNotFound(err):
		l.logger.InfoContext(ctx, kind+" already gone", kind, key, "status", netmon.StatusOf(err).Hex())
		return nil
	default:
		l.logger.ErrorContext(ctx, "delete "+kind+" failed", kind, key, "status", netmon.StatusOf(err).Hex(), "error", err)
		return fmt.Errorf("delete %s %s: %w", kind, key, err)
	}
}

// Unregister unregisters the runtime dispatch record, if one is held,
// and forgets its run ID whatever the outcome. The dispatcher waits
// for in-flight callbacks before returning, so once Unregister returns
// no further callback for this record can run.
func (l *Ledger) Unregister(d interpreter.Dispatcher) error {
	id := l.state.RunID
	if id == 0 {
		return nil
	}
	l.state.RunID = 0

	err := d.Unregister(id)
	switch {
	case err == nil:
		l.logger.Info("unregistered runtime record", "run_id", id, "status", netmon.StatusSuccess.Hex())
		return nil
	case netmon.IsNotFound(err):
		l.logger.Info("runtime record already gone", "run_id", id, "status", netmon.StatusOf(err).Hex())
		return nil
	default:
		l.logger.Error("unregister runtime record failed",
			"run_id", id, "status", netmon.StatusOf(err).Hex(), "error", err)
		return fmt.Errorf("unregister callout run id %d: %w", id, err)
	}
}
