package ledger

// guard owns the rollback of one engine-side effect made during
// CreateAll. Unless commit is called, release undoes the effect.
type guard struct {
	undo func() error
	done bool
}

func newGuard(undo func() error) *guard {
	return &guard{undo: undo}
}

// commit keeps the effect; a later release does nothing.
func (g *guard) commit() {
	g.done = true
}

// release runs the rollback if the guard was not committed. It runs at
// most once.
func (g *guard) release() error {
	if g.done {
		return nil
	}
	g.done = true
	return g.undo()
}
