package ledger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_ReleaseWithoutCommitUndoes(t *testing.T) {
	calls := 0
	g := newGuard(func() error { calls++; return nil })

	require.NoError(t, g.release())
	require.NoError(t, g.release())
	assert.Equal(t, 1, calls, "undo runs at most once")
}

func TestGuard_CommitKeepsEffect(t *testing.T) {
	calls := 0
	g := newGuard(func() error { calls++; return nil })

	g.commit()
	require.NoError(t, g.release())
	assert.Zero(t, calls)
}

func TestGuard_ReleaseReturnsUndoError(t *testing.T) {
	errUndo := errors.New("undo failed")
	g := newGuard(func() error { return errUndo })
	assert.ErrorIs(t, g.release(), errUndo)
}
