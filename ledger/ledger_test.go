package ledger_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-netmon"
	"github.com/frobware/go-netmon/interpreter"
	"github.com/frobware/go-netmon/interpreter/enginetest"
	"github.com/frobware/go-netmon/ledger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	ctx    context.Context
	engine *enginetest.Engine
	sess   interpreter.Session
	ledger *ledger.Ledger
	ids    netmon.Identities
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	eng := enginetest.New()
	sess, err := eng.Open(context.Background())
	require.NoError(t, err)
	eng.Reset()

	ids := netmon.DefaultIdentities()
	return &fixture{
		ctx:    context.Background(),
		engine: eng,
		sess:   sess,
		ledger: ledger.New(ids, testLogger()),
		ids:    ids,
	}
}

func (f *fixture) createAll() error {
	return f.ledger.CreateAll(f.ctx, f.sess, f.engine.Dispatcher(), &enginetest.Callout{})
}

func TestCreateAll_RegistersInOrder(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.createAll())

	assert.Equal(t, []string{
		enginetest.OpAddProvider,
		enginetest.OpAddSublayer,
		enginetest.OpRegister,
		enginetest.OpAddCallout,
	}, f.engine.OpNames())

	st := f.ledger.State()
	assert.True(t, st.Provider)
	assert.True(t, st.Sublayer)
	assert.True(t, st.Descriptor)
	assert.NotZero(t, st.RunID)
	assert.True(t, f.engine.HasCallout(f.ids.Callout.Key))
}

func TestCreateAll_AlreadyExistsIsSuccess(t *testing.T) {
	f := newFixture(t)
	f.engine.SeedProvider(f.ids.Provider.Key)
	f.engine.SeedSublayer(f.ids.Sublayer.Key)

	require.NoError(t, f.createAll())

	assert.Equal(t, 1, f.engine.Count(enginetest.OpRegister))
	assert.Equal(t, 1, f.engine.Count(enginetest.OpAddCallout))
	assert.Equal(t, 1, f.engine.Records())

	st := f.ledger.State()
	assert.True(t, st.Provider, "already-exists provider is recorded present")
	assert.True(t, st.Sublayer, "already-exists sublayer is recorded present")
	assert.True(t, st.Descriptor)
}

func TestCreateAll_ProviderFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.engine.FailOn(enginetest.OpAddProvider, netmon.StatusAccessDenied)

	err := f.createAll()
	require.ErrorIs(t, err, netmon.StatusAccessDenied)

	assert.Equal(t, []string{enginetest.OpAddProvider}, f.engine.OpNames())
	assert.True(t, f.ledger.State().Empty())
}

func TestCreateAll_SublayerFailureLeavesProviderForTeardown(t *testing.T) {
	f := newFixture(t)
	f.engine.FailOn(enginetest.OpAddSublayer, netmon.StatusUnsuccessful)

	err := f.createAll()
	require.ErrorIs(t, err, netmon.StatusUnsuccessful)

	st := f.ledger.State()
	assert.True(t, st.Provider)
	assert.False(t, st.Sublayer)
	assert.Zero(t, f.engine.Count(enginetest.OpRegister))
}

func TestCreateAll_RegisterFailureAddsNoDescriptor(t *testing.T) {
	f := newFixture(t)
	f.engine.FailOn(enginetest.OpRegister, netmon.StatusUnsuccessful)

	err := f.createAll()
	require.ErrorIs(t, err, netmon.StatusUnsuccessful)

	assert.Zero(t, f.engine.Count(enginetest.OpAddCallout))
	st := f.ledger.State()
	assert.False(t, st.Descriptor)
	assert.Zero(t, st.RunID)
}

func TestCreateAll_DescriptorFailureUnregistersRuntimeRecord(t *testing.T) {
	f := newFixture(t)
	f.engine.FailOn(enginetest.OpAddCallout, netmon.StatusUnsuccessful)

	err := f.createAll()
	require.ErrorIs(t, err, netmon.StatusUnsuccessful)

	assert.Equal(t, []string{
		enginetest.OpAddProvider,
		enginetest.OpAddSublayer,
		enginetest.OpRegister,
		enginetest.OpAddCallout,
		enginetest.OpUnregister,
	}, f.engine.OpNames())
	assert.Zero(t, f.engine.Records())

	st := f.ledger.State()
	assert.True(t, st.Provider)
	assert.True(t, st.Sublayer)
	assert.False(t, st.Descriptor)
	assert.Zero(t, st.RunID)

	// No stale run ID is left behind.
	f.engine.Reset()
	require.NoError(t, f.ledger.Unregister(f.engine.Dispatcher()))
	assert.Empty(t, f.engine.Ops())
}

func TestCreateAll_RollbackFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.engine.FailOn(enginetest.OpAddCallout, netmon.StatusUnsuccessful)
	f.engine.FailOn(enginetest.OpUnregister, netmon.StatusAccessDenied)

	err := f.createAll()
	require.ErrorIs(t, err, netmon.StatusUnsuccessful)
	require.ErrorIs(t, err, netmon.StatusAccessDenied)
	assert.Zero(t, f.ledger.State().RunID)
}

func TestDeleteAll_ReverseOrderThenUnregister(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.createAll())
	runID := f.ledger.State().RunID
	f.engine.Reset()

	require.NoError(t, f.ledger.DeleteAll(f.ctx, f.sess))
	require.NoError(t, f.ledger.Unregister(f.engine.Dispatcher()))

	ops := f.engine.Ops()
	require.Len(t, ops, 4)
	assert.Equal(t, enginetest.OpDeleteCallout, ops[0].Op)
	assert.Equal(t, enginetest.OpDeleteSublayer, ops[1].Op)
	assert.Equal(t, enginetest.OpDeleteProvider, ops[2].Op)
	assert.Equal(t, enginetest.OpUnregister, ops[3].Op)
	assert.Equal(t, runID, ops[3].RunID)
	assert.True(t, f.ledger.State().Empty())
}

func TestDeleteAll_SecondRunIssuesNoCalls(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.createAll())
	require.NoError(t, f.ledger.DeleteAll(f.ctx, f.sess))
	require.NoError(t, f.ledger.Unregister(f.engine.Dispatcher()))
	f.engine.Reset()

	require.NoError(t, f.ledger.DeleteAll(f.ctx, f.sess))
	require.NoError(t, f.ledger.Unregister(f.engine.Dispatcher()))
	assert.Empty(t, f.engine.Ops())
}

func TestDeleteAll_NotFoundIsBenign(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.createAll())
	f.engine.FailOn(enginetest.OpDeleteSublayer, netmon.StatusSublayerNotFound)
	f.engine.FailOn(enginetest.OpDeleteProvider, netmon.StatusProviderNotFound)

	require.NoError(t, f.ledger.DeleteAll(f.ctx, f.sess))
	st := f.ledger.State()
	assert.False(t, st.Provider)
	assert.False(t, st.Sublayer)
	assert.False(t, st.Descriptor)
}

func TestDeleteAll_ContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.createAll())
	f.engine.FailOn(enginetest.OpDeleteCallout, netmon.StatusAccessDenied)
	f.engine.Reset()

	err := f.ledger.DeleteAll(f.ctx, f.sess)
	require.ErrorIs(t, err, netmon.StatusAccessDenied)

	assert.Equal(t, []string{
		enginetest.OpDeleteCallout,
		enginetest.OpDeleteSublayer,
		enginetest.OpDeleteProvider,
	}, f.engine.OpNames())

	st := f.ledger.State()
	assert.False(t, st.Descriptor)
	assert.False(t, st.Sublayer)
	assert.False(t, st.Provider)
	assert.NotZero(t, st.RunID, "runtime record is left for Unregister")
}
