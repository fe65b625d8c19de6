package dispatch_test

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-netmon"
	"github.com/frobware/go-netmon/interpreter/dispatch"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingCallout counts callbacks and can block inside Classify.
type recordingCallout struct {
	mu          sync.Mutex
	classified  []netmon.FlowContext
	flowDeletes map[netmon.FlowContext]int
	notifies    []netmon.NotifyType
	notifyErr   error

	// block, when non-nil, is waited on inside Classify after entered
	// is signalled.
	block   chan struct{}
	entered chan struct{}
}

func newRecordingCallout() *recordingCallout {
	return &recordingCallout{flowDeletes: make(map[netmon.FlowContext]int)}
}

func (c *recordingCallout) Classify(_ *netmon.IncomingValues, _ *netmon.IncomingMetadata, _ *netmon.StreamData,
	_ netmon.ClassifyHandle, _ *netmon.Filter, flow netmon.FlowContext, out *netmon.ClassifyOut) {
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.classified = append(c.classified, flow)
	c.mu.Unlock()
	if out != nil {
		out.Action = netmon.ActionPermit
	}
}

func (c *recordingCallout) Notify(n netmon.NotifyType, _ uuid.UUID, _ *netmon.Filter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifies = append(c.notifies, n)
	return c.notifyErr
}

func (c *recordingCallout) FlowDelete(_ netmon.LayerID, _ netmon.CalloutRunID, flow netmon.FlowContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flowDeletes[flow]++
}

func (c *recordingCallout) deletes(flow netmon.FlowContext) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flowDeletes[flow]
}

func stream() *netmon.IncomingValues {
	return &netmon.IncomingValues{Layer: netmon.LayerStreamV4}
}

func TestRegister_AssignsFreshRunIDs(t *testing.T) {
	table := dispatch.New(testLogger())

	id1, err := table.Register(uuid.New(), newRecordingCallout())
	require.NoError(t, err)
	id2, err := table.Register(uuid.New(), newRecordingCallout())
	require.NoError(t, err)

	assert.NotZero(t, id1)
	assert.NotZero(t, id2)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, table.Len())
}

func TestRegister_DuplicateKey(t *testing.T) {
	table := dispatch.New(testLogger())
	key := uuid.New()

	_, err := table.Register(key, newRecordingCallout())
	require.NoError(t, err)

	_, err = table.Register(key, newRecordingCallout())
	require.ErrorIs(t, err, netmon.StatusAlreadyExists)
}

func TestRegister_NilCallout(t *testing.T) {
	table := dispatch.New(testLogger())
	_, err := table.Register(uuid.New(), nil)
	require.Error(t, err)
}

func TestUnregister_UnknownRunID(t *testing.T) {
	table := dispatch.New(testLogger())
	err := table.Unregister(42)
	require.ErrorIs(t, err, netmon.StatusNotFound)
}

func TestClassify_UnregisteredKey(t *testing.T) {
	table := dispatch.New(testLogger())
	var out netmon.ClassifyOut
	err := table.Classify(uuid.New(), stream(), nil, nil, 0, nil, 1, &out)
	require.ErrorIs(t, err, netmon.StatusCalloutNotRegistered)
}

func TestEndFlow_DeliversExactlyOnce(t *testing.T) {
	table := dispatch.New(testLogger())
	key := uuid.New()
	c := newRecordingCallout()
	_, err := table.Register(key, c)
	require.NoError(t, err)

	// Two classifies on the same flow, one association.
	for i := 0; i < 2; i++ {
		var out netmon.ClassifyOut
		require.NoError(t, table.Classify(key, stream(), nil, nil, 0, nil, 7, &out))
		assert.Equal(t, netmon.ActionPermit, out.Action)
	}

	assert.Equal(t, 1, table.EndFlow(7))
	assert.Equal(t, 0, table.EndFlow(7))
	assert.Equal(t, 1, c.deletes(7))
}

func TestEndFlow_UnclassifiedFlow(t *testing.T) {
	table := dispatch.New(testLogger())
	c := newRecordingCallout()
	_, err := table.Register(uuid.New(), c)
	require.NoError(t, err)

	assert.Equal(t, 0, table.EndFlow(99))
	assert.Equal(t, 0, c.deletes(99))
}

func TestUnregister_ReleasesOutstandingFlows(t *testing.T) {
	table := dispatch.New(testLogger())
	key := uuid.New()
	c := newRecordingCallout()
	id, err := table.Register(key, c)
	require.NoError(t, err)

	for _, flow := range []netmon.FlowContext{1, 2, 3} {
		require.NoError(t, table.Classify(key, stream(), nil, nil, 0, nil, flow, nil))
	}
	table.EndFlow(2)

	require.NoError(t, table.Unregister(id))
	assert.Equal(t, 1, c.deletes(1))
	assert.Equal(t, 1, c.deletes(2))
	assert.Equal(t, 1, c.deletes(3))
	assert.False(t, table.Registered(key))

	// Flows ending after unregistration are not delivered again.
	assert.Equal(t, 0, table.EndFlow(3))
	assert.Equal(t, 1, c.deletes(3))
}

func TestUnregister_WaitsForInflightClassify(t *testing.T) {
	table := dispatch.New(testLogger())
	key := uuid.New()
	c := newRecordingCallout()
	c.block = make(chan struct{})
	c.entered = make(chan struct{}, 1)
	id, err := table.Register(key, c)
	require.NoError(t, err)

	classifyDone := make(chan error, 1)
	go func() {
		classifyDone <- table.Classify(key, stream(), nil, nil, 0, nil, 5, nil)
	}()
	<-c.entered

	unregisterDone := make(chan error, 1)
	go func() {
		unregisterDone <- table.Unregister(id)
	}()

	select {
	case <-unregisterDone:
		t.Fatal("Unregister returned while classify was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	// New deliveries are refused while draining.
	assert.False(t, table.Registered(key))
	err = table.Classify(key, stream(), nil, nil, 0, nil, 6, nil)
	require.ErrorIs(t, err, netmon.StatusCalloutNotRegistered)

	close(c.block)
	require.NoError(t, <-classifyDone)
	require.NoError(t, <-unregisterDone)

	assert.Equal(t, 1, c.deletes(5))
	assert.Equal(t, 0, c.deletes(6))
	assert.Equal(t, 0, table.Len())
}

func TestNotify_PropagatesVeto(t *testing.T) {
	table := dispatch.New(testLogger())
	key := uuid.New()
	c := newRecordingCallout()
	c.notifyErr = netmon.StatusAccessDenied
	_, err := table.Register(key, c)
	require.NoError(t, err)

	err = table.Notify(key, netmon.NotifyAdd, &netmon.Filter{Key: uuid.New()})
	require.ErrorIs(t, err, netmon.StatusAccessDenied)
	assert.Equal(t, []netmon.NotifyType{netmon.NotifyAdd}, c.notifies)
}

func TestConcurrentClassifyAndEndFlow(t *testing.T) {
	table := dispatch.New(testLogger())
	key := uuid.New()
	c := newRecordingCallout()
	id, err := table.Register(key, c)
	require.NoError(t, err)

	const flows = 64
	var wg sync.WaitGroup
	for i := 1; i <= flows; i++ {
		wg.Add(1)
		go func(flow netmon.FlowContext) {
			defer wg.Done()
			_ = table.Classify(key, stream(), nil, nil, 0, nil, flow, nil)
			table.EndFlow(flow)
		}(netmon.FlowContext(i))
	}
	wg.Wait()
	require.NoError(t, table.Unregister(id))

	for i := 1; i <= flows; i++ {
		assert.Equal(t, 1, c.deletes(netmon.FlowContext(i)), "flow %d", i)
	}
}
