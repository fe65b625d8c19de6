package enginetest

import (
	"sync"

	"github.com/google/uuid"

	"github.com/frobware/go-netmon"
)

// Callout is a netmon.Callout that permits everything and counts the
// callbacks it receives.
type Callout struct {
	mu         sync.Mutex
	classifies int
	notifies   int
	flows      []netmon.FlowContext
}

var _ netmon.Callout = (*Callout)(nil)

func (c *Callout) Classify(_ *netmon.IncomingValues, _ *netmon.IncomingMetadata, _ *netmon.StreamData,
	_ netmon.ClassifyHandle, _ *netmon.Filter, _ netmon.FlowContext, out *netmon.ClassifyOut) {
	c.mu.Lock()
	c.classifies++
	c.mu.Unlock()
	if out != nil {
		out.Action = netmon.ActionPermit
	}
}

func (c *Callout) Notify(netmon.NotifyType, uuid.UUID, *netmon.Filter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifies++
	return nil
}

func (c *Callout) FlowDelete(_ netmon.LayerID, _ netmon.CalloutRunID, flow netmon.FlowContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flows = append(c.flows, flow)
}

// Classifies returns the number of classify calls.
func (c *Callout) Classifies() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classifies
}

// DeletedFlows returns the flows delivered to FlowDelete.
func (c *Callout) DeletedFlows() []netmon.FlowContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]netmon.FlowContext(nil), c.flows...)
}
