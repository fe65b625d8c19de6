// Package storetest holds behaviour tests shared by every
// interpreter.ObjectStore implementation.
package storetest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-netmon"
	"github.com/frobware/go-netmon/interpreter"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) interpreter.ObjectStore

// Run exercises the status contract of an object store.
func Run(t *testing.T, newStore Factory) {
	t.Run("AddProviderTwiceReportsAlreadyExists", func(t *testing.T) {
		testAddProviderTwice(t, newStore(t))
	})
	t.Run("DeleteMissingReportsKindSpecificNotFound", func(t *testing.T) {
		testDeleteMissing(t, newStore(t))
	})
	t.Run("ReferencesAreEnforced", func(t *testing.T) {
		testReferences(t, newStore(t))
	})
	t.Run("FilterEvaluationOrder", func(t *testing.T) {
		testFilterOrder(t, newStore(t))
	})
	t.Run("ObjectsSnapshot", func(t *testing.T) {
		testObjects(t, newStore(t))
	})
	t.Run("ClosedStoreRejectsCalls", func(t *testing.T) {
		testClosed(t, newStore(t))
	})
}

func ids() netmon.Identities {
	return netmon.DefaultIdentities()
}

func seed(t *testing.T, s interpreter.ObjectStore) netmon.Identities {
	t.Helper()
	ctx := context.Background()
	id := ids()
	require.NoError(t, s.AddProvider(ctx, id.Provider))
	require.NoError(t, s.AddSublayer(ctx, id.Sublayer))
	require.NoError(t, s.AddCallout(ctx, id.Callout))
	return id
}

func testAddProviderTwice(t *testing.T, s interpreter.ObjectStore) {
	ctx := context.Background()
	p := ids().Provider

	require.NoError(t, s.AddProvider(ctx, p))
	err := s.AddProvider(ctx, p)
	require.ErrorIs(t, err, netmon.StatusAlreadyExists)
	assert.True(t, netmon.IsAlreadyExists(err))
}

func testDeleteMissing(t *testing.T, s interpreter.ObjectStore) {
	ctx := context.Background()
	key := uuid.New()

	err := s.DeleteProvider(ctx, key)
	assert.ErrorIs(t, err, netmon.StatusProviderNotFound)
	assert.True(t, netmon.IsNotFound(err))

	err = s.DeleteSublayer(ctx, key)
	assert.ErrorIs(t, err, netmon.StatusSublayerNotFound)
	assert.True(t, netmon.IsNotFound(err))

	err = s.DeleteCallout(ctx, key)
	assert.ErrorIs(t, err, netmon.StatusCalloutNotFound)
	assert.True(t, netmon.IsNotFound(err))

	_, err = s.DeleteFilter(ctx, key)
	assert.ErrorIs(t, err, netmon.StatusNotFound)
}

func testReferences(t *testing.T, s interpreter.ObjectStore) {
	ctx := context.Background()
	id := ids()

	// Sublayer before its provider.
	err := s.AddSublayer(ctx, id.Sublayer)
	require.ErrorIs(t, err, netmon.StatusProviderNotFound)

	id = seed(t, s)

	// Provider still referenced by sublayer and callout.
	err = s.DeleteProvider(ctx, id.Provider.Key)
	require.ErrorIs(t, err, netmon.StatusInUse)

	f := netmon.Filter{
		Key:         uuid.New(),
		Name:        "all stream traffic",
		Layer:       netmon.LayerStreamV4,
		SublayerKey: id.Sublayer.Key,
		CalloutKey:  id.Callout.Key,
	}
	fid, err := s.AddFilter(ctx, f)
	require.NoError(t, err)
	assert.NotZero(t, fid)

	// Filter pins both callout and sublayer.
	require.ErrorIs(t, s.DeleteCallout(ctx, id.Callout.Key), netmon.StatusInUse)
	require.ErrorIs(t, s.DeleteSublayer(ctx, id.Sublayer.Key), netmon.StatusInUse)

	// Filter layer must match the callout layer.
	bad := f
	bad.Key = uuid.New()
	bad.Layer = netmon.LayerStreamV6
	_, err = s.AddFilter(ctx, bad)
	require.Error(t, err)

	removed, err := s.DeleteFilter(ctx, f.Key)
	require.NoError(t, err)
	assert.Equal(t, fid, removed.ID)
	assert.Equal(t, f.CalloutKey, removed.CalloutKey)

	// Teardown order: callout, sublayer, provider.
	require.NoError(t, s.DeleteCallout(ctx, id.Callout.Key))
	require.NoError(t, s.DeleteSublayer(ctx, id.Sublayer.Key))
	require.NoError(t, s.DeleteProvider(ctx, id.Provider.Key))
}

func testFilterOrder(t *testing.T, s interpreter.ObjectStore) {
	ctx := context.Background()
	id := seed(t, s)

	low := netmon.SublayerIdentity{Key: uuid.New(), Name: "low", ProviderKey: id.Provider.Key, Weight: 1}
	require.NoError(t, s.AddSublayer(ctx, low))

	add := func(name string, sublayer uuid.UUID, weight uint64) {
		_, err := s.AddFilter(ctx, netmon.Filter{
			Key:         uuid.New(),
			Name:        name,
			Layer:       netmon.LayerStreamV4,
			SublayerKey: sublayer,
			CalloutKey:  id.Callout.Key,
			Weight:      weight,
		})
		require.NoError(t, err)
	}
	add("low-heavy", low.Key, 100)
	add("high-light", id.Sublayer.Key, 1)
	add("high-heavy", id.Sublayer.Key, 50)

	filters, err := s.FiltersForLayer(ctx, netmon.LayerStreamV4)
	require.NoError(t, err)
	require.Len(t, filters, 3)
	assert.Equal(t, "high-heavy", filters[0].Name)
	assert.Equal(t, "high-light", filters[1].Name)
	assert.Equal(t, "low-heavy", filters[2].Name)

	v6, err := s.FiltersForLayer(ctx, netmon.LayerStreamV6)
	require.NoError(t, err)
	assert.Empty(t, v6)
}

func testObjects(t *testing.T, s interpreter.ObjectStore) {
	ctx := context.Background()
	id := seed(t, s)

	objs, err := s.Objects(ctx)
	require.NoError(t, err)
	require.Len(t, objs.Providers, 1)
	require.Len(t, objs.Sublayers, 1)
	require.Len(t, objs.Callouts, 1)
	assert.Empty(t, objs.Filters)

	assert.Equal(t, id.Provider, objs.Providers[0])
	assert.Equal(t, id.Sublayer, objs.Sublayers[0])
	assert.Equal(t, id.Callout, objs.Callouts[0])
}

func testClosed(t *testing.T, s interpreter.ObjectStore) {
	require.NoError(t, s.Close())
	err := s.AddProvider(context.Background(), ids().Provider)
	require.ErrorIs(t, err, netmon.StatusInvalidHandle)
}
