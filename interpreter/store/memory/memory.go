// Package memory provides an in-memory implementation of the
// management-plane object store. Objects do not survive the process,
// which makes it the natural backend for tests and for simulate runs.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/frobware/go-netmon"
	"github.com/frobware/go-netmon/interpreter"
)

// Store implements interpreter.ObjectStore in memory.
type Store struct {
	mu           sync.RWMutex
	providers    map[uuid.UUID]netmon.ProviderIdentity
	sublayers    map[uuid.UUID]netmon.SublayerIdentity
	callouts     map[uuid.UUID]netmon.CalloutIdentity
	filters      map[uuid.UUID]netmon.Filter
	nextFilterID uint64
	closed       bool
}

var _ interpreter.ObjectStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		providers: make(map[uuid.UUID]netmon.ProviderIdentity),
		sublayers: make(map[uuid.UUID]netmon.SublayerIdentity),
		callouts:  make(map[uuid.UUID]netmon.CalloutIdentity),
		filters:   make(map[uuid.UUID]netmon.Filter),
	}
}

// Close marks the store closed. Later calls fail with
// netmon.StatusInvalidHandle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return netmon.StatusInvalidHandle
	}
	return nil
}

// AddProvider stores a provider.
func (s *Store) AddProvider(_ context.Context, p netmon.ProviderIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, ok := s.providers[p.Key]; ok {
		return fmt.Errorf("provider %s: %w", p.Key, netmon.StatusAlreadyExists)
	}
	s.providers[p.Key] = p
	return nil
}

// DeleteProvider removes a provider that no sublayer or callout
// references.
func (s *Store) DeleteProvider(_ context.Context, key uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, ok := s.providers[key]; !ok {
		return fmt.Errorf("provider %s: %w", key, netmon.StatusProviderNotFound)
	}
	for _, sl := range s.sublayers {
		if sl.ProviderKey == key {
			return fmt.Errorf("provider %s referenced by sublayer %s: %w", key, sl.Key, netmon.StatusInUse)
		}
	}
	for _, c := range s.callouts {
		if c.ProviderKey == key {
			return fmt.Errorf("provider %s referenced by callout %s: %w", key, c.Key, netmon.StatusInUse)
		}
	}
	delete(s.providers, key)
	return nil
}

// AddSublayer stores a sublayer. A non-nil provider key must name a
// stored provider.
func (s *Store) AddSublayer(_ context.Context, sl netmon.SublayerIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, ok := s.sublayers[sl.Key]; ok {
		return fmt.Errorf("sublayer %s: %w", sl.Key, netmon.StatusAlreadyExists)
	}
	if sl.ProviderKey != uuid.Nil {
		if _, ok := s.providers[sl.ProviderKey]; !ok {
			return fmt.Errorf("sublayer %s provider %s: %w", sl.Key, sl.ProviderKey, netmon.StatusProviderNotFound)
		}
	}
	s.sublayers[sl.Key] = sl
	return nil
}

// DeleteSublayer removes a sublayer that holds no filters.
func (s *Store) DeleteSublayer(_ context.Context, key uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, ok := s.sublayers[key]; !ok {
		return fmt.Errorf("sublayer %s: %w", key, netmon.StatusSublayerNotFound)
	}
	for _, f := range s.filters {
		if f.SublayerKey == key {
			return fmt.Errorf("sublayer %s holds filter %s: %w", key, f.Key, netmon.StatusInUse)
		}
	}
	delete(s.sublayers, key)
	return nil
}

// AddCallout stores a callout descriptor.
func (s *Store) AddCallout(_ context.Context, c netmon.CalloutIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, ok := s.callouts[c.Key]; ok {
		return fmt.Errorf("callout %s: %w", c.Key, netmon.StatusAlreadyExists)
	}
	if c.ProviderKey != uuid.Nil {
		if _, ok := s.providers[c.ProviderKey]; !ok {
			return fmt.Errorf("callout %s provider %s: %w", c.Key, c.ProviderKey, netmon.StatusProviderNotFound)
		}
	}
	s.callouts[c.Key] = c
	return nil
}

// DeleteCallout removes a callout descriptor that no filter
// references.
func (s *Store) DeleteCallout(_ context.Context, key uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, ok := s.callouts[key]; !ok {
		return fmt.Errorf("callout %s: %w", key, netmon.StatusCalloutNotFound)
	}
	for _, f := range s.filters {
		if f.CalloutKey == key {
			return fmt.Errorf("callout %s referenced by filter %s: %w", key, f.Key, netmon.StatusInUse)
		}
	}
	delete(s.callouts, key)
	return nil
}

// AddFilter stores a filter and assigns it an ID.
func (s *Store) AddFilter(_ context.Context, f netmon.Filter) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	if _, ok := s.filters[f.Key]; ok {
		return 0, fmt.Errorf("filter %s: %w", f.Key, netmon.StatusAlreadyExists)
	}
	if _, ok := s.sublayers[f.SublayerKey]; !ok {
		return 0, fmt.Errorf("filter %s sublayer %s: %w", f.Key, f.SublayerKey, netmon.StatusSublayerNotFound)
	}
	c, ok := s.callouts[f.CalloutKey]
	if !ok {
		return 0, fmt.Errorf("filter %s callout %s: %w", f.Key, f.CalloutKey, netmon.StatusCalloutNotFound)
	}
	if c.Layer != f.Layer {
		return 0, fmt.Errorf("filter %s on %s uses callout for %s: %w", f.Key, f.Layer, c.Layer, netmon.StatusUnsuccessful)
	}

	s.nextFilterID++
	f.ID = s.nextFilterID
	s.filters[f.Key] = f
	return f.ID, nil
}

// DeleteFilter removes a filter and returns it.
func (s *Store) DeleteFilter(_ context.Context, key uuid.UUID) (netmon.Filter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return netmon.Filter{}, err
	}

	f, ok := s.filters[key]
	if !ok {
		return netmon.Filter{}, fmt.Errorf("filter %s: %w", key, netmon.StatusNotFound)
	}
	delete(s.filters, key)
	return f, nil
}

// FiltersForLayer returns the filters on layer in evaluation order.
func (s *Store) FiltersForLayer(_ context.Context, layer netmon.Layer) ([]netmon.Filter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var out []netmon.Filter
	for _, f := range s.filters {
		if f.Layer == layer {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, func(a, b netmon.Filter) int {
		wa, wb := s.sublayers[a.SublayerKey].Weight, s.sublayers[b.SublayerKey].Weight
		if c := cmp.Compare(wb, wa); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Objects returns every stored object, each kind sorted by name.
func (s *Store) Objects(_ context.Context) (interpreter.Objects, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return interpreter.Objects{}, err
	}

	var objs interpreter.Objects
	for _, p := range s.providers {
		objs.Providers = append(objs.Providers, p)
	}
	for _, sl := range s.sublayers {
		objs.Sublayers = append(objs.Sublayers, sl)
	}
	for _, c := range s.callouts {
		objs.Callouts = append(objs.Callouts, c)
	}
	for _, f := range s.filters {
		objs.Filters = append(objs.Filters, f)
	}

	slices.SortFunc(objs.Providers, func(a, b netmon.ProviderIdentity) int { return cmp.Compare(a.Name, b.Name) })
	slices.SortFunc(objs.Sublayers, func(a, b netmon.SublayerIdentity) int { return cmp.Compare(a.Name, b.Name) })
	slices.SortFunc(objs.Callouts, func(a, b netmon.CalloutIdentity) int { return cmp.Compare(a.Name, b.Name) })
	slices.SortFunc(objs.Filters, func(a, b netmon.Filter) int { return cmp.Compare(a.ID, b.ID) })
	return objs, nil
}
