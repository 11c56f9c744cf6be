// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package databag

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

// MemStore is an in-memory Store. It is safe for concurrent use, and
// can be shared by several units to model the replicated databag.
type MemStore struct {
	mu          sync.Mutex
	data        map[Scope]map[string]Value
	revision    int64
	unavailable bool
	onChange    func(Change)
}

// NewMemStore returns an empty MemStore. The optional onChange callback
// is invoked, outside the store's lock, after every mutation.
func NewMemStore(onChange func(Change)) *MemStore {
	return &MemStore{
		data:     make(map[Scope]map[string]Value),
		onChange: onChange,
	}
}

// SetUnavailable makes every subsequent operation fail with
// ErrStateUnavailable until called again with false.
func (s *MemStore) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = unavailable
}

// SetOnChange replaces the change callback.
func (s *MemStore) SetOnChange(onChange func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = onChange
}

func (s *MemStore) check() error {
	if s.unavailable {
		return errors.WithType(errors.New("in-memory store switched off"), ErrStateUnavailable)
	}
	return nil
}

// Get is part of the Store interface.
func (s *MemStore) Get(_ context.Context, scope Scope, key string) (Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return Value{}, err
	}
	v, ok := s.data[scope][key]
	if !ok {
		return Value{}, errors.NotFoundf("%s key %q", scope, key)
	}
	return v, nil
}

// CompareAndSet is part of the Store interface.
func (s *MemStore) CompareAndSet(_ context.Context, scope Scope, key, data string, expected int64) (int64, error) {
	change, version, err := s.compareAndSet(scope, key, data, expected)
	if err != nil {
		return 0, err
	}
	s.notify(change)
	return version, nil
}

func (s *MemStore) compareAndSet(scope Scope, key, data string, expected int64) (Change, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return Change{}, 0, err
	}
	current := s.data[scope][key]
	if expected != AnyVersion && current.Version != expected {
		return Change{}, 0, errors.WithType(
			errors.Errorf("%s key %q at version %d, expected %d", scope, key, current.Version, expected),
			ErrVersionConflict,
		)
	}
	if s.data[scope] == nil {
		s.data[scope] = make(map[string]Value)
	}
	next := Value{Data: data, Version: current.Version + 1}
	s.data[scope][key] = next
	s.revision++
	return Change{Scope: scope, Key: key, Revision: s.revision}, next.Version, nil
}

// Delete is part of the Store interface.
func (s *MemStore) Delete(_ context.Context, scope Scope, key string, expected int64) error {
	change, changed, err := s.delete(scope, key, expected)
	if err != nil || !changed {
		return err
	}
	s.notify(change)
	return nil
}

func (s *MemStore) delete(scope Scope, key string, expected int64) (Change, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return Change{}, false, err
	}
	current, ok := s.data[scope][key]
	if !ok {
		return Change{}, false, nil
	}
	if expected != AnyVersion && current.Version != expected {
		return Change{}, false, errors.WithType(
			errors.Errorf("%s key %q at version %d, expected %d", scope, key, current.Version, expected),
			ErrVersionConflict,
		)
	}
	delete(s.data[scope], key)
	s.revision++
	return Change{Scope: scope, Key: key, Revision: s.revision}, true, nil
}

// Snapshot is part of the Store interface.
func (s *MemStore) Snapshot(_ context.Context) (map[Scope]map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	result := make(map[Scope]map[string]string, len(s.data))
	for scope, values := range s.data {
		if len(values) == 0 {
			continue
		}
		result[scope] = make(map[string]string, len(values))
		for k, v := range values {
			result[scope][k] = v.Data
		}
	}
	return result, nil
}

// Revision is part of the Store interface.
func (s *MemStore) Revision(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.revision, nil
}

func (s *MemStore) notify(change Change) {
	s.mu.Lock()
	onChange := s.onChange
	s.mu.Unlock()
	if onChange != nil {
		onChange(change)
	}
}
