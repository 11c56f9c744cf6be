// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides an in-memory object store.
package testing

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"

	"github.com/canonical/mysql-k8s-operator-sub000/internal/backups"
)

// FakeStore is an in-memory backups.ObjectStore.
type FakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewFakeStore returns an empty store.
func NewFakeStore() *FakeStore {
	return &FakeStore{objects: make(map[string][]byte)}
}

// Put is part of the backups.ObjectStore interface.
func (s *FakeStore) Put(_ context.Context, key string, r io.ReadSeeker) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

// Get is part of the backups.ObjectStore interface.
func (s *FakeStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, errors.NotFoundf("object %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// List is part of the backups.ObjectStore interface.
func (s *FakeStore) List(_ context.Context, prefix string) ([]backups.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var objects []backups.Object
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, backups.Object{Key: key})
		}
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Key < objects[j].Key
	})
	return objects, nil
}

// Keys returns the stored keys, sorted.
func (s *FakeStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Object returns the content stored under key.
func (s *FakeStore) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}
