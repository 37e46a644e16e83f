// Copyright 2024 The pubsub-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage provides a generic key-value store interface with an
// in-memory implementation. The broker uses it as the index of live
// sessions, keyed by role and client name.
package storage

import (
	"errors"
	"sync"
)

// ErrNotFound is returned when a key is not present in the store.
var ErrNotFound = errors.New("not found")

// Store is a minimal CRUD interface over keyed values. It exists so the
// session index can be swapped for a different backend without touching the
// broker.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(key string) (any, error)
	// Set stores value under key, replacing any previous value.
	Set(key string, value any) error
	// Delete removes the value stored under key, if any.
	Delete(key string) error
}

// MemStore is the in-memory Store used by a single broker process. Safe for
// concurrent use.
type MemStore struct {
	data map[string]any
	mu   sync.RWMutex
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]any)}
}

// Get returns the value stored under key, or ErrNotFound.
func (s *MemStore) Get(key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// Set stores value under key.
func (s *MemStore) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Delete removes the value stored under key.
func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
