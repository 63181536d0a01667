// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session stores per-session values such as the async task list.
//
// Values are opaque byte slices addressed by (session id, key). Writers go
// through Update, which the store runs atomically, so callers never lock.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// KeyAsyncTasks is the session key holding the JSON task list.
const KeyAsyncTasks = "async_tasks"

// ErrNoSession is returned for an empty session id.
var ErrNoSession = errors.New("missing session id")

// UpdateFunc receives the current value (nil when absent) and returns the
// value to store. Returning nil deletes the value.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is the session backing store.
type Store interface {
	Load(ctx context.Context, sid, key string) ([]byte, error)
	Update(ctx context.Context, sid, key string, fn UpdateFunc) error
	Close() error
}

// NewID returns a fresh random session id.
func NewID() string {
	return uuid.NewString()
}

// MemoryStore keeps sessions in process memory.
//
// Updates are serialized by a single mutex, which is fine for tests and a
// single web process.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func memKey(sid, key string) string {
	return sid + "\x00" + key
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, sid, key string) ([]byte, error) {
	if sid == "" {
		return nil, ErrNoSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[memKey(sid, key)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, sid, key string, fn UpdateFunc) error {
	if sid == "" {
		return ErrNoSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(sid, key)
	var current []byte
	if v, ok := m.data[k]; ok {
		current = append([]byte(nil), v...)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		delete(m.data, k)
		return nil
	}
	m.data[k] = next
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
