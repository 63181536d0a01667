// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker abstracts the task backend that runs computations outside
// the request path.
//
// # Description
//
// A Client submits named tasks, polls their status and fetches results.
// Two backends are provided:
//
//   - Pool: an in-process bounded goroutine pool, for single-node setups
//     and tests.
//   - PGQueue: a Postgres-backed queue consumed by a separate worker fleet
//     (see Consumer).
//
// Task names map to Handler functions through a Registry built once at
// startup. Handlers never see the backend; the Executor runs them under the
// time limit, reports their progress into the build marker and captures
// their errors so that Fetch can re-raise them verbatim.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
)

// ErrNotReady is returned by Fetch while a task is not terminal.
var ErrNotReady = errors.New("task result not ready")

// Handle identifies a submitted task.
//
// # Fields
//
//   - ID: Backend-assigned task id.
//   - TaskName: Handler name the task runs.
//   - Status: Best-effort status at the time the handle was produced.
//   - SubmittedAt: Unix milliseconds.
//   - TimeLimit: Time limit passed at submission.
type Handle struct {
	ID          string           `json:"id"`
	TaskName    string           `json:"task_name"`
	Status      datatypes.Status `json:"status"`
	SubmittedAt int64            `json:"submitted_at"`
	TimeLimit   time.Duration    `json:"-"`
}

// Client is the task backend contract.
//
// # Description
//
// Submit must not block on the computation itself, only on the round trip
// to the backend. Poll never blocks. Fetch returns ErrNotReady while the
// task runs; for a failed task it returns the error the handler raised,
// restored to its original type where the taxonomy allows.
//
// The time limit is advisory to the backend (it aborts runaway
// computations) and authoritative to the caller, which detects timeouts on
// its own regardless of what the backend reports.
type Client interface {
	Submit(ctx context.Context, taskName string, args json.RawMessage, timeLimit time.Duration) (Handle, error)
	Poll(ctx context.Context, h Handle) (datatypes.Status, error)
	Fetch(ctx context.Context, h Handle) (json.RawMessage, error)
	Close() error
}

// =============================================================================
// Handlers
// =============================================================================

// Progress receives progress reports from a running handler.
type Progress interface {
	Report(done, total int64)
}

// ProgressFunc adapts a function to Progress.
type ProgressFunc func(done, total int64)

// Report implements Progress.
func (f ProgressFunc) Report(done, total int64) {
	f(done, total)
}

// NopProgress discards reports.
var NopProgress Progress = ProgressFunc(func(int64, int64) {})

// Handler runs one task. args is the task-specific JSON argument document.
// Handlers must honour ctx cancellation.
type Handler func(ctx context.Context, args json.RawMessage, progress Progress) (json.RawMessage, error)

// Registry maps task names to handlers. It is filled once at startup and
// read-only afterwards.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering an empty name, a nil handler or a
// name twice is a programming error and panics.
func (r *Registry) Register(name string, h Handler) {
	if name == "" || h == nil {
		panic("worker: empty task name or nil handler")
	}
	if _, dup := r.handlers[name]; dup {
		panic(fmt.Sprintf("worker: task %q registered twice", name))
	}
	r.handlers[name] = h
}

// Lookup returns the handler of name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered task names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Envelope
// =============================================================================

// Envelope is the argument document the runner submits. It carries the
// cache key so the executing side can report progress and store the result
// without knowing about requests.
type Envelope struct {
	CacheKey string          `json:"cache_key,omitempty"`
	Args     json.RawMessage `json:"args"`
}

// NewEnvelope encodes an envelope for Submit.
func NewEnvelope(cacheKey string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage("null")
	}
	data, err := json.Marshal(Envelope{CacheKey: cacheKey, Args: args})
	if err != nil {
		return nil, fmt.Errorf("encode task envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(raw json.RawMessage) (Envelope, error) {
	var env Envelope
	if len(raw) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode task envelope: %w", err)
	}
	return env, nil
}
