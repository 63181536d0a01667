// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tasks keeps the per-session list of asynchronous tasks.
//
// # Description
//
// The list is stored as one JSON array under session.KeyAsyncTasks and is
// rewritten in full on every mutation. The Registry holds no locks; each
// mutation is a single session.Store Update, which the store runs
// atomically.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/session"
)

// DefaultTimeLimit is the global task time limit applied by SweepTimeouts
// when the caller has no configured value.
const DefaultTimeLimit = 2 * time.Hour

// Observation is a backend-reported status for one task.
type Observation struct {
	ID     string
	Status datatypes.Status
	Error  string
}

// Registry is the task list of one session.
type Registry struct {
	store session.Store
	sid   string
}

// New returns the registry of session sid.
func New(store session.Store, sid string) *Registry {
	return &Registry{store: store, sid: sid}
}

// SessionID returns the owning session id.
func (r *Registry) SessionID() string {
	return r.sid
}

func decode(data []byte) ([]datatypes.AsyncTask, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var list []datatypes.AsyncTask
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	return list, nil
}

func encode(list []datatypes.AsyncTask) ([]byte, error) {
	if list == nil {
		list = []datatypes.AsyncTask{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("encode task list: %w", err)
	}
	return data, nil
}

// mutate applies fn to the stored list. The list is written back only when
// fn reports a change.
func (r *Registry) mutate(ctx context.Context, fn func([]datatypes.AsyncTask) ([]datatypes.AsyncTask, bool)) error {
	return r.store.Update(ctx, r.sid, session.KeyAsyncTasks, func(cur []byte) ([]byte, error) {
		list, err := decode(cur)
		if err != nil {
			return nil, err
		}
		next, changed := fn(list)
		if !changed {
			return cur, nil
		}
		return encode(next)
	})
}

func removeFailed(list []datatypes.AsyncTask) ([]datatypes.AsyncTask, int) {
	kept := list[:0]
	removed := 0
	for _, t := range list {
		if t.Status == datatypes.StatusFailure {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	return kept, removed
}

// Add appends task to the list after dropping failed tasks. A task with the
// same id replaces the stored one.
func (r *Registry) Add(ctx context.Context, task datatypes.AsyncTask) error {
	return r.mutate(ctx, func(list []datatypes.AsyncTask) ([]datatypes.AsyncTask, bool) {
		list, _ = removeFailed(list)
		for i := range list {
			if list[i].ID == task.ID {
				list[i] = task
				return list, true
			}
		}
		return append(list, task), true
	})
}

// List returns the tasks of category, or all tasks for an empty category,
// in insertion order.
func (r *Registry) List(ctx context.Context, category datatypes.Category) ([]datatypes.AsyncTask, error) {
	data, err := r.store.Load(ctx, r.sid, session.KeyAsyncTasks)
	if err != nil {
		return nil, err
	}
	list, err := decode(data)
	if err != nil {
		return nil, err
	}
	if category == "" {
		return list, nil
	}
	out := make([]datatypes.AsyncTask, 0, len(list))
	for _, t := range list {
		if t.Category == category {
			out = append(out, t)
		}
	}
	return out, nil
}

// Get returns the task with id.
func (r *Registry) Get(ctx context.Context, id string) (datatypes.AsyncTask, bool, error) {
	list, err := r.List(ctx, "")
	if err != nil {
		return datatypes.AsyncTask{}, false, err
	}
	for _, t := range list {
		if t.ID == id {
			return t, true, nil
		}
	}
	return datatypes.AsyncTask{}, false, nil
}

// SweepTimeouts fails every non-terminal task older than limit. Failed
// tasks stay in the list so the user sees what happened. It returns the
// number of tasks changed.
func (r *Registry) SweepTimeouts(ctx context.Context, now time.Time, limit time.Duration) (int, error) {
	if limit <= 0 {
		limit = DefaultTimeLimit
	}
	swept := 0
	err := r.mutate(ctx, func(list []datatypes.AsyncTask) ([]datatypes.AsyncTask, bool) {
		swept = 0
		for i := range list {
			if !list[i].IsFinished() && list[i].Age(now) > limit {
				if list[i].Fail(datatypes.TaskTimeLimitExceeded) {
					swept++
				}
			}
		}
		return list, swept > 0
	})
	if err != nil {
		return 0, err
	}
	return swept, nil
}

// Observe applies backend-reported statuses. Disallowed transitions, such
// as leaving a terminal state, are ignored. It returns the tasks that
// changed.
func (r *Registry) Observe(ctx context.Context, obs ...Observation) ([]datatypes.AsyncTask, error) {
	if len(obs) == 0 {
		return nil, nil
	}
	byID := make(map[string]Observation, len(obs))
	for _, o := range obs {
		byID[o.ID] = o
	}
	var changed []datatypes.AsyncTask
	err := r.mutate(ctx, func(list []datatypes.AsyncTask) ([]datatypes.AsyncTask, bool) {
		changed = changed[:0]
		for i := range list {
			o, ok := byID[list[i].ID]
			if !ok {
				continue
			}
			if list[i].Observe(o.Status, o.Error) {
				changed = append(changed, list[i])
			}
		}
		return list, len(changed) > 0
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// RemoveFailed drops all failed tasks and returns how many were removed.
func (r *Registry) RemoveFailed(ctx context.Context) (int, error) {
	removed := 0
	err := r.mutate(ctx, func(list []datatypes.AsyncTask) ([]datatypes.AsyncTask, bool) {
		list, removed = removeFailed(list)
		return list, removed > 0
	})
	return removed, err
}

// Remove drops the task with id. It reports whether the task existed.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	found := false
	err := r.mutate(ctx, func(list []datatypes.AsyncTask) ([]datatypes.AsyncTask, bool) {
		found = false
		for i := range list {
			if list[i].ID == id {
				found = true
				return append(list[:i], list[i+1:]...), true
			}
		}
		return list, false
	})
	return found, err
}
