// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package status delivers task and cache state to clients, either once per
// call or as a bounded stream of updates.
package status

import (
	"context"
	"time"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/keycodec"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/resultcache"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/runner"
)

const (
	DefaultInterval      = time.Second
	DefaultMaxIterations = 600
)

// Update is one observed state.
//
// # Fields
//
//   - Value: JSON-serializable state (an AsyncTask or a KeyState).
//   - Finished: True once the state can no longer change.
type Update struct {
	Value    any
	Finished bool
}

// Resolver produces the current state.
type Resolver func(ctx context.Context) (Update, error)

// Emitter delivers one update to the client. An error stops the stream.
type Emitter func(Update) error

// Config configures a Channel.
//
// # Fields
//
//   - Interval: Pause between two resolutions.
//   - MaxIterations: Hard cap on emitted updates per stream.
type Config struct {
	Interval      time.Duration `yaml:"interval"`
	MaxIterations int           `yaml:"max_iterations" validate:"gte=0"`
}

// StreamResult summarizes a finished stream.
type StreamResult struct {
	Iterations int
	Finished   bool
	Last       Update
}

// Channel runs status polls and streams.
type Channel struct {
	interval time.Duration
	maxIter  int
}

// New creates a Channel, applying defaults to zero fields.
func New(cfg Config) *Channel {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Channel{interval: cfg.Interval, maxIter: cfg.MaxIterations}
}

// Poll resolves the state once.
func (c *Channel) Poll(ctx context.Context, resolve Resolver) (Update, error) {
	return resolve(ctx)
}

// Stream emits updates until the state is finished or the iteration cap is
// reached.
//
// # Description
//
// Each cycle resolves the state, emits it and sleeps Interval. Every
// resolved state is emitted, so the last update the client sees is the
// final one even when the cap stops the stream early; the client is then
// expected to resume. The sleep ends early when ctx is cancelled.
//
// # Outputs
//
//   - StreamResult: Number of emitted updates and the last one.
//   - error: Resolver or emitter failure, or ctx.Err() on cancellation.
func (c *Channel) Stream(ctx context.Context, resolve Resolver, emit Emitter) (StreamResult, error) {
	var res StreamResult
	timer := time.NewTimer(c.interval)
	defer timer.Stop()

	for res.Iterations < c.maxIter {
		u, err := resolve(ctx)
		if err != nil {
			return res, err
		}
		if err := emit(u); err != nil {
			return res, err
		}
		res.Iterations++
		res.Last = u
		if u.Finished {
			res.Finished = true
			return res, nil
		}
		if res.Iterations == c.maxIter {
			break
		}

		timer.Reset(c.interval)
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-timer.C:
		}
	}
	return res, nil
}

// =============================================================================
// Resolvers
// =============================================================================

// TaskRefresher refreshes one task of a session task list.
type TaskRefresher interface {
	RefreshTask(ctx context.Context, reg runner.TaskList, id string) (datatypes.AsyncTask, error)
}

// TaskResolver resolves the state of the task id in reg, refreshing it
// against the worker backend first.
func TaskResolver(r TaskRefresher, reg runner.TaskList, id string) Resolver {
	return func(ctx context.Context) (Update, error) {
		task, err := r.RefreshTask(ctx, reg, id)
		if err != nil {
			return Update{}, err
		}
		return Update{Value: task, Finished: task.IsFinished()}, nil
	}
}

// KeyStateSource reports the combined cache state of a key.
type KeyStateSource interface {
	State(key keycodec.CacheKey) resultcache.KeyState
}

// KeyResolver resolves the cache state of key.
func KeyResolver(src KeyStateSource, key keycodec.CacheKey) Resolver {
	return func(context.Context) (Update, error) {
		st := src.State(key)
		return Update{Value: st, Finished: st.Finished()}, nil
	}
}
