// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/keycodec"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/observability"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/resultcache"
)

// WorkerTimeLimitExceeded is the message of computations aborted by the
// executing side. It differs from the client-side timeout message.
const WorkerTimeLimitExceeded = "computation aborted: worker time limit exceeded"

// Error type names produced by the executor itself.
const (
	errTypeUnknownTask = "UnknownTask"
	errTypePanic       = "Panic"
	errTypeBadArgs     = "BadArguments"
)

// ResultSink is the part of the result cache the executing side writes to.
type ResultSink interface {
	Put(key keycodec.CacheKey, payload []byte) bool
	UpdateProgress(key keycodec.CacheKey, taskID string, done, total int64) error
	MarkFailed(key keycodec.CacheKey, taskID, msg string) error
	ReleaseMarker(key keycodec.CacheKey, taskID string) error
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithProgressInterval sets the minimum time between marker writes for
// progress reports. The first and final reports are always written.
func WithProgressInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.progressEvery = d
	}
}

// WithExecutorMetrics attaches metrics.
func WithExecutorMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// Executor runs handlers on the executing side of a backend.
//
// # Description
//
// Execute unwraps the envelope, runs the handler under the time limit,
// forwards progress to the build marker, and on completion stores the
// result in the cache (success) or records the failure on the marker.
// Handler errors and panics are captured as ComputationError values.
type Executor struct {
	registry      *Registry
	sink          ResultSink
	metrics       *observability.Metrics
	progressEvery time.Duration
	now           func() time.Time
}

// NewExecutor creates an executor. sink may be nil when results are not
// cached (tests, uncached tasks).
func NewExecutor(registry *Registry, sink ResultSink, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:      registry,
		sink:          sink,
		progressEvery: time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the handler table.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs taskName for taskID.
//
// # Inputs
//
//   - ctx: Parent context. The time limit is applied on top of it.
//   - taskID: Backend task id, recorded on the build marker.
//   - taskName: Registered handler name.
//   - raw: Envelope produced by NewEnvelope.
//   - timeLimit: Hard limit for the handler. Zero means no limit.
//
// # Outputs
//
//   - json.RawMessage: Handler result on success.
//   - *datatypes.ComputationError: Captured failure, nil on success.
func (e *Executor) Execute(ctx context.Context, taskID, taskName string, raw json.RawMessage, timeLimit time.Duration) (json.RawMessage, *datatypes.ComputationError) {
	start := e.now()
	logger := slog.With("task_id", taskID, "task", taskName)

	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, &datatypes.ComputationError{Type: errTypeBadArgs, Message: err.Error()}
	}
	var key keycodec.CacheKey
	if env.CacheKey != "" {
		if key, err = keycodec.ParseKey(env.CacheKey); err != nil {
			return nil, &datatypes.ComputationError{Type: errTypeBadArgs, Message: err.Error()}
		}
	}

	handler, ok := e.registry.Lookup(taskName)
	if !ok {
		cerr := &datatypes.ComputationError{Type: errTypeUnknownTask, Message: fmt.Sprintf("unknown task %q", taskName)}
		e.fail(key, taskID, cerr, logger)
		return nil, cerr
	}

	if timeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeLimit)
		defer cancel()
	}

	progress, closeProgress := e.progressFor(key, taskID, logger)
	progress.Report(0, 0)

	logger.Info("Task started", "time_limit", timeLimit.String())
	result, cerr := e.run(ctx, handler, env.Args, progress)
	// a handler still running past its limit must not touch the marker
	closeProgress()
	elapsed := e.now().Sub(start)

	if cerr != nil {
		logger.Warn("Task failed", "error_type", cerr.Type, "error", cerr.Message, "duration_ms", elapsed.Milliseconds())
		e.metrics.RecordFinished(taskName, string(datatypes.StatusFailure), elapsed.Seconds())
		e.fail(key, taskID, cerr, logger)
		return nil, cerr
	}

	logger.Info("Task finished", "duration_ms", elapsed.Milliseconds(), "result_bytes", len(result))
	e.metrics.RecordFinished(taskName, string(datatypes.StatusSuccess), elapsed.Seconds())
	if e.sink != nil && key != "" {
		e.sink.Put(key, result)
		if err := e.sink.ReleaseMarker(key, taskID); err != nil {
			logger.Warn("Failed to release build marker", "key", key, "error", err)
		}
	}
	return result, nil
}

// run calls the handler in its own goroutine so that a handler ignoring
// ctx cannot hold the executor past the time limit.
func (e *Executor) run(ctx context.Context, h Handler, args json.RawMessage, progress Progress) (json.RawMessage, *datatypes.ComputationError) {
	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Task handler panicked", "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: &datatypes.ComputationError{Type: errTypePanic, Message: fmt.Sprint(r)}}
			}
		}()
		res, err := h(ctx, args, progress)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() != nil {
				return nil, timeoutError()
			}
			return nil, datatypes.CaptureError(out.err)
		}
		if len(out.result) == 0 {
			out.result = json.RawMessage("null")
		}
		if !json.Valid(out.result) {
			return nil, &datatypes.ComputationError{Type: errTypeBadArgs, Message: "handler returned invalid JSON"}
		}
		return out.result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError()
		}
		return nil, &datatypes.ComputationError{Type: "Cancelled", Message: "computation cancelled: " + ctx.Err().Error()}
	}
}

func timeoutError() *datatypes.ComputationError {
	return &datatypes.ComputationError{Type: datatypes.ErrTypeTimeout, Message: WorkerTimeLimitExceeded}
}

func (e *Executor) fail(key keycodec.CacheKey, taskID string, cerr *datatypes.ComputationError, logger *slog.Logger) {
	if e.sink == nil || key == "" {
		return
	}
	if err := e.sink.MarkFailed(key, taskID, cerr.Message); err != nil {
		logger.Warn("Failed to record failure on build marker", "key", key, "error", err)
	}
}

// progressFor returns a throttled Progress writing into the build marker
// and a func closing it. Reports after close are dropped.
func (e *Executor) progressFor(key keycodec.CacheKey, taskID string, logger *slog.Logger) (Progress, func()) {
	if e.sink == nil || key == "" {
		return NopProgress, func() {}
	}
	var (
		mu     sync.Mutex
		last   time.Time
		lost   bool
		closed bool
	)
	report := ProgressFunc(func(done, total int64) {
		mu.Lock()
		defer mu.Unlock()
		now := e.now()
		final := total > 0 && done >= total
		if closed || lost || (!last.IsZero() && !final && now.Sub(last) < e.progressEvery) {
			return
		}
		last = now
		if err := e.sink.UpdateProgress(key, taskID, done, total); err != nil {
			if errors.Is(err, resultcache.ErrMarkerLost) {
				lost = true
			}
			logger.Warn("Failed to update build marker", "key", key, "error", err)
		}
	})
	return report, func() {
		mu.Lock()
		closed = true
		mu.Unlock()
	}
}
