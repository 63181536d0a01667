// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/keycodec"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/tasks"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/worker"
)

// GenericFailureMessage replaces messages of internal error types.
const GenericFailureMessage = "the computation failed due to an internal error"

// PublicMessage returns the message of err that may be shown to users.
// Errors of the known taxonomy keep their message; anything else gets a
// generic text so internals do not leak.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var (
		ce *datatypes.ComputationError
		nf *datatypes.NotFoundError
		ud *datatypes.UnfinishedDependencyError
		ue *datatypes.UserError
	)
	switch {
	case errors.As(err, &ce):
		if ce.UserVisible() {
			return ce.Message
		}
		return GenericFailureMessage
	case errors.As(err, &nf), errors.As(err, &ud), errors.As(err, &ue):
		return err.Error()
	}
	return GenericFailureMessage
}

// Collect finishes the build of key by task.
//
// # Description
//
// Fetches the task result. On success the result is stored (unless the
// worker stored it already), the marker released and a Result returned. On
// failure the marker is released and the worker's error returned as is.
// A task still running yields Pending.
func (r *Runner) Collect(ctx context.Context, key keycodec.CacheKey, task worker.Handle) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "runner.Collect",
		trace.WithAttributes(
			attribute.String("bgcalc.key", string(key)),
			attribute.String("bgcalc.task_id", task.ID),
		),
	)
	defer span.End()

	result, err := r.deps.Worker.Fetch(ctx, task)
	if errors.Is(err, worker.ErrNotReady) {
		m, _ := r.deps.Cache.LiveMarker(key)
		return pendingOutcome(key, m.Percent(), task.ID), nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if rerr := r.deps.Cache.ReleaseMarker(key, task.ID); rerr != nil {
			slog.Warn("Failed to release build marker", "key", key, "task_id", task.ID, "error", rerr)
		}
		return Outcome{}, err
	}

	if cached, ok := r.deps.Cache.Get(key); ok {
		result = cached
	} else {
		r.deps.Cache.Put(key, result)
	}
	if rerr := r.deps.Cache.ReleaseMarker(key, task.ID); rerr != nil {
		slog.Warn("Failed to release build marker", "key", key, "task_id", task.ID, "error", rerr)
	}
	return resultOutcome(key, result), nil
}

// Refresh is the status refresh path of a session task list.
//
// # Description
//
// Fails tasks older than the client-side time limit, polls the backend for
// every other non-terminal task, collects finished builds into the cache
// and persists the observed transitions. Backend failures for single tasks
// are logged and the task left as is; a task the backend does not know
// any more is failed.
//
// # Outputs
//
//   - []datatypes.AsyncTask: The task list after the refresh.
//   - error: Non-nil only if the task list could not be read or written.
func (r *Runner) Refresh(ctx context.Context, reg TaskList) ([]datatypes.AsyncTask, error) {
	ctx, span := tracer.Start(ctx, "runner.Refresh")
	defer span.End()

	swept, err := reg.SweepTimeouts(ctx, r.deps.Now(), r.deps.TaskTimeLimit)
	if err != nil {
		return nil, err
	}
	if swept > 0 {
		slog.Info("Async tasks timed out", "count", swept, "limit", r.deps.TaskTimeLimit.String())
		r.deps.Metrics.RecordTimeouts(swept)
	}

	list, err := reg.List(ctx, "")
	if err != nil {
		return nil, err
	}

	var obs []tasks.Observation
	for _, t := range list {
		if t.IsFinished() {
			continue
		}
		if o, ok := r.observe(ctx, t); ok {
			obs = append(obs, o)
		}
	}
	span.SetAttributes(attribute.Int("bgcalc.observations", len(obs)))

	changed, err := reg.Observe(ctx, obs...)
	if err != nil {
		return nil, err
	}
	for _, t := range changed {
		if t.IsFinished() {
			slog.Info("Async task finished", "task_id", t.ID, "status", t.Status, "error", t.Error)
		}
	}
	return reg.List(ctx, "")
}

// RefreshTask refreshes the list and returns the task with id.
func (r *Runner) RefreshTask(ctx context.Context, reg TaskList, id string) (datatypes.AsyncTask, error) {
	list, err := r.Refresh(ctx, reg)
	if err != nil {
		return datatypes.AsyncTask{}, err
	}
	for _, t := range list {
		if t.ID == id {
			return t, nil
		}
	}
	return datatypes.AsyncTask{}, &datatypes.NotFoundError{What: "task " + id}
}

// observe polls the backend for t and collects a finished build.
func (r *Runner) observe(ctx context.Context, t datatypes.AsyncTask) (tasks.Observation, bool) {
	h := worker.Handle{ID: t.ID, TaskName: t.TaskName}
	status, err := r.deps.Worker.Poll(ctx, h)
	if err != nil {
		var nf *datatypes.NotFoundError
		if errors.As(err, &nf) {
			if t.CacheKey != "" {
				_ = r.deps.Cache.ReleaseMarker(keycodec.CacheKey(t.CacheKey), t.ID)
			}
			return tasks.Observation{ID: t.ID, Status: datatypes.StatusFailure, Error: PublicMessage(err)}, true
		}
		slog.Warn("Polling async task failed", "task_id", t.ID, "error", err)
		return tasks.Observation{}, false
	}
	if status == t.Status {
		return tasks.Observation{}, false
	}
	o := tasks.Observation{ID: t.ID, Status: status}
	if !status.IsTerminal() {
		return o, true
	}

	if t.CacheKey == "" {
		if status == datatypes.StatusFailure {
			_, ferr := r.deps.Worker.Fetch(ctx, h)
			o.Error = PublicMessage(ferr)
		}
		return o, true
	}
	key, err := keycodec.ParseKey(t.CacheKey)
	if err != nil {
		return o, true
	}
	if _, cerr := r.Collect(ctx, key, h); cerr != nil {
		o.Status = datatypes.StatusFailure
		o.Error = PublicMessage(cerr)
	}
	return o, true
}
