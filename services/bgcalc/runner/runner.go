// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runner orchestrates cached background computations.
//
// # Description
//
// Run answers a computation request from the result cache when possible.
// Otherwise it makes sure exactly one build of the result is in flight: a
// live build marker means someone already computes it and the caller gets
// Pending; no marker means the caller claims the marker, submits the task
// to the worker backend and records an AsyncTask in the session task list.
//
// Multi-part jobs run one task per part, each with its own marker, and
// report the floored mean of the part percentages. A failed part poisons
// the whole job (PartialFailure). Jobs with a prerequisite first make sure
// the prerequisite is cached, submitting it when it is not.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/catalog"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/corpus"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/keycodec"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/observability"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/resultcache"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/tasks"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/worker"
)

var tracer = otel.Tracer("bgcalc.runner")

// =============================================================================
// Dependencies
// =============================================================================

// Cache is the part of the result cache the runner uses.
type Cache interface {
	Get(key keycodec.CacheKey) ([]byte, bool)
	Has(key keycodec.CacheKey) bool
	Put(key keycodec.CacheKey, payload []byte) bool
	TryMark(key keycodec.CacheKey, taskName string) (bool, error)
	AttachTask(key keycodec.CacheKey, taskID, taskName string) error
	ClearMarker(key keycodec.CacheKey) error
	ReleaseMarker(key keycodec.CacheKey, taskID string) error
	ReadMarker(key keycodec.CacheKey) (resultcache.BuildMarker, error)
	LiveMarker(key keycodec.CacheKey) (resultcache.BuildMarker, bool)
}

// TaskList is the session task registry the runner records tasks in.
type TaskList interface {
	Add(ctx context.Context, task datatypes.AsyncTask) error
	Get(ctx context.Context, id string) (datatypes.AsyncTask, bool, error)
	List(ctx context.Context, category datatypes.Category) ([]datatypes.AsyncTask, error)
	SweepTimeouts(ctx context.Context, now time.Time, limit time.Duration) (int, error)
	Observe(ctx context.Context, obs ...tasks.Observation) ([]datatypes.AsyncTask, error)
}

// Deps are the collaborators of a Runner.
//
// # Fields
//
//   - Cache: Result cache with build markers. Required.
//   - Worker: Task backend. Required.
//   - Identity: Corpus identity provider. Required.
//   - Catalog: Kind table. Defaults to catalog.Default().
//   - Inline: Executor for Small kinds. Nil sends them through Worker.
//   - Metrics: Optional.
//   - TaskTimeLimit: Client-side task time limit. Default tasks.DefaultTimeLimit.
//   - Now: Clock. Default time.Now.
type Deps struct {
	Cache         Cache
	Worker        worker.Client
	Identity      corpus.IdentityProvider
	Catalog       *catalog.Catalog
	Inline        *worker.Executor
	Metrics       *observability.Metrics
	TaskTimeLimit time.Duration
	Now           func() time.Time
}

// Runner is the computation orchestrator. Safe for concurrent use.
type Runner struct {
	deps   Deps
	flight singleflight.Group
}

// New creates a runner.
func New(deps Deps) (*Runner, error) {
	if deps.Cache == nil || deps.Worker == nil || deps.Identity == nil {
		return nil, errors.New("runner requires a cache, a worker client and an identity provider")
	}
	if deps.Catalog == nil {
		deps.Catalog = catalog.Default()
	}
	if deps.TaskTimeLimit <= 0 {
		deps.TaskTimeLimit = tasks.DefaultTimeLimit
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Runner{deps: deps}, nil
}

// Catalog returns the kind table.
func (r *Runner) Catalog() *catalog.Catalog {
	return r.deps.Catalog
}

// =============================================================================
// Jobs and Outcomes
// =============================================================================

// Job is one computation request from a user.
//
// # Fields
//
//   - Kind: Catalog kind.
//   - Request: The computation request.
//   - UserID: Requesting user; enters the key for user-scoped kinds.
//   - Label: Task list label. Defaults to the catalog label and corpus.
//   - URLArgs: Stored on the AsyncTask to rebuild the result URL.
type Job struct {
	Kind    string
	Request datatypes.ComputationRequest
	UserID  string
	Label   string
	URLArgs map[string]any
}

// OutcomeKind discriminates Outcome.
type OutcomeKind string

const (
	OutcomeResult         OutcomeKind = "result"
	OutcomePending        OutcomeKind = "pending"
	OutcomePartialFailure OutcomeKind = "partial_failure"
)

// Outcome is the answer to Run.
//
// # Fields
//
//   - Kind: Result, Pending or PartialFailure.
//   - Key: Cache key of the job.
//   - Result: Payload when Kind is result.
//   - Progress: Percentage in [0, 100] when pending.
//   - TaskID: Backend task building the result, when known.
//   - Parts: Per-part percentages of a multi-part job.
//   - FailedParts: Parts that failed, when Kind is partial_failure.
//   - Error: Public failure message, when Kind is partial_failure.
//   - Dependency: Prerequisite kind being built, when pending on it.
type Outcome struct {
	Kind        OutcomeKind       `json:"kind"`
	Key         keycodec.CacheKey `json:"key"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Progress    int               `json:"progress"`
	TaskID      string            `json:"task_id,omitempty"`
	Parts       map[string]int    `json:"parts,omitempty"`
	FailedParts []string          `json:"failed_parts,omitempty"`
	Error       string            `json:"error,omitempty"`
	Dependency  string            `json:"dependency,omitempty"`
}

// Finished reports whether the caller can stop polling.
func (o Outcome) Finished() bool {
	return o.Kind != OutcomePending
}

func resultOutcome(key keycodec.CacheKey, payload []byte) Outcome {
	return Outcome{Kind: OutcomeResult, Key: key, Result: payload, Progress: 100}
}

func pendingOutcome(key keycodec.CacheKey, progress int, taskID string) Outcome {
	return Outcome{Kind: OutcomePending, Key: key, Progress: progress, TaskID: taskID}
}

// =============================================================================
// Run
// =============================================================================

// Run answers job.
//
// # Description
//
// Lookup order: result cache, live build marker, failed build marker,
// new submission. The error return carries submission failures
// (*datatypes.BackendError), invalid requests (*datatypes.UserError) and
// failures of a previous build of the same key, which are surfaced once
// and then forgotten so that the next call retries.
//
// # Inputs
//
//   - ctx: Request context.
//   - reg: Task list of the calling session.
//   - job: The job.
//
// # Outputs
//
//   - Outcome: Result or Pending, or PartialFailure for multi-part jobs.
//   - error: Non-nil on failure; Outcome is then zero.
func (r *Runner) Run(ctx context.Context, reg TaskList, job Job) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "runner.Run",
		trace.WithAttributes(
			attribute.String("bgcalc.kind", job.Kind),
			attribute.String("bgcalc.corpus", job.Request.Corpus),
		),
	)
	defer span.End()

	out, err := r.run(ctx, reg, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.deps.Metrics.RecordOutcome("error")
		return Outcome{}, err
	}
	span.SetAttributes(
		attribute.String("bgcalc.key", string(out.Key)),
		attribute.String("bgcalc.outcome", string(out.Kind)),
		attribute.Int("bgcalc.progress", out.Progress),
	)
	r.deps.Metrics.RecordOutcome(string(out.Kind))
	return out, nil
}

func (r *Runner) run(ctx context.Context, reg TaskList, job Job) (Outcome, error) {
	spec, ok := r.deps.Catalog.Lookup(job.Kind)
	if !ok {
		return Outcome{}, &datatypes.UserError{Msg: fmt.Sprintf("unknown computation kind %q", job.Kind)}
	}
	if err := job.Request.Validate(); err != nil {
		return Outcome{}, &datatypes.UserError{Msg: err.Error()}
	}

	if spec.Prerequisite != nil {
		if out, ready, err := r.ensurePrerequisite(ctx, reg, spec, job); err != nil || !ready {
			return out, err
		}
	}

	key, err := r.keyFor(ctx, spec, job)
	if err != nil {
		return Outcome{}, err
	}
	if spec.IsMultiPart() {
		return r.runMulti(ctx, reg, spec, job, key)
	}

	out, err := r.runSingle(ctx, reg, spec, job, spec.TaskName, key, "")
	var ud *datatypes.UnfinishedDependencyError
	if err != nil && spec.Prerequisite != nil && errors.As(err, &ud) {
		// the worker found the prerequisite missing after all
		slog.Info("Computation reported unfinished dependency",
			"kind", job.Kind, "key", key, "dependency", ud.Dependency)
		pre, ready, perr := r.ensurePrerequisite(ctx, reg, spec, job)
		if perr != nil {
			return Outcome{}, perr
		}
		if ready {
			return out, err
		}
		pre.Key = key
		return pre, nil
	}
	return out, err
}

// keyFor derives the cache key of job.
func (r *Runner) keyFor(ctx context.Context, spec catalog.TaskSpec, job Job) (keycodec.CacheKey, error) {
	id, err := r.deps.Identity.Identity(ctx, job.Request.Corpus)
	if err != nil {
		if errors.Is(err, corpus.ErrUnknownCorpus) {
			return "", &datatypes.NotFoundError{What: "corpus " + job.Request.Corpus}
		}
		return "", fmt.Errorf("corpus identity of %s: %w", job.Request.Corpus, err)
	}
	if spec.UserScoped {
		id = id.ForUser(job.UserID)
	}
	return keycodec.KeyFor(job.Request, id), nil
}

// runSingle runs one artifact build. part is empty for single-part jobs.
func (r *Runner) runSingle(ctx context.Context, reg TaskList, spec catalog.TaskSpec, job Job, taskName string, key keycodec.CacheKey, part string) (Outcome, error) {
	logger := slog.With("kind", spec.Kind, "key", key, "part", part)

	if payload, ok := r.deps.Cache.Get(key); ok {
		return resultOutcome(key, payload), nil
	}

	if spec.Small && r.deps.Inline != nil {
		return r.runInline(ctx, spec, job, taskName, key)
	}

	if m, live := r.deps.Cache.LiveMarker(key); live {
		if out, ok := r.collectFinished(ctx, key, m); ok {
			return out, nil
		}
		r.track(ctx, reg, spec, job, key, part, m.TaskID)
		return pendingOutcome(key, m.Percent(), m.TaskID), nil
	}

	if m, err := r.deps.Cache.ReadMarker(key); err == nil && m.State == resultcache.MarkerFailed {
		return Outcome{}, r.surfaceFailure(ctx, key, m)
	}

	v, err, _ := r.flight.Do(string(key), func() (interface{}, error) {
		return r.submit(ctx, reg, spec, job, taskName, key, part)
	})
	if err != nil {
		return Outcome{}, err
	}
	out := v.(Outcome)
	if out.Kind == OutcomePending {
		// callers that joined another caller's submission track it too
		r.track(ctx, reg, spec, job, key, part, out.TaskID)
	}
	logger.Debug("Computation dispatched", "outcome", out.Kind, "task_id", out.TaskID)
	return out, nil
}

// collectFinished picks up a build whose task already succeeded but whose
// result nobody has collected yet.
func (r *Runner) collectFinished(ctx context.Context, key keycodec.CacheKey, m resultcache.BuildMarker) (Outcome, bool) {
	if m.TaskID == "" {
		return Outcome{}, false
	}
	h := worker.Handle{ID: m.TaskID, TaskName: m.TaskName}
	status, err := r.deps.Worker.Poll(ctx, h)
	if err != nil || status != datatypes.StatusSuccess {
		return Outcome{}, false
	}
	out, err := r.Collect(ctx, key, h)
	if err != nil || out.Kind != OutcomeResult {
		return Outcome{}, false
	}
	return out, true
}

// submit claims the marker of key and hands the job to the backend.
func (r *Runner) submit(ctx context.Context, reg TaskList, spec catalog.TaskSpec, job Job, taskName string, key keycodec.CacheKey, part string) (Outcome, error) {
	// the result may have landed while we waited for the flight
	if payload, ok := r.deps.Cache.Get(key); ok {
		return resultOutcome(key, payload), nil
	}

	won, err := r.deps.Cache.TryMark(key, taskName)
	if err != nil {
		return Outcome{}, &datatypes.BackendError{Op: "claim build marker", Err: err}
	}
	if !won {
		m, _ := r.deps.Cache.LiveMarker(key)
		return pendingOutcome(key, m.Percent(), m.TaskID), nil
	}

	args, err := r.taskArgs(job, key)
	if err != nil {
		_ = r.deps.Cache.ClearMarker(key)
		return Outcome{}, err
	}
	h, err := r.deps.Worker.Submit(ctx, taskName, args, spec.Limit())
	if err != nil {
		if cerr := r.deps.Cache.ClearMarker(key); cerr != nil {
			slog.Warn("Failed to clear build marker after submit failure", "key", key, "error", cerr)
		}
		var be *datatypes.BackendError
		if !errors.As(err, &be) {
			err = &datatypes.BackendError{Op: "submit " + taskName, Err: err}
		}
		return Outcome{}, err
	}

	if err := r.deps.Cache.AttachTask(key, h.ID, taskName); err != nil {
		slog.Warn("Failed to attach task to build marker", "key", key, "task_id", h.ID, "error", err)
	}

	status := h.Status
	if !status.IsValid() {
		status = datatypes.StatusPending
	}
	task := r.newTask(spec, job, key, part, h.ID, taskName, status)
	if err := reg.Add(ctx, task); err != nil {
		slog.Error("Failed to record async task", "task_id", h.ID, "error", err)
	}
	slog.Info("Computation submitted", "kind", spec.Kind, "task", taskName, "task_id", h.ID, "key", key)
	return pendingOutcome(key, 0, h.ID), nil
}

// taskArgs builds the envelope the worker receives.
func (r *Runner) taskArgs(job Job, key keycodec.CacheKey) (json.RawMessage, error) {
	req, err := json.Marshal(struct {
		datatypes.ComputationRequest
		UserID string `json:"user_id,omitempty"`
	}{job.Request, job.UserID})
	if err != nil {
		return nil, &datatypes.UserError{Msg: "request cannot be encoded: " + err.Error()}
	}
	return worker.NewEnvelope(string(key), req)
}

func (r *Runner) newTask(spec catalog.TaskSpec, job Job, key keycodec.CacheKey, part, taskID, taskName string, status datatypes.Status) datatypes.AsyncTask {
	label := job.Label
	if label == "" {
		label = spec.Label + " (" + job.Request.Corpus + ")"
	}
	if part != "" {
		label += " [" + part + "]"
	}
	args := make(map[string]any, len(job.URLArgs)+2)
	for k, v := range job.URLArgs {
		args[k] = v
	}
	args["kind"] = spec.Kind
	if part != "" {
		args["part"] = part
	}
	return datatypes.AsyncTask{
		ID:        taskID,
		Category:  spec.Category,
		Label:     label,
		CreatedAt: r.deps.Now().UnixMilli(),
		Status:    status,
		Args:      args,
		TaskName:  taskName,
		CacheKey:  string(key),
	}
}

// track makes sure a build some other caller started shows up in this
// session's task list.
func (r *Runner) track(ctx context.Context, reg TaskList, spec catalog.TaskSpec, job Job, key keycodec.CacheKey, part, taskID string) {
	if taskID == "" || reg == nil {
		return
	}
	if _, ok, err := reg.Get(ctx, taskID); err != nil || ok {
		return
	}
	taskName := spec.TaskName
	if part != "" {
		taskName = spec.PartTaskName(part)
	}
	task := r.newTask(spec, job, key, part, taskID, taskName, datatypes.StatusPending)
	if err := reg.Add(ctx, task); err != nil {
		slog.Warn("Failed to track shared async task", "task_id", taskID, "error", err)
	}
}

// runInline computes a small job in the request path. The build marker
// still admits a single computation; concurrent callers get Pending and
// find the result on their next request.
func (r *Runner) runInline(ctx context.Context, spec catalog.TaskSpec, job Job, taskName string, key keycodec.CacheKey) (Outcome, error) {
	won, err := r.deps.Cache.TryMark(key, taskName)
	if err != nil {
		return Outcome{}, &datatypes.BackendError{Op: "claim build marker", Err: err}
	}
	if !won {
		m, _ := r.deps.Cache.LiveMarker(key)
		return pendingOutcome(key, m.Percent(), ""), nil
	}
	taskID := "inline-" + uuid.NewString()
	if err := r.deps.Cache.AttachTask(key, taskID, taskName); err != nil {
		slog.Warn("Failed to attach inline task to build marker", "key", key, "error", err)
	}

	args, err := r.taskArgs(job, key)
	if err != nil {
		_ = r.deps.Cache.ReleaseMarker(key, taskID)
		return Outcome{}, err
	}
	result, cerr := r.deps.Inline.Execute(ctx, taskID, taskName, args, spec.Limit())
	if cerr != nil {
		// the caller gets the error now, nothing is left to surface later
		_ = r.deps.Cache.ReleaseMarker(key, taskID)
		return Outcome{}, cerr.Restore()
	}
	r.deps.Cache.Put(key, result)
	if err := r.deps.Cache.ReleaseMarker(key, taskID); err != nil {
		slog.Warn("Failed to release inline build marker", "key", key, "error", err)
	}
	return resultOutcome(key, result), nil
}

// surfaceFailure reports the failure recorded on a marker and clears it so
// the next request recomputes.
func (r *Runner) surfaceFailure(ctx context.Context, key keycodec.CacheKey, m resultcache.BuildMarker) error {
	var failure error
	if m.TaskID != "" {
		_, failure = r.deps.Worker.Fetch(ctx, worker.Handle{ID: m.TaskID, TaskName: m.TaskName})
	}
	if failure == nil || errors.Is(failure, worker.ErrNotReady) {
		failure = &datatypes.ComputationError{Type: "ComputationError", Message: m.Error}
	}
	if err := r.deps.Cache.ReleaseMarker(key, m.TaskID); err != nil {
		slog.Warn("Failed to clear failed build marker", "key", key, "error", err)
	}
	return failure
}
