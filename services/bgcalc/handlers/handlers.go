// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers is the HTTP surface of the background computation
// service: job submission, the session task list and status streams over
// SSE and websocket.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/keycodec"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/observability"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/runner"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/session"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/status"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/tasks"
)

// DefaultKeepAlive is the SSE keep-alive period.
const DefaultKeepAlive = 15 * time.Second

// Runner is the part of the computation runner the handlers use.
type Runner interface {
	Run(ctx context.Context, reg runner.TaskList, job runner.Job) (runner.Outcome, error)
	Refresh(ctx context.Context, reg runner.TaskList) ([]datatypes.AsyncTask, error)
	RefreshTask(ctx context.Context, reg runner.TaskList, id string) (datatypes.AsyncTask, error)
}

// Deps are the collaborators of Handlers.
//
// # Fields
//
//   - Runner: Computation runner. Required.
//   - Sessions: Session store holding task lists. Required.
//   - Cache: Cache state source for key status queries. Required.
//   - Channel: Status channel. Defaults to status.New(status.Config{}).
//   - Metrics: Optional.
//   - KeepAlive: SSE keep-alive period. Default DefaultKeepAlive.
type Deps struct {
	Runner    Runner
	Sessions  session.Store
	Cache     status.KeyStateSource
	Channel   *status.Channel
	Metrics   *observability.Metrics
	KeepAlive time.Duration
}

// Handlers holds the gin handlers.
type Handlers struct {
	deps Deps
}

// New creates the handlers.
func New(deps Deps) *Handlers {
	if deps.Channel == nil {
		deps.Channel = status.New(status.Config{})
	}
	if deps.KeepAlive <= 0 {
		deps.KeepAlive = DefaultKeepAlive
	}
	return &Handlers{deps: deps}
}

func (h *Handlers) registry(c *gin.Context) *tasks.Registry {
	return tasks.New(h.deps.Sessions, SessionID(c))
}

// =============================================================================
// Submission
// =============================================================================

// CalcRequest is the body of POST /v1/calc/:kind.
//
// # Fields
//
//   - Corpus: Corpus identifier.
//   - Subcorpus: Optional subcorpus identifier.
//   - Ops: Query and operation tokens.
//   - Params: Named computation parameters.
//   - Label: Optional task list label.
//   - URLArgs: Values the client needs to rebuild the result URL.
type CalcRequest struct {
	Corpus    string         `json:"corpus" binding:"required,max=255"`
	Subcorpus string         `json:"subcorpus,omitempty" binding:"max=255"`
	Ops       []string       `json:"ops" binding:"max=64,dive,required"`
	Params    map[string]any `json:"params,omitempty"`
	Label     string         `json:"label,omitempty" binding:"max=512"`
	URLArgs   map[string]any `json:"url_args,omitempty"`
}

// Submit handles POST /v1/calc/:kind.
//
// # Description
//
// Runs the job. A cached result answers 200 with the payload, a build in
// progress answers 202 with its progress and task id, and a multi-part job
// with a failed part answers 422 with the part breakdown.
func (h *Handlers) Submit(c *gin.Context) {
	var req CalcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, &datatypes.UserError{Msg: "invalid request body: " + err.Error()})
		return
	}
	kind := c.Param("kind")
	ops := req.Ops
	if len(ops) == 0 {
		ops = []string{kind}
	}
	job := runner.Job{
		Kind: kind,
		Request: datatypes.ComputationRequest{
			Corpus:    req.Corpus,
			Subcorpus: req.Subcorpus,
			Ops:       ops,
			Params:    req.Params,
		},
		UserID:  UserID(c),
		Label:   req.Label,
		URLArgs: req.URLArgs,
	}

	out, err := h.deps.Runner.Run(c.Request.Context(), h.registry(c), job)
	if err != nil {
		writeError(c, err)
		return
	}
	switch out.Kind {
	case runner.OutcomeResult:
		c.JSON(http.StatusOK, out)
	case runner.OutcomePartialFailure:
		c.JSON(http.StatusUnprocessableEntity, out)
	default:
		c.JSON(http.StatusAccepted, out)
	}
}

// =============================================================================
// Task List
// =============================================================================

// ListTasks handles GET /v1/tasks. The list is refreshed against the
// backend first; ?category= filters it.
func (h *Handlers) ListTasks(c *gin.Context) {
	list, err := h.deps.Runner.Refresh(c.Request.Context(), h.registry(c))
	if err != nil {
		writeError(c, err)
		return
	}
	category := datatypes.Category(c.Query("category"))
	out := make([]datatypes.AsyncTask, 0, len(list))
	for _, t := range list {
		if category == "" || t.Category == category {
			out = append(out, t)
		}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

// GetTask handles GET /v1/tasks/:id.
func (h *Handlers) GetTask(c *gin.Context) {
	task, err := h.deps.Runner.RefreshTask(c.Request.Context(), h.registry(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// DeleteTask handles DELETE /v1/tasks/:id.
func (h *Handlers) DeleteTask(c *gin.Context) {
	id := c.Param("id")
	found, err := h.registry(c).Remove(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !found {
		writeError(c, &datatypes.NotFoundError{What: "task " + id})
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteFailed handles DELETE /v1/tasks: failed tasks are dropped.
func (h *Handlers) DeleteFailed(c *gin.Context) {
	n, err := h.registry(c).RemoveFailed(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

// =============================================================================
// Status
// =============================================================================

func (h *Handlers) taskResolver(c *gin.Context) status.Resolver {
	return status.TaskResolver(h.deps.Runner, h.registry(c), c.Param("id"))
}

func (h *Handlers) keyResolver(c *gin.Context) (status.Resolver, bool) {
	key, err := keycodec.ParseKey(c.Param("key"))
	if err != nil {
		writeError(c, &datatypes.UserError{Msg: err.Error()})
		return nil, false
	}
	return status.KeyResolver(h.deps.Cache, key), true
}

// CacheStatus handles GET /v1/cache/:key/status.
func (h *Handlers) CacheStatus(c *gin.Context) {
	resolve, ok := h.keyResolver(c)
	if !ok {
		return
	}
	u, err := h.deps.Channel.Poll(c.Request.Context(), resolve)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u.Value)
}

// StreamTask handles GET /v1/tasks/:id/stream.
func (h *Handlers) StreamTask(c *gin.Context) {
	h.streamSSE(c, EventTask, h.taskResolver(c))
}

// StreamCache handles GET /v1/cache/:key/stream.
func (h *Handlers) StreamCache(c *gin.Context) {
	resolve, ok := h.keyResolver(c)
	if !ok {
		return
	}
	h.streamSSE(c, EventCache, resolve)
}

// streamSummary is the payload of the done event.
type streamSummary struct {
	Finished   bool `json:"finished"`
	Iterations int  `json:"iterations"`
}

// streamSSE runs a status stream over Server-Sent Events.
//
// # Description
//
// Emits one event per status cycle, keep-alive comments in between and a
// final done event. A resolver failure is sent as an error event before
// done. The stream ends when the client disconnects.
func (h *Handlers) streamSSE(c *gin.Context, event string, resolve status.Resolver) {
	SetSSEHeaders(c.Writer)
	w, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: "streaming not supported"})
		return
	}
	c.Status(http.StatusOK)

	h.deps.Metrics.StreamStarted("sse")
	defer h.deps.Metrics.StreamEnded("sse")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		ticker := time.NewTicker(h.deps.KeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.WriteKeepAlive(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	res, err := h.deps.Channel.Stream(ctx, resolve, func(u status.Update) error {
		return w.WriteEvent(event, u.Value)
	})
	if ctx.Err() != nil {
		slog.Debug("Status stream closed by client", "path", c.FullPath(), "iterations", res.Iterations)
		return
	}
	if err != nil {
		_, body := classify(err)
		_ = w.WriteError(body.Error)
	}
	_ = w.WriteDone(streamSummary{Finished: res.Finished, Iterations: res.Iterations})
}

// Health handles GET /health.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
