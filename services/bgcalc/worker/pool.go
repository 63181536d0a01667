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
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/observability"
)

// DefaultRetention is how long finished jobs stay fetchable in a Pool.
const DefaultRetention = 2 * time.Hour

var errPoolClosed = errors.New("worker pool closed")

// PoolConfig configures the in-process backend.
//
// # Fields
//
//   - Workers: Maximum concurrently running handlers. Default 4.
//   - Retention: Time finished jobs remain fetchable. Default 2h.
type PoolConfig struct {
	Workers   int64
	Retention time.Duration
}

type poolJob struct {
	handle   Handle
	status   datatypes.Status
	result   json.RawMessage
	err      *datatypes.ComputationError
	finished time.Time
}

// Pool is an in-process Client backed by a bounded set of goroutines.
//
// # Description
//
// Submit returns immediately; the job waits on a weighted semaphore for a
// free slot. Jobs are forgotten Retention after they finish, after which
// Poll and Fetch report them as not found.
//
// # Thread Safety
//
// Safe for concurrent use.
type Pool struct {
	exec      *Executor
	sem       *semaphore.Weighted
	retention time.Duration
	metrics   *observability.Metrics

	mu     sync.Mutex
	jobs   map[string]*poolJob
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool running handlers through exec.
func NewPool(exec *Executor, cfg PoolConfig, metrics *observability.Metrics) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		exec:      exec,
		sem:       semaphore.NewWeighted(cfg.Workers),
		retention: cfg.Retention,
		metrics:   metrics,
		jobs:      make(map[string]*poolJob),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit implements Client.
func (p *Pool) Submit(_ context.Context, taskName string, args json.RawMessage, timeLimit time.Duration) (Handle, error) {
	if _, ok := p.exec.Registry().Lookup(taskName); !ok {
		return Handle{}, &datatypes.BackendError{Op: "submit " + taskName, Err: errors.New("unknown task")}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Handle{}, &datatypes.BackendError{Op: "submit " + taskName, Err: errPoolClosed}
	}
	h := Handle{
		ID:          uuid.NewString(),
		TaskName:    taskName,
		Status:      datatypes.StatusPending,
		SubmittedAt: time.Now().UnixMilli(),
		TimeLimit:   timeLimit,
	}
	job := &poolJob{handle: h, status: datatypes.StatusPending}
	p.jobs[h.ID] = job
	p.wg.Add(1)
	p.mu.Unlock()

	p.metrics.RecordSubmit(taskName)
	go p.run(job, args)
	return h, nil
}

func (p *Pool) run(job *poolJob, args json.RawMessage) {
	defer p.wg.Done()
	h := job.handle

	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		p.finish(job, nil, &datatypes.ComputationError{Type: "Cancelled", Message: errPoolClosed.Error()})
		return
	}
	defer p.sem.Release(1)

	p.mu.Lock()
	job.status = job.status.Advance(datatypes.StatusStarted)
	p.mu.Unlock()

	result, cerr := p.exec.Execute(p.ctx, h.ID, h.TaskName, args, h.TimeLimit)
	p.finish(job, result, cerr)
}

func (p *Pool) finish(job *poolJob, result json.RawMessage, cerr *datatypes.ComputationError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cerr != nil {
		job.status = job.status.Advance(datatypes.StatusFailure)
		job.err = cerr
	} else {
		job.status = job.status.Advance(datatypes.StatusSuccess)
		job.result = result
	}
	job.finished = time.Now()
	id := job.handle.ID
	time.AfterFunc(p.retention, func() {
		p.mu.Lock()
		delete(p.jobs, id)
		p.mu.Unlock()
	})
}

func (p *Pool) lookup(id string) (*poolJob, error) {
	job, ok := p.jobs[id]
	if !ok {
		return nil, &datatypes.NotFoundError{What: "task " + id}
	}
	return job, nil
}

// Poll implements Client.
func (p *Pool) Poll(_ context.Context, h Handle) (datatypes.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, err := p.lookup(h.ID)
	if err != nil {
		return "", err
	}
	return job.status, nil
}

// Fetch implements Client.
func (p *Pool) Fetch(_ context.Context, h Handle) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, err := p.lookup(h.ID)
	if err != nil {
		return nil, err
	}
	switch job.status {
	case datatypes.StatusSuccess:
		return job.result, nil
	case datatypes.StatusFailure:
		return nil, job.err.Restore()
	default:
		return nil, ErrNotReady
	}
}

// Close stops accepting work, cancels running handlers and waits for them
// to return.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	slog.Info("Worker pool closed")
	return nil
}
