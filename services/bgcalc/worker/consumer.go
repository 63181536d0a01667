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
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

// ConsumerConfig configures the worker-fleet loop.
//
// # Fields
//
//   - Name: Worker identity stored on claimed rows. Default host:pid.
//   - Concurrency: Parallel task slots. Default 2.
//   - PollInterval: Fallback claim interval when no NOTIFY arrives. Default 5s.
//   - ReapInterval: Reaper period. Default 1m. Negative disables the reaper.
//   - Retention: Finished rows older than this are purged. Default 24h.
type ConsumerConfig struct {
	Name         string
	Concurrency  int
	PollInterval time.Duration
	ReapInterval time.Duration
	Retention    time.Duration
}

func (c *ConsumerConfig) applyDefaults() {
	if c.Name == "" {
		host, _ := os.Hostname()
		c.Name = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
}

// Consumer drains a PGQueue through an Executor.
type Consumer struct {
	queue *PGQueue
	exec  *Executor
	cfg   ConsumerConfig
}

// NewConsumer creates a consumer for every task registered with exec.
func NewConsumer(queue *PGQueue, exec *Executor, cfg ConsumerConfig) *Consumer {
	cfg.applyDefaults()
	return &Consumer{queue: queue, exec: exec, cfg: cfg}
}

// Run blocks until ctx is cancelled or a loop fails.
//
// # Description
//
// Starts the NOTIFY listener, the reaper and Concurrency claim loops. A
// task interrupted by shutdown is put back to PENDING so another worker
// picks it up.
func (c *Consumer) Run(ctx context.Context) error {
	names := c.exec.Registry().Names()
	if len(names) == 0 {
		return fmt.Errorf("consumer %s has no registered tasks", c.cfg.Name)
	}
	slog.Info("Worker consumer starting",
		"worker", c.cfg.Name, "concurrency", c.cfg.Concurrency, "tasks", names)

	wake := make(chan struct{}, 1)
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.queue.Listen(gCtx, wake)
	})
	if c.cfg.ReapInterval > 0 {
		g.Go(func() error {
			c.reapLoop(gCtx)
			return nil
		})
	}
	for i := 0; i < c.cfg.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			return c.claimLoop(gCtx, slot, names, wake)
		})
	}

	err := g.Wait()
	slog.Info("Worker consumer stopped", "worker", c.cfg.Name)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Consumer) claimLoop(ctx context.Context, slot int, names []string, wake chan struct{}) error {
	workerName := fmt.Sprintf("%s/%d", c.cfg.Name, slot)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		worked, err := c.RunOnce(ctx, workerName, names)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("Claiming task failed", "worker", workerName, "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes at most one task. It reports whether a task
// was found.
func (c *Consumer) RunOnce(ctx context.Context, workerName string, names []string) (bool, error) {
	task, err := c.queue.Claim(ctx, workerName, names)
	if err != nil || task == nil {
		return false, err
	}

	result, cerr := c.exec.Execute(ctx, task.ID, task.TaskName, task.Args, task.TimeLimit)

	// ctx may be gone already; the outcome still has to be written
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if ctx.Err() != nil {
		if err := c.queue.Requeue(writeCtx, task.ID); err != nil {
			slog.Error("Failed to requeue interrupted task", "task_id", task.ID, "error", err)
		}
		return true, nil
	}
	changed, err := c.queue.Complete(writeCtx, task.ID, result, cerr)
	if err != nil {
		return true, err
	}
	if !changed {
		slog.Warn("Task outcome discarded, row no longer running", "task_id", task.ID, "task", task.TaskName)
	}
	return true, nil
}

func (c *Consumer) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := c.queue.Reap(ctx, c.cfg.Retention)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("Task reaper failed", "error", err)
				}
				continue
			}
			if res.TimedOut > 0 || res.Purged > 0 {
				slog.Info("Task reaper pass", "timed_out", res.TimedOut, "purged", res.Purged)
			}
		}
	}
}
