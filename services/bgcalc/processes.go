// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bgcalc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/catalog"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/observability"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/resultcache"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/sweeper"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/worker"
)

// =============================================================================
// Worker Process
// =============================================================================

// RunWorker drains the Postgres task queue until ctx is cancelled.
//
// # Description
//
// The worker writes results and build markers to the same cache directory
// the web tier reads, so Cache.Root must point to shared storage. engine
// may be nil, in which case the configured commands are run.
func RunWorker(ctx context.Context, cfg Config, engine worker.Engine) error {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Worker.Backend != BackendPGQueue {
		return fmt.Errorf("the worker process needs the %s backend, configured: %s", BackendPGQueue, cfg.Worker.Backend)
	}

	metrics := observability.InitMetrics()
	cache, err := resultcache.New(cfg.Cache, resultcache.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("failed to open result cache: %w", err)
	}
	cat := catalog.Default()
	queue, err := OpenQueue(ctx, cfg.Worker, cat, metrics)
	if err != nil {
		return err
	}
	defer queue.Close()

	exec := NewExecutor(cfg.Worker, cat, cache, metrics, engine)
	consumer := worker.NewConsumer(queue, exec, worker.ConsumerConfig{
		Concurrency: cfg.Worker.Concurrency,
		Retention:   cfg.Worker.Retention,
	})
	slog.Info("Starting bgcalc worker", "tasks", len(cat.TaskNames()), "concurrency", cfg.Worker.Concurrency)
	return consumer.Run(ctx)
}

// Migrate creates the Postgres queue schema.
func Migrate(ctx context.Context, cfg Config) error {
	cfg = applyConfigDefaults(cfg)
	queue, err := OpenQueue(ctx, cfg.Worker, catalog.Default(), nil)
	if err != nil {
		return err
	}
	defer queue.Close()
	return queue.Migrate(ctx)
}

// =============================================================================
// One-shot Sweep
// =============================================================================

// Sweep runs one cache sweep with ttl, or with the configured TTL when ttl
// is zero. The run is appended to the audit log when one is configured.
func Sweep(cfg Config, ttl time.Duration) (resultcache.SweepResult, error) {
	cfg = applyConfigDefaults(cfg)
	if ttl > 0 {
		cfg.Sweeper.TTL = ttl
	}
	cache, err := resultcache.New(cfg.Cache)
	if err != nil {
		return resultcache.SweepResult{}, fmt.Errorf("failed to open result cache: %w", err)
	}

	var auditor sweeper.Auditor
	if cfg.Sweeper.AuditLog != "" {
		audit, err := sweeper.OpenAuditLog(cfg.Sweeper.AuditLog)
		if err != nil {
			return resultcache.SweepResult{}, err
		}
		defer audit.Close()
		auditor = audit
	}
	s := sweeper.NewScheduler(cache, auditor, sweeper.Config{TTL: cfg.Sweeper.TTL})
	return s.RunNow(), nil
}
