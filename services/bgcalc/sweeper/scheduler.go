// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sweeper runs the out-of-band result cache sweep on a schedule.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/resultcache"
)

// =============================================================================
// Interfaces
// =============================================================================

// Sweeper removes expired cache entries.
type Sweeper interface {
	Sweep(ttl time.Duration) resultcache.SweepResult
}

// Auditor records sweep cycles. May be nil.
type Auditor interface {
	LogSweep(result resultcache.SweepResult, ttl time.Duration) error
	Close() error
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Scheduler.
//
// # Fields
//
//   - Interval: Time between two sweeps. Default 1h.
//   - TTL: Artifact lifetime. Default 24h.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	TTL      time.Duration `yaml:"ttl"`
}

// DefaultConfig returns the default schedule.
func DefaultConfig() Config {
	return Config{
		Interval: time.Hour,
		TTL:      24 * time.Hour,
	}
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler sweeps the cache periodically.
//
// # Description
//
// The first sweep runs right after Start, then one per Interval until Stop
// is called or the context passed to Start is cancelled. Sweeps never
// overlap: a slow sweep delays the next tick.
//
// # Thread Safety
//
// Start, Stop and RunNow are safe for concurrent use.
type Scheduler struct {
	sweeper Sweeper
	audit   Auditor
	config  Config

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
	cycle   sync.Mutex
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(sweeper Sweeper, audit Auditor, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &Scheduler{sweeper: sweeper, audit: audit, config: cfg}
}

// Start launches the sweep loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	slog.Info("Cache sweep scheduler starting",
		"interval", s.config.Interval.String(),
		"ttl", s.config.TTL.String(),
	)
	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop ends the loop and waits for a running sweep to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	slog.Info("Cache sweep scheduler stopping")
	close(s.done)
	stopped := s.stopped
	s.running = false
	s.mu.Unlock()

	<-stopped
	return nil
}

// RunNow runs one sweep synchronously.
func (s *Scheduler) RunNow() resultcache.SweepResult {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	res := s.sweeper.Sweep(s.config.TTL)
	if res.Removed > 0 || res.MarkersRemoved > 0 || res.Errors > 0 {
		slog.Info("Cache sweep completed",
			"total", res.Total,
			"removed", res.Removed,
			"markers_removed", res.MarkersRemoved,
			"temp_removed", res.TempRemoved,
			"errors", res.Errors,
			"duration_ms", res.Duration.Milliseconds(),
		)
	} else {
		slog.Debug("Cache sweep completed (nothing expired)", "total", res.Total)
	}
	if s.audit != nil {
		if err := s.audit.LogSweep(res, s.config.TTL); err != nil {
			slog.Warn("Failed to write sweep audit record", "error", err)
		}
	}
	return res
}

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.RunNow()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Cache sweep scheduler stopped (context cancelled)")
			return
		case <-done:
			slog.Info("Cache sweep scheduler stopped (stop requested)")
			return
		case <-ticker.C:
			s.RunNow()
		}
	}
}
