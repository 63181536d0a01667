// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resultcache

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/keycodec"
)

// SweepResult summarizes one sweep.
//
// # Fields
//
//   - Total: Artifacts examined.
//   - Removed: Artifacts removed because they outlived the TTL.
//   - Errors: Entries that could not be inspected or removed.
//   - MarkersRemoved: Abandoned build markers removed.
//   - TempRemoved: Leftover temp files removed.
type SweepResult struct {
	Total          int           `json:"total"`
	Removed        int           `json:"removed"`
	Errors         int           `json:"errors"`
	MarkersRemoved int           `json:"markers_removed"`
	TempRemoved    int           `json:"temp_removed"`
	Duration       time.Duration `json:"-"`
}

// Sweep removes artifacts whose modification time is older than ttl, along
// with abandoned build markers and leftover temp files.
//
// # Description
//
// Sweep is meant for an out-of-band job (scheduler or CLI), never for a
// request path. Failures on single entries are counted and the sweep
// continues.
func (c *Cache) Sweep(ttl time.Duration) SweepResult {
	start := c.now()
	var res SweepResult

	shards, err := os.ReadDir(c.root)
	if err != nil {
		c.logger.Error("Cache sweep cannot list root", "root", c.root, "error", err)
		res.Errors++
		return res
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		c.sweepShard(filepath.Join(c.root, shard.Name()), ttl, &res)
	}

	res.Duration = c.now().Sub(start)
	c.metrics.RecordSweep(res.Removed, res.MarkersRemoved, res.Errors)
	return res
}

func (c *Cache) sweepShard(dir string, ttl time.Duration, res *SweepResult) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		c.logger.Warn("Cache sweep cannot list shard", "dir", dir, "error", err)
		res.Errors++
		return
	}
	now := c.now()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(dir, name)

		switch {
		case isTemp(name) || strings.Contains(name, tombInfix):
			info, err := e.Info()
			if err != nil {
				continue
			}
			// temp files of writes in flight are young
			if now.Sub(info.ModTime()) > c.staleAfter {
				if c.remove(path, res) {
					res.TempRemoved++
				}
			}

		case strings.HasSuffix(name, markerExt):
			if c.sweepMarker(keycodec.CacheKey(strings.TrimSuffix(name, markerExt)), path, res) {
				res.MarkersRemoved++
			}

		case strings.HasSuffix(name, artifactExt):
			res.Total++
			info, err := e.Info()
			if err != nil {
				res.Errors++
				continue
			}
			if now.Sub(info.ModTime()) > ttl {
				if c.remove(path, res) {
					res.Removed++
					if c.mem != nil {
						c.mem.Remove(keycodec.CacheKey(strings.TrimSuffix(name, artifactExt)))
					}
				}
			}
		}
	}
}

// sweepMarker removes the marker at path unless it is live. The marker
// lock is held so that a concurrent rewrite cannot resurrect it.
func (c *Cache) sweepMarker(key keycodec.CacheKey, path string, res *SweepResult) bool {
	if key.Valid() {
		unlock, err := c.lockMarker(key)
		if err != nil {
			c.logger.Warn("Cache sweep cannot lock marker", "path", path, "error", err)
			res.Errors++
			return false
		}
		defer unlock()
	}
	if _, live := c.inspect(path); live {
		return false
	}
	return c.remove(path, res)
}

func (c *Cache) remove(path string, res *SweepResult) bool {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false
		}
		c.logger.Warn("Cache sweep failed to remove entry", "path", path, "error", err)
		res.Errors++
		return false
	}
	return true
}

// =============================================================================
// Key State
// =============================================================================

// KeyState is the combined view of the artifact and marker of one key.
type KeyState struct {
	Key      string `json:"key"`
	Cached   bool   `json:"cached"`
	Building bool   `json:"building"`
	Progress int    `json:"progress"`
	TaskID   string `json:"task_id,omitempty"`
	Failed   bool   `json:"failed,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Finished reports whether the key needs no further polling.
func (s KeyState) Finished() bool {
	return s.Cached || s.Failed || !s.Building
}

// State inspects key without reading the artifact payload.
func (c *Cache) State(key keycodec.CacheKey) KeyState {
	st := KeyState{Key: string(key)}
	if c.Has(key) {
		st.Cached = true
		st.Progress = 100
		return st
	}
	m, err := c.ReadMarker(key)
	if err != nil {
		return st
	}
	st.TaskID = m.TaskID
	if m.State == MarkerFailed {
		st.Failed = true
		st.Error = m.Error
		return st
	}
	if c.isLive(m) {
		st.Building = true
		st.Progress = m.Percent()
	}
	return st
}
