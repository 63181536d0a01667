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
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/keycodec"
)

// MarkerVersion is the schema version written into build markers.
const MarkerVersion = 1

// ErrMarkerLost is returned when a marker was taken over by another build.
var ErrMarkerLost = errors.New("build marker owned by another task")

// MarkerState is the phase recorded in a build marker.
type MarkerState string

const (
	// MarkerClaimed: the submitting process won admission but has not yet
	// handed the job to the backend. Dead-owner detection applies.
	MarkerClaimed MarkerState = "claimed"
	// MarkerQueued: the job sits in the backend queue. Only the staleness
	// window applies since the submitter no longer matters.
	MarkerQueued MarkerState = "queued"
	// MarkerRunning: a worker is computing. Dead-owner detection applies to
	// the worker process.
	MarkerRunning MarkerState = "running"
	// MarkerFailed: the computation failed and nobody collected it yet.
	MarkerFailed MarkerState = "failed"
)

// BuildMarker is the side-car record of a computation in progress.
//
// # Fields
//
//   - Version: Schema version (MarkerVersion).
//   - Key: Cache key being built.
//   - TaskID: Backend task id, empty until the job is submitted.
//   - TaskName: Backend handler name.
//   - State: Build phase.
//   - PID, Host: Process currently responsible for the marker.
//   - CreatedAt, UpdatedAt: Unix milliseconds. UpdatedAt drives staleness.
//   - TotalUnits, DoneUnits: Progress counters reported by the handler.
//   - ProgressFraction: DoneUnits/TotalUnits in [0, 1].
//   - Error: Failure message when State is failed.
type BuildMarker struct {
	Version          int         `json:"version"`
	Key              string      `json:"key"`
	TaskID           string      `json:"task_id,omitempty"`
	TaskName         string      `json:"task_name,omitempty"`
	State            MarkerState `json:"state"`
	PID              int         `json:"pid"`
	Host             string      `json:"host"`
	CreatedAt        int64       `json:"created_at"`
	UpdatedAt        int64       `json:"updated_at"`
	TotalUnits       int64       `json:"total_units"`
	DoneUnits        int64       `json:"done_units"`
	ProgressFraction float64     `json:"progress_fraction"`
	Error            string      `json:"error,omitempty"`
}

// Percent returns the progress as an integer percentage in [0, 100],
// rounded down.
func (m BuildMarker) Percent() int {
	p := int(math.Floor(m.ProgressFraction * 100))
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// Updated returns UpdatedAt as a time value.
func (m BuildMarker) Updated() time.Time {
	return time.UnixMilli(m.UpdatedAt)
}

// =============================================================================
// Marker Operations
// =============================================================================

// TryMark claims the build of key for taskName.
//
// # Description
//
// The marker is written to a temp file and hard-linked into place, which
// fails if a marker already exists. An existing marker that is no longer
// live is reclaimed once and the claim retried.
//
// # Outputs
//
//   - bool: True if this caller now owns the build.
//   - error: Non-nil only for I/O failures other than "already exists".
func (c *Cache) TryMark(key keycodec.CacheKey, taskName string) (bool, error) {
	unlock, err := c.lockMarker(key)
	if err != nil {
		return false, err
	}
	defer unlock()

	path := c.markerPath(key)
	now := c.now().UnixMilli()
	m := BuildMarker{
		Version:   MarkerVersion,
		Key:       string(key),
		TaskName:  taskName,
		State:     MarkerClaimed,
		PID:       c.pid,
		Host:      c.host,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for attempt := 0; attempt < 2; attempt++ {
		err := c.createExclusive(path, m)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return false, err
		}
		if _, live := c.inspect(path); live {
			return false, nil
		}
		c.reclaim(path)
	}
	return false, nil
}

// AttachTask records the backend task id on the marker of key. A running
// worker may already have written its own state; it is preserved. A missing
// marker means the build already finished and is not an error.
func (c *Cache) AttachTask(key keycodec.CacheKey, taskID, taskName string) error {
	err := c.modifyMarker(key, func(m *BuildMarker) error {
		if m.TaskID != "" && m.TaskID != taskID {
			return ErrMarkerLost
		}
		m.TaskID = taskID
		if taskName != "" {
			m.TaskName = taskName
		}
		if m.State == MarkerClaimed {
			m.State = MarkerQueued
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// UpdateProgress is called by the process running the computation. It
// takes over ownership of the marker (pid, host) and records progress.
//
// ErrMarkerLost is returned when the marker belongs to another task, was
// already failed, or no longer exists. A failed marker stays failed and a
// released one is never recreated.
func (c *Cache) UpdateProgress(key keycodec.CacheKey, taskID string, done, total int64) error {
	err := c.modifyMarker(key, func(m *BuildMarker) error {
		if m.State == MarkerFailed || (m.TaskID != "" && m.TaskID != taskID) {
			return ErrMarkerLost
		}
		c.applyProgress(m, taskID, done, total)
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return ErrMarkerLost
	}
	return err
}

func (c *Cache) applyProgress(m *BuildMarker, taskID string, done, total int64) {
	m.TaskID = taskID
	m.State = MarkerRunning
	m.PID = c.pid
	m.Host = c.host
	m.UpdatedAt = c.now().UnixMilli()
	m.TotalUnits = total
	m.DoneUnits = done
	switch {
	case total > 0:
		m.ProgressFraction = math.Min(1, math.Max(0, float64(done)/float64(total)))
	case done > 0:
		m.ProgressFraction = 1
	default:
		m.ProgressFraction = 0
	}
}

// MarkFailed records a failed computation on the marker of key.
func (c *Cache) MarkFailed(key keycodec.CacheKey, taskID, msg string) error {
	return c.modifyMarker(key, func(m *BuildMarker) error {
		if m.TaskID != "" && taskID != "" && m.TaskID != taskID {
			return ErrMarkerLost
		}
		m.State = MarkerFailed
		m.Error = msg
		m.UpdatedAt = c.now().UnixMilli()
		return nil
	})
}

// ClearMarker removes the marker of key unconditionally.
func (c *Cache) ClearMarker(key keycodec.CacheKey) error {
	unlock, err := c.lockMarker(key)
	if err != nil {
		return err
	}
	defer unlock()
	return c.removeMarker(key)
}

// ReleaseMarker removes the marker of key only if it belongs to taskID or
// has no task attached.
func (c *Cache) ReleaseMarker(key keycodec.CacheKey, taskID string) error {
	unlock, err := c.lockMarker(key)
	if err != nil {
		return err
	}
	defer unlock()

	m, err := readMarker(c.markerPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if m.TaskID != "" && m.TaskID != taskID {
		return ErrMarkerLost
	}
	return c.removeMarker(key)
}

func (c *Cache) removeMarker(key keycodec.CacheKey) error {
	if err := os.Remove(c.markerPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove build marker %s: %w", key, err)
	}
	return nil
}

// ReadMarker returns the marker of key. os.ErrNotExist is returned when
// there is none.
func (c *Cache) ReadMarker(key keycodec.CacheKey) (BuildMarker, error) {
	if !key.Valid() {
		return BuildMarker{}, fmt.Errorf("invalid cache key %q", key)
	}
	return readMarker(c.markerPath(key))
}

// IsBuilding reports whether a live marker exists for key, and its
// progress percentage.
func (c *Cache) IsBuilding(key keycodec.CacheKey) (bool, int) {
	if !key.Valid() {
		return false, 0
	}
	m, live := c.inspect(c.markerPath(key))
	if !live {
		return false, 0
	}
	return true, m.Percent()
}

// LiveMarker returns the marker of key if it is live.
func (c *Cache) LiveMarker(key keycodec.CacheKey) (BuildMarker, bool) {
	if !key.Valid() {
		return BuildMarker{}, false
	}
	return c.inspect(c.markerPath(key))
}

// =============================================================================
// Internal
// =============================================================================

// inspect reads the marker at path and decides whether it is live.
//
// An unreadable marker is judged by file modification time alone.
func (c *Cache) inspect(path string) (BuildMarker, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return BuildMarker{}, false
	}
	m, err := readMarker(path)
	if err != nil {
		return BuildMarker{UpdatedAt: fi.ModTime().UnixMilli()}, c.now().Sub(fi.ModTime()) < c.staleAfter
	}
	return m, c.isLive(m)
}

func (c *Cache) isLive(m BuildMarker) bool {
	if m.State == MarkerFailed {
		return false
	}
	if c.now().Sub(m.Updated()) >= c.staleAfter {
		return false
	}
	if m.State != MarkerQueued && m.Host == c.host && m.PID > 0 && !processAlive(m.PID) {
		return false
	}
	return true
}

func readMarker(path string) (BuildMarker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BuildMarker{}, err
	}
	var m BuildMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return BuildMarker{}, fmt.Errorf("decode build marker: %w", err)
	}
	if m.Version < 1 || m.Version > MarkerVersion {
		return BuildMarker{}, fmt.Errorf("unsupported build marker version %d", m.Version)
	}
	return m, nil
}

// lockMarker serializes rewrites of the marker of key: a shard mutex within
// the process and a lock on the shard directory across processes.
func (c *Cache) lockMarker(key keycodec.CacheKey) (func(), error) {
	if !key.Valid() {
		return nil, fmt.Errorf("invalid cache key %q", key)
	}
	shard, _ := strconv.ParseUint(key.Shard(), 16, 8)
	mu := &c.markerLocks[shard]
	mu.Lock()

	dir := c.shardDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("create shard directory: %w", err)
	}
	unlockDir, err := lockDir(dir)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	return func() {
		unlockDir()
		mu.Unlock()
	}, nil
}

func (c *Cache) modifyMarker(key keycodec.CacheKey, fn func(*BuildMarker) error) error {
	unlock, err := c.lockMarker(key)
	if err != nil {
		return err
	}
	defer unlock()

	path := c.markerPath(key)
	m, err := readMarker(path)
	if err != nil {
		return err
	}
	if err := fn(&m); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode build marker: %w", err)
	}
	return c.writeAtomic(path, data)
}

// createExclusive publishes a complete marker at path, failing with
// fs.ErrExist if one is already there.
func (c *Cache) createExclusive(path string, m BuildMarker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode build marker: %w", err)
	}
	tmp, err := c.writeTemp(path, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	linkErr := os.Link(tmp, path)
	if linkErr == nil || errors.Is(linkErr, fs.ErrExist) {
		return linkErr
	}

	// filesystems without hard links
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write build marker: %w", err)
	}
	return f.Close()
}

// reclaim removes an abandoned marker. The marker is first renamed to a
// unique name so that of several concurrent reclaimers only one acts on
// it; if the renamed marker turns out to be live (someone re-created it in
// between) it is linked back.
func (c *Cache) reclaim(path string) {
	tomb := path + tombInfix + uuid.NewString()
	if err := os.Rename(path, tomb); err != nil {
		return
	}
	defer os.Remove(tomb)

	m, live := c.inspect(tomb)
	if live {
		if err := os.Link(tomb, path); err != nil && !errors.Is(err, fs.ErrExist) {
			c.logger.Warn("Failed to restore live build marker", "path", path, "error", err)
		}
		return
	}
	c.logger.Info("Reclaimed abandoned build marker",
		"key", m.Key,
		"task_id", m.TaskID,
		"pid", m.PID,
		"updated_at", m.Updated().Format(time.RFC3339),
	)
}
