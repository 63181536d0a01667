// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resultcache implements the file-backed store of computed results
// shared by the web tier and the worker fleet.
//
// # Description
//
// Every result lives in its own file under a two-character shard directory:
//
//	<root>/<key[0:2]>/<key>.json    result artifact
//	<root>/<key[0:2]>/<key>.build   build marker (computation in progress)
//
// Artifacts are created with temp file + rename, so readers never see a
// partial write. Freshness is the artifact's modification time; expiry is
// enforced only by Sweep, never on read.
//
// A build marker is the sole admission control against duplicate work.
// Markers are created by an exclusive link. Later rewrites of a marker
// (task attachment, progress, failure, removal) hold an advisory lock on
// the shard directory. Staleness judgement depends on reasonably
// synchronized clocks across the fleet.
//
// # Thread Safety
//
// Safe for concurrent use by multiple goroutines and processes sharing the
// root directory.
package resultcache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/keycodec"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/observability"
)

const (
	artifactExt = ".json"
	markerExt   = ".build"
	tempPrefix  = ".tmp-"
	tombInfix   = ".stale-"

	// DefaultStaleAfter is the age after which a build marker that was not
	// refreshed is considered abandoned.
	DefaultStaleAfter = 30 * time.Minute
)

// Config configures a Cache.
//
// # Fields
//
//   - Root: Cache directory. Created if missing.
//   - StaleAfter: Marker staleness window. Default: 30 minutes.
//   - MemoryEntries: Size of the in-process front cache. 0 disables it.
type Config struct {
	Root          string        `yaml:"root" validate:"required"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	MemoryEntries int           `yaml:"memory_entries" validate:"gte=0"`
}

// Option customizes a Cache.
type Option func(*Cache)

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithLogger sets the logger used for swallowed I/O errors.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithOwner overrides the host and pid written into build markers.
func WithOwner(host string, pid int) Option {
	return func(c *Cache) {
		c.host = host
		c.pid = pid
	}
}

// Cache is the file-backed result store.
type Cache struct {
	root       string
	staleAfter time.Duration
	mem        *lru.Cache[keycodec.CacheKey, []byte]
	metrics    *observability.Metrics
	logger     *slog.Logger
	now        func() time.Time
	host       string
	pid        int

	// one per shard directory
	markerLocks [256]sync.Mutex
}

// New creates a Cache rooted at cfg.Root.
func New(cfg Config, opts ...Option) (*Cache, error) {
	if cfg.Root == "" {
		return nil, errors.New("result cache root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	host, _ := os.Hostname()

	c := &Cache{
		root:       cfg.Root,
		staleAfter: cfg.StaleAfter,
		logger:     slog.Default(),
		now:        time.Now,
		host:       host,
		pid:        os.Getpid(),
	}
	if cfg.MemoryEntries > 0 {
		mem, err := lru.New[keycodec.CacheKey, []byte](cfg.MemoryEntries)
		if err != nil {
			return nil, fmt.Errorf("create memory cache: %w", err)
		}
		c.mem = mem
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Root returns the cache directory.
func (c *Cache) Root() string {
	return c.root
}

// StaleAfter returns the marker staleness window.
func (c *Cache) StaleAfter() time.Duration {
	return c.staleAfter
}

func (c *Cache) shardDir(key keycodec.CacheKey) string {
	return filepath.Join(c.root, key.Shard())
}

// ArtifactPath returns where the result of key is stored.
func (c *Cache) ArtifactPath(key keycodec.CacheKey) string {
	return filepath.Join(c.shardDir(key), string(key)+artifactExt)
}

func (c *Cache) markerPath(key keycodec.CacheKey) string {
	return filepath.Join(c.shardDir(key), string(key)+markerExt)
}

// =============================================================================
// Read / Write
// =============================================================================

// Get returns the stored payload of key.
//
// # Description
//
// Any I/O or decoding problem is reported as a miss so the caller
// recomputes rather than serving damaged data. TTL is not checked here.
//
// # Outputs
//
//   - []byte: The JSON payload.
//   - bool: False on a miss.
func (c *Cache) Get(key keycodec.CacheKey) ([]byte, bool) {
	if !key.Valid() {
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}
	path := c.ArtifactPath(key)

	if c.mem != nil {
		if data, ok := c.mem.Get(key); ok {
			// another process may have swept the file
			if _, err := os.Stat(path); err == nil {
				c.metrics.RecordCacheLookup(true)
				return data, true
			}
			c.mem.Remove(key)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("Result cache read failed", "key", key, "error", err)
		}
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}
	if !json.Valid(data) {
		c.logger.Warn("Result cache artifact is corrupt", "key", key, "path", path)
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}
	if c.mem != nil {
		c.mem.Add(key, data)
	}
	c.metrics.RecordCacheLookup(true)
	return data, true
}

// Put stores payload under key.
//
// # Description
//
// The payload is written to a temp file in the shard directory and renamed
// into place. Errors are logged and swallowed: a failed write only skips
// memoization, it never fails the computation.
//
// # Outputs
//
//   - bool: True if the artifact was stored.
func (c *Cache) Put(key keycodec.CacheKey, payload []byte) bool {
	if !key.Valid() {
		c.logger.Error("Refusing to cache result under invalid key", "key", key)
		c.metrics.RecordCacheWrite(false)
		return false
	}
	if !json.Valid(payload) {
		c.logger.Error("Refusing to cache non-JSON payload", "key", key, "size", len(payload))
		c.metrics.RecordCacheWrite(false)
		return false
	}
	if err := c.writeAtomic(c.ArtifactPath(key), payload); err != nil {
		c.logger.Error("Result cache write failed", "key", key, "error", err)
		c.metrics.RecordCacheWrite(false)
		return false
	}
	if c.mem != nil {
		c.mem.Add(key, payload)
	}
	c.metrics.RecordCacheWrite(true)
	return true
}

// Has reports whether an artifact exists for key without reading it.
func (c *Cache) Has(key keycodec.CacheKey) bool {
	if !key.Valid() {
		return false
	}
	_, err := os.Stat(c.ArtifactPath(key))
	return err == nil
}

// Invalidate removes the artifact of key, if any.
func (c *Cache) Invalidate(key keycodec.CacheKey) error {
	if !key.Valid() {
		return fmt.Errorf("invalid cache key %q", key)
	}
	if c.mem != nil {
		c.mem.Remove(key)
	}
	if err := os.Remove(c.ArtifactPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove artifact %s: %w", key, err)
	}
	return nil
}

// writeAtomic writes data next to path and renames it into place.
func (c *Cache) writeAtomic(path string, data []byte) error {
	tmp, err := c.writeTemp(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// writeTemp writes data into a fresh temp file in the directory of path.
func (c *Cache) writeTemp(path string, data []byte) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create shard directory: %w", err)
	}
	f, err := os.CreateTemp(dir, tempPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(name, 0o644); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("chmod temp file: %w", err)
	}
	return name, nil
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}
