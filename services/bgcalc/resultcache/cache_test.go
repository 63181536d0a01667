// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resultcache

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/keycodec"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/observability"
)

// =============================================================================
// Test Helpers
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c, err := New(Config{Root: t.TempDir()}, opts...)
	require.NoError(t, err)
	return c
}

func testKey(corpus string) keycodec.CacheKey {
	return keycodec.KeyFor(
		datatypes.ComputationRequest{Corpus: corpus, Ops: []string{"freq"}},
		datatypes.CorpusIdentity{CorpusID: corpus, Size: 100, Modified: 1},
	)
}

// deadPID returns the pid of a process that already exited.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot spawn helper process: %v", err)
	}
	return cmd.ProcessState.Pid()
}

// =============================================================================
// Get / Put
// =============================================================================

func TestCache_PutGet(t *testing.T) {
	// Arrange
	c := newTestCache(t)
	key := testKey("brown")
	payload := []byte(`{"rows":[["the",120]]}`)

	// Act
	stored := c.Put(key, payload)

	// Assert
	require.True(t, stored)
	for i := 0; i < 3; i++ {
		got, ok := c.Get(key)
		require.True(t, ok)
		assert.Equal(t, payload, got, "repeated reads must return the identical payload")
	}
	assert.FileExists(t, filepath.Join(c.Root(), key.Shard(), string(key)+".json"))
}

func TestCache_GetMiss(t *testing.T) {
	c := newTestCache(t)

	_, ok := c.Get(testKey("brown"))
	assert.False(t, ok)

	_, ok = c.Get(keycodec.CacheKey("not-a-key"))
	assert.False(t, ok)
}

func TestCache_GetCorruptArtifactIsMiss(t *testing.T) {
	c := newTestCache(t)
	key := testKey("brown")
	require.NoError(t, os.MkdirAll(filepath.Dir(c.ArtifactPath(key)), 0o755))
	require.NoError(t, os.WriteFile(c.ArtifactPath(key), []byte(`{"rows":[`), 0o644))

	_, ok := c.Get(key)

	assert.False(t, ok)
}

func TestCache_PutFailureIsSwallowed(t *testing.T) {
	// Arrange: a regular file where the shard directory should be
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	c := newTestCache(t, WithMetrics(m))
	key := testKey("brown")
	require.NoError(t, os.WriteFile(filepath.Join(c.Root(), key.Shard()), []byte("x"), 0o644))

	// Act
	stored := c.Put(key, []byte(`{}`))

	// Assert
	assert.False(t, stored)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheWrites.WithLabelValues("error")))
}

func TestCache_PutRejectsNonJSON(t *testing.T) {
	c := newTestCache(t)
	assert.False(t, c.Put(testKey("brown"), []byte("not json")))
}

func TestCache_Invalidate(t *testing.T) {
	c, err := New(Config{Root: t.TempDir(), MemoryEntries: 8})
	require.NoError(t, err)
	key := testKey("brown")
	require.True(t, c.Put(key, []byte(`1`)))

	require.NoError(t, c.Invalidate(key))

	_, ok := c.Get(key)
	assert.False(t, ok)
	assert.NoError(t, c.Invalidate(key), "invalidating a missing key is fine")
}

func TestCache_MemoryLayerHonoursForeignDelete(t *testing.T) {
	c, err := New(Config{Root: t.TempDir(), MemoryEntries: 8})
	require.NoError(t, err)
	key := testKey("brown")
	require.True(t, c.Put(key, []byte(`[1,2]`)))

	// another process sweeps the file
	require.NoError(t, os.Remove(c.ArtifactPath(key)))

	_, ok := c.Get(key)
	assert.False(t, ok)
}

// =============================================================================
// Sweep
// =============================================================================

func TestCache_SweepRemovesExpired(t *testing.T) {
	// Arrange
	c, err := New(Config{Root: t.TempDir(), MemoryEntries: 8})
	require.NoError(t, err)
	oldKey, freshKey := testKey("brown"), testKey("susanne")
	require.True(t, c.Put(oldKey, []byte(`"old"`)))
	require.True(t, c.Put(freshKey, []byte(`"fresh"`)))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(c.ArtifactPath(oldKey), past, past))

	// Act
	res := c.Sweep(time.Hour)

	// Assert
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 0, res.Errors)
	_, ok := c.Get(oldKey)
	assert.False(t, ok, "swept artifact must be gone, also from memory")
	_, ok = c.Get(freshKey)
	assert.True(t, ok)
}

func TestCache_SweepCleansMarkersAndTempFiles(t *testing.T) {
	clock := &testClock{now: time.Now()}
	c := newTestCache(t, WithClock(clock.Now))
	key := testKey("brown")
	ok, err := c.TryMark(key, "freq")
	require.NoError(t, err)
	require.True(t, ok)
	tmp := filepath.Join(c.Root(), key.Shard(), ".tmp-leftover")
	require.NoError(t, os.WriteFile(tmp, []byte("x"), 0o644))

	res := c.Sweep(time.Hour)
	assert.Equal(t, 0, res.MarkersRemoved, "live marker stays")
	assert.Equal(t, 0, res.TempRemoved, "young temp file stays")

	clock.Advance(DefaultStaleAfter + time.Minute)
	res = c.Sweep(time.Hour)

	assert.Equal(t, 1, res.MarkersRemoved)
	assert.Equal(t, 1, res.TempRemoved)
	assert.NoFileExists(t, tmp)
}

// =============================================================================
// Build Markers
// =============================================================================

func TestCache_TryMarkAdmitsOnce(t *testing.T) {
	c := newTestCache(t)
	key := testKey("brown")

	first, err := c.TryMark(key, "freq")
	require.NoError(t, err)
	second, err := c.TryMark(key, "freq")
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	building, progress := c.IsBuilding(key)
	assert.True(t, building)
	assert.Equal(t, 0, progress)
}

func TestCache_TryMarkConcurrent(t *testing.T) {
	c := newTestCache(t)
	key := testKey("brown")
	var winners atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := c.TryMark(key, "freq"); err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestCache_StaleMarkerIsReclaimed(t *testing.T) {
	clock := &testClock{now: time.Now()}
	c := newTestCache(t, WithClock(clock.Now))
	key := testKey("brown")
	ok, err := c.TryMark(key, "freq")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.AttachTask(key, "t1", "freq"))

	clock.Advance(29 * time.Minute)
	building, _ := c.IsBuilding(key)
	assert.True(t, building, "marker is live inside the staleness window")

	clock.Advance(2 * time.Minute)
	building, _ = c.IsBuilding(key)
	assert.False(t, building, "marker older than the window is abandoned")

	ok, err = c.TryMark(key, "freq")
	require.NoError(t, err)
	assert.True(t, ok)
	m, err := c.ReadMarker(key)
	require.NoError(t, err)
	assert.Empty(t, m.TaskID, "reclaimed marker starts fresh")
}

func TestCache_DeadOwnerMarkerIsReclaimed(t *testing.T) {
	root := t.TempDir()
	dead, err := New(Config{Root: root}, WithOwner("node1", deadPID(t)))
	require.NoError(t, err)
	alive, err := New(Config{Root: root}, WithOwner("node1", os.Getpid()))
	require.NoError(t, err)
	remote, err := New(Config{Root: root}, WithOwner("node2", os.Getpid()))
	require.NoError(t, err)
	key := testKey("brown")

	ok, err := dead.TryMark(key, "freq")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = remote.TryMark(key, "freq")
	require.NoError(t, err)
	assert.False(t, ok, "other hosts cannot judge the owner process")

	ok, err = alive.TryMark(key, "freq")
	require.NoError(t, err)
	assert.True(t, ok, "same host sees the owner process is gone")
}

func TestCache_UpdateProgress(t *testing.T) {
	c := newTestCache(t)
	key := testKey("brown")
	_, err := c.TryMark(key, "freq")
	require.NoError(t, err)
	require.NoError(t, c.AttachTask(key, "t1", "freq"))

	require.NoError(t, c.UpdateProgress(key, "t1", 40, 100))

	building, progress := c.IsBuilding(key)
	assert.True(t, building)
	assert.Equal(t, 40, progress)
	m, err := c.ReadMarker(key)
	require.NoError(t, err)
	assert.Equal(t, MarkerRunning, m.State)
	assert.Equal(t, MarkerVersion, m.Version)
	assert.Equal(t, "t1", m.TaskID)

	assert.ErrorIs(t, c.UpdateProgress(key, "t2", 1, 2), ErrMarkerLost)
	assert.ErrorIs(t, c.AttachTask(key, "t2", "freq"), ErrMarkerLost)
}

func TestCache_AttachTaskKeepsRunningState(t *testing.T) {
	c := newTestCache(t)
	key := testKey("brown")
	_, err := c.TryMark(key, "freq")
	require.NoError(t, err)
	require.NoError(t, c.UpdateProgress(key, "t1", 1, 4))

	require.NoError(t, c.AttachTask(key, "t1", "freq"))

	m, err := c.ReadMarker(key)
	require.NoError(t, err)
	assert.Equal(t, MarkerRunning, m.State)
	assert.Equal(t, 25, m.Percent())
}

func TestCache_UpdateProgressRefusesFinishedBuilds(t *testing.T) {
	t.Run("missing marker is not recreated", func(t *testing.T) {
		c := newTestCache(t)
		key := testKey("brown")

		assert.ErrorIs(t, c.UpdateProgress(key, "t1", 3, 4), ErrMarkerLost)

		_, err := c.ReadMarker(key)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("released marker is not recreated", func(t *testing.T) {
		c := newTestCache(t)
		key := testKey("brown")
		_, err := c.TryMark(key, "freq")
		require.NoError(t, err)
		require.NoError(t, c.AttachTask(key, "t1", "freq"))
		require.NoError(t, c.ReleaseMarker(key, "t1"))

		assert.ErrorIs(t, c.UpdateProgress(key, "t1", 3, 4), ErrMarkerLost)

		building, _ := c.IsBuilding(key)
		assert.False(t, building)
	})

	t.Run("failed marker stays failed", func(t *testing.T) {
		c := newTestCache(t)
		key := testKey("brown")
		_, err := c.TryMark(key, "freq")
		require.NoError(t, err)
		require.NoError(t, c.AttachTask(key, "t1", "freq"))
		require.NoError(t, c.MarkFailed(key, "t1", "task time limit exceeded"))

		assert.ErrorIs(t, c.UpdateProgress(key, "t1", 5, 10), ErrMarkerLost)

		m, err := c.ReadMarker(key)
		require.NoError(t, err)
		assert.Equal(t, MarkerFailed, m.State)
		assert.Equal(t, "task time limit exceeded", m.Error)
	})
}

func TestCache_AttachTaskAfterRelease(t *testing.T) {
	c := newTestCache(t)
	key := testKey("brown")

	assert.NoError(t, c.AttachTask(key, "t1", "freq"), "the build already finished")

	_, err := c.ReadMarker(key)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCache_ConcurrentAttachAndProgress(t *testing.T) {
	// Arrange
	c := newTestCache(t)
	key := testKey("brown")
	_, err := c.TryMark(key, "freq")
	require.NoError(t, err)
	const steps = 100

	// Act: the submitter attaches while the worker already reports
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= steps; i++ {
			assert.NoError(t, c.UpdateProgress(key, "t1", i, steps))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < steps; i++ {
			assert.NoError(t, c.AttachTask(key, "t1", "freq"))
		}
	}()
	wg.Wait()

	// Assert: no attachment overwrote a later progress write
	m, err := c.ReadMarker(key)
	require.NoError(t, err)
	assert.Equal(t, MarkerRunning, m.State)
	assert.Equal(t, 100, m.Percent())
	assert.Equal(t, int64(steps), m.DoneUnits)
	assert.Equal(t, "t1", m.TaskID)
}

func TestCache_MarkFailedAndState(t *testing.T) {
	c := newTestCache(t)
	key := testKey("brown")
	_, err := c.TryMark(key, "freq")
	require.NoError(t, err)
	require.NoError(t, c.AttachTask(key, "t1", "freq"))

	assert.Equal(t, KeyState{Key: string(key), Building: true, TaskID: "t1"}, c.State(key))

	require.NoError(t, c.MarkFailed(key, "t1", "boom"))

	building, _ := c.IsBuilding(key)
	assert.False(t, building)
	st := c.State(key)
	assert.True(t, st.Failed)
	assert.Equal(t, "boom", st.Error)
	assert.True(t, st.Finished())

	require.True(t, c.Put(key, []byte(`{}`)))
	assert.True(t, c.State(key).Cached)
}

func TestCache_ReleaseMarker(t *testing.T) {
	c := newTestCache(t)
	key := testKey("brown")
	_, err := c.TryMark(key, "freq")
	require.NoError(t, err)
	require.NoError(t, c.AttachTask(key, "t1", "freq"))

	assert.ErrorIs(t, c.ReleaseMarker(key, "t2"), ErrMarkerLost)
	require.NoError(t, c.ReleaseMarker(key, "t1"))
	_, err = c.ReadMarker(key)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NoError(t, c.ReleaseMarker(key, "t1"))
}

func TestBuildMarker_Percent(t *testing.T) {
	assert.Equal(t, 46, BuildMarker{ProgressFraction: 0.4666}.Percent())
	assert.Equal(t, 0, BuildMarker{ProgressFraction: -1}.Percent())
	assert.Equal(t, 100, BuildMarker{ProgressFraction: 1.5}.Percent())
}
