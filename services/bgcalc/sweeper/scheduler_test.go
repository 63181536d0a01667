// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/keycodec"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/resultcache"
)

type countingSweeper struct {
	mu    sync.Mutex
	calls int
	ttls  []time.Duration
}

func (s *countingSweeper) Sweep(ttl time.Duration) resultcache.SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.ttls = append(s.ttls, ttl)
	return resultcache.SweepResult{Total: 3, Removed: 1}
}

func (s *countingSweeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestScheduler_Lifecycle(t *testing.T) {
	// Arrange
	sw := &countingSweeper{}
	s := NewScheduler(sw, nil, Config{Interval: 5 * time.Millisecond, TTL: time.Minute})

	// Act
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start must fail")
	assert.Eventually(t, func() bool { return sw.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	after := sw.count()
	time.Sleep(30 * time.Millisecond)

	// Assert
	assert.Equal(t, after, sw.count(), "no sweeps after Stop")
	assert.Equal(t, time.Minute, sw.ttls[0])
	assert.NoError(t, s.Stop(), "stopping twice is a no-op")
}

func TestScheduler_Defaults(t *testing.T) {
	s := NewScheduler(&countingSweeper{}, nil, Config{})
	assert.Equal(t, DefaultConfig(), s.config)
}

func TestScheduler_SweepsRealCache(t *testing.T) {
	// Arrange
	now := time.Now()
	cache, err := resultcache.New(resultcache.Config{Root: t.TempDir()}, resultcache.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	key := keycodec.DeriveKey("freq", datatypes.CorpusIdentity{CorpusID: "brown"})
	require.True(t, cache.Put(key, []byte(`[1]`)))
	old := now.Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(cache.ArtifactPath(key), old, old))
	s := NewScheduler(cache, nil, Config{TTL: time.Hour})

	// Act
	res := s.RunNow()

	// Assert
	assert.Equal(t, 1, res.Removed)
	_, ok := cache.Get(key)
	assert.False(t, ok)
}

func TestAuditLog_Chain(t *testing.T) {
	// Arrange
	path := filepath.Join(t.TempDir(), "audit", "sweep.log")
	log, err := OpenAuditLog(path)
	require.NoError(t, err)

	// Act
	require.NoError(t, log.LogSweep(resultcache.SweepResult{Total: 5, Removed: 2}, time.Hour))
	require.NoError(t, log.LogSweep(resultcache.SweepResult{Total: 3}, time.Hour))
	require.NoError(t, log.Close())

	reopened, err := OpenAuditLog(path)
	require.NoError(t, err)
	require.NoError(t, reopened.LogSweep(resultcache.SweepResult{Total: 3, Errors: 1}, time.Hour))
	require.NoError(t, reopened.Close())

	// Assert
	n, err := VerifyChain(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	t.Run("tampering breaks the chain", func(t *testing.T) {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		tampered := strings.Replace(string(data), `"removed":2`, `"removed":0`, 1)
		require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

		_, err = VerifyChain(path)
		assert.Error(t, err)
	})
}
