// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/catalog"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/corpus"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/keycodec"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/resultcache"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/session"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/tasks"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/worker"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeWorker struct {
	mu        sync.Mutex
	submitted []string
	status    map[string]datatypes.Status
	results   map[string]json.RawMessage
	failures  map[string]error
	pollErr   map[string]error
	submitErr error
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		status:   make(map[string]datatypes.Status),
		results:  make(map[string]json.RawMessage),
		failures: make(map[string]error),
		pollErr:  make(map[string]error),
	}
}

func (w *fakeWorker) Submit(_ context.Context, taskName string, _ json.RawMessage, timeLimit time.Duration) (worker.Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.submitErr != nil {
		return worker.Handle{}, w.submitErr
	}
	w.submitted = append(w.submitted, taskName)
	id := fmt.Sprintf("task-%d", len(w.submitted))
	w.status[id] = datatypes.StatusPending
	return worker.Handle{ID: id, TaskName: taskName, Status: datatypes.StatusPending, TimeLimit: timeLimit}, nil
}

func (w *fakeWorker) Poll(_ context.Context, h worker.Handle) (datatypes.Status, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.pollErr[h.ID]; err != nil {
		return "", err
	}
	st, ok := w.status[h.ID]
	if !ok {
		return "", &datatypes.NotFoundError{What: "task " + h.ID}
	}
	return st, nil
}

func (w *fakeWorker) Fetch(_ context.Context, h worker.Handle) (json.RawMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.failures[h.ID]; err != nil {
		return nil, err
	}
	if res, ok := w.results[h.ID]; ok {
		return res, nil
	}
	if _, ok := w.status[h.ID]; !ok {
		return nil, &datatypes.NotFoundError{What: "task " + h.ID}
	}
	return nil, worker.ErrNotReady
}

func (w *fakeWorker) Close() error { return nil }

func (w *fakeWorker) finish(id string, result string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status[id] = datatypes.StatusSuccess
	w.results[id] = json.RawMessage(result)
}

func (w *fakeWorker) fail(id string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status[id] = datatypes.StatusFailure
	w.failures[id] = err
}

func (w *fakeWorker) submissions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.submitted...)
}

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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	runner *Runner
	cache  *resultcache.Cache
	worker *fakeWorker
	reg    *tasks.Registry
	clock  *testClock
}

var identities = corpus.StaticProvider{
	"syn2020": {Size: 100_000_000, Modified: 1700000000},
	"ref2015": {Size: 50_000_000, Modified: 1600000000},
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	cache, err := resultcache.New(resultcache.Config{Root: t.TempDir()})
	require.NoError(t, err)
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	w := newFakeWorker()

	deps := Deps{Cache: cache, Worker: w, Identity: identities, Now: clock.Now}
	for _, fn := range mutate {
		fn(&deps)
	}
	r, err := New(deps)
	require.NoError(t, err)

	return &fixture{
		runner: r,
		cache:  cache,
		worker: w,
		reg:    tasks.New(session.NewMemoryStore(), "sid-1"),
		clock:  clock,
	}
}

func freqJob() Job {
	return Job{
		Kind:    catalog.KindFreq,
		Request: datatypes.ComputationRequest{Corpus: "syn2020", Ops: []string{"freq", "q=[lemma=\"pes\"]"}, Params: map[string]any{"fcrit": "word/e 0~0>0"}},
		UserID:  "u1",
	}
}

func (f *fixture) keyOf(t *testing.T, job Job) keycodec.CacheKey {
	t.Helper()
	spec, ok := f.runner.Catalog().Lookup(job.Kind)
	require.True(t, ok)
	key, err := f.runner.keyFor(context.Background(), spec, job)
	require.NoError(t, err)
	return key
}

// =============================================================================
// Single-part Tests
// =============================================================================

func TestRun_CacheHit(t *testing.T) {
	// Arrange
	f := newFixture(t)
	job := freqJob()
	key := f.keyOf(t, job)
	require.True(t, f.cache.Put(key, []byte(`{"rows":3}`)))

	// Act
	out, err := f.runner.Run(context.Background(), f.reg, job)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, OutcomeResult, out.Kind)
	assert.JSONEq(t, `{"rows":3}`, string(out.Result))
	assert.Equal(t, 100, out.Progress)
	assert.Empty(t, f.worker.submissions())
}

func TestRun_SubmitsAndRecordsTask(t *testing.T) {
	f := newFixture(t)
	job := freqJob()

	out, err := f.runner.Run(context.Background(), f.reg, job)

	require.NoError(t, err)
	assert.Equal(t, OutcomePending, out.Kind)
	assert.Equal(t, "task-1", out.TaskID)
	assert.Equal(t, 0, out.Progress)
	assert.Equal(t, []string{"calculate_freqs"}, f.worker.submissions())

	list, err := f.reg.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	task := list[0]
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, datatypes.CategoryFreq, task.Category)
	assert.Equal(t, datatypes.StatusPending, task.Status)
	assert.Equal(t, "calculate_freqs", task.TaskName)
	assert.Equal(t, string(f.keyOf(t, job)), task.CacheKey)
	assert.Equal(t, "Frequency distribution (syn2020)", task.Label)
	assert.Equal(t, f.clock.Now().UnixMilli(), task.CreatedAt)

	m, err := f.cache.ReadMarker(f.keyOf(t, job))
	require.NoError(t, err)
	assert.Equal(t, "task-1", m.TaskID)
	assert.Equal(t, resultcache.MarkerQueued, m.State)
}

func TestRun_ConcurrentRequestsSubmitOnce(t *testing.T) {
	// Arrange
	f := newFixture(t)
	const callers = 16
	outs := make([]Outcome, callers)
	errs := make([]error, callers)

	// Act
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = f.runner.Run(context.Background(), f.reg, freqJob())
		}(i)
	}
	wg.Wait()

	// Assert
	assert.Len(t, f.worker.submissions(), 1)
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, OutcomePending, outs[i].Kind)
	}
	list, err := f.reg.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRun_LiveMarkerTracksForeignTask(t *testing.T) {
	f := newFixture(t)
	job := freqJob()
	key := f.keyOf(t, job)
	won, err := f.cache.TryMark(key, "calculate_freqs")
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, f.cache.AttachTask(key, "other-7", "calculate_freqs"))
	require.NoError(t, f.cache.UpdateProgress(key, "other-7", 25, 100))

	out, err := f.runner.Run(context.Background(), f.reg, job)

	require.NoError(t, err)
	assert.Equal(t, OutcomePending, out.Kind)
	assert.Equal(t, 25, out.Progress)
	assert.Equal(t, "other-7", out.TaskID)
	assert.Empty(t, f.worker.submissions())

	task, ok, err := f.reg.Get(context.Background(), "other-7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, datatypes.StatusPending, task.Status)
}

func TestRun_CollectsSucceededTask(t *testing.T) {
	f := newFixture(t)
	job := freqJob()
	key := f.keyOf(t, job)
	_, err := f.runner.Run(context.Background(), f.reg, job)
	require.NoError(t, err)
	f.worker.finish("task-1", `{"rows":1}`)

	out, err := f.runner.Run(context.Background(), f.reg, job)

	require.NoError(t, err)
	assert.Equal(t, OutcomeResult, out.Kind)
	assert.JSONEq(t, `{"rows":1}`, string(out.Result))
	assert.True(t, f.cache.Has(key))
	assert.Len(t, f.worker.submissions(), 1)
}

func TestRun_SubmitFailure(t *testing.T) {
	f := newFixture(t)
	f.worker.submitErr = errors.New("broker unreachable")
	job := freqJob()

	_, err := f.runner.Run(context.Background(), f.reg, job)

	var be *datatypes.BackendError
	require.ErrorAs(t, err, &be)
	_, merr := f.cache.ReadMarker(f.keyOf(t, job))
	assert.ErrorIs(t, merr, os.ErrNotExist)

	list, err := f.reg.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRun_FailedMarkerSurfacedOnce(t *testing.T) {
	// Arrange
	f := newFixture(t)
	job := freqJob()
	key := f.keyOf(t, job)
	_, err := f.runner.Run(context.Background(), f.reg, job)
	require.NoError(t, err)
	require.NoError(t, f.cache.MarkFailed(key, "task-1", "bad query"))
	f.worker.fail("task-1", &datatypes.ComputationError{Type: datatypes.ErrTypeUser, Message: "bad query"})

	// Act
	_, first := f.runner.Run(context.Background(), f.reg, job)
	second, err := f.runner.Run(context.Background(), f.reg, job)

	// Assert
	var ce *datatypes.ComputationError
	require.ErrorAs(t, first, &ce)
	assert.Equal(t, "bad query", ce.Message)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, second.Kind)
	assert.Equal(t, "task-2", second.TaskID)
	assert.Len(t, f.worker.submissions(), 2)
}

func TestRun_RejectsBadInput(t *testing.T) {
	f := newFixture(t)

	t.Run("unknown kind", func(t *testing.T) {
		job := freqJob()
		job.Kind = "nope"
		_, err := f.runner.Run(context.Background(), f.reg, job)
		var ue *datatypes.UserError
		assert.ErrorAs(t, err, &ue)
	})

	t.Run("missing corpus", func(t *testing.T) {
		job := freqJob()
		job.Request.Corpus = ""
		_, err := f.runner.Run(context.Background(), f.reg, job)
		var ue *datatypes.UserError
		assert.ErrorAs(t, err, &ue)
	})

	t.Run("unknown corpus", func(t *testing.T) {
		job := freqJob()
		job.Request.Corpus = "missing"
		_, err := f.runner.Run(context.Background(), f.reg, job)
		var nf *datatypes.NotFoundError
		assert.ErrorAs(t, err, &nf)
	})

	assert.Empty(t, f.worker.submissions())
}

func TestRun_UserScopedKey(t *testing.T) {
	f := newFixture(t)
	job := Job{Kind: catalog.KindSubcorpus, Request: datatypes.ComputationRequest{Corpus: "syn2020", Ops: []string{"subcorpus"}}}

	job.UserID = "alice"
	a := f.keyOf(t, job)
	job.UserID = "bob"
	b := f.keyOf(t, job)

	assert.NotEqual(t, a, b)

	job.Kind = catalog.KindFreq
	job.UserID = "alice"
	c := f.keyOf(t, job)
	job.UserID = "bob"
	assert.Equal(t, c, f.keyOf(t, job))
}

func TestRun_TimedOutBuildStaysFailed(t *testing.T) {
	// Arrange: a handler that ignores its deadline and reports afterwards
	reported := make(chan struct{})
	registry := worker.NewRegistry()
	registry.Register("slow_freqs", func(_ context.Context, _ json.RawMessage, progress worker.Progress) (json.RawMessage, error) {
		time.Sleep(300 * time.Millisecond)
		progress.Report(5, 10)
		close(reported)
		return json.RawMessage(`{"rows":1}`), nil
	})
	cat, err := catalog.New(catalog.TaskSpec{
		Kind: "slowfreq", TaskName: "slow_freqs", Category: datatypes.CategoryFreq, TimeLimit: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	var pool *worker.Pool
	f := newFixture(t, func(d *Deps) {
		exec := worker.NewExecutor(registry, d.Cache.(*resultcache.Cache), worker.WithProgressInterval(0))
		pool = worker.NewPool(exec, worker.PoolConfig{Workers: 1}, nil)
		d.Catalog = cat
		d.Worker = pool
	})
	t.Cleanup(func() { _ = pool.Close() })
	job := Job{Kind: "slowfreq", Request: datatypes.ComputationRequest{Corpus: "syn2020", Ops: []string{"freq"}}}
	key := f.keyOf(t, job)

	// Act
	first, err := f.runner.Run(context.Background(), f.reg, job)
	require.NoError(t, err)
	require.Equal(t, OutcomePending, first.Kind)
	require.Eventually(t, func() bool {
		m, err := f.cache.ReadMarker(key)
		if err != nil || m.State != resultcache.MarkerFailed {
			return false
		}
		st, err := pool.Poll(context.Background(), worker.Handle{ID: first.TaskID})
		return err == nil && st == datatypes.StatusFailure
	}, 2*time.Second, 5*time.Millisecond)
	<-reported

	// Assert
	m, err := f.cache.ReadMarker(key)
	require.NoError(t, err)
	assert.Equal(t, resultcache.MarkerFailed, m.State, "late progress does not revive the build")

	_, err = f.runner.Run(context.Background(), f.reg, job)
	var cerr *datatypes.ComputationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, datatypes.ErrTypeTimeout, cerr.Type)
	assert.False(t, f.cache.Has(key))
}

func TestRun_Inline(t *testing.T) {
	// Arrange
	registry := worker.NewRegistry()
	registry.Register("corpus_stats", func(_ context.Context, _ json.RawMessage, _ worker.Progress) (json.RawMessage, error) {
		return json.RawMessage(`{"size":100}`), nil
	})
	cat, err := catalog.New(catalog.TaskSpec{Kind: "stats", TaskName: "corpus_stats", Category: datatypes.CategoryFreq, Small: true})
	require.NoError(t, err)
	f := newFixture(t, func(d *Deps) {
		d.Catalog = cat
		d.Inline = worker.NewExecutor(registry, d.Cache.(*resultcache.Cache))
	})
	job := Job{Kind: "stats", Request: datatypes.ComputationRequest{Corpus: "syn2020", Ops: []string{"stats"}}}

	// Act
	out, err := f.runner.Run(context.Background(), f.reg, job)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, OutcomeResult, out.Kind)
	assert.JSONEq(t, `{"size":100}`, string(out.Result))
	assert.Empty(t, f.worker.submissions())
	cached, ok := f.cache.Get(f.keyOf(t, job))
	require.True(t, ok)
	assert.JSONEq(t, `{"size":100}`, string(cached))
	_, building := f.cache.LiveMarker(f.keyOf(t, job))
	assert.False(t, building, "inline build leaves no marker behind")
}

// =============================================================================
// Multi-part Tests
// =============================================================================

func precalcJob() Job {
	return Job{
		Kind:    catalog.KindFreqPrecalc,
		Request: datatypes.ComputationRequest{Corpus: "syn2020", Ops: []string{"freq_precalc"}, Params: map[string]any{"attr": "lemma"}},
	}
}

func TestMeanProgress(t *testing.T) {
	assert.Equal(t, 0, MeanProgress(nil))
	assert.Equal(t, 46, MeanProgress([]int{100, 40, 0}))
	assert.Equal(t, 33, MeanProgress([]int{100, 0, 0}))
	assert.Equal(t, 100, MeanProgress([]int{100, 100, 100}))
	assert.Equal(t, 50, MeanProgress([]int{150, -10}))
}

func TestRun_MultiPartProgress(t *testing.T) {
	// Arrange
	f := newFixture(t)
	job := precalcJob()
	base := f.keyOf(t, job)
	frq := keycodec.PartKey(base, catalog.PartFrq)
	arf := keycodec.PartKey(base, catalog.PartArf)
	require.True(t, f.cache.Put(frq, []byte(`{"part":"frq"}`)))
	won, err := f.cache.TryMark(arf, "compile_freqs:arf")
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, f.cache.UpdateProgress(arf, "ext-arf", 40, 100))

	// Act
	out, err := f.runner.Run(context.Background(), f.reg, job)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, out.Kind)
	assert.Equal(t, 46, out.Progress)
	assert.Equal(t, map[string]int{"frq": 100, "arf": 40, "docf": 0}, out.Parts)
	assert.Equal(t, []string{"compile_freqs:docf"}, f.worker.submissions())
}

func TestRun_MultiPartComplete(t *testing.T) {
	f := newFixture(t)
	job := precalcJob()
	base := f.keyOf(t, job)
	for _, part := range []string{catalog.PartFrq, catalog.PartArf, catalog.PartDocf} {
		require.True(t, f.cache.Put(keycodec.PartKey(base, part), []byte(`"`+part+`"`)))
	}

	out, err := f.runner.Run(context.Background(), f.reg, job)

	require.NoError(t, err)
	assert.Equal(t, OutcomeResult, out.Kind)
	assert.Equal(t, 100, out.Progress)
	assert.JSONEq(t, `{"frq":"frq","arf":"arf","docf":"docf"}`, string(out.Result))
}

func TestRun_MultiPartFailurePoisons(t *testing.T) {
	// Arrange
	f := newFixture(t)
	job := precalcJob()
	base := f.keyOf(t, job)
	frq := keycodec.PartKey(base, catalog.PartFrq)
	arf := keycodec.PartKey(base, catalog.PartArf)
	require.True(t, f.cache.Put(frq, []byte(`1`)))
	_, err := f.cache.TryMark(arf, "compile_freqs:arf")
	require.NoError(t, err)
	require.NoError(t, f.cache.AttachTask(arf, "ext-arf", "compile_freqs:arf"))
	require.NoError(t, f.cache.MarkFailed(arf, "ext-arf", "disk full"))
	f.worker.fail("ext-arf", &datatypes.ComputationError{Type: "OSError", Message: "disk full at /var/lib"})

	// Act
	out, err := f.runner.Run(context.Background(), f.reg, job)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, OutcomePartialFailure, out.Kind)
	assert.True(t, out.Finished())
	assert.Equal(t, []string{"arf"}, out.FailedParts)
	assert.Equal(t, map[string]int{"frq": 100, "arf": 0, "docf": 0}, out.Parts)
	assert.Equal(t, 33, out.Progress)
	assert.Equal(t, "arf: "+GenericFailureMessage, out.Error)
	assert.NotContains(t, out.Error, "/var/lib")
}

// =============================================================================
// Prerequisite Tests
// =============================================================================

func keywordsJob() Job {
	return Job{
		Kind: catalog.KindKeywords,
		Request: datatypes.ComputationRequest{
			Corpus: "syn2020",
			Ops:    []string{"keywords"},
			Params: map[string]any{"ref_corpus": "ref2015", "attr": "lemma"},
		},
	}
}

func TestRun_PrerequisiteSubmittedFirst(t *testing.T) {
	// Arrange
	f := newFixture(t)
	job := keywordsJob()
	spec, _ := f.runner.Catalog().Lookup(catalog.KindKeywords)

	// Act
	out, err := f.runner.Run(context.Background(), f.reg, job)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, out.Kind)
	assert.Equal(t, catalog.KindFreqPrecalc, out.Dependency)
	assert.ElementsMatch(t, []string{"compile_freqs:frq", "compile_freqs:arf", "compile_freqs:docf"}, f.worker.submissions())

	t.Run("keywords run once the prerequisite is cached", func(t *testing.T) {
		preJob := prerequisiteJob(spec, job)
		assert.Equal(t, "ref2015", preJob.Request.Corpus)
		base := f.keyOf(t, preJob)
		for _, part := range []string{catalog.PartFrq, catalog.PartArf, catalog.PartDocf} {
			require.True(t, f.cache.Put(keycodec.PartKey(base, part), []byte(`{}`)))
		}

		out, err := f.runner.Run(context.Background(), f.reg, job)

		require.NoError(t, err)
		assert.Equal(t, OutcomePending, out.Kind)
		assert.Empty(t, out.Dependency)
		subs := f.worker.submissions()
		require.Len(t, subs, 4)
		assert.Equal(t, "calculate_keywords", subs[3])
	})
}

// readCountingCache counts artifact reads per key.
type readCountingCache struct {
	Cache
	mu    sync.Mutex
	reads map[keycodec.CacheKey]int
}

func (c *readCountingCache) Get(key keycodec.CacheKey) ([]byte, bool) {
	c.mu.Lock()
	c.reads[key]++
	c.mu.Unlock()
	return c.Cache.Get(key)
}

func TestRun_CachedPrerequisiteNotRead(t *testing.T) {
	// Arrange
	var counting *readCountingCache
	f := newFixture(t, func(d *Deps) {
		counting = &readCountingCache{Cache: d.Cache, reads: map[keycodec.CacheKey]int{}}
		d.Cache = counting
	})
	job := keywordsJob()
	spec, _ := f.runner.Catalog().Lookup(catalog.KindKeywords)
	base := f.keyOf(t, prerequisiteJob(spec, job))
	var partKeys []keycodec.CacheKey
	for _, part := range []string{catalog.PartFrq, catalog.PartArf, catalog.PartDocf} {
		key := keycodec.PartKey(base, part)
		require.True(t, f.cache.Put(key, []byte(`{"rows":[]}`)))
		partKeys = append(partKeys, key)
	}

	// Act
	for i := 0; i < 3; i++ {
		_, err := f.runner.Run(context.Background(), f.reg, job)
		require.NoError(t, err)
	}

	// Assert
	counting.mu.Lock()
	defer counting.mu.Unlock()
	for _, key := range partKeys {
		assert.Zero(t, counting.reads[key], "part %s", key)
	}
	assert.Equal(t, []string{"calculate_keywords"}, f.worker.submissions())
}

// =============================================================================
// Refresh Tests
// =============================================================================

func TestRefresh_CollectsSuccess(t *testing.T) {
	// Arrange
	f := newFixture(t)
	job := freqJob()
	key := f.keyOf(t, job)
	_, err := f.runner.Run(context.Background(), f.reg, job)
	require.NoError(t, err)
	f.worker.finish("task-1", `{"rows":7}`)

	// Act
	list, err := f.runner.Refresh(context.Background(), f.reg)

	// Assert
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, datatypes.StatusSuccess, list[0].Status)
	cached, ok := f.cache.Get(key)
	require.True(t, ok)
	assert.JSONEq(t, `{"rows":7}`, string(cached))
	_, merr := f.cache.ReadMarker(key)
	assert.ErrorIs(t, merr, os.ErrNotExist)
}

func TestRefresh_RecordsFailure(t *testing.T) {
	t.Run("user visible", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.runner.Run(context.Background(), f.reg, freqJob())
		require.NoError(t, err)
		f.worker.fail("task-1", &datatypes.ComputationError{Type: datatypes.ErrTypeUser, Message: "query syntax error"})

		task, err := f.runner.RefreshTask(context.Background(), f.reg, "task-1")

		require.NoError(t, err)
		assert.Equal(t, datatypes.StatusFailure, task.Status)
		assert.Equal(t, "query syntax error", task.Error)
	})

	t.Run("internal", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.runner.Run(context.Background(), f.reg, freqJob())
		require.NoError(t, err)
		f.worker.fail("task-1", &datatypes.ComputationError{Type: "KeyError", Message: "'conc_id'"})

		task, err := f.runner.RefreshTask(context.Background(), f.reg, "task-1")

		require.NoError(t, err)
		assert.Equal(t, GenericFailureMessage, task.Error)
	})

	t.Run("forgotten by backend", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.runner.Run(context.Background(), f.reg, freqJob())
		require.NoError(t, err)
		f.worker.pollErr["task-1"] = &datatypes.NotFoundError{What: "task task-1"}

		task, err := f.runner.RefreshTask(context.Background(), f.reg, "task-1")

		require.NoError(t, err)
		assert.Equal(t, datatypes.StatusFailure, task.Status)
	})
}

func TestRefresh_KeepsTaskOnTransientPollError(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Run(context.Background(), f.reg, freqJob())
	require.NoError(t, err)
	f.worker.pollErr["task-1"] = errors.New("connection reset")

	task, err := f.runner.RefreshTask(context.Background(), f.reg, "task-1")

	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusPending, task.Status)
}

func TestRefresh_TimesOutOldTasks(t *testing.T) {
	// Arrange
	f := newFixture(t, func(d *Deps) { d.TaskTimeLimit = time.Hour })
	_, err := f.runner.Run(context.Background(), f.reg, freqJob())
	require.NoError(t, err)
	f.clock.Advance(time.Hour + time.Second)

	// Act
	list, err := f.runner.Refresh(context.Background(), f.reg)

	// Assert
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, datatypes.StatusFailure, list[0].Status)
	assert.Equal(t, datatypes.TaskTimeLimitExceeded, list[0].Error)
}

func TestRefreshTask_Unknown(t *testing.T) {
	f := newFixture(t)

	_, err := f.runner.RefreshTask(context.Background(), f.reg, "nope")

	var nf *datatypes.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestCollect_NotReady(t *testing.T) {
	f := newFixture(t)
	job := freqJob()
	key := f.keyOf(t, job)
	_, err := f.runner.Run(context.Background(), f.reg, job)
	require.NoError(t, err)

	out, err := f.runner.Collect(context.Background(), key, worker.Handle{ID: "task-1", TaskName: "calculate_freqs"})

	require.NoError(t, err)
	assert.Equal(t, OutcomePending, out.Kind)
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "", PublicMessage(nil))
	assert.Equal(t, "corpus x not found, please resubmit", PublicMessage(&datatypes.NotFoundError{What: "corpus x"}))
	assert.Equal(t, "bad", PublicMessage(&datatypes.UserError{Msg: "bad"}))
	assert.Equal(t, worker.WorkerTimeLimitExceeded,
		PublicMessage(&datatypes.ComputationError{Type: datatypes.ErrTypeTimeout, Message: worker.WorkerTimeLimitExceeded}))
	assert.Equal(t, GenericFailureMessage, PublicMessage(errors.New("dial tcp 10.0.0.1:5432")))
}
