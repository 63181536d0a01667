// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()

	assert.Equal(t, []string{
		KindColl, KindConcSize, KindFreq, KindFreqPrecalc, KindKeywords, KindPQuery, KindSubcorpus, KindWordlist,
	}, c.Kinds())

	size, ok := c.Lookup(KindConcSize)
	require.True(t, ok)
	assert.True(t, size.Small, "concordance size is computed inline")

	precalc, ok := c.Lookup(KindFreqPrecalc)
	require.True(t, ok)
	assert.True(t, precalc.IsMultiPart())
	assert.Equal(t, []string{"compile_freqs:frq", "compile_freqs:arf", "compile_freqs:docf"}, precalc.TaskNames())

	kw, ok := c.Lookup(KindKeywords)
	require.True(t, ok)
	require.NotNil(t, kw.Prerequisite)
	assert.Equal(t, KindFreqPrecalc, kw.Prerequisite.Kind)

	sub, _ := c.Lookup(KindSubcorpus)
	assert.True(t, sub.UserScoped)

	assert.Contains(t, c.TaskNames(), "calculate_freqs")
	assert.Contains(t, c.TaskNames(), "compile_freqs:docf")
}

func TestNew_Rejects(t *testing.T) {
	t.Run("duplicate kind", func(t *testing.T) {
		_, err := New(TaskSpec{Kind: "a", TaskName: "x"}, TaskSpec{Kind: "a", TaskName: "y"})
		assert.Error(t, err)
	})

	t.Run("missing task name", func(t *testing.T) {
		_, err := New(TaskSpec{Kind: "a"})
		assert.Error(t, err)
	})

	t.Run("unknown prerequisite", func(t *testing.T) {
		_, err := New(TaskSpec{Kind: "a", TaskName: "x", Prerequisite: &Prerequisite{Kind: "b"}})
		assert.Error(t, err)
	})
}

func TestTaskSpec_Limit(t *testing.T) {
	assert.Equal(t, DefaultTimeLimit, TaskSpec{}.Limit())
	assert.Equal(t, time.Minute, TaskSpec{TimeLimit: time.Minute}.Limit())
}
