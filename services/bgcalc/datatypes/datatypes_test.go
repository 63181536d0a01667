// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Status Tests
// =============================================================================

func TestStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusStarted, true},
		{StatusPending, StatusFailure, true},
		{StatusPending, StatusSuccess, true},
		{StatusStarted, StatusSuccess, true},
		{StatusStarted, StatusFailure, true},
		{StatusStarted, StatusPending, false},
		{StatusSuccess, StatusFailure, false},
		{StatusSuccess, StatusStarted, false},
		{StatusFailure, StatusSuccess, false},
		{StatusFailure, StatusFailure, true},
		{StatusPending, Status("BOGUS"), false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusStarted.IsTerminal())
	assert.True(t, StatusSuccess.IsTerminal())
	assert.True(t, StatusFailure.IsTerminal())
}

func TestParseStatus(t *testing.T) {
	t.Run("known values are case insensitive", func(t *testing.T) {
		st, err := ParseStatus(" started ")
		require.NoError(t, err)
		assert.Equal(t, StatusStarted, st)
	})

	t.Run("unknown value is an error", func(t *testing.T) {
		_, err := ParseStatus("RETRY")
		assert.Error(t, err)
	})
}

// =============================================================================
// AsyncTask Tests
// =============================================================================

func TestAsyncTask_JSONRoundTrip(t *testing.T) {
	// Arrange
	task := AsyncTask{
		ID:        "3f0c",
		Category:  CategoryFreqPrecalc,
		Label:     "syn2020 frequencies",
		CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Status:    StatusFailure,
		Error:     "boom",
		Args:      map[string]any{"corpname": "syn2020", "subcname": "fiction"},
	}

	// Act
	data, err := json.Marshal(task)
	require.NoError(t, err)
	var decoded AsyncTask
	require.NoError(t, json.Unmarshal(data, &decoded))

	// Assert
	assert.Equal(t, task.ID, decoded.ID)
	assert.Equal(t, task.Status, decoded.Status)
	assert.Equal(t, task.Category, decoded.Category)
	assert.Equal(t, task.Label, decoded.Label)
	assert.Equal(t, task.Error, decoded.Error)
	assert.Equal(t, task.Args, decoded.Args)
	assert.Equal(t, task.CreatedAt, decoded.CreatedAt)
}

func TestAsyncTask_Observe(t *testing.T) {
	t.Run("follows allowed transitions", func(t *testing.T) {
		task := AsyncTask{Status: StatusPending}
		assert.True(t, task.Observe(StatusStarted, ""))
		assert.True(t, task.Observe(StatusFailure, "crashed"))
		assert.Equal(t, StatusFailure, task.Status)
		assert.Equal(t, "crashed", task.Error)
	})

	t.Run("terminal state is sticky", func(t *testing.T) {
		task := AsyncTask{Status: StatusFailure, Error: TaskTimeLimitExceeded}
		assert.False(t, task.Observe(StatusSuccess, ""))
		assert.Equal(t, StatusFailure, task.Status)
		assert.Equal(t, TaskTimeLimitExceeded, task.Error)
	})
}

func TestAsyncTask_Fail(t *testing.T) {
	task := AsyncTask{Status: StatusStarted}
	assert.True(t, task.Fail("x"))
	assert.False(t, task.Fail("y"), "second failure must not overwrite the first")
	assert.Equal(t, "x", task.Error)
}

func TestAsyncTask_Age(t *testing.T) {
	created := time.Unix(1000, 0)
	task := AsyncTask{CreatedAt: created.UnixMilli()}
	assert.Equal(t, 301*time.Second, task.Age(created.Add(301*time.Second)))
}

// =============================================================================
// Error Taxonomy Tests
// =============================================================================

func TestCaptureError(t *testing.T) {
	t.Run("user error keeps its message and is visible", func(t *testing.T) {
		ce := CaptureError(fmt.Errorf("wrapped: %w", &UserError{Msg: "query too broad"}))
		assert.Equal(t, ErrTypeUser, ce.Type)
		assert.Equal(t, "query too broad", ce.Message)
		assert.True(t, ce.UserVisible())
	})

	t.Run("not found survives the round trip", func(t *testing.T) {
		ce := CaptureError(&NotFoundError{What: "subcorpus fiction"})
		assert.Equal(t, "subcorpus fiction not found, please resubmit", ce.Message)
		var nf *NotFoundError
		require.True(t, errors.As(ce.Restore(), &nf))
		assert.Equal(t, "subcorpus fiction", nf.What)
	})

	t.Run("unfinished dependency keeps its parts", func(t *testing.T) {
		// Arrange
		orig := &UnfinishedDependencyError{Dependency: "freq_precalc ref2015", Parts: []string{"arf", "docf"}}

		// Act
		ce := CaptureError(fmt.Errorf("keywords: %w", orig))
		restored := ce.Restore()

		// Assert
		assert.Equal(t, orig.Error(), ce.Message)
		assert.Equal(t, []string{"arf", "docf"}, ce.Parts)
		var ud *UnfinishedDependencyError
		require.True(t, errors.As(restored, &ud))
		assert.Equal(t, "freq_precalc ref2015", ud.Dependency)
		assert.Equal(t, []string{"arf", "docf"}, ud.Parts)
	})

	t.Run("record without subject falls back to the message", func(t *testing.T) {
		ce := &ComputationError{Type: ErrTypeNotFound, Message: "task 7"}
		var nf *NotFoundError
		require.True(t, errors.As(ce.Restore(), &nf))
		assert.Equal(t, "task 7", nf.What)
	})

	t.Run("unexpected error is internal", func(t *testing.T) {
		ce := CaptureError(errors.New("index out of range"))
		assert.Equal(t, "errors.errorString", ce.Type)
		assert.Equal(t, "index out of range", ce.Message)
		assert.False(t, ce.UserVisible())
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, CaptureError(nil))
	})
}

func TestBackendError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &BackendError{Op: "submit", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "submit")
}

// =============================================================================
// Request Tests
// =============================================================================

func TestComputationRequest_Validate(t *testing.T) {
	t.Run("valid request", func(t *testing.T) {
		req := ComputationRequest{Corpus: "brown", Ops: []string{"freq"}, Params: map[string]any{"attr": "lemma"}}
		assert.NoError(t, req.Validate())
	})

	t.Run("missing corpus", func(t *testing.T) {
		req := ComputationRequest{Ops: []string{"freq"}}
		assert.Error(t, req.Validate())
	})

	t.Run("empty op token", func(t *testing.T) {
		req := ComputationRequest{Corpus: "brown", Ops: []string{"freq", ""}}
		assert.Error(t, req.Validate())
	})

	t.Run("control character in corpus id", func(t *testing.T) {
		req := ComputationRequest{Corpus: "brown\n", Ops: []string{"freq"}}
		assert.Error(t, req.Validate())
	})
}

func TestComputationRequest_WithParam(t *testing.T) {
	orig := ComputationRequest{Corpus: "brown", Ops: []string{"freq"}, Params: map[string]any{"limit": 5}}
	changed := orig.WithParam("limit", 10)

	assert.Equal(t, 5, orig.Params["limit"], "original must stay unchanged")
	assert.Equal(t, 10, changed.Params["limit"])
	assert.Equal(t, "freq", changed.Kind())
}
