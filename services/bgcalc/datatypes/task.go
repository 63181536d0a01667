// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"
)

// Category groups async tasks in the user's task list.
type Category string

const (
	CategorySubcorpus   Category = "subcorpus"
	CategoryFreqPrecalc Category = "freq_precalc"
	CategoryPQuery      Category = "pquery"
	CategoryFreq        Category = "freq"
	CategoryColl        Category = "coll"
	CategoryKeywords    Category = "keywords"
	CategoryWordlist    Category = "wordlist"
	CategoryConc        Category = "conc"
)

// AsyncTask is the user-visible record of one submitted background job.
//
// # Description
//
// Tasks live in the session-scoped task list. They are created when work is
// submitted and afterwards only touched by the status refresh path. The JSON
// form is what the session store persists and what streaming clients get.
//
// # Fields
//
//   - ID: Worker-assigned opaque identifier.
//   - Category: Task list group.
//   - Label: Human readable description.
//   - CreatedAt: Submission time, unix milliseconds.
//   - Status: Current lifecycle state.
//   - Error: Failure message, empty unless Status is FAILURE.
//   - Args: Free-form values used to rebuild the result URL.
//   - TaskName: Worker handler the job was submitted to.
//   - CacheKey: Result cache key the job fills, empty for uncached jobs.
type AsyncTask struct {
	ID        string         `json:"id"`
	Category  Category       `json:"category"`
	Label     string         `json:"label"`
	CreatedAt int64          `json:"created"`
	Status    Status         `json:"status"`
	Error     string         `json:"error,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	TaskName  string         `json:"task_name,omitempty"`
	CacheKey  string         `json:"cache_key,omitempty"`
}

// Created returns CreatedAt as a time value.
func (t AsyncTask) Created() time.Time {
	return time.UnixMilli(t.CreatedAt)
}

// Age returns how long ago the task was created, relative to now.
func (t AsyncTask) Age(now time.Time) time.Duration {
	return now.Sub(t.Created())
}

// IsFinished reports whether the task reached a terminal state.
func (t AsyncTask) IsFinished() bool {
	return t.Status.IsTerminal()
}

// Fail marks the task as failed with msg unless it is already terminal.
// It reports whether the task changed.
func (t *AsyncTask) Fail(msg string) bool {
	if t.Status.IsTerminal() {
		return false
	}
	t.Status = StatusFailure
	t.Error = msg
	return true
}

// Observe applies a backend-reported status. Disallowed transitions are
// ignored. It reports whether the task changed.
func (t *AsyncTask) Observe(next Status, errMsg string) bool {
	advanced := t.Status.Advance(next)
	if advanced == t.Status {
		return false
	}
	t.Status = advanced
	if advanced == StatusFailure {
		t.Error = errMsg
	}
	return true
}
