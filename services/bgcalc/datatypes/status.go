// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the value types shared by the background
// calculation packages: computation requests, corpus identities, async task
// records, the task status machine and the error taxonomy.
package datatypes

import (
	"fmt"
	"strings"
)

// =============================================================================
// Task Status
// =============================================================================

// Status is the lifecycle state of a background task.
//
// # Description
//
// The values mirror what task backends report. SUCCESS and FAILURE are
// terminal. FAILURE may also be synthesized locally when a task outlives the
// global time limit, without the backend ever reporting it.
//
// # Transitions
//
//	PENDING -> STARTED -> SUCCESS
//	                   -> FAILURE
//	PENDING -> FAILURE          (time limit, lost task)
//	PENDING -> SUCCESS          (backend only observed completion)
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// ParseStatus converts a backend status string into a Status.
//
// Unknown values are reported as an error rather than mapped to PENDING so a
// misbehaving backend cannot keep a task alive forever.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusStarted, StatusSuccess, StatusFailure:
		return st, nil
	default:
		return "", fmt.Errorf("unknown task status %q", s)
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// IsValid reports whether s is one of the four known states.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusStarted, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
//
// A transition to the same state is always allowed (refreshing an unchanged
// status is a no-op). Terminal states never change.
func (s Status) CanTransition(next Status) bool {
	if !next.IsValid() {
		return false
	}
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return true
	case StatusStarted:
		return next == StatusSuccess || next == StatusFailure
	default:
		return false
	}
}

// Advance returns the state after observing next. Disallowed transitions
// leave the current state unchanged.
func (s Status) Advance(next Status) Status {
	if s.CanTransition(next) {
		return next
	}
	return s
}

func (s Status) String() string {
	return string(s)
}
