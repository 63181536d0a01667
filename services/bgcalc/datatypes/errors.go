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
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// TaskTimeLimitExceeded is the error recorded on tasks failed by the local
// timeout sweep. It never comes from a worker.
const TaskTimeLimitExceeded = "task time limit exceeded"

// Error type names carried across the worker boundary.
const (
	ErrTypeNotFound             = "NotFound"
	ErrTypeUnfinishedDependency = "UnfinishedDependency"
	ErrTypeUser                 = "UserError"
	ErrTypeTimeout              = "Timeout"
)

// NotFoundError means the requested result does not exist and nothing is
// computing it. Clients are asked to resubmit.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string {
	if e.What == "" {
		return "result not found, please resubmit"
	}
	return fmt.Sprintf("%s not found, please resubmit", e.What)
}

// UnfinishedDependencyError means a prerequisite artifact is missing. The
// runner reacts by starting the precalculation instead of failing.
type UnfinishedDependencyError struct {
	Dependency string
	Parts      []string
}

func (e *UnfinishedDependencyError) Error() string {
	if len(e.Parts) == 0 {
		return fmt.Sprintf("unfinished dependency %s", e.Dependency)
	}
	return fmt.Sprintf("unfinished dependency %s (parts: %s)", e.Dependency, strings.Join(e.Parts, ", "))
}

// BackendError means the worker backend is unreachable or misconfigured.
// It is never retried automatically.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("task backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// UserError is raised by task handlers for failures whose message is safe
// to show to the user (bad query, empty result, ...).
type UserError struct {
	Msg string
}

func (e *UserError) Error() string {
	return e.Msg
}

// ComputationError is a failure raised by a task handler, carried verbatim
// from the worker to the caller.
//
// # Fields
//
//   - Type: Name of the original error type.
//   - Message: Original error message.
//   - Subject: What was missing, for NotFound and UnfinishedDependency.
//   - Parts: Missing parts of an unfinished dependency.
type ComputationError struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Subject string   `json:"subject,omitempty"`
	Parts   []string `json:"parts,omitempty"`
}

func (e *ComputationError) Error() string {
	return e.Message
}

// UserVisible reports whether Message may be shown as is.
func (e *ComputationError) UserVisible() bool {
	switch e.Type {
	case ErrTypeUser, ErrTypeNotFound, ErrTypeUnfinishedDependency, ErrTypeTimeout:
		return true
	}
	return false
}

// CaptureError converts an error raised by a task handler into its
// transportable form.
func CaptureError(err error) *ComputationError {
	if err == nil {
		return nil
	}
	var ce *ComputationError
	if errors.As(err, &ce) {
		return ce
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return &ComputationError{Type: ErrTypeNotFound, Message: nf.Error(), Subject: nf.What}
	}
	var ud *UnfinishedDependencyError
	if errors.As(err, &ud) {
		return &ComputationError{
			Type:    ErrTypeUnfinishedDependency,
			Message: ud.Error(),
			Subject: ud.Dependency,
			Parts:   append([]string(nil), ud.Parts...),
		}
	}
	var ue *UserError
	if errors.As(err, &ue) {
		return &ComputationError{Type: ErrTypeUser, Message: ue.Msg}
	}
	return &ComputationError{Type: typeName(err), Message: err.Error()}
}

// Restore turns a captured error back into the error the handler raised
// where that type is part of the taxonomy, so callers can still tell a
// missing object from a crashed computation.
func (e *ComputationError) Restore() error {
	subject := e.Subject
	if subject == "" {
		// records written before Subject existed
		subject = e.Message
	}
	switch e.Type {
	case ErrTypeNotFound:
		return &NotFoundError{What: subject}
	case ErrTypeUnfinishedDependency:
		return &UnfinishedDependencyError{Dependency: subject, Parts: append([]string(nil), e.Parts...)}
	default:
		return e
	}
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath()[strings.LastIndex(t.PkgPath(), "/")+1:] + "." + t.Name()
}
