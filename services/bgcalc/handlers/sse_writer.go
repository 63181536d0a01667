// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
)

// SSE event names.
const (
	EventTask  = "task"
	EventCache = "cache"
	EventError = "error"
	EventDone  = "done"
)

// SSEWriter writes Server-Sent Events.
//
// # Description
//
// Every event is framed as "event: <name>\ndata: <json>\n\n" and flushed
// immediately. Keep-alive comments (": ping") hold idle connections open
// behind proxies with short read timeouts.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the keep-alive ticker
// writes from its own goroutine.
type SSEWriter interface {
	// WriteEvent writes one event with a JSON payload.
	WriteEvent(event string, payload any) error

	// WriteError writes an error event. The message must be safe to show.
	WriteError(msg string) error

	// WriteDone writes the terminating event.
	WriteDone(summary any) error

	// WriteKeepAlive writes an SSE comment.
	WriteKeepAlive() error
}

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter wraps w. The caller sets the headers first, see
// SetSSEHeaders.
//
// # Outputs
//
//   - SSEWriter: Ready to write events.
//   - error: Non-nil if w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteEvent(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteError(msg string) error {
	return w.WriteEvent(EventError, map[string]string{"error": msg})
}

func (w *sseWriter) WriteDone(summary any) error {
	return w.WriteEvent(EventDone, summary)
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the response headers of an event stream.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
