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
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/status"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 16 * 1024,
}

// WSMessage is one message of a status websocket.
//
// # Fields
//
//   - Event: task, error or done.
//   - Data: AsyncTask for task events.
//   - Error: Message of error events.
//   - Finished: Set on done; false means the iteration cap was hit and the
//     client should reconnect.
type WSMessage struct {
	Event    string `json:"event"`
	Data     any    `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
	Finished bool   `json:"finished,omitempty"`
}

// TaskWebSocket handles GET /v1/tasks/:id/ws. It pushes the same updates as
// StreamTask, one JSON message each, and closes after the done message.
func (h *Handlers) TaskWebSocket(c *gin.Context) {
	resolve := h.taskResolver(c)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	h.deps.Metrics.StreamStarted("websocket")
	defer h.deps.Metrics.StreamEnded("websocket")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// the read side only detects the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(m WSMessage) error {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return ws.WriteJSON(m)
	}

	res, err := h.deps.Channel.Stream(ctx, resolve, func(u status.Update) error {
		return send(WSMessage{Event: EventTask, Data: u.Value})
	})
	if ctx.Err() != nil {
		slog.Debug("Websocket client disconnected", "iterations", res.Iterations)
		return
	}
	if err != nil {
		_, body := classify(err)
		if send(WSMessage{Event: EventError, Error: body.Error}) != nil {
			return
		}
	}
	if send(WSMessage{Event: EventDone, Finished: res.Finished}) != nil {
		return
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}
