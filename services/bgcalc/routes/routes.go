// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/handlers"
)

// SetupRoutes registers the HTTP surface on router.
//
// # Inputs
//
//   - router: Gin engine.
//   - h: Handlers.
//   - session: Session cookie settings for the /v1 group.
//   - gatherer: Metrics source for /metrics. Nil means the default
//     Prometheus registry.
func SetupRoutes(router *gin.Engine, h *handlers.Handlers, session handlers.SessionConfig, gatherer prometheus.Gatherer) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1", handlers.SessionMiddleware(session))
	{
		v1.POST("/calc/:kind", h.Submit)

		tasks := v1.Group("/tasks")
		{
			tasks.GET("", h.ListTasks)
			tasks.DELETE("", h.DeleteFailed)
			tasks.GET("/:id", h.GetTask)
			tasks.DELETE("/:id", h.DeleteTask)
			tasks.GET("/:id/stream", h.StreamTask)
			tasks.GET("/:id/ws", h.TaskWebSocket)
		}

		cache := v1.Group("/cache")
		{
			cache.GET("/:key/status", h.CacheStatus)
			cache.GET("/:key/stream", h.StreamCache)
		}
	}
}
