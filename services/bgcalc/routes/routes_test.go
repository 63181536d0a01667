// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/handlers"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/observability"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_RegistersSurface(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, handlers.New(handlers.Deps{}), handlers.SessionConfig{}, nil)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/v1/calc/:kind"},
		{"GET", "/v1/tasks"},
		{"DELETE", "/v1/tasks"},
		{"GET", "/v1/tasks/:id"},
		{"DELETE", "/v1/tasks/:id"},
		{"GET", "/v1/tasks/:id/stream"},
		{"GET", "/v1/tasks/:id/ws"},
		{"GET", "/v1/cache/:key/status"},
		{"GET", "/v1/cache/:key/stream"},
	}

	routes := router.Routes()
	for _, want := range expected {
		found := false
		for _, r := range routes {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		assert.True(t, found, "route %s %s should be registered", want.method, want.path)
	}
	assert.Len(t, routes, len(expected))
}

func TestSetupRoutes_HealthAndMetrics(t *testing.T) {
	// Arrange
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	metrics.RecordSubmit("freq")
	router := gin.New()
	SetupRoutes(router, handlers.New(handlers.Deps{Metrics: metrics}), handlers.SessionConfig{}, reg)

	t.Run("health", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	})

	t.Run("metrics", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, strings.Contains(w.Body.String(), "bgcalc_tasks_submitted_total"))
	})
}
