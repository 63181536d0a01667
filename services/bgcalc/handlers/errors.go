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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/runner"
)

// BackendUnavailableMessage is sent for *datatypes.BackendError.
const BackendUnavailableMessage = "the computation backend is unavailable, please try again later"

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

// classify maps err to an HTTP status and a message safe to show.
func classify(err error) (int, ErrorResponse) {
	var (
		ue *datatypes.UserError
		nf *datatypes.NotFoundError
		ud *datatypes.UnfinishedDependencyError
		be *datatypes.BackendError
		ce *datatypes.ComputationError
	)
	switch {
	case errors.As(err, &ue):
		return http.StatusBadRequest, ErrorResponse{Error: ue.Msg, Type: datatypes.ErrTypeUser}
	case errors.As(err, &nf):
		return http.StatusNotFound, ErrorResponse{Error: nf.Error(), Type: datatypes.ErrTypeNotFound}
	case errors.As(err, &ud):
		return http.StatusConflict, ErrorResponse{Error: ud.Error(), Type: datatypes.ErrTypeUnfinishedDependency}
	case errors.As(err, &be):
		return http.StatusServiceUnavailable, ErrorResponse{Error: BackendUnavailableMessage, Type: "BackendError"}
	case errors.As(err, &ce):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: runner.PublicMessage(ce), Type: "ComputationError"}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: runner.GenericFailureMessage}
}

// writeError sends err as a JSON error response.
func writeError(c *gin.Context, err error) {
	code, body := classify(err)
	if code >= http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.FullPath(), "status", code, "error", err)
	} else {
		slog.Info("Request rejected", "path", c.FullPath(), "status", code, "error", err)
	}
	c.AbortWithStatusJSON(code, body)
}
