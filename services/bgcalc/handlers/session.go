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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/czcorpus/kontext-sub000/pkg/validation"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/session"
)

const (
	// SessionHeader carries the session id for non-browser clients.
	SessionHeader = "X-Session-ID"

	// UserHeader carries the authenticated user id set by the front proxy.
	UserHeader = "X-User-ID"

	// DefaultSessionCookie is the cookie name used when none is configured.
	DefaultSessionCookie = "bgcalc_session"

	sessionIDKey = "bgcalc_session_id"
	userIDKey    = "bgcalc_user_id"
)

// SessionConfig configures SessionMiddleware.
//
// # Fields
//
//   - CookieName: Session cookie name.
//   - MaxAge: Cookie lifetime in seconds. Zero makes it a browser session
//     cookie.
//   - Secure: Set the Secure flag.
type SessionConfig struct {
	CookieName string `yaml:"cookie_name"`
	MaxAge     int    `yaml:"max_age"`
	Secure     bool   `yaml:"secure"`
}

// SessionMiddleware resolves the session id of a request.
//
// # Description
//
// The id is taken from the X-Session-ID header, then from the session
// cookie. A missing or malformed id is replaced by a fresh one, which is
// returned to the client as a cookie and in the response header. The user
// id is read from X-User-ID; authentication itself happens upstream.
func SessionMiddleware(cfg SessionConfig) gin.HandlerFunc {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultSessionCookie
	}
	return func(c *gin.Context) {
		sid := c.GetHeader(SessionHeader)
		if sid == "" {
			sid, _ = c.Cookie(cfg.CookieName)
		}
		if validation.ValidateSessionID(sid) != nil {
			sid = session.NewID()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(cfg.CookieName, sid, cfg.MaxAge, "/", "", cfg.Secure, true)
		}
		c.Header(SessionHeader, sid)
		c.Set(sessionIDKey, sid)
		c.Set(userIDKey, c.GetHeader(UserHeader))
		c.Next()
	}
}

// SessionID returns the session id stored by SessionMiddleware.
func SessionID(c *gin.Context) string {
	return c.GetString(sessionIDKey)
}

// UserID returns the user id stored by SessionMiddleware.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}
