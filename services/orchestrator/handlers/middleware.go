// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// UserHeader carries the authenticated user identity, injected by the
// fronting gateway. The orchestrator trusts it; end-user authentication is
// the gateway's concern.
const UserHeader = "X-Haven-User"

const userKey = "haven.user_id"

// RequireUser rejects requests without a user identity.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := c.GetHeader(UserHeader)
		if user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + UserHeader + " header"})
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

// UserID returns the authenticated user for the request. Empty only when
// RequireUser is not installed.
func UserID(c *gin.Context) string {
	return c.GetString(userKey)
}
