// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file resolves the caller's tenancy identity. Every request is scoped
// to an organization and a user; in production these come from the upstream
// auth gateway, while the demo headers keep local development and tests
// simple. The resolved values are stashed in the Gin context under "orgID"
// and "userID" for downstream middleware and handlers.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// Identity headers accepted from the upstream gateway.
const (
	HeaderOrgID  = "X-Org-ID"
	HeaderUserID = "X-User-ID"
)

// Development fallbacks when no identity is supplied.
const (
	defaultOrgID  = "demo-org"
	defaultUserID = "demo-user"
)

// Identity resolves the caller's org and user and stores them in the Gin
// context. Values already present in the context (set by an auth middleware)
// take precedence over headers.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get("orgID"); !ok {
			org := strings.TrimSpace(c.GetHeader(HeaderOrgID))
			if org == "" {
				org = defaultOrgID
			}
			c.Set("orgID", org)
		}
		if _, ok := c.Get("userID"); !ok {
			uid := strings.TrimSpace(c.GetHeader(HeaderUserID))
			if uid == "" {
				uid = defaultUserID
			}
			c.Set("userID", uid)
		}
		c.Next()
	}
}

// OrgID returns the resolved organization id for the request.
func OrgID(c *gin.Context) string {
	if v, ok := c.Get("orgID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return defaultOrgID
}

// UserID returns the resolved user id for the request.
func UserID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return defaultUserID
}
