// Package validation provides input validation helpers for the Bidlane API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxDescriptionLength caps free-text fields such as dispute descriptions
const MaxDescriptionLength = 2000

// userIDRegex matches account identifiers: printable, no whitespace, bounded.
var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]{0,63}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID checks that a string is a well-formed account identifier
func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

// SanitizeText trims, bounds, and strips null bytes from free-text input
func SanitizeText(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// UserIDParamMiddleware rejects requests whose :id path param is not a
// well-formed account identifier. No-op when the param is absent.
func UserIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidUserID(id) && !looksLikeResourceID(id) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "Malformed identifier in URL",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// looksLikeResourceID accepts generated IDs such as dsp_x7Kq or ctr_9fQ2.
func looksLikeResourceID(id string) bool {
	prefix, rest, found := strings.Cut(id, "_")
	if !found || prefix == "" || rest == "" {
		return false
	}
	return userIDRegex.MatchString(rest)
}
