package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CSRFMiddleware enforces double-submit CSRF protection. Only requests that
// authenticate through the session cookie are checked; bearer clients such
// as the terminal client never carry ambient credentials.
func (s *Service) CSRFMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requiresCSRFCheck(c.Request.Method) || usesBearer(c.GetHeader(s.headerName)) {
			c.Next()
			return
		}
		if cookie, err := c.Cookie(s.cookieName); err != nil || cookie == "" {
			c.Next()
			return
		}
		headerToken := c.GetHeader(s.csrfHeaderName)
		cookieToken, err := c.Cookie(s.csrfCookieName)
		if err != nil || headerToken == "" || cookieToken == "" || headerToken != cookieToken {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid csrf token"})
			return
		}
		c.Next()
	}
}

func usesBearer(header string) bool {
	return strings.HasPrefix(strings.ToLower(header), "bearer ")
}

func requiresCSRFCheck(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}
