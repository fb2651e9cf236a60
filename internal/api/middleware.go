package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	requestIDHeader     = "X-Request-ID"
	requestIDContextKey = "request_id"
)

// requestID tags each request with an id, reusing the caller's when present.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(requestIDContextKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func logRequestError(c *gin.Context, err error) {
	log.Printf("api [%s] %s %s: %v", c.GetString(requestIDContextKey), c.Request.Method, c.FullPath(), err)
}

func internalError(c *gin.Context, msg string, err error) {
	logRequestError(c, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
