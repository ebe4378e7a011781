package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/selfheal/models"
)

// BodyLimit rejects request bodies larger than n bytes. Declared lengths are
// checked up front; undeclared ones fail when the handler reads past n.
func BodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > n {
			abort(c, http.StatusRequestEntityTooLarge, models.ErrCodeInvalidInput, "request body too large")
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}
