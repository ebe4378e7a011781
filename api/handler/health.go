package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/selfheal/adapt"
	"github.com/use-agent/selfheal/memory"
	"github.com/use-agent/selfheal/models"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Health returns a handler for GET /api/v1/health.
//
// Status degrades when pattern memory has not persisted for longer than
// staleAfter while holding unsaved observations.
func Health(mem *memory.Memory, eng *adapt.Engine, startTime time.Time, staleAfter time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := models.HealthResponse{
			Status:   "healthy",
			Uptime:   time.Since(startTime).Round(time.Second).String(),
			Version:  Version,
			Adapting: eng != nil && eng.IsAdapting(),
		}
		if mem != nil {
			st := mem.Stats()
			resp.Memory = models.MemoryStats{
				Patterns:  st.Patterns,
				Failures:  st.Failures,
				Unsaved:   st.Dirty,
				LastSaved: st.LastSaved,
			}
			if st.Dirty > 0 && staleAfter > 0 && time.Since(st.LastSaved) > staleAfter {
				resp.Status = "degraded"
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}
