package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/selfheal/memory"
	"github.com/use-agent/selfheal/models"
)

// ListPatterns returns a handler for GET /api/v1/patterns.
func ListPatterns(mem *memory.Memory) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := mem.Stats()
		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"data_types": mem.DataTypes(),
			"patterns":   st.Patterns,
			"failures":   st.Failures,
		})
	}
}

// PatternsByConfidence returns a handler for
// GET /api/v1/patterns/:dataType?min=<confidence>.
func PatternsByConfidence(mem *memory.Memory) gin.HandlerFunc {
	return func(c *gin.Context) {
		minConf := 0
		if v := c.Query("min"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 || n > 100 {
				invalidInput(c, fmt.Errorf("min must be an integer in [0,100], got %q", v))
				return
			}
			minConf = n
		}
		patterns := mem.ByConfidence(c.Param("dataType"), minConf)
		if patterns == nil {
			patterns = []memory.Pattern{}
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "patterns": patterns})
	}
}

// Suggest returns a handler for
// GET /api/v1/patterns/:dataType/suggest?exclude=sel1,sel2.
//
// No qualifying pattern is a 200 with found=false.
func Suggest(mem *memory.Memory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var exclude []string
		for _, s := range strings.Split(c.Query("exclude"), ",") {
			if s = strings.TrimSpace(s); s != "" {
				exclude = append(exclude, s)
			}
		}
		s, ok := mem.SuggestNext(c.Param("dataType"), exclude)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"success": true, "found": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "found": true, "suggestion": s})
	}
}

// AdaptToFailures returns a handler for POST /api/v1/patterns/adapt.
func AdaptToFailures(mem *memory.Memory) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.AdaptRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidInput(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "adaptation": mem.AdaptToFailures(req.Selector, req.Context)})
	}
}

// CleanupPatterns returns a handler for
// POST /api/v1/patterns/cleanup?days=30&min=20.
func CleanupPatterns(mem *memory.Memory) gin.HandlerFunc {
	return func(c *gin.Context) {
		days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
		if err != nil || days < 0 {
			invalidInput(c, fmt.Errorf("days must be a non-negative integer"))
			return
		}
		minConf, err := strconv.Atoi(c.DefaultQuery("min", "20"))
		if err != nil || minConf < 0 || minConf > 100 {
			invalidInput(c, fmt.Errorf("min must be an integer in [0,100]"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "removed": mem.Cleanup(days, minConf)})
	}
}
