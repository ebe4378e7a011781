package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/selfheal/adapt"
)

type strategyView struct {
	Name  string              `json:"name"`
	Rank  int                 `json:"rank"`
	Stats adapt.StrategyStats `json:"stats"`
}

// Strategies returns a handler for GET /api/v1/strategies: the current
// priority order with lifetime stats, plus the recent adaptation success
// rate and the mode that history selects.
func Strategies(eng *adapt.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := eng.Stats()
		prio := eng.Priority()
		out := make([]strategyView, 0, len(prio))
		for i, s := range prio {
			out = append(out, strategyView{Name: s.String(), Rank: i + 1, Stats: stats[s]})
		}
		perf := eng.RecentPerformance()
		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"adapting":   eng.IsAdapting(),
			"strategies": out,
			"recent":     perf,
			"mode":       adapt.ModeFor(perf),
			"history":    len(eng.History()),
		})
	}
}

// OptimizeStrategies returns a handler for POST /api/v1/strategies/optimize.
func OptimizeStrategies(eng *adapt.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		scores := eng.OptimizeStrategies()
		if scores == nil {
			scores = []adapt.StrategyScore{}
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "scores": scores, "priority": eng.Priority()})
	}
}
