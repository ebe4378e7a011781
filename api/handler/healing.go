package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/selfheal/heal"
	"github.com/use-agent/selfheal/pipeline"
)

// ExportHealing returns a handler for GET /api/v1/healing/export.
// The body is the healer's JSON snapshot of history and effectiveness.
func ExportHealing(h *heal.Healer) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "application/json; charset=utf-8")
		c.Status(http.StatusOK)
		if err := h.ExportTo(c.Writer); err != nil {
			slog.Error("api: healing export failed", "error", err)
		}
	}
}

// HealingHistory returns a handler for GET /api/v1/healing/history.
func HealingHistory(h *heal.Healer) gin.HandlerFunc {
	return func(c *gin.Context) {
		history := h.History()
		if history == nil {
			history = []heal.Attempt{}
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "history": history})
	}
}

// Recalibrate returns a handler for POST /api/v1/healing/recalibrate.
func Recalibrate(h *heal.Healer) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "recalibration": h.RecalibrateStrategies()})
	}
}

// Predict returns a handler for POST /api/v1/predict.
//
// An empty body predicts from the pipeline's own metrics; a heal.Metrics
// body predicts from caller-supplied ones.
func Predict(h *heal.Healer, p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var m heal.Metrics
		err := c.ShouldBindJSON(&m)
		switch {
		case errors.Is(err, io.EOF):
			c.JSON(http.StatusOK, gin.H{"success": true, "metrics": p.Metrics(), "predictions": nonNil(p.PredictFailures())})
			return
		case err != nil:
			invalidInput(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "metrics": m, "predictions": nonNil(h.PredictFailures(m))})
	}
}

func nonNil(p []heal.Prediction) []heal.Prediction {
	if p == nil {
		return []heal.Prediction{}
	}
	return p
}
