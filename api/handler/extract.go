package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/selfheal/models"
	"github.com/use-agent/selfheal/pipeline"
)

// Extract returns a handler for POST /api/v1/extract.
//
// Flow:
//  1. Parse & validate request.
//  2. Pipeline.ExtractPage → cached selectors, pattern memory, fallback strategies.
//  3. Respond 200 with fields and what is still missing.
func Extract(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var req models.ExtractRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidInput(c, err)
			return
		}

		r := p.ExtractPage(c.Request.Context(), pipeline.Page{URL: req.URL, HTML: req.HTML}, req.Fields)
		if r.Error != "" {
			respondError(c, models.NewAPIError(models.ErrCodeDocument, r.Error, nil))
			return
		}

		c.JSON(http.StatusOK, models.ExtractResponse{
			Success:   true,
			URL:       r.URL,
			Fields:    r.Fields,
			Missing:   r.Missing,
			Attempted: r.Attempted,
			Timing:    models.TimingInfo{TotalMs: time.Since(start).Milliseconds()},
		})
	}
}

type batchResponse struct {
	Success bool `json:"success"`
	pipeline.BatchResult
}

// ExtractBatch returns a handler for POST /api/v1/extract/batch.
//
// The batch runs synchronously; when its fill rate is below the threshold
// the response also carries the healing outcome.
func ExtractBatch(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.BatchExtractRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidInput(c, err)
			return
		}

		pages := make([]pipeline.Page, len(req.Pages))
		for i, pg := range req.Pages {
			pages[i] = pipeline.Page{URL: pg.URL, HTML: pg.HTML}
		}
		out := p.ExtractBatch(c.Request.Context(), pages, req.Fields)
		c.JSON(http.StatusOK, batchResponse{Success: true, BatchResult: out})
	}
}
