package models

// ExtractRequest is the payload for POST /api/v1/extract.
type ExtractRequest struct {
	// URL identifies the page. It keys the selector cache by host and is
	// attached to pattern memory observations.
	URL string `json:"url" binding:"omitempty,url"`

	// HTML is the already-fetched page. Required.
	HTML string `json:"html" binding:"required"`

	// Fields lists the target field types.
	// Default: the server's configured targets.
	Fields []string `json:"fields,omitempty" binding:"omitempty,max=16,dive,min=1,max=64"`
}

// PageInput is one page of a batch request.
type PageInput struct {
	URL  string `json:"url" binding:"omitempty,url"`
	HTML string `json:"html" binding:"required"`
}

// BatchExtractRequest is the payload for POST /api/v1/extract/batch.
// A batch below the fill-rate threshold is handed to the auto-healer.
type BatchExtractRequest struct {
	Pages  []PageInput `json:"pages" binding:"required,min=1,max=200,dive"`
	Fields []string    `json:"fields,omitempty" binding:"omitempty,max=16,dive,min=1,max=64"`
}

// AdaptRequest is the payload for POST /api/v1/patterns/adapt.
type AdaptRequest struct {
	Selector string         `json:"selector" binding:"required"`
	Context  map[string]any `json:"context,omitempty"`
}
