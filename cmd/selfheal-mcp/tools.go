package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// apiClient calls the selfheal HTTP API.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(baseURL, apiKey string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

// errorEnvelope mirrors the API error body.
type errorEnvelope struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call sends a request and returns the body of a 2xx response. Error
// responses come back as an error carrying the API code.
func (c *apiClient) call(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var env errorEnvelope
		if json.Unmarshal(data, &env) == nil && env.Error != nil {
			return nil, fmt.Errorf("[%s] %s", env.Error.Code, env.Error.Message)
		}
		return nil, fmt.Errorf("API returned HTTP %d", resp.StatusCode)
	}
	return data, nil
}

func newServer(c *apiClient) *server.MCPServer {
	s := server.NewMCPServer(
		"selfheal",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	s.AddTool(mcp.NewTool("extract_fields",
		mcp.WithDescription("Extract typed listing fields (price, revenue, profit, title, multiple) from an already-fetched HTML page. Missing fields are recovered by fallback strategies and remembered."),
		mcp.WithString("html",
			mcp.Required(),
			mcp.Description("The page HTML"),
		),
		mcp.WithString("url",
			mcp.Description("The page URL; selectors are cached per host"),
		),
		mcp.WithString("fields",
			mcp.Description("Comma-separated field types to extract (default: server configuration)"),
		),
	), c.handleExtract)

	s.AddTool(mcp.NewTool("suggest_selector",
		mcp.WithDescription("Return the most trusted remembered selector for a field type, with alternatives."),
		mcp.WithString("data_type",
			mcp.Required(),
			mcp.Description("Field type, e.g. 'price'"),
		),
		mcp.WithString("exclude",
			mcp.Description("Comma-separated selectors to skip"),
		),
	), c.handleSuggest)

	s.AddTool(mcp.NewTool("list_patterns",
		mcp.WithDescription("List remembered selectors for a field type at or above a confidence, most trusted first."),
		mcp.WithString("data_type",
			mcp.Required(),
			mcp.Description("Field type, e.g. 'title'"),
		),
		mcp.WithNumber("min_confidence",
			mcp.Description("Minimum confidence 0-100 (default: 0)"),
		),
	), c.handleListPatterns)

	s.AddTool(mcp.NewTool("predict_failures",
		mcp.WithDescription("Forecast likely extraction failures from the server's recent metrics and the healing strategy to run for each."),
	), c.handlePredict)

	s.AddTool(mcp.NewTool("healing_report",
		mcp.WithDescription("Export the auto-healer's attempt history and per-strategy effectiveness."),
	), c.handleHealingReport)

	s.AddTool(mcp.NewTool("strategy_status",
		mcp.WithDescription("Show the adaptation strategies in priority order with their effectiveness."),
	), c.handleStrategies)

	return s
}

func (c *apiClient) handleExtract(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	html, err := request.RequireString("html")
	if err != nil {
		return mcp.NewToolResultError("html is required"), nil
	}
	payload := map[string]any{"html": html}
	if u := request.GetString("url", ""); u != "" {
		payload["url"] = u
	}
	if f := splitList(request.GetString("fields", "")); len(f) > 0 {
		payload["fields"] = f
	}
	return c.result(c.call(ctx, http.MethodPost, "/api/v1/extract", payload))
}

func (c *apiClient) handleSuggest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dt, err := request.RequireString("data_type")
	if err != nil {
		return mcp.NewToolResultError("data_type is required"), nil
	}
	path := "/api/v1/patterns/" + url.PathEscape(dt) + "/suggest"
	if ex := request.GetString("exclude", ""); ex != "" {
		path += "?exclude=" + url.QueryEscape(ex)
	}
	return c.result(c.call(ctx, http.MethodGet, path, nil))
}

func (c *apiClient) handleListPatterns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dt, err := request.RequireString("data_type")
	if err != nil {
		return mcp.NewToolResultError("data_type is required"), nil
	}
	minConf := int(request.GetFloat("min_confidence", 0))
	path := "/api/v1/patterns/" + url.PathEscape(dt) + "?min=" + strconv.Itoa(minConf)
	return c.result(c.call(ctx, http.MethodGet, path, nil))
}

func (c *apiClient) handlePredict(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return c.result(c.call(ctx, http.MethodPost, "/api/v1/predict", nil))
}

func (c *apiClient) handleHealingReport(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return c.result(c.call(ctx, http.MethodGet, "/api/v1/healing/export", nil))
}

func (c *apiClient) handleStrategies(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return c.result(c.call(ctx, http.MethodGet, "/api/v1/strategies", nil))
}

// result renders an API body as indented JSON text.
func (c *apiClient) result(body []byte, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return mcp.NewToolResultText(string(body)), nil
	}
	return mcp.NewToolResultText(pretty.String()), nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
