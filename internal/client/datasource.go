// Package client holds the HTTP-leg transport clients used to reach data
// source and model peers directly. Tunnel-mode variants live in
// internal/tunnel and satisfy the same interfaces.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/connexus-ai/rag-aggregator/internal/model"
)

// DataSourceClient queries a data source peer's /query endpoint. A single
// instance is shared across requests; Query never panics on a bad peer
// response, it returns a RetrievalResult with an error status instead.
type DataSourceClient struct {
	httpClient *http.Client
}

// NewDataSourceClient builds a client with its own connection pool and
// request timeout, intended to be constructed once in the composition root.
func NewDataSourceClient(timeout time.Duration) *DataSourceClient {
	return &DataSourceClient{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		},
	}
}

type queryRequestBody struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type queryResponseBody struct {
	Documents []json.RawMessage `json:"documents"`
}

// Query posts {query, top_k} to url+"/query" and returns a RetrievalResult
// that is always non-nil, classifying non-2xx responses, timeouts, and
// network errors into the result's Status rather than returning a Go error.
func (c *DataSourceClient) Query(ctx context.Context, url, endpointPath, query string, topK int) model.RetrievalResult {
	start := time.Now()

	body, err := json.Marshal(queryRequestBody{Query: query, TopK: topK})
	if err != nil {
		return model.RetrievalResult{
			EndpointPath: endpointPath,
			Status:       model.RetrievalError,
			ErrorMessage: "failed to encode request: " + err.Error(),
			LatencyMs:    time.Since(start).Milliseconds(),
		}
	}

	queryURL := strings.TrimRight(url, "/") + "/query"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, queryURL, bytes.NewReader(body))
	if err != nil {
		return model.RetrievalResult{
			EndpointPath: endpointPath,
			Status:       model.RetrievalError,
			ErrorMessage: "failed to build request: " + err.Error(),
			LatencyMs:    time.Since(start).Milliseconds(),
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	latencyMs := time.Since(start).Milliseconds()
	if err != nil {
		status := model.RetrievalError
		var netErr net.Error
		if ctx.Err() == context.DeadlineExceeded || (errors.As(err, &netErr) && netErr.Timeout()) {
			status = model.RetrievalTimeout
		}
		return model.RetrievalResult{
			EndpointPath: endpointPath,
			Status:       status,
			ErrorMessage: err.Error(),
			LatencyMs:    latencyMs,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return model.RetrievalResult{
			EndpointPath: endpointPath,
			Status:       model.RetrievalError,
			ErrorMessage: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, snippet),
			LatencyMs:    latencyMs,
		}
	}

	var parsed queryResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return model.RetrievalResult{
			EndpointPath: endpointPath,
			Status:       model.RetrievalError,
			ErrorMessage: "failed to decode response: " + err.Error(),
			LatencyMs:    latencyMs,
		}
	}

	return model.RetrievalResult{
		EndpointPath: endpointPath,
		Documents:    parseDocuments(parsed.Documents),
		Status:       model.RetrievalSuccess,
		LatencyMs:    latencyMs,
	}
}

// parseDocuments tolerates two peer response shapes: an object with
// content/score/metadata, or a bare string taken as the content.
func parseDocuments(raw []json.RawMessage) []model.Document {
	docs := make([]model.Document, 0, len(raw))
	for _, r := range raw {
		var obj struct {
			Content  string         `json:"content"`
			Score    float64        `json:"score"`
			Metadata map[string]any `json:"metadata"`
		}
		if err := json.Unmarshal(r, &obj); err == nil && obj.Content != "" {
			docs = append(docs, model.Document{Content: obj.Content, Score: obj.Score, Metadata: obj.Metadata})
			continue
		}
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			docs = append(docs, model.Document{Content: s})
		}
	}
	return docs
}
