package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/connexus-ai/rag-aggregator/internal/model"
)

// ModelClient calls a model peer's /chat and /chat/stream endpoints. Unlike
// DataSourceClient it returns a Go error on failure, since generation
// failures abort the whole request rather than degrading gracefully.
type ModelClient struct {
	httpClient *http.Client
}

func NewModelClient(timeout time.Duration) *ModelClient {
	return &ModelClient{httpClient: &http.Client{
		Timeout:   timeout,
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
	}}
}

type chatRequestBody struct {
	Messages []model.Message `json:"messages"`
}

type chatResponseBody struct {
	Response string            `json:"response"`
	Usage    *model.TokenUsage `json:"usage,omitempty"`
}

// streamChunk is one line of the newline-delimited JSON stream a model peer
// emits: either {"content":"..."} or the terminal {"done":true}.
type streamChunk struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// StreamChunk is one unit handed back on ModelClient.ChatStream's channel.
type StreamChunk struct {
	Content string
	Usage   *model.TokenUsage
}

// Chat sends the full message history to url+"/chat" and returns the
// unary response.
func (c *ModelClient) Chat(ctx context.Context, url string, messages []model.Message) (model.GenerationResult, error) {
	start := time.Now()

	body, err := json.Marshal(chatRequestBody{Messages: messages})
	if err != nil {
		return model.GenerationResult{}, fmt.Errorf("model client: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(url, "/")+"/chat", bytes.NewReader(body))
	if err != nil {
		return model.GenerationResult{}, fmt.Errorf("model client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.GenerationResult{}, fmt.Errorf("model client: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return model.GenerationResult{}, fmt.Errorf("model client: HTTP %d: %s", resp.StatusCode, snippet)
	}

	var parsed chatResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return model.GenerationResult{}, fmt.Errorf("model client: decode response: %w", err)
	}

	return model.GenerationResult{
		Response:  parsed.Response,
		LatencyMs: time.Since(start).Milliseconds(),
		Usage:     parsed.Usage,
	}, nil
}

// ChatStream sends the full message history to url+"/chat/stream" and
// returns a channel of content chunks, closed when the peer emits
// {"done":true} or the connection ends. Errors encountered mid-stream are
// sent on errCh and close the chunk channel.
func (c *ModelClient) ChatStream(ctx context.Context, url string, messages []model.Message) (<-chan StreamChunk, <-chan error) {
	chunkCh := make(chan StreamChunk)
	errCh := make(chan error, 1)

	go func() {
		defer close(chunkCh)
		defer close(errCh)

		body, err := json.Marshal(chatRequestBody{Messages: messages})
		if err != nil {
			errCh <- fmt.Errorf("model client: encode request: %w", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(url, "/")+"/chat/stream", bytes.NewReader(body))
		if err != nil {
			errCh <- fmt.Errorf("model client: build request: %w", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/x-ndjson")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			errCh <- fmt.Errorf("model client: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
			errCh <- fmt.Errorf("model client: HTTP %d: %s", resp.StatusCode, snippet)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk streamChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				errCh <- fmt.Errorf("model client: malformed stream chunk: %w", err)
				return
			}
			if chunk.Done {
				return
			}
			select {
			case chunkCh <- StreamChunk{Content: chunk.Content}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
			errCh <- fmt.Errorf("model client: stream read: %w", err)
		}
	}()

	return chunkCh, errCh
}
