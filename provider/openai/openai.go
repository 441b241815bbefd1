// Package openai provides an embedding client for the episodic tier backed
// by the OpenAI embeddings API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentic-crm/memstack/internal/memory/episodic"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client calls the embeddings endpoint and satisfies episodic.Embedder.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	dims       int
	httpClient *http.Client
}

// NewClient creates an embedding client. Model defaults to
// text-embedding-3-small and dims to the episodic default.
func NewClient(apiKey, model, baseURL string, dims int, timeout time.Duration) *Client {
	if model == "" {
		model = "text-embedding-3-small"
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if dims <= 0 {
		dims = episodic.DefaultDimensions
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		dims:       dims,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Embed generates an embedding for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	requestBody := map[string]interface{}{
		"model":      c.model,
		"input":      []string{text},
		"dimensions": c.dims,
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status: %d", resp.StatusCode)
	}

	var openaiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&openaiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(openaiResp.Data) == 0 {
		return nil, fmt.Errorf("no embedding in response")
	}
	return openaiResp.Data[0].Embedding, nil
}

func (c *Client) Dimensions() int { return c.dims }

func (c *Client) Name() string { return c.model }

var _ episodic.Embedder = (*Client)(nil)
