// Package correction wraps the opaque upstream text-correction API: raw
// transcript text in, corrected text out. Mirrors internal/transcription's
// separation of plain HTTP transport from gating/retry policy.
package correction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nexusaudio/chunked-transcribe/internal/retry"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client calls the upstream correction API over HTTP.
type Client struct {
	cfg    Config
	client *http.Client
}

// New constructs a Client with a bounded request timeout.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type correctRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

type correctResponse struct {
	CorrectedText string `json:"corrected_text"`
}

// Correct rewrites raw text. Returns the original error classification
// contract used by internal/transcription.Client.Transcribe.
func (c *Client) Correct(ctx context.Context, text, modelName string) (string, error) {
	payload, err := json.Marshal(correctRequest{Text: text, Model: modelName})
	if err != nil {
		return "", retry.NewTerminal(fmt.Errorf("correction: marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/correct", bytes.NewReader(payload))
	if err != nil {
		return "", retry.NewTerminal(fmt.Errorf("correction: build http request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", retry.NewStatusError(resp.StatusCode, fmt.Errorf("correction: upstream status %d: %s", resp.StatusCode, string(data)))
	}

	var parsed correctResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", retry.NewTerminal(fmt.Errorf("correction: decode response: %w", err))
	}
	return parsed.CorrectedText, nil
}
