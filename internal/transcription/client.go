// Package transcription wraps the opaque upstream speech-to-text API:
// one chunk of audio bytes in, one raw transcript (plus provider
// segments) out. The client itself knows nothing about gating or
// retries — those are applied by the caller via internal/gate and
// internal/retry, the same separation this codebase keeps between a
// plain HTTP client (pkg/tools/bootstrap/downloader.go) and the
// resilience wrappers around it.
package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/nexusaudio/chunked-transcribe/internal/model"
	"github.com/nexusaudio/chunked-transcribe/internal/retry"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client calls the upstream transcription API over HTTP.
type Client struct {
	cfg    Config
	client *http.Client
}

// New constructs a Client with a bounded request timeout.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Request is one chunk transcription request.
type Request struct {
	ChunkIndex int
	Filename   string
	Bytes      []byte
	Model      string
}

// Response is the upstream API's parsed result.
type Response struct {
	Text     string
	Segments []model.Segment
}

type apiSegment struct {
	Start float64        `json:"start"`
	End   float64        `json:"end"`
	Text  string         `json:"text"`
	Raw   map[string]any `json:"raw,omitempty"`
}

type apiResponse struct {
	Text     string       `json:"text"`
	Segments []apiSegment `json:"segments"`
}

// Transcribe sends one chunk to the upstream API. The returned error is
// a *retry.StatusError (for a non-2xx HTTP response), a
// *retry.TerminalError (for a malformed response body or a request that
// cannot be built), or the transport error itself (for a network
// failure), so the caller's
// retry.Classify call can tell retryable upstream failures from
// terminal ones without re-deriving that from scratch.
func (c *Client) Transcribe(ctx context.Context, req Request) (*Response, error) {
	body, contentType, err := buildMultipart(req)
	if err != nil {
		return nil, retry.NewTerminal(fmt.Errorf("transcription: build request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/transcribe", body)
	if err != nil {
		return nil, retry.NewTerminal(fmt.Errorf("transcription: build http request: %w", err))
	}
	httpReq.Header.Set("Content-Type", contentType)
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err // network error: retry.Classify treats net.Error as retryable
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, retry.NewStatusError(resp.StatusCode, fmt.Errorf("transcription: upstream status %d: %s", resp.StatusCode, string(data)))
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, retry.NewTerminal(fmt.Errorf("transcription: decode response: %w", err))
	}

	segments := make([]model.Segment, len(parsed.Segments))
	for i, s := range parsed.Segments {
		segments[i] = model.Segment{Start: s.Start, End: s.End, Text: s.Text, Raw: s.Raw}
	}
	return &Response{Text: parsed.Text, Segments: segments}, nil
}

func buildMultipart(req Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Bytes); err != nil {
		return nil, "", err
	}
	if req.Model != "" {
		if err := w.WriteField("model", req.Model); err != nil {
			return nil, "", err
		}
	}
	if err := w.WriteField("chunk_index", fmt.Sprintf("%d", req.ChunkIndex)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
