// Package inference is the fragile downstream dependency: an LLM-style
// completion provider reached over HTTP, always called through the
// overload guard.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

type Request struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type Response struct {
	Completion string `json:"completion"`
	Model      string `json:"model,omitempty"`
}

type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// HTTPClient talks to the provider's completion endpoint.
type HTTPClient struct {
	url string
	hc  *http.Client
}

func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{url: url, hc: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) Complete(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, errors.Wrap(err, "marshal completion request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, errors.Wrap(err, "build completion request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return Response{}, errors.Wrap(err, "completion request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Response{}, errors.Errorf("completion returned %d: %s", resp.StatusCode, b)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, errors.Wrap(err, "decode completion response")
	}
	return out, nil
}
