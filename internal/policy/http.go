package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseSize caps PDP response bodies.
const maxResponseSize = 1 << 20 // 1 MB

// HTTPClient speaks the policy engine wire contract over HTTP: POST the
// request envelope, read {allow, step_up_required, reason?, rule_id?}.
type HTTPClient struct {
	url    string
	client *http.Client
}

// NewHTTPClient creates a client for the PDP at url.
func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Evaluate posts one evaluation request. Transport, status, and schema errors
// surface as errors for the adapter to collapse to DENY.
func (c *HTTPClient) Evaluate(ctx context.Context, req *Request) (*EngineResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding policy request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building policy request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling policy engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy engine returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading policy response: %w", err)
	}

	var engineResp EngineResponse
	if err := json.Unmarshal(raw, &engineResp); err != nil {
		return nil, fmt.Errorf("decoding policy response: %w", err)
	}
	return &engineResp, nil
}
