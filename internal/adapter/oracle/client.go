package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls a remote solver over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ Oracle = (*Client)(nil)

// NewClient creates a new solver client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// computeResponse is the solver's wire format. OK is false when the
// computation raised an error, described by Message.
type computeResponse struct {
	OK      bool   `json:"ok"`
	Action  *int   `json:"action"`
	Message string `json:"message,omitempty"`
	Cache   Cache  `json:"cache"`
}

// ComputeAction calls POST /compute on the solver.
func (c *Client) ComputeAction(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal compute request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/compute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call solver: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read solver response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("solver returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out computeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode solver response: %w", err)
	}
	if !out.OK {
		return nil, fmt.Errorf("solver error: %s", out.Message)
	}
	if out.Action == nil {
		return nil, fmt.Errorf("solver response has no action")
	}
	if *out.Action < 0 || *out.Action > req.Limit() {
		return nil, fmt.Errorf("solver action %d outside [0, %d]", *out.Action, req.Limit())
	}
	return &Response{Action: *out.Action, Belief: out.Cache.Belief}, nil
}
