// Package client provides an HTTP client for the trust game API.
package client

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

	"github.com/xiaot623/trustgame/internal/domain"
)

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Code, e.Message)
}

// Client is an HTTP client for the trust game API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new game client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Register calls POST /new.
func (c *Client) Register(ctx context.Context, req *domain.RegistrationRequest) (*domain.RegistrationResponse, error) {
	var resp domain.RegistrationResponse
	if err := c.do(ctx, http.MethodPost, "/new", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Comprehension calls POST /comprehension.
func (c *Client) Comprehension(ctx context.Context, userID string, req *domain.ComprehensionRequest) (*domain.ComprehensionResponse, error) {
	var resp domain.ComprehensionResponse
	if err := c.do(ctx, http.MethodPost, "/comprehension", user(userID), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Play calls POST /play.
func (c *Client) Play(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/play", user(userID), nil, nil)
}

// Finish calls POST /finish.
func (c *Client) Finish(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/finish", user(userID), nil, nil)
}

// Invest calls POST /invest and returns the job id.
func (c *Client) Invest(ctx context.Context, userID string, amount, took int) (string, error) {
	q := user(userID)
	q.Set("amount", strconv.Itoa(amount))
	q.Set("time", strconv.Itoa(took))
	var resp domain.JobResponse
	if err := c.do(ctx, http.MethodPost, "/invest", q, nil, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// PollInvest calls GET /invest/:jobId.
func (c *Client) PollInvest(ctx context.Context, userID, jobID string) (*domain.InvestPollResponse, error) {
	var resp domain.InvestPollResponse
	if err := c.do(ctx, http.MethodGet, "/invest/"+url.PathEscape(jobID), user(userID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Query calls GET /query and returns the job id.
func (c *Client) Query(ctx context.Context, userID string) (string, error) {
	var resp domain.JobResponse
	if err := c.do(ctx, http.MethodGet, "/query", user(userID), nil, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// PollQuery calls GET /query/:jobId.
func (c *Client) PollQuery(ctx context.Context, userID, jobID string) (*domain.QueryPollResponse, error) {
	var resp domain.QueryPollResponse
	if err := c.do(ctx, http.MethodGet, "/query/"+url.PathEscape(jobID), user(userID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Return calls POST /return and reports whether the game is finished.
func (c *Client) Return(ctx context.Context, userID string, returned, took int) (bool, error) {
	req := &domain.ReturnRequest{UserID: userID, Returned: &returned, Time: took}
	var resp domain.FinishedResponse
	if err := c.do(ctx, http.MethodPost, "/return", nil, req, &resp); err != nil {
		return false, err
	}
	return resp.Finished, nil
}

// Submit calls POST /submit.
func (c *Client) Submit(ctx context.Context, userID string, req *domain.SubmitRequest) error {
	return c.do(ctx, http.MethodPost, "/submit", user(userID), req, nil)
}

// Offload calls DELETE /offload.
func (c *Client) Offload(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, "/offload", user(userID), nil, nil)
}

func user(userID string) url.Values {
	return url.Values{"userId": []string{userID}}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
