// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"courier/internal/jobs"
)

// ErrRequestFailed wraps failures the hub reported in its Result
var ErrRequestFailed = errors.New("hub request failed")

// Client calls a running hub's HTTP API
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates a client for the API at address, with or without scheme
func NewClient(address string, timeout time.Duration) (*Client, error) {
	if address == "" {
		return nil, fmt.Errorf("api address is required")
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	if _, err := url.Parse(address); err != nil {
		return nil, fmt.Errorf("invalid api address: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(address, "/") + "/api/v1",
	}, nil
}

// SetToken sends token as a bearer credential on every request
func (c *Client) SetToken(token string) {
	c.token = token
}

// Health checks the hub is serving
func (c *Client) Health(ctx context.Context) (*Result, error) {
	return c.do(ctx, http.MethodGet, "/health", nil)
}

// SubmitJob queues a transcription job
func (c *Client) SubmitJob(ctx context.Context, req JobRequest) (*Result, error) {
	return c.do(ctx, http.MethodPost, "/jobs", req)
}

// JobStatus fetches a job and its history
func (c *Client) JobStatus(ctx context.Context, jobID string) (*Result, error) {
	return c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil)
}

// ListJobs lists retained jobs, all of them when status is empty
func (c *Client) ListJobs(ctx context.Context, status jobs.Status) (*Result, error) {
	path := "/jobs"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	return c.do(ctx, http.MethodGet, path, nil)
}

// CancelJob cancels a job
func (c *Client) CancelJob(ctx context.Context, jobID string) (*Result, error) {
	return c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(jobID), nil)
}

// PauseJob holds a queued job
func (c *Client) PauseJob(ctx context.Context, jobID string) (*Result, error) {
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/pause", nil)
}

// ResumeJob releases a paused job
func (c *Client) ResumeJob(ctx context.Context, jobID string) (*Result, error) {
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/resume", nil)
}

// Metrics fetches the aggregate hub metrics
func (c *Client) Metrics(ctx context.Context) (*Result, error) {
	return c.do(ctx, http.MethodGet, "/metrics", nil)
}

// Components lists registered components
func (c *Client) Components(ctx context.Context) (*Result, error) {
	return c.do(ctx, http.MethodGet, "/components", nil)
}

// do returns the decoded Result. A Result reporting failure is returned
// alongside an error wrapping ErrRequestFailed.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}) (*Result, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach hub: %w", err)
	}
	defer resp.Body.Close()

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if !res.Success {
		return &res, fmt.Errorf("%w (status %d): %s", ErrRequestFailed, resp.StatusCode, res.Error)
	}
	return &res, nil
}

// Snapshot fetches the metrics decoded into their typed form
func (c *Client) Snapshot(ctx context.Context) (*Metrics, error) {
	res, err := c.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	var metrics Metrics
	if err := res.Decode(&metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

// Jobs lists retained jobs decoded into their typed form
func (c *Client) Jobs(ctx context.Context, status jobs.Status) ([]*jobs.Job, error) {
	res, err := c.ListJobs(ctx, status)
	if err != nil {
		return nil, err
	}
	var list []*jobs.Job
	if err := res.Decode(&list); err != nil {
		return nil, err
	}
	return list, nil
}
