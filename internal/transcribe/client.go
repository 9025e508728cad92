package transcribe

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

	"github.com/rs/zerolog"

	"courier/internal/logger"
)

// Config locates the transcription service
type Config struct {
	Provider string        `yaml:"provider" json:"provider" env:"PROVIDER"`
	BaseURL  string        `yaml:"base_url" json:"base_url" env:"BASE_URL"`
	APIKey   string        `yaml:"api_key" json:"-" env:"API_KEY"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
}

// HTTPClient talks to the transcription service over JSON/HTTP
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     zerolog.Logger
}

// NewHTTPClient creates a client for cfg.BaseURL
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("transcription base_url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid transcription base_url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger.GetLogger("transcribe"),
	}, nil
}

// Submit sends a new transcription request
func (c *HTTPClient) Submit(ctx context.Context, req Request) (*Submission, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var submission Submission
	if err := c.do(ctx, http.MethodPost, "/v1/transcriptions", req, &submission); err != nil {
		return nil, err
	}
	if submission.ExternalID == "" {
		return nil, fmt.Errorf("%w: response carried no job_id", ErrUnavailable)
	}

	c.logger.Debug().
		Str("reference_id", req.ReferenceID).
		Str("external_id", submission.ExternalID).
		Msg("Transcription submitted")
	return &submission, nil
}

// PollStatus fetches the remote job status
func (c *HTTPClient) PollStatus(ctx context.Context, externalID string) (*StatusReport, error) {
	var report StatusReport
	if err := c.do(ctx, http.MethodGet, "/v1/transcriptions/"+url.PathEscape(externalID), nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// FetchResult downloads the finished transcript
func (c *HTTPClient) FetchResult(ctx context.Context, externalID string) (*Result, error) {
	var result Result
	if err := c.do(ctx, http.MethodGet, "/v1/transcriptions/"+url.PathEscape(externalID)+"/result", nil, &result); err != nil {
		return nil, err
	}
	if result.ExternalID == "" {
		result.ExternalID = externalID
	}
	return &result, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 300 {
		apiErr := statusError(resp, data)
		c.logger.Warn().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Str("code", apiErr.Code).
			Msg("Transcription API request failed")
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}
	return nil
}

// statusError maps an HTTP failure onto the API error taxonomy
func statusError(resp *http.Response, body []byte) *APIError {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	if payload.Message == "" {
		payload.Message = payload.Error
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Code:       payload.Code,
		Message:    payload.Message,
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		apiErr.Kind = ErrRateLimited
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(seconds) * time.Second
		}
	case resp.StatusCode == http.StatusPaymentRequired:
		apiErr.Kind = ErrQuotaExceeded
	case resp.StatusCode == http.StatusForbidden && strings.Contains(payload.Code, "quota"):
		apiErr.Kind = ErrQuotaExceeded
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		apiErr.Kind = ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		apiErr.Kind = ErrNotFound
	case resp.StatusCode >= 500:
		apiErr.Kind = ErrUnavailable
	default:
		apiErr.Kind = ErrInvalidRequest
	}
	return apiErr
}
